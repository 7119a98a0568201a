// Package rtevent defines the normalized realtime event vocabulary shared by
// the client-facing and upstream connections. Both provider variants are
// decoded into this single set of kinds before any relay logic runs.
package rtevent

import (
	"encoding/json"
	"strings"
)

// Event kinds carried over both connections. The relay dispatches on these
// rather than on handler callbacks so ordering rules live in one place.
const (
	KindSessionUpdate          = "session.update"
	KindSessionCreated         = "session.created"
	KindInputAudioAppend       = "input_audio_buffer.append"
	KindInputAudioClear        = "input_audio_buffer.clear"
	KindSpeechStarted          = "input_audio_buffer.speech_started"
	KindResponseAudioDelta     = "response.audio.delta"
	KindResponseDone           = "response.done"
	KindResponseCreate         = "response.create"
	KindTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	KindOutputItemAdded        = "response.output_item.added"
	KindOutputItemDone         = "response.output_item.done"
	KindItemCreated            = "conversation.item.created"
	KindItemCreate             = "conversation.item.create"
	KindFunctionArgsDelta      = "response.function_call_arguments.delta"
	KindFunctionArgsDone       = "response.function_call_arguments.done"
	KindExtensionToolResponse  = "extension.middle_tier_tool_response"
	KindError                  = "error"
)

// Item types that appear inside conversation and response item events.
const (
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
)

// Envelope is a single wire message: its discriminating kind plus the raw
// JSON it arrived as. Envelopes are immutable once constructed; rewriting an
// event always produces a new Envelope.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// Parse decodes the discriminating type of a wire message. It returns a
// *MalformedEventError for invalid JSON or a missing type; callers drop and
// log such messages rather than closing the connection.
func Parse(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, &MalformedEventError{Reason: "invalid JSON", Data: data}
	}
	if strings.TrimSpace(head.Type) == "" {
		return Envelope{}, &MalformedEventError{Reason: "missing event type", Data: data}
	}
	return Envelope{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

// Decode unmarshals the full event payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return &MalformedEventError{Reason: "payload does not match kind " + e.Type, Data: e.Raw}
	}
	return nil
}

// SessionEnvelope is the shared shape of session.update and session.created.
// The session object stays a generic map because the two provider variants
// disagree on field shapes inside it; the relay rewrites only the fields it
// enforces and forwards the rest untouched.
type SessionEnvelope struct {
	Type    string         `json:"type"`
	Session map[string]any `json:"session"`
}

// Encode re-serializes a rewritten session envelope.
func (s SessionEnvelope) Encode() (Envelope, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: s.Type, Raw: raw}, nil
}

// AudioAppend is a client microphone frame: base64-encoded raw PCM.
type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// AudioDelta is a synthesized playback frame from the model.
type AudioDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// TranscriptionCompleted carries the finished transcript of one user
// utterance.
type TranscriptionCompleted struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// Item is a conversation or response item. Only the fields the relay
// inspects are decoded; function_call items additionally carry the call
// identity and model-provided arguments.
type Item struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// ItemEnvelope is the shared shape of conversation.item.created,
// response.output_item.added and response.output_item.done.
type ItemEnvelope struct {
	Type           string `json:"type"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           *Item  `json:"item"`
}

// ContentBlock is one block of assistant output. Text-modality blocks fill
// text; audio-modality blocks fill transcript.
type ContentBlock struct {
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// OutputItem is one item of a completed response.
type OutputItem struct {
	Type    string         `json:"type"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ResponseDone is the typed projection of response.done used by the
// transcript reducer. Forwarding uses the raw map form instead so unknown
// provider fields survive the trip (see StripFunctionCalls).
type ResponseDone struct {
	Type     string `json:"type"`
	Response struct {
		Output []OutputItem `json:"output"`
	} `json:"response"`
}

// ErrorEvent is the client-visible error envelope.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ExtensionToolResponse mirrors a grounding tool result to the client. The
// tool_result field is the JSON-encoded payload the tool produced.
type ExtensionToolResponse struct {
	Type           string `json:"type"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
	ToolName       string `json:"tool_name"`
	ToolResult     string `json:"tool_result"`
}

// StripFunctionCalls removes function_call items from the output array of a
// raw response.done event without disturbing any other field. It reports
// whether anything was removed; when nothing was, the original bytes are
// returned as-is.
func StripFunctionCalls(raw []byte) ([]byte, bool, error) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false, &MalformedEventError{Reason: "invalid response.done", Data: raw}
	}
	resp, ok := msg["response"].(map[string]any)
	if !ok {
		return raw, false, nil
	}
	output, ok := resp["output"].([]any)
	if !ok {
		return raw, false, nil
	}
	kept := make([]any, 0, len(output))
	removed := false
	for _, item := range output {
		if m, ok := item.(map[string]any); ok && m["type"] == ItemTypeFunctionCall {
			removed = true
			continue
		}
		kept = append(kept, item)
	}
	if !removed {
		return raw, false, nil
	}
	resp["output"] = kept
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
