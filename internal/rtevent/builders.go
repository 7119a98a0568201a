package rtevent

import "encoding/json"

func mustEnvelope(kind string, v any) Envelope {
	raw, err := json.Marshal(v)
	if err != nil {
		// All builder inputs are plain strings and maps of JSON-safe values.
		panic("rtevent: marshal " + kind + ": " + err.Error())
	}
	return Envelope{Type: kind, Raw: raw}
}

// NewSessionUpdate builds a session.update carrying the given session object.
func NewSessionUpdate(session map[string]any) Envelope {
	return mustEnvelope(KindSessionUpdate, SessionEnvelope{Type: KindSessionUpdate, Session: session})
}

// NewAudioAppend builds an input_audio_buffer.append for one base64 PCM frame.
func NewAudioAppend(audio string) Envelope {
	return mustEnvelope(KindInputAudioAppend, AudioAppend{Type: KindInputAudioAppend, Audio: audio})
}

// NewInputAudioClear builds an input_audio_buffer.clear.
func NewInputAudioClear() Envelope {
	return mustEnvelope(KindInputAudioClear, struct {
		Type string `json:"type"`
	}{KindInputAudioClear})
}

// NewResponseCreate asks the model to continue its turn, used after tool
// results have been delivered.
func NewResponseCreate() Envelope {
	return mustEnvelope(KindResponseCreate, struct {
		Type string `json:"type"`
	}{KindResponseCreate})
}

// NewFunctionCallOutput builds the conversation.item.create that returns a
// tool result to the model.
func NewFunctionCallOutput(callID, output string) Envelope {
	return mustEnvelope(KindItemCreate, struct {
		Type string `json:"type"`
		Item Item   `json:"item"`
	}{
		Type: KindItemCreate,
		Item: Item{Type: ItemTypeFunctionCallOutput, CallID: callID, Output: output},
	})
}

// NewExtensionToolResponse mirrors a tool result to the client.
func NewExtensionToolResponse(previousItemID, toolName, toolResult string) Envelope {
	return mustEnvelope(KindExtensionToolResponse, ExtensionToolResponse{
		Type:           KindExtensionToolResponse,
		PreviousItemID: previousItemID,
		ToolName:       toolName,
		ToolResult:     toolResult,
	})
}

// NewError builds the client-visible error event.
func NewError(message string) Envelope {
	return mustEnvelope(KindError, ErrorEvent{Type: KindError, Message: message})
}
