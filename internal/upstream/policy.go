// Package upstream owns the duplex connection to the voice model provider
// and the two provider variant adapters that normalize its wire differences.
package upstream

import (
	"github.com/voicerag/relay/internal/config"
)

// SessionPolicy is the server-held session configuration. It is computed
// once from process configuration at session creation and never from client
// input, so a client cannot override safety-relevant policy.
type SessionPolicy struct {
	Instructions      string
	Voice             string
	VADType           string
	VAD               config.VADConfig
	Transcription     string
	Tools             []map[string]any
	Temperature       *float64
	MaxResponseTokens int
}

// PolicyFromConfig builds the enforced policy, declaring the given tool
// schemas to the model.
func PolicyFromConfig(cfg *config.Config, tools []map[string]any) SessionPolicy {
	return SessionPolicy{
		Instructions:      cfg.Instructions(),
		Voice:             cfg.Model.Voice,
		VADType:           cfg.Model.VADType,
		VAD:               cfg.Model.VAD,
		Transcription:     cfg.Model.Transcription,
		Tools:             tools,
		Temperature:       cfg.Model.Temperature,
		MaxResponseTokens: cfg.Model.MaxResponseTokens,
	}
}

// ApplyUpstream rewrites a session object bound for the provider so every
// policy field reflects server-held configuration, regardless of what the
// client put there.
func (p SessionPolicy) ApplyUpstream(session map[string]any, v Variant) {
	session["instructions"] = p.Instructions
	if p.Temperature != nil {
		session["temperature"] = *p.Temperature
	}
	if p.MaxResponseTokens > 0 {
		session["max_response_output_tokens"] = p.MaxResponseTokens
	}
	session["voice"] = v.VoiceValue(p.Voice)
	session["input_audio_transcription"] = map[string]any{"model": p.Transcription}
	session["turn_detection"] = v.TurnDetection(p)
	if len(p.Tools) > 0 {
		session["tool_choice"] = "auto"
	} else {
		session["tool_choice"] = "none"
	}
	tools := make([]any, 0, len(p.Tools))
	for _, t := range p.Tools {
		tools = append(tools, t)
	}
	session["tools"] = tools
}

// ScrubForClient rewrites a provider session.created bound for the client so
// instructions and the tool list never leak past the relay.
func (p SessionPolicy) ScrubForClient(session map[string]any, v Variant) {
	session["instructions"] = ""
	session["tools"] = []any{}
	session["tool_choice"] = "none"
	session["voice"] = v.VoiceValue(p.Voice)
	session["input_audio_transcription"] = map[string]any{"model": p.Transcription}
	session["turn_detection"] = v.TurnDetection(p)
	session["max_response_output_tokens"] = nil
}
