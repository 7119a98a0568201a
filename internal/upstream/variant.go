package upstream

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/voicerag/relay/internal/config"
)

// Variant normalizes the wire differences between the two supported
// provider endpoints: URL scheme and path, authentication, the
// voice-selection field and the VAD payload shape. Everything past the
// Variant is the single internal event vocabulary.
type Variant interface {
	Name() string

	// DialURL is the WebSocket endpoint for one session.
	DialURL(cfg config.ModelConfig) (string, error)

	// AuthHeader returns the credential headers for the dial.
	AuthHeader(cfg config.ModelConfig) http.Header

	// VoiceValue is the variant's encoding of the voice choice.
	VoiceValue(voice string) any

	// TurnDetection is the variant's encoding of the VAD policy.
	TurnDetection(p SessionPolicy) map[string]any
}

// ForVariant selects the adapter once at configuration time.
func ForVariant(name string) (Variant, error) {
	switch name {
	case config.VariantAOAIRealtime:
		return aoaiRealtime{}, nil
	case config.VariantVoiceAgent:
		return voiceAgent{}, nil
	default:
		return nil, fmt.Errorf("unknown provider variant %q", name)
	}
}

func dialURL(cfg config.ModelConfig, path string) (string, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", cfg.Endpoint, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", cfg.Endpoint, u.Scheme)
	}
	u.Path = path
	q := url.Values{}
	q.Set("api-version", cfg.APIVersion)
	q.Set("deployment", cfg.Deployment)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func apiKeyHeader(cfg config.ModelConfig) http.Header {
	h := http.Header{}
	h.Set("api-key", cfg.APIKey)
	return h
}

// aoaiRealtime is the Azure OpenAI realtime endpoint.
type aoaiRealtime struct{}

func (aoaiRealtime) Name() string { return config.VariantAOAIRealtime }

func (aoaiRealtime) DialURL(cfg config.ModelConfig) (string, error) {
	return dialURL(cfg, "/openai/realtime")
}

func (aoaiRealtime) AuthHeader(cfg config.ModelConfig) http.Header {
	return apiKeyHeader(cfg)
}

func (aoaiRealtime) VoiceValue(voice string) any { return voice }

func (aoaiRealtime) TurnDetection(p SessionPolicy) map[string]any {
	if p.VADType == config.VADSemantic {
		return map[string]any{
			"type":            config.VADSemantic,
			"eagerness":       p.VAD.Eagerness,
			"create_response": true,
		}
	}
	return map[string]any{
		"type":                config.VADServer,
		"threshold":           p.VAD.Threshold,
		"prefix_padding_ms":   p.VAD.PrefixPaddingMS,
		"silence_duration_ms": p.VAD.SilenceDurationMS,
		"create_response":     true,
	}
}

// voiceAgent is the voice-agent realtime endpoint. It differs from
// aoaiRealtime in its URL path, the object-shaped voice selection and the
// azure_semantic_vad turn-detection type.
type voiceAgent struct{}

func (voiceAgent) Name() string { return config.VariantVoiceAgent }

func (voiceAgent) DialURL(cfg config.ModelConfig) (string, error) {
	return dialURL(cfg, "/voice-agent/realtime")
}

func (voiceAgent) AuthHeader(cfg config.ModelConfig) http.Header {
	return apiKeyHeader(cfg)
}

func (voiceAgent) VoiceValue(voice string) any {
	return map[string]any{
		"name": voice,
		"type": "azure-standard",
	}
}

func (voiceAgent) TurnDetection(p SessionPolicy) map[string]any {
	if p.VADType == config.VADSemantic {
		return map[string]any{
			"type":            "azure_semantic_vad",
			"eagerness":       p.VAD.Eagerness,
			"create_response": true,
		}
	}
	return map[string]any{
		"type":                config.VADServer,
		"threshold":           p.VAD.Threshold,
		"prefix_padding_ms":   p.VAD.PrefixPaddingMS,
		"silence_duration_ms": p.VAD.SilenceDurationMS,
		"create_response":     true,
	}
}
