// Package config resolves process-wide settings once at startup. All values
// are immutable for the process lifetime; sessions receive them by value at
// creation and never read configuration afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. Nested keys use a
// double underscore: VOICERAG_MODEL__API_KEY -> model.api_key.
const EnvPrefix = "VOICERAG_"

// Provider variants for the upstream voice model endpoint.
const (
	VariantAOAIRealtime = "aoai_realtime"
	VariantVoiceAgent   = "voice_agent_realtime"
)

// Voice activity detection modes.
const (
	VADServer   = "server_vad"
	VADSemantic = "semantic_vad"
)

type Config struct {
	Server ServerConfig `koanf:"server"`
	Model  ModelConfig  `koanf:"model"`
	Search SearchConfig `koanf:"search"`
}

type ServerConfig struct {
	Port      int    `koanf:"port"`
	StaticDir string `koanf:"static_dir"`
}

// ModelConfig selects and authenticates the upstream voice model endpoint
// and holds the server-enforced session policy inputs.
type ModelConfig struct {
	Variant    string `koanf:"variant"`
	Endpoint   string `koanf:"endpoint"`
	Deployment string `koanf:"deployment"`
	APIVersion string `koanf:"api_version"`
	APIKey     string `koanf:"api_key"`

	Voice         string    `koanf:"voice"`
	VADType       string    `koanf:"vad_type"`
	VAD           VADConfig `koanf:"vad"`
	Transcription string    `koanf:"transcription"`

	// Language, when set, rewrites the system message so the assistant
	// answers in that language regardless of the question's language.
	Language string `koanf:"language"`

	// Instructions overrides the built-in system message entirely.
	Instructions string `koanf:"instructions"`

	Temperature       *float64 `koanf:"temperature"`
	MaxResponseTokens int      `koanf:"max_response_tokens"`
}

// VADConfig carries parameters for both VAD modes; only the ones matching
// VADType are sent upstream.
type VADConfig struct {
	Threshold         float64 `koanf:"threshold"`
	PrefixPaddingMS   int     `koanf:"prefix_padding_ms"`
	SilenceDurationMS int     `koanf:"silence_duration_ms"`
	Eagerness         string  `koanf:"eagerness"`
}

// SearchConfig describes the retrieval backend and its field mappings.
type SearchConfig struct {
	Endpoint              string `koanf:"endpoint"`
	Index                 string `koanf:"index"`
	APIKey                string `koanf:"api_key"`
	APIVersion            string `koanf:"api_version"`
	SemanticConfiguration string `koanf:"semantic_configuration"`

	IdentifierField string `koanf:"identifier_field"`
	ContentField    string `koanf:"content_field"`
	EmbeddingField  string `koanf:"embedding_field"`
	TitleField      string `koanf:"title_field"`

	UseVectorQuery bool `koanf:"use_vector_query"`
	TopK           int  `koanf:"top_k"`
}

// Load reads an optional YAML file and overlays environment variables.
// An empty path skips the file layer; a missing file at an explicit path is
// an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	setDefaults(k)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	k.Set("server.port", 8765)
	k.Set("server.static_dir", "static")

	k.Set("model.variant", VariantAOAIRealtime)
	k.Set("model.api_version", "2025-04-01-preview")
	k.Set("model.vad_type", VADServer)
	k.Set("model.vad.threshold", 0.5)
	k.Set("model.vad.prefix_padding_ms", 300)
	k.Set("model.vad.silence_duration_ms", 500)
	k.Set("model.vad.eagerness", "auto")
	k.Set("model.transcription", "whisper-1")

	k.Set("search.api_version", "2024-07-01")
	k.Set("search.identifier_field", "chunk_id")
	k.Set("search.content_field", "chunk")
	k.Set("search.embedding_field", "text_vector")
	k.Set("search.title_field", "title")
	k.Set("search.use_vector_query", true)
	k.Set("search.top_k", 5)
}

// Validate checks the configuration once at startup. Any returned error is
// fatal: the process refuses to start rather than run with a partial setup.
func (c *Config) Validate() error {
	var errs []error

	required := []struct {
		key, val string
	}{
		{"model.endpoint", c.Model.Endpoint},
		{"model.deployment", c.Model.Deployment},
		{"model.api_key", c.Model.APIKey},
		{"search.endpoint", c.Search.Endpoint},
		{"search.index", c.Search.Index},
		{"search.api_key", c.Search.APIKey},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			errs = append(errs, &ConfigurationError{Field: r.key, Reason: "required"})
		}
	}

	switch c.Model.Variant {
	case VariantAOAIRealtime, VariantVoiceAgent:
	default:
		errs = append(errs, &ConfigurationError{Field: "model.variant", Reason: fmt.Sprintf("unknown variant %q", c.Model.Variant)})
	}

	switch c.Model.VADType {
	case VADServer, VADSemantic:
	default:
		errs = append(errs, &ConfigurationError{Field: "model.vad_type", Reason: fmt.Sprintf("unknown VAD type %q", c.Model.VADType)})
	}

	if c.Search.TopK <= 0 {
		errs = append(errs, &ConfigurationError{Field: "search.top_k", Reason: "must be positive"})
	}

	return errors.Join(errs...)
}

// ConfigurationError marks a startup-time configuration failure.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

const defaultInstructions = `You are a helpful assistant. Answer questions based only on information retrieved from the knowledge base using the 'search' tool.
The user is listening to your responses, so keep answers concise and limited to a single sentence whenever possible.
Do not read out file names, source names, or keys.

Follow these steps strictly:
Always use the 'search' tool to look up information before responding.
If the answer is not found, simply state: I don't know.
Respond in the same language as the question.

Special Instructions:
When mentioning the model "X10," always pronounce it as "X one-zero", not "ten." For example, "The X one-zero device is optimized for high-speed processing." Keep this pronunciation consistent throughout the discussion.
Ensure this pronunciation is consistent throughout the conversation.`

// Instructions returns the server-held system message, applying the
// language rewrite when configured. Clients can never override this text;
// the relay writes it into every session.update sent upstream.
func (c *Config) Instructions() string {
	msg := c.Model.Instructions
	if msg == "" {
		msg = defaultInstructions
	}
	if c.Model.Language != "" {
		msg = strings.Replace(msg,
			"You are a helpful assistant.",
			"You are a helpful assistant that speaks in "+c.Model.Language+".", 1)
	}
	return msg
}
