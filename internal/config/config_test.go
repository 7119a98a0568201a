package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VOICERAG_MODEL__ENDPOINT", "https://voice.example.com")
	t.Setenv("VOICERAG_MODEL__DEPLOYMENT", "gpt-4o-realtime")
	t.Setenv("VOICERAG_MODEL__API_KEY", "model-key")
	t.Setenv("VOICERAG_SEARCH__ENDPOINT", "https://search.example.com")
	t.Setenv("VOICERAG_SEARCH__INDEX", "docs-idx")
	t.Setenv("VOICERAG_SEARCH__API_KEY", "search-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Server.Port != 8765 {
		t.Errorf("server.port = %d, want 8765", cfg.Server.Port)
	}
	if cfg.Model.Variant != VariantAOAIRealtime {
		t.Errorf("model.variant = %q, want %q", cfg.Model.Variant, VariantAOAIRealtime)
	}
	if cfg.Model.VADType != VADServer {
		t.Errorf("model.vad_type = %q, want %q", cfg.Model.VADType, VADServer)
	}
	if cfg.Model.VAD.Threshold != 0.5 {
		t.Errorf("vad.threshold = %v, want 0.5", cfg.Model.VAD.Threshold)
	}
	if cfg.Search.IdentifierField != "chunk_id" || cfg.Search.ContentField != "chunk" ||
		cfg.Search.EmbeddingField != "text_vector" || cfg.Search.TitleField != "title" {
		t.Errorf("unexpected default search field mapping: %+v", cfg.Search)
	}
	if !cfg.Search.UseVectorQuery {
		t.Error("search.use_vector_query default = false, want true")
	}
	if cfg.Search.TopK != 5 {
		t.Errorf("search.top_k = %d, want 5", cfg.Search.TopK)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VOICERAG_SERVER__PORT", "9000")
	t.Setenv("VOICERAG_MODEL__VARIANT", VariantVoiceAgent)
	t.Setenv("VOICERAG_SEARCH__USE_VECTOR_QUERY", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("server.port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Model.Variant != VariantVoiceAgent {
		t.Errorf("model.variant = %q, want %q", cfg.Model.Variant, VariantVoiceAgent)
	}
	if cfg.Search.UseVectorQuery {
		t.Error("search.use_vector_query = true, want false")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VOICERAG_MODEL__VOICE", "coral")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "model:\n  voice: alloy\n  language: French\nserver:\n  port: 8111\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8111 {
		t.Errorf("server.port = %d, want 8111 from file", cfg.Server.Port)
	}
	// Environment wins over the file layer.
	if cfg.Model.Voice != "coral" {
		t.Errorf("model.voice = %q, want coral", cfg.Model.Voice)
	}
	if cfg.Model.Language != "French" {
		t.Errorf("model.language = %q, want French", cfg.Model.Language)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	err = cfg.Validate()
	if err == nil {
		t.Fatal("Validate() succeeded with no credentials or endpoints")
	}
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("Validate() error = %T, want ConfigurationError", err)
	}
}

func TestValidateUnknownVariant(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VOICERAG_MODEL__VARIANT", "dialup")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "model.variant") {
		t.Errorf("Validate() error = %v, want variant failure", err)
	}
}

func TestInstructionsLanguageRewrite(t *testing.T) {
	cfg := &Config{}
	if !strings.Contains(cfg.Instructions(), "You are a helpful assistant.") {
		t.Fatal("default instructions missing assistant preamble")
	}

	cfg.Model.Language = "German"
	got := cfg.Instructions()
	if !strings.Contains(got, "You are a helpful assistant that speaks in German.") {
		t.Errorf("language rewrite missing: %q", got[:80])
	}
	if !strings.Contains(got, "X one-zero") {
		t.Error("pronunciation guidance missing after rewrite")
	}
}

func TestInstructionsOverride(t *testing.T) {
	cfg := &Config{}
	cfg.Model.Instructions = "Answer only from the handbook."
	if got := cfg.Instructions(); got != "Answer only from the handbook." {
		t.Errorf("Instructions() = %q", got)
	}
}
