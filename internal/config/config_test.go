package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// mapBackend is an in-memory ConfigBackend.
type mapBackend map[string]any

func (m mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return "", true, nil
}

func (m mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, errors.New("not an int")
	}
	return i, true, nil
}

func (m mapBackend) SetString(key, val string) error       { m[key] = val; return nil }
func (m mapBackend) SetInt(key string, val int) error       { m[key] = val; return nil }
func (m mapBackend) SetFloat(key string, val float64) error { m[key] = val; return nil }
func (m mapBackend) Delete(key string) error                { delete(m, key); return nil }

// mockSecrets is a test double for secretStore.
type mockSecrets map[string]string

func (m mockSecrets) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errSecretNotFound
	}
	return v, nil
}

func (m mockSecrets) Set(key, value string) error {
	m[key] = value
	return nil
}

// clearEnv blanks every POSTURE_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(mapBackend{}, mockSecrets{"llm.api_key": "test-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.LLM.Provider != "openrouter" {
		t.Errorf("LLM.Provider = %q, want openrouter", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "google/gemini-2.0-flash-001" {
		t.Errorf("LLM.Model = %q", cfg.LLM.Model)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Orchestrator.MaxSteps != 5 || cfg.Orchestrator.MaxRoundTrips != 3 {
		t.Errorf("Orchestrator = %+v, want 5/3", cfg.Orchestrator)
	}
	if cfg.Analysis.Temperature != 0.3 || cfg.Analysis.MaxTokens != 800 {
		t.Errorf("Analysis = %+v", cfg.Analysis)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if !strings.HasSuffix(cfg.Storage.DataDir, "posture") {
		t.Errorf("Storage.DataDir = %q, want suffix posture", cfg.Storage.DataDir)
	}
	if cfg.LLM.APIKey != "test-key" {
		t.Errorf("LLM.APIKey = %q, want from secrets", cfg.LLM.APIKey)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := mapBackend{
		"server.port":            5000,
		"llm.model":              "openai/gpt-4o-mini",
		"orchestrator.max_steps": 7,
		"analysis.temperature":   "0.7",
	}
	cfg, err := loadWith(b, mockSecrets{"llm.api_key": "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.LLM.Model != "openai/gpt-4o-mini" {
		t.Errorf("LLM.Model = %q", cfg.LLM.Model)
	}
	if cfg.Orchestrator.MaxSteps != 7 {
		t.Errorf("MaxSteps = %d, want 7", cfg.Orchestrator.MaxSteps)
	}
	if cfg.Analysis.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", cfg.Analysis.Temperature)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTURE_SERVER_PORT", "9999")
	t.Setenv("POSTURE_LLM_API_KEY", "env-key")
	t.Setenv("POSTURE_ANALYSIS_TEMPERATURE", "0.5")

	cfg, err := loadWith(mapBackend{"server.port": 5000}, mockSecrets{"llm.api_key": "file-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("LLM.APIKey = %q, want env-key", cfg.LLM.APIKey)
	}
	if cfg.Analysis.Temperature != 0.5 {
		t.Errorf("Temperature = %v, want 0.5", cfg.Analysis.Temperature)
	}
}

func TestBadEnvValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTURE_SERVER_PORT", "not-a-port")

	cfg, err := loadWith(mapBackend{}, mockSecrets{"llm.api_key": "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want default 4000", cfg.Server.Port)
	}
}

func TestMissingAPIKey(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(mapBackend{}, mockSecrets{})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	for _, want := range []string{"missing required config: llm.api_key", "POSTURE_LLM_API_KEY"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to contain %q", err, want)
		}
	}
}

func TestOllamaNeedsNoAPIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTURE_LLM_PROVIDER", "ollama")

	if _, err := loadWith(mapBackend{}, mockSecrets{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"provider", func(c *Config) { c.LLM.Provider = "bedrock" }, "llm.provider must be one of"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port must be at least 1"},
		{"steps", func(c *Config) { c.Orchestrator.MaxSteps = 11 }, "orchestrator.max_steps must be at most 10"},
		{"round trips", func(c *Config) { c.Orchestrator.MaxRoundTrips = 0 }, "orchestrator.max_round_trips must be at least 1"},
		{"temperature", func(c *Config) { c.Analysis.Temperature = 3 }, "analysis.temperature must be at most 2"},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "log.level must be one of"},
		{"base url", func(c *Config) { c.LLM.BaseURL = "not a url" }, "llm.base_url must be a valid URL"},
		{"pricing file", func(c *Config) { c.Pricing.File = "/nonexistent/pricing.yaml" }, "pricing.file must point to an existing file"},
		{"tracing exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "tracing.exporter must be one of"},
		{"tracing endpoint", func(c *Config) { c.Tracing.Exporter = "otlp"; c.Tracing.Endpoint = "" }, "missing required config: tracing.endpoint"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "tracing.sample_rate must be at most 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			cfg.LLM.APIKey = "k"
			tt.mutate(&cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestTracingConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTURE_TRACING_EXPORTER", "otlp")
	t.Setenv("POSTURE_TRACING_SAMPLE_RATE", "0.25")

	cfg, err := loadWith(mapBackend{"tracing.endpoint": "http://collector:4317"}, mockSecrets{"llm.api_key": "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Tracing.Exporter != "otlp" || cfg.Tracing.Endpoint != "http://collector:4317" || cfg.Tracing.SampleRate != 0.25 {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}

	if got := defaults().Tracing; got.Exporter != "none" || got.SampleRate != 1 {
		t.Errorf("default Tracing = %+v", got)
	}
}

func TestSlogLevel(t *testing.T) {
	for level, want := range map[string]string{"debug": "DEBUG", "warn": "WARN", "error": "ERROR", "info": "INFO", "": "INFO"} {
		if got := (LogConfig{Level: level}).SlogLevel().String(); got != want {
			t.Errorf("SlogLevel(%q) = %s, want %s", level, got, want)
		}
	}
}

func TestSetKey(t *testing.T) {
	b := mapBackend{}
	secrets := mockSecrets{}

	if err := setKeyWith(b, secrets, "server.port", "5001"); err != nil {
		t.Fatalf("SetKey port: %v", err)
	}
	if b["server.port"] != 5001 {
		t.Errorf("server.port = %v, want 5001", b["server.port"])
	}

	if err := setKeyWith(b, secrets, "analysis.temperature", "0.9"); err != nil {
		t.Fatalf("SetKey temperature: %v", err)
	}
	if b["analysis.temperature"] != 0.9 {
		t.Errorf("analysis.temperature = %v, want 0.9", b["analysis.temperature"])
	}

	if err := setKeyWith(b, secrets, "llm.api_key", "sk-new"); err != nil {
		t.Fatalf("SetKey api key: %v", err)
	}
	if secrets["llm.api_key"] != "sk-new" {
		t.Errorf("secret not stored: %v", secrets)
	}
	if _, ok := b["llm.api_key"]; ok {
		t.Error("secret leaked into config backend")
	}

	if err := setKeyWith(b, secrets, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyWith(b, secrets, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-secret"

	infos := ShowAll(cfg)
	if len(infos) != len(ValidKeys()) {
		t.Fatalf("ShowAll returned %d keys, want %d", len(infos), len(ValidKeys()))
	}
	for _, ki := range infos {
		if strings.Contains(ki.Value, "sk-secret") {
			t.Errorf("%s exposes secret value", ki.Key)
		}
		if ki.Key == "server.api_token" && ki.Value != "" {
			t.Errorf("unset secret shown as %q", ki.Value)
		}
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posture", "config.json")

	b := newFileBackend(path)
	if err := b.SetInt("server.port", 4100); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetFloat("analysis.temperature", 0.25); err != nil {
		t.Fatalf("SetFloat: %v", err)
	}

	reloaded := newFileBackend(path)
	port, ok, err := reloaded.GetInt("server.port")
	if err != nil || !ok || port != 4100 {
		t.Errorf("GetInt = %d, %v, %v", port, ok, err)
	}
	temp, ok, _ := reloaded.GetString("analysis.temperature")
	if !ok || temp != "0.25" {
		t.Errorf("GetString(temperature) = %q, %v", temp, ok)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestFileSecrets(t *testing.T) {
	s := fileSecrets{path: filepath.Join(t.TempDir(), "secrets.json")}

	if _, err := s.Get("llm.api_key"); !errors.Is(err, errSecretNotFound) {
		t.Errorf("Get on missing file: err = %v, want errSecretNotFound", err)
	}
	if err := s.Set("llm.api_key", "sk-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("server.api_token", "tok"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := s.Get("llm.api_key")
	if err != nil || v != "sk-1" {
		t.Errorf("Get = %q, %v", v, err)
	}
	if _, err := s.Get("other"); !errors.Is(err, errSecretNotFound) {
		t.Errorf("Get unknown: err = %v", err)
	}
}

func TestResolveSkipsValidation(t *testing.T) {
	clearEnv(t)

	cfg, err := resolve(mapBackend{}, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "" || cfg.Server.Port != 4000 {
		t.Errorf("cfg = %+v", cfg)
	}
}
