package config

import (
	"errors"
	"log/slog"
	"strings"
)

type Config struct {
	Server       ServerConfig       `cfg:"server"`
	LLM          LLMConfig          `cfg:"llm"`
	Ollama       OllamaConfig       `cfg:"ollama"`
	Storage      StorageConfig      `cfg:"storage"`
	Log          LogConfig          `cfg:"log"`
	Orchestrator OrchestratorConfig `cfg:"orchestrator"`
	Analysis     AnalysisConfig     `cfg:"analysis"`
	Pricing      PricingConfig      `cfg:"pricing"`
	Tracing      TracingConfig      `cfg:"tracing"`
}

type ServerConfig struct {
	Port     int    `cfg:"port" validate:"min=1,max=65535"`
	APIToken string `cfg:"api_token"`
}

// LLMConfig selects the generative backend. APIKey is only needed for
// openrouter.
type LLMConfig struct {
	Provider string `cfg:"provider" validate:"oneof=openrouter ollama"`
	BaseURL  string `cfg:"base_url" validate:"required,url"`
	Model    string `cfg:"model" validate:"required"`
	APIKey   string `cfg:"api_key" validate:"required_if=Provider openrouter"`
}

type OllamaConfig struct {
	BaseURL string `cfg:"base_url" validate:"required,url"`
	Model   string `cfg:"model" validate:"required"`
}

type StorageConfig struct {
	DataDir string `cfg:"data_dir" validate:"required"`
}

type LogConfig struct {
	Level string `cfg:"level" validate:"oneof=debug info warn error"`
}

type OrchestratorConfig struct {
	MaxSteps      int `cfg:"max_steps" validate:"min=1,max=10"`
	MaxRoundTrips int `cfg:"max_round_trips" validate:"min=1,max=5"`
}

type AnalysisConfig struct {
	Temperature float64 `cfg:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `cfg:"max_tokens" validate:"min=1,max=8192"`
}

type PricingConfig struct {
	File string `cfg:"file" validate:"omitempty,file"`
}

// TracingConfig selects where orchestrator spans are exported. Endpoint is
// the OTLP/gRPC collector URL; an http:// scheme disables TLS.
type TracingConfig struct {
	Exporter   string  `cfg:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint   string  `cfg:"endpoint" validate:"required_if=Exporter otlp"`
	SampleRate float64 `cfg:"sample_rate" validate:"gte=0,lte=1"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		LLM: LLMConfig{
			Provider: "openrouter",
			BaseURL:  "https://openrouter.ai/api/v1",
			Model:    "google/gemini-2.0-flash-001",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Orchestrator: OrchestratorConfig{
			MaxSteps:      5,
			MaxRoundTrips: 3,
		},
		Analysis: AnalysisConfig{
			Temperature: 0.3,
			MaxTokens:   800,
		},
		Tracing: TracingConfig{
			Exporter:   "none",
			Endpoint:   "http://localhost:4317",
			SampleRate: 1,
		},
	}
}

// SlogLevel maps the configured level name onto slog. Unknown names map to
// info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads configuration from $XDG_CONFIG_HOME/posture/config.json,
// POSTURE_* environment variables and the secrets file at
// $XDG_DATA_HOME/posture/secrets.json, in increasing order of precedence
// for plain keys. Secret keys come from the environment first and fall back
// to the secrets file.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// LoadRaw is Load without validation, for commands that never reach the
// generative backend (seed, status, interactions).
func LoadRaw() (Config, error) {
	return resolve(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

func loadWith(b ConfigBackend, s secretStore) (Config, error) {
	cfg, err := resolve(b, s)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolve(b ConfigBackend, s secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := applySecrets(&cfg, s); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applySecrets(cfg *Config, s secretStore) error {
	for _, spec := range specs {
		if !spec.secret || spec.extract(*cfg) != "" {
			continue
		}
		v, err := s.Get(spec.key)
		if errors.Is(err, errSecretNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		spec.apply(cfg, strings.TrimSpace(v))
	}
	return nil
}
