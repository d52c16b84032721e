package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "POSTURE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "POSTURE_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "llm.provider", typ: kString, env: "POSTURE_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "POSTURE_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "POSTURE_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.api_key", typ: kString, env: "POSTURE_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "POSTURE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "POSTURE_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "storage.data_dir", typ: kString, env: "POSTURE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "POSTURE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "orchestrator.max_steps", typ: kInt, env: "POSTURE_ORCHESTRATOR_MAX_STEPS",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.MaxSteps = v.(int) },
		extract: func(cfg Config) any { return cfg.Orchestrator.MaxSteps },
	},
	{
		key: "orchestrator.max_round_trips", typ: kInt, env: "POSTURE_ORCHESTRATOR_MAX_ROUND_TRIPS",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.MaxRoundTrips = v.(int) },
		extract: func(cfg Config) any { return cfg.Orchestrator.MaxRoundTrips },
	},
	{
		key: "analysis.temperature", typ: kFloat, env: "POSTURE_ANALYSIS_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Analysis.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Analysis.Temperature },
	},
	{
		key: "analysis.max_tokens", typ: kInt, env: "POSTURE_ANALYSIS_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Analysis.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.MaxTokens },
	},
	{
		key: "pricing.file", typ: kString, env: "POSTURE_PRICING_FILE",
		apply:   func(cfg *Config, v any) { cfg.Pricing.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Pricing.File },
	},
	{
		key: "tracing.exporter", typ: kString, env: "POSTURE_TRACING_EXPORTER",
		apply:   func(cfg *Config, v any) { cfg.Tracing.Exporter = v.(string) },
		extract: func(cfg Config) any { return cfg.Tracing.Exporter },
	},
	{
		key: "tracing.endpoint", typ: kString, env: "POSTURE_TRACING_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Tracing.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Tracing.Endpoint },
	},
	{
		key: "tracing.sample_rate", typ: kFloat, env: "POSTURE_TRACING_SAMPLE_RATE",
		apply:   func(cfg *Config, v any) { cfg.Tracing.SampleRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Tracing.SampleRate },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
