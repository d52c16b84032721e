package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"

	"github.com/kalambet/posture/internal/analysis"
	"github.com/kalambet/posture/internal/api"
	"github.com/kalambet/posture/internal/config"
	"github.com/kalambet/posture/internal/llm"
	"github.com/kalambet/posture/internal/orchestrator"
	"github.com/kalambet/posture/internal/storage"
	"github.com/kalambet/posture/internal/telemetry"
	"github.com/kalambet/posture/internal/tools"
)

// app is the wired pipeline shared by serve and ask --local.
type app struct {
	cfg          config.Config
	store        *storage.Store
	backend      llm.Backend
	orchestrator *orchestrator.Orchestrator
	assembler    api.Assembler
}

func setupLogging(cfg config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))
}

// setupTracing installs the configured span exporter. The returned func
// flushes pending spans on exit.
func setupTracing(ctx context.Context, cfg config.Config) (func(), error) {
	tp, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Exporter:   cfg.Tracing.Exporter,
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
		Version:    version,
	})
	if err != nil {
		return nil, err
	}
	if tp != nil {
		slog.Info("tracing enabled", "exporter", cfg.Tracing.Exporter, "sample_rate", cfg.Tracing.SampleRate)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := telemetry.ShutdownTracing(ctx, tp); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}, nil
}

// newBackend returns the configured generative backend and the model name
// requests will carry.
func newBackend(cfg config.Config) (llm.Backend, string) {
	if cfg.LLM.Provider == "ollama" {
		return llm.NewOllama(cfg.Ollama.BaseURL, cfg.Ollama.Model), cfg.Ollama.Model
	}
	return llm.NewOpenRouter(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model), cfg.LLM.Model
}

func loadPricing(cfg config.Config) (*llm.Pricing, error) {
	if cfg.Pricing.File == "" {
		return llm.DefaultPricing(), nil
	}
	p, err := llm.LoadPricing(cfg.Pricing.File)
	if err != nil {
		return nil, fmt.Errorf("loading pricing: %w", err)
	}
	return p, nil
}

func newApp(cfg config.Config, store *storage.Store, backend llm.Backend, model string) (*app, error) {
	pricing, err := loadPricing(cfg)
	if err != nil {
		return nil, err
	}

	analyzer := analysis.New(backend, analysis.Options{
		Model:       model,
		Temperature: cfg.Analysis.Temperature,
		MaxTokens:   cfg.Analysis.MaxTokens,
	})

	orch, err := orchestrator.New(backend, tools.NewRetrievalRegistry(store), analyzer,
		orchestrator.WithLimits(orchestrator.Limits{
			MaxSteps:          cfg.Orchestrator.MaxSteps,
			MaxToolRoundTrips: cfg.Orchestrator.MaxRoundTrips,
		}),
		orchestrator.WithModel(model),
		orchestrator.WithTracer(otel.Tracer("github.com/kalambet/posture/orchestrator")),
		orchestrator.WithLogger(slog.Default().With("component", "orchestrator")),
	)
	if err != nil {
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}

	return &app{
		cfg:          cfg,
		store:        store,
		backend:      backend,
		orchestrator: orch,
		assembler:    api.Assembler{Pricing: pricing, Provider: cfg.LLM.Provider, Model: model},
	}, nil
}

// checkOllama warns when the local backend is down or missing the model.
// The server still starts; queries fail with ModelUnavailable until it is fixed.
func checkOllama(ctx context.Context, cfg config.Config, backend llm.Backend) {
	o, ok := backend.(*llm.Ollama)
	if !ok {
		return
	}
	if !o.IsRunning(ctx) {
		printWarning("Ollama is not reachable at %s", cfg.Ollama.BaseURL)
		return
	}
	if !o.HasModel(ctx, cfg.Ollama.Model) {
		printWarning("Ollama model %q is not pulled; run: ollama pull %s", cfg.Ollama.Model, cfg.Ollama.Model)
	}
}
