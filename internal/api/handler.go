package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kalambet/posture/internal/orchestrator"
	"github.com/kalambet/posture/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Runner answers one query; *orchestrator.Orchestrator implements it.
// Validate reports request errors up front so they are never streamed.
type Runner interface {
	Validate(q orchestrator.Query) error
	Run(ctx context.Context, q orchestrator.Query, hook orchestrator.StepHook) (orchestrator.Answer, error)
}

// InteractionStore persists the audit log of answered queries.
type InteractionStore interface {
	SaveInteraction(ctx context.Context, i storage.Interaction) error
	GetInteraction(ctx context.Context, id string) (storage.Interaction, error)
	ListInteractions(ctx context.Context, limit, offset int) ([]storage.Interaction, error)
}

type Deps struct {
	Runner    Runner
	Store     InteractionStore // optional; nil disables the audit log
	Assembler Assembler
	Token     string
}

// QueryRequest is the body of POST /chats/query.
type QueryRequest struct {
	Query          string `json:"query"`
	OrganizationID string `json:"organization_id,omitempty"`
	ToolName       string `json:"toolname,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
}

// NewHandler returns the HTTP API. /health is always unauthenticated.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/chats/query", handleQuery(deps))
		if deps.Store != nil {
			r.Get("/interactions", handleListInteractions(deps))
			r.Get("/interactions/{id}", handleGetInteraction(deps))
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				httpError(w, http.StatusBadRequest, "Request body is missing. Ensure Content-Type is application/json.")
				return
			}
			httpError(w, http.StatusBadRequest, "Request body is not valid JSON.")
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "Query is required")
			return
		}

		q := orchestrator.Query{Text: req.Query, OrganizationID: req.OrganizationID, ToolName: req.ToolName}
		if err := deps.Runner.Validate(q); err != nil {
			code, body := AssembleError(err)
			recordInteraction(r.Context(), deps, q, orchestrator.Answer{}, err)
			writeJSON(w, code, body)
			return
		}
		start := time.Now()

		if req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			streamQuery(w, r, deps, q, start)
			return
		}

		ans, err := deps.Runner.Run(r.Context(), q, nil)
		if err != nil {
			code, body := AssembleError(err)
			recordInteraction(r.Context(), deps, q, orchestrator.Answer{}, err)
			writeJSON(w, code, body)
			return
		}

		resp := deps.Assembler.Assemble(ans)
		resp.InteractionID = recordInteraction(r.Context(), deps, q, ans, nil)
		slog.Info("query answered",
			"org", q.OrganizationID,
			"steps", ans.Steps,
			"round_trips", ans.RoundTrips,
			"truncated", ans.Truncated,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		writeJSON(w, http.StatusOK, resp)
	}
}

// streamQuery reports each orchestrator step as an SSE "step" event and ends
// with a single "answer" or "error" event.
func streamQuery(w http.ResponseWriter, r *http.Request, deps Deps, q orchestrator.Query, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event string, v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			slog.Error("api: encoding stream event", "event", event, "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		flusher.Flush()
	}

	ans, err := deps.Runner.Run(r.Context(), q, func(s orchestrator.Step) {
		send("step", s)
	})
	if err != nil {
		_, body := AssembleError(err)
		recordInteraction(r.Context(), deps, q, orchestrator.Answer{}, err)
		send("error", body)
		return
	}

	resp := deps.Assembler.Assemble(ans)
	resp.InteractionID = recordInteraction(r.Context(), deps, q, ans, nil)
	slog.Info("query answered (stream)", "org", q.OrganizationID, "steps", ans.Steps, "duration_ms", time.Since(start).Milliseconds())
	send("answer", resp)
}

// recordInteraction writes the audit entry and returns its id, or "" when
// the audit log is disabled or the write failed.
func recordInteraction(ctx context.Context, deps Deps, q orchestrator.Query, ans orchestrator.Answer, runErr error) string {
	if deps.Store == nil {
		return ""
	}

	ix := storage.Interaction{
		ID:             uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
		OrganizationID: q.OrganizationID,
		UserQuery:      q.Text,
		Response:       ans.Text,
		Steps:          ans.Steps,
		RoundTrips:     ans.RoundTrips,
		Status:         "completed",
	}
	switch {
	case runErr != nil:
		ix.Status = "failed"
	case ans.Truncated:
		ix.Status = "truncated"
	}

	// The request may already be cancelled; the audit entry is still written.
	if err := deps.Store.SaveInteraction(context.WithoutCancel(ctx), ix); err != nil {
		slog.Warn("api: saving interaction", "error", err)
		return ""
	}
	return ix.ID
}

func handleListInteractions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		interactions, err := deps.Store.ListInteractions(r.Context(), limit, offset)
		if err != nil {
			slog.Error("api: listing interactions", "error", err)
			httpError(w, http.StatusInternalServerError, internalErrorMessage)
			return
		}
		if interactions == nil {
			interactions = []storage.Interaction{}
		}
		writeJSON(w, http.StatusOK, interactions)
	}
}

func handleGetInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		interaction, err := deps.Store.GetInteraction(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "interaction not found")
			return
		}
		if err != nil {
			slog.Error("api: getting interaction", "id", id, "error", err)
			httpError(w, http.StatusInternalServerError, internalErrorMessage)
			return
		}
		writeJSON(w, http.StatusOK, interaction)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	status := "error"
	if code < http.StatusInternalServerError {
		status = "fail"
	}
	writeJSON(w, code, ErrorResponse{Status: status, Message: fmt.Sprintf(format, args...)})
}
