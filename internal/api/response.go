package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kalambet/posture/internal/llm"
	"github.com/kalambet/posture/internal/orchestrator"
	"github.com/kalambet/posture/internal/tools"
)

// QueryResponse is the body returned for a successful query.
type QueryResponse struct {
	Status         string         `json:"status"`
	Text           string         `json:"text"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Usage          *UsageResponse `json:"usage,omitempty"`
	StepsCount     int            `json:"steps_count"`
	RoundTrips     int            `json:"round_trips"`
	Truncated      bool           `json:"truncated"`
	InteractionID  string         `json:"interaction_id,omitempty"`
}

type UsageResponse struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	EstimatedCostUSD *float64 `json:"estimated_cost_usd,omitempty"`
}

// ErrorResponse is the body for every failed request. Status is "fail" for
// caller errors and "error" for server-side ones.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const internalErrorMessage = "Internal server error"

// Assembler maps orchestrator results to caller-facing bodies.
type Assembler struct {
	Pricing  *llm.Pricing
	Provider string
	Model    string
}

// Assemble builds the success body. Usage is omitted when the backend
// reported none; cost is omitted when no price is known.
func (a Assembler) Assemble(ans orchestrator.Answer) QueryResponse {
	resp := QueryResponse{
		Status:         "success",
		Text:           ans.Text,
		OrganizationID: ans.OrganizationID,
		StepsCount:     ans.Steps,
		RoundTrips:     ans.RoundTrips,
		Truncated:      ans.Truncated,
	}
	if ans.Usage.IsZero() {
		return resp
	}

	resp.Usage = &UsageResponse{
		PromptTokens:     ans.Usage.PromptTokens,
		CompletionTokens: ans.Usage.CompletionTokens,
		TotalTokens:      ans.Usage.TotalTokens,
	}
	if a.Pricing != nil {
		model := ans.Model
		if model == "" {
			model = a.Model
		}
		if cost, ok := a.Pricing.EstimateCost(a.Provider, model, ans.Usage); ok {
			resp.Usage.EstimatedCostUSD = &cost
		}
	}
	return resp
}

// AssembleError maps err to an HTTP status and a body that never carries
// internal details.
func AssembleError(err error) (int, ErrorResponse) {
	var oe *orchestrator.Error
	if !errors.As(err, &oe) {
		slog.Error("api: unexpected error", "error", err)
		return http.StatusInternalServerError, ErrorResponse{Status: "error", Message: internalErrorMessage}
	}

	switch oe.Kind {
	case tools.InvalidRequest:
		return http.StatusBadRequest, ErrorResponse{Status: "fail", Message: oe.Message}
	case tools.ModelUnavailable:
		return http.StatusServiceUnavailable, ErrorResponse{Status: "error", Message: oe.Message}
	default:
		slog.Error("api: orchestrator error", "kind", oe.Kind, "error", err)
		return http.StatusInternalServerError, ErrorResponse{Status: "error", Message: internalErrorMessage}
	}
}
