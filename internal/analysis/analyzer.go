// Package analysis turns a digest and a question into a conversational
// answer with a single backend call.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/posture/internal/digest"
	"github.com/kalambet/posture/internal/llm"
	"github.com/kalambet/posture/internal/tools"
)

const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 800
)

// Report is the payload of a successful analysis.
type Report struct {
	Text           string    `json:"text"`
	OrganizationID string    `json:"organization_id"`
	RecordCount    int       `json:"record_count"`
	TotalFindings  int       `json:"total_findings"`
	HighRiskCount  int       `json:"high_risk_count"`
	Fallback       bool      `json:"fallback"`
	Usage          llm.Usage `json:"usage"`
}

type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

type Analyzer struct {
	backend llm.Backend
	opts    Options
}

// New creates an Analyzer. Zero-valued options take the defaults.
func New(backend llm.Backend, opts Options) *Analyzer {
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Analyzer{backend: backend, opts: opts}
}

// Execute always returns a Success result. When the backend fails or answers
// with nothing, the report carries a fallback message instead.
func (a *Analyzer) Execute(ctx context.Context, d digest.Digest, question string) tools.Result {
	report := Report{
		OrganizationID: d.OrganizationID,
		RecordCount:    d.Stats.TotalRecords,
		TotalFindings:  d.Stats.TotalFindings,
		HighRiskCount:  d.Stats.HighRiskCount,
	}

	resp, err := a.backend.Chat(ctx, llm.ChatRequest{
		Model:       a.opts.Model,
		System:      systemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: BuildPrompt(d, question)}},
		Temperature: llm.Float64(a.opts.Temperature),
		MaxTokens:   a.opts.MaxTokens,
	})
	if err != nil {
		slog.Warn("analysis: backend call failed, using fallback", "org", d.OrganizationID, "error", err)
		report.Text = fallbackText(d)
		report.Fallback = true
		return tools.Success(report)
	}

	report.Usage = resp.Usage
	report.Text = strings.TrimSpace(resp.Text)
	if report.Text == "" {
		report.Text = fallbackText(d)
		report.Fallback = true
	}
	return tools.Success(report)
}

func fallbackText(d digest.Digest) string {
	s := d.Stats
	var parts []string
	if s.TotalRecords > 0 {
		parts = append(parts, fmt.Sprintf("%d scan records with %d findings (%d critical, %d high)",
			s.TotalRecords, s.TotalFindings, s.Severity.Critical, s.Severity.High))
	}
	if n := len(d.Frameworks); n > 0 {
		parts = append(parts, fmt.Sprintf("%d compliance frameworks", n))
	}
	if n := len(d.Risks); n > 0 {
		parts = append(parts, fmt.Sprintf("%d risks", n))
	}
	if len(parts) == 0 {
		return "I looked up your organization's data but found no records, and could not complete the analysis right now."
	}
	return fmt.Sprintf("I found %s, but could not complete the analysis right now. Please try again shortly.", strings.Join(parts, ", "))
}
