// Package orchestrator drives the bounded tool-calling loop that answers a
// question: the model picks retrieval tools, the orchestrator runs them,
// digests the results and runs the analysis stage, then hands the analysis
// back to the model for the final answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kalambet/posture/internal/analysis"
	"github.com/kalambet/posture/internal/digest"
	"github.com/kalambet/posture/internal/llm"
	"github.com/kalambet/posture/internal/tools"
)

// Analyzer is the second pipeline stage.
type Analyzer interface {
	Execute(ctx context.Context, d digest.Digest, question string) tools.Result
}

// Query is one inbound question. ToolName optionally forces the first tool.
type Query struct {
	Text           string
	OrganizationID string
	ToolName       string
}

// ToolOutcome records one dispatched call.
type ToolOutcome struct {
	Name    string          `json:"name"`
	OK      bool            `json:"ok"`
	Kind    tools.ErrorKind `json:"error_kind,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Step is reported to StepHook after every backend call.
type Step struct {
	Index     int           `json:"step"`
	Tools     []ToolOutcome `json:"tools,omitempty"`
	RoundTrip int           `json:"round_trip,omitempty"`
	Final     bool          `json:"final"`
}

// StepHook observes progress of a single run.
type StepHook func(Step)

// Answer is the terminal state of a successful run.
type Answer struct {
	Text           string
	OrganizationID string
	Steps          int
	RoundTrips     int
	Usage          llm.Usage
	Model          string

	// Truncated is set when a step or round-trip cap ended the run.
	Truncated bool
	Tools     []ToolOutcome
}

const noAnswerText = "I wasn't able to finish answering within the allowed number of steps. Please try rephrasing your question."

// state is per-run and never shared.
type state struct {
	steps      int
	roundTrips int
	messages   []llm.Message
	results    []ToolOutcome
	lastText   string
	usage      llm.Usage
	model      string
	done       bool
}

type Orchestrator struct {
	backend  llm.Backend
	registry *tools.Registry
	analyzer Analyzer
	limits   Limits
	model    string
	tracer   trace.Tracer
	logger   *slog.Logger
	defs     []llm.ToolDefinition
}

type Option func(*Orchestrator)

func WithLimits(l Limits) Option {
	return func(o *Orchestrator) { o.limits = l }
}

// WithModel sets the model requested on every step; empty uses the
// backend's default.
func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds an Orchestrator. Tool definitions are derived from registry once.
func New(backend llm.Backend, registry *tools.Registry, analyzer Analyzer, opts ...Option) (*Orchestrator, error) {
	if backend == nil || registry == nil || analyzer == nil {
		return nil, fmt.Errorf("orchestrator: backend, registry and analyzer are required")
	}
	o := &Orchestrator{
		backend:  backend,
		registry: registry,
		analyzer: analyzer,
		limits:   DefaultLimits(),
		tracer:   noop.NewTracerProvider().Tracer("orchestrator"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.limits.Validate(); err != nil {
		return nil, err
	}

	for _, d := range registry.Descriptors() {
		o.defs = append(o.defs, llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Schema})
	}
	return o, nil
}

func (o *Orchestrator) Registry() *tools.Registry {
	return o.registry
}

// Validate returns the InvalidRequest error Run would fail with before
// calling the backend, or nil.
func (o *Orchestrator) Validate(q Query) error {
	if strings.TrimSpace(q.Text) == "" {
		return invalidRequest("Query is required")
	}
	if name := strings.TrimSpace(q.ToolName); name != "" {
		if _, ok := o.registry.Lookup(name); !ok {
			return invalidRequest("Unknown tool %q. Available tools: %s", name, strings.Join(o.registry.Names(), ", "))
		}
	}
	return nil
}

// Run answers q. It returns an *Error for invalid requests and backend
// failures; tool failures never abort the run.
func (o *Orchestrator) Run(ctx context.Context, q Query, hook StepHook) (Answer, error) {
	q.Text = strings.TrimSpace(q.Text)
	q.OrganizationID = strings.TrimSpace(q.OrganizationID)
	q.ToolName = strings.TrimSpace(q.ToolName)

	if err := o.Validate(q); err != nil {
		return Answer{}, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("posture.organization_id", q.OrganizationID),
		attribute.String("posture.tool_hint", q.ToolName),
	))
	defer span.End()

	st := &state{messages: []llm.Message{{Role: llm.RoleUser, Content: q.Text}}}
	system := buildSystemPrompt(q.OrganizationID)

	for !st.done && st.steps < o.limits.MaxSteps && st.roundTrips < o.limits.MaxToolRoundTrips {
		if err := o.step(ctx, q, system, st, hook); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "model unavailable")
			return Answer{}, err
		}
	}

	ans := Answer{
		Text:           st.lastText,
		OrganizationID: q.OrganizationID,
		Steps:          st.steps,
		RoundTrips:     st.roundTrips,
		Usage:          st.usage,
		Model:          st.model,
		Truncated:      !st.done,
		Tools:          st.results,
	}
	if ans.Text == "" {
		ans.Text = noAnswerText
	}
	if ans.Truncated {
		o.logger.Info("orchestrator: run stopped at limit",
			"steps", st.steps, "round_trips", st.roundTrips,
			"max_steps", o.limits.MaxSteps, "max_round_trips", o.limits.MaxToolRoundTrips)
	}

	span.SetAttributes(
		attribute.Int("posture.steps", st.steps),
		attribute.Int("posture.round_trips", st.roundTrips),
		attribute.Bool("posture.truncated", ans.Truncated),
	)
	span.SetStatus(codes.Ok, "")
	return ans, nil
}

// step performs one backend call and, when tools were requested, dispatches
// them in order and runs one analysis round-trip over their results.
func (o *Orchestrator) step(ctx context.Context, q Query, system string, st *state, hook StepHook) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.step", trace.WithAttributes(attribute.Int("posture.step", st.steps+1)))
	defer span.End()

	req := llm.ChatRequest{
		Model:    o.model,
		System:   system,
		Messages: st.messages,
		Tools:    o.defs,
	}
	if st.steps == 0 && q.ToolName != "" {
		req.ToolChoice = q.ToolName
	}

	resp, err := o.backend.Chat(ctx, req)
	st.steps++
	if err != nil {
		o.logger.Error("orchestrator: backend call failed", "step", st.steps, "error", err)
		return modelUnavailable(err)
	}
	st.usage = st.usage.Add(resp.Usage)
	if resp.Model != "" {
		st.model = resp.Model
	}
	if text := strings.TrimSpace(resp.Text); text != "" {
		st.lastText = text
	}

	report := Step{Index: st.steps}
	if len(resp.ToolCalls) == 0 {
		st.done = true
		report.Final = true
		emit(hook, report)
		return nil
	}

	st.messages = append(st.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})

	var (
		retrieved digest.RecordSet
		filter    string
		anyData   bool
	)
	for _, call := range resp.ToolCalls {
		res := o.dispatch(ctx, q, call)

		outcome := ToolOutcome{Name: call.Name, OK: res.OK()}
		if !res.OK() {
			outcome.Kind, outcome.Message = res.Failure.Kind, res.Failure.Message
		}
		st.results = append(st.results, outcome)
		report.Tools = append(report.Tools, outcome)

		st.messages = append(st.messages, llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    res.Content(),
		})

		if r, ok := res.Payload.(tools.Retrieval); ok {
			anyData = true
			retrieved = retrieved.Merge(r.Records)
			if filter == "" {
				filter = r.Filter
			}
		}
	}

	if anyData {
		if retrieved.OrganizationID == "" {
			retrieved.OrganizationID = q.OrganizationID
		}
		o.analyze(ctx, q, retrieved, filter, st)
		report.RoundTrip = st.roundTrips
	}

	emit(hook, report)
	return nil
}

func (o *Orchestrator) analyze(ctx context.Context, q Query, set digest.RecordSet, filter string, st *state) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.analyze")
	defer span.End()

	d := digest.Summarize(set, filter)
	span.SetAttributes(
		attribute.Int("posture.records", d.Stats.TotalRecords),
		attribute.Int("posture.findings", d.Stats.TotalFindings),
	)

	res := o.analyzer.Execute(ctx, d, q.Text)
	st.roundTrips++

	text := ""
	if rep, ok := res.Payload.(analysis.Report); ok {
		text = rep.Text
		st.usage = st.usage.Add(rep.Usage)
	} else if !res.OK() {
		text = res.Failure.Message
	}
	if text == "" {
		return
	}
	st.lastText = text
	st.messages = append(st.messages, llm.Message{Role: llm.RoleSystem, Content: analysisMessage(text)})
}

// dispatch resolves, validates and executes one call. It always returns a
// Result.
func (o *Orchestrator) dispatch(ctx context.Context, q Query, call llm.ToolCall) tools.Result {
	ctx, span := o.tracer.Start(ctx, "orchestrator.tool", trace.WithAttributes(attribute.String("posture.tool", call.Name)))
	defer span.End()

	tool, ok := o.registry.Lookup(call.Name)
	if !ok {
		o.logger.Warn("orchestrator: model requested unknown tool", "tool", call.Name)
		span.SetStatus(codes.Error, string(tools.UnknownTool))
		return tools.Fail(tools.UnknownTool, "no tool named %q; available tools: %s", call.Name, strings.Join(o.registry.Names(), ", "))
	}

	args, err := tools.ValidateArguments(tool.Descriptor().Schema, call.Arguments)
	if err != nil {
		o.logger.Warn("orchestrator: rejected tool arguments", "tool", call.Name, "error", err)
		span.SetStatus(codes.Error, string(tools.InvalidToolArguments))
		return tools.Fail(tools.InvalidToolArguments, "%s", err.Error())
	}
	if q.OrganizationID != "" {
		args["organization_id"] = q.OrganizationID
	}
	org, _ := args["organization_id"].(string)

	res := tool.Execute(ctx, strings.TrimSpace(org), args)
	if !res.OK() {
		span.SetStatus(codes.Error, string(res.Failure.Kind))
		o.logger.Warn("orchestrator: tool failed", "tool", call.Name, "kind", res.Failure.Kind, "message", res.Failure.Message)
	} else {
		o.logger.Debug("orchestrator: tool succeeded", "tool", call.Name, "args", compact(call.Arguments))
	}
	return res
}

func emit(hook StepHook, s Step) {
	if hook != nil {
		hook(s)
	}
}

func compact(raw json.RawMessage) string {
	if len(raw) > 200 {
		return string(raw[:200]) + "..."
	}
	return string(raw)
}
