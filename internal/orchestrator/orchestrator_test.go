package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kalambet/posture/internal/analysis"
	"github.com/kalambet/posture/internal/digest"
	"github.com/kalambet/posture/internal/llm"
	"github.com/kalambet/posture/internal/storage"
	"github.com/kalambet/posture/internal/tools"
)

// scriptedBackend replays responses in order; the last one repeats.
type scriptedBackend struct {
	mu        sync.Mutex
	responses []llm.ChatResponse
	err       error
	requests  []llm.ChatRequest
}

func (b *scriptedBackend) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := append([]llm.Message(nil), req.Messages...)
	req.Messages = msgs
	b.requests = append(b.requests, req)
	if b.err != nil {
		return llm.ChatResponse{}, b.err
	}
	i := len(b.requests) - 1
	if i >= len(b.responses) {
		i = len(b.responses) - 1
	}
	return b.responses[i], nil
}

// fakeStore is safe for concurrent runs. scansByOrg, when set, takes
// precedence over scans.
type fakeStore struct {
	mu         sync.Mutex
	scans      []storage.ScanRecord
	scansByOrg map[string][]storage.ScanRecord
	scanErr    error
	fws        []storage.FrameworkAssociation
	risks      []storage.RiskAssociation
	queries    []storage.Query
}

func (f *fakeStore) record(q storage.Query) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
}

func (f *fakeStore) orgs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queries))
	for i, q := range f.queries {
		out[i] = q.OrganizationID
	}
	return out
}

func (f *fakeStore) ScanRecords(_ context.Context, q storage.Query) ([]storage.ScanRecord, error) {
	f.record(q)
	if f.scansByOrg != nil {
		return f.scansByOrg[q.OrganizationID], f.scanErr
	}
	return f.scans, f.scanErr
}

func (f *fakeStore) FrameworkAssociations(_ context.Context, q storage.Query) ([]storage.FrameworkAssociation, error) {
	f.record(q)
	return f.fws, nil
}

func (f *fakeStore) RiskAssociations(_ context.Context, q storage.Query) ([]storage.RiskAssociation, error) {
	f.record(q)
	return f.risks, nil
}

// recordingAnalyzer captures digests and answers with a fixed text.
type recordingAnalyzer struct {
	mu      sync.Mutex
	digests []digest.Digest
	text    string
}

func (a *recordingAnalyzer) Execute(_ context.Context, d digest.Digest, _ string) tools.Result {
	a.mu.Lock()
	a.digests = append(a.digests, d)
	a.mu.Unlock()

	text := a.text
	if text == "" {
		text = fmt.Sprintf("You have %d scan records with %d findings.", d.Stats.TotalRecords, d.Stats.TotalFindings)
	}
	return tools.Success(analysis.Report{Text: text, RecordCount: d.Stats.TotalRecords, Usage: llm.Usage{TotalTokens: 10}})
}

// assetsThenEcho asks for OrganizationAssets on the first step and then
// answers with the analysis it was handed. It keeps no per-run state.
type assetsThenEcho struct{}

func (assetsThenEcho) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == llm.RoleUser {
		return toolStep(call("c1", tools.OrganizationAssetsName, `{}`)), nil
	}
	return final(strings.TrimPrefix(last.Content, analysisPreamble)), nil
}

// digestEchoAnalyzer reports which organization and records it saw.
type digestEchoAnalyzer struct{}

func (digestEchoAnalyzer) Execute(_ context.Context, d digest.Digest, _ string) tools.Result {
	ids := make([]string, len(d.Records))
	for i, r := range d.Records {
		ids[i] = r.ID
	}
	return tools.Success(analysis.Report{Text: fmt.Sprintf("org=%s records=%s", d.OrganizationID, strings.Join(ids, ","))})
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func toolStep(calls ...llm.ToolCall) llm.ChatResponse {
	return llm.ChatResponse{ToolCalls: calls, Usage: llm.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}}
}

func final(text string) llm.ChatResponse {
	return llm.ChatResponse{Text: text, Usage: llm.Usage{TotalTokens: 4}}
}

func newTestOrchestrator(t *testing.T, b llm.Backend, store tools.Store, a Analyzer, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(b, tools.NewRetrievalRegistry(store), a, opts...)
	require.NoError(t, err)
	return o
}

func fiveScans() []storage.ScanRecord {
	var recs []storage.ScanRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, storage.ScanRecord{ID: fmt.Sprintf("s%d", i), OrganizationID: "org-1", Source: "nessus"})
	}
	return recs
}

func TestRun_DirectAnswer(t *testing.T) {
	b := &scriptedBackend{responses: []llm.ChatResponse{final("Hello! I'm Posture Assistant.")}}
	a := &recordingAnalyzer{}
	o := newTestOrchestrator(t, b, &fakeStore{}, a)

	ans, err := o.Run(context.Background(), Query{Text: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello! I'm Posture Assistant.", ans.Text)
	assert.Equal(t, 1, ans.Steps)
	assert.Zero(t, ans.RoundTrips)
	assert.False(t, ans.Truncated)
	assert.Empty(t, a.digests)

	require.Len(t, b.requests, 1)
	assert.Len(t, b.requests[0].Tools, 3)
	assert.Contains(t, b.requests[0].System, "Posture Assistant")
}

func TestRun_EmptyQuery(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedBackend{}, &fakeStore{}, &recordingAnalyzer{})

	_, err := o.Run(context.Background(), Query{Text: "   "}, nil)
	require.Error(t, err)
	assert.Equal(t, tools.InvalidRequest, KindOf(err))
}

func TestRun_UnknownToolHint(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedBackend{}, &fakeStore{}, &recordingAnalyzer{})

	_, err := o.Run(context.Background(), Query{Text: "x", ToolName: "Weather"}, nil)
	assert.Equal(t, tools.InvalidRequest, KindOf(err))
}

func TestRun_ToolHintForcesFirstStepOnly(t *testing.T) {
	b := &scriptedBackend{responses: []llm.ChatResponse{
		toolStep(call("c1", tools.RiskName, `{}`)),
		final("You have no risks."),
	}}
	o := newTestOrchestrator(t, b, &fakeStore{}, &recordingAnalyzer{})

	_, err := o.Run(context.Background(), Query{Text: "risks?", OrganizationID: "org-1", ToolName: tools.RiskName}, nil)
	require.NoError(t, err)
	require.Len(t, b.requests, 2)
	assert.Equal(t, tools.RiskName, b.requests[0].ToolChoice)
	assert.Empty(t, b.requests[1].ToolChoice)
}

func TestRun_StepCap(t *testing.T) {
	b := &scriptedBackend{responses: []llm.ChatResponse{
		{Text: "Let me look that up.", ToolCalls: []llm.ToolCall{call("c", tools.FrameworkName, `{}`)}},
	}}
	a := &recordingAnalyzer{}
	o := newTestOrchestrator(t, b, &fakeStore{}, a, WithLimits(Limits{MaxSteps: 3, MaxToolRoundTrips: 5}))

	ans, err := o.Run(context.Background(), Query{Text: "frameworks", OrganizationID: "org-1"}, nil)
	require.NoError(t, err)
	assert.Len(t, b.requests, 3)
	assert.Equal(t, 3, ans.Steps)
	assert.True(t, ans.Truncated)
	assert.NotEmpty(t, ans.Text)
}

func TestRun_RoundTripCapIndependentOfSteps(t *testing.T) {
	b := &scriptedBackend{responses: []llm.ChatResponse{toolStep(call("c", tools.RiskName, `{}`))}}
	o := newTestOrchestrator(t, b, &fakeStore{}, &recordingAnalyzer{text: "Two risks are open."}, WithLimits(Limits{MaxSteps: 10, MaxToolRoundTrips: 2}))

	ans, err := o.Run(context.Background(), Query{Text: "risks", OrganizationID: "org-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ans.RoundTrips)
	assert.Equal(t, 2, ans.Steps)
	assert.True(t, ans.Truncated)
	assert.Equal(t, "Two risks are open.", ans.Text)
}

func TestRun_ScenarioA_AssetsWithoutFindings(t *testing.T) {
	b := &scriptedBackend{responses: []llm.ChatResponse{
		toolStep(call("c1", tools.OrganizationAssetsName, `{"organization_id":"org-1"}`)),
		final("You have 5 scanned assets and no open findings."),
	}}
	store := &fakeStore{scans: fiveScans()}
	a := &recordingAnalyzer{}
	o := newTestOrchestrator(t, b, store, a)

	var steps []Step
	ans, err := o.Run(context.Background(), Query{Text: "Show my assets", OrganizationID: "org-1"}, func(s Step) {
		steps = append(steps, s)
	})
	require.NoError(t, err)

	require.Len(t, a.digests, 1)
	d := a.digests[0]
	assert.Equal(t, 0, d.Stats.TotalFindings)
	assert.Equal(t, 0, d.Stats.HighRiskCount)
	assert.Equal(t, 5, d.Stats.TotalRecords)

	assert.NotEmpty(t, ans.Text)
	assert.Equal(t, "org-1", ans.OrganizationID)
	assert.Equal(t, 2, ans.Steps)
	assert.Equal(t, 1, ans.RoundTrips)
	assert.False(t, ans.Truncated)
	assert.Equal(t, 6+10+4, ans.Usage.TotalTokens)

	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].RoundTrip)
	assert.True(t, steps[1].Final)

	// Second request carries the tool result and the analysis.
	msgs := b.requests[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, llm.RoleTool, msgs[2].Role)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, llm.RoleSystem, msgs[3].Role)
	assert.True(t, strings.HasPrefix(msgs[3].Content, analysisPreamble))
}

func TestRun_ScenarioB_StoreErrorIsForwarded(t *testing.T) {
	b := &scriptedBackend{responses: []llm.ChatResponse{
		toolStep(call("c1", tools.OrganizationAssetsName, `{}`)),
		final("Sorry, I couldn't retrieve your asset data right now."),
	}}
	a := &recordingAnalyzer{}
	o := newTestOrchestrator(t, b, &fakeStore{scanErr: errors.New("db locked")}, a)

	ans, err := o.Run(context.Background(), Query{Text: "Show my assets", OrganizationID: "org-1"}, nil)
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "couldn't retrieve")
	assert.Empty(t, a.digests)
	assert.Zero(t, ans.RoundTrips)

	require.Len(t, ans.Tools, 1)
	assert.Equal(t, tools.DataUnavailable, ans.Tools[0].Kind)

	toolMsg := b.requests[1].Messages[2]
	assert.Contains(t, toolMsg.Content, `"kind":"DataUnavailable"`)
	assert.NotContains(t, toolMsg.Content, "db locked")
}

func TestRun_UnknownToolAndInvalidArgsAreRecovered(t *testing.T) {
	b := &scriptedBackend{responses: []llm.ChatResponse{
		toolStep(
			call("c1", "Weather", `{}`),
			call("c2", tools.OrganizationAssetsName, `{"search":7}`),
		),
		final("I can only help with security data."),
	}}
	o := newTestOrchestrator(t, b, &fakeStore{}, &recordingAnalyzer{})

	ans, err := o.Run(context.Background(), Query{Text: "weather?", OrganizationID: "org-1"}, nil)
	require.NoError(t, err)
	require.Len(t, ans.Tools, 2)
	assert.Equal(t, tools.UnknownTool, ans.Tools[0].Kind)
	assert.Equal(t, tools.InvalidToolArguments, ans.Tools[1].Kind)

	msgs := b.requests[1].Messages
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "c2", msgs[3].ToolCallID)
}

func TestRun_DispatchOrderAndSingleAnalysisPerStep(t *testing.T) {
	b := &scriptedBackend{responses: []llm.ChatResponse{
		toolStep(
			call("c1", tools.RiskName, `{}`),
			call("c2", tools.FrameworkName, `{}`),
			call("c3", tools.RiskName, `{}`),
		),
		final("Summary."),
	}}
	store := &fakeStore{
		fws:   []storage.FrameworkAssociation{{FrameworkName: "SOC 2"}},
		risks: []storage.RiskAssociation{{Title: "Phishing"}},
	}
	a := &recordingAnalyzer{}
	o := newTestOrchestrator(t, b, store, a)

	ans, err := o.Run(context.Background(), Query{Text: "overview", OrganizationID: "org-1"}, nil)
	require.NoError(t, err)

	names := []string{}
	for _, tr := range ans.Tools {
		names = append(names, tr.Name)
	}
	assert.Equal(t, []string{tools.RiskName, tools.FrameworkName, tools.RiskName}, names)

	require.Len(t, a.digests, 1)
	assert.Len(t, a.digests[0].Risks, 2)
	assert.Len(t, a.digests[0].Frameworks, 1)
	assert.Equal(t, 1, ans.RoundTrips)
}

func TestRun_OrganizationOverridesModelArgument(t *testing.T) {
	b := &scriptedBackend{responses: []llm.ChatResponse{
		toolStep(call("c1", tools.RiskName, `{"organization_id":"org-evil"}`)),
		final("ok"),
	}}
	store := &fakeStore{}
	o := newTestOrchestrator(t, b, store, &recordingAnalyzer{})

	_, err := o.Run(context.Background(), Query{Text: "risks", OrganizationID: "org-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"org-1"}, store.orgs())
}

func TestRun_ModelArgumentUsedWithoutRequestOrganization(t *testing.T) {
	b := &scriptedBackend{responses: []llm.ChatResponse{
		toolStep(call("c1", tools.RiskName, `{"organization_id":"org-7"}`)),
		final("ok"),
	}}
	store := &fakeStore{}
	o := newTestOrchestrator(t, b, store, &recordingAnalyzer{})

	_, err := o.Run(context.Background(), Query{Text: "risks for org-7"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"org-7"}, store.orgs())
}

func TestRun_BackendFailureIsModelUnavailable(t *testing.T) {
	b := &scriptedBackend{err: errors.New("dial tcp: connection refused")}
	o := newTestOrchestrator(t, b, &fakeStore{}, &recordingAnalyzer{})

	_, err := o.Run(context.Background(), Query{Text: "hi"}, nil)
	require.Error(t, err)
	assert.Equal(t, tools.ModelUnavailable, KindOf(err))

	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.NotContains(t, oe.Message, "connection refused")
	assert.ErrorContains(t, errors.Unwrap(err), "connection refused")
}

func TestRun_NonNumericPageIsCoerced(t *testing.T) {
	for _, page := range []string{`true`, `[2]`, `{}`} {
		t.Run(page, func(t *testing.T) {
			b := &scriptedBackend{responses: []llm.ChatResponse{
				toolStep(call("c1", tools.OrganizationAssetsName, `{"page":`+page+`}`)),
				final("Here are your assets."),
			}}
			store := &fakeStore{scans: fiveScans()}
			a := &recordingAnalyzer{}
			o := newTestOrchestrator(t, b, store, a)

			ans, err := o.Run(context.Background(), Query{Text: "assets", OrganizationID: "org-1"}, nil)
			require.NoError(t, err)
			require.Len(t, ans.Tools, 1)
			assert.True(t, ans.Tools[0].OK, "kind=%s message=%s", ans.Tools[0].Kind, ans.Tools[0].Message)
			assert.Len(t, a.digests, 1)

			require.Len(t, store.queries, 1)
			assert.Equal(t, 0, store.queries[0].Offset)
			assert.Equal(t, tools.PageSize, store.queries[0].Limit)
			assert.Contains(t, b.requests[1].Messages[2].Content, `"page":1`)
		})
	}
}

func TestValidate(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedBackend{}, &fakeStore{}, &recordingAnalyzer{})

	assert.NoError(t, o.Validate(Query{Text: "risks?", ToolName: " " + tools.RiskName + " "}))
	assert.Equal(t, tools.InvalidRequest, KindOf(o.Validate(Query{Text: " "})))

	err := o.Validate(Query{Text: "x", ToolName: "Weather"})
	assert.Equal(t, tools.InvalidRequest, KindOf(err))
	assert.ErrorContains(t, err, `Unknown tool "Weather"`)
}

func TestRun_ConcurrentRunsDoNotShareState(t *testing.T) {
	const runs = 8
	store := &fakeStore{scansByOrg: map[string][]storage.ScanRecord{}}
	for i := 0; i < runs; i++ {
		org := fmt.Sprintf("org-%d", i)
		store.scansByOrg[org] = []storage.ScanRecord{
			{ID: org + "-a", OrganizationID: org},
			{ID: org + "-b", OrganizationID: org},
		}
	}
	o := newTestOrchestrator(t, assetsThenEcho{}, store, digestEchoAnalyzer{})

	answers := make([]Answer, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ans, err := o.Run(context.Background(), Query{Text: "assets?", OrganizationID: fmt.Sprintf("org-%d", i)}, nil)
			assert.NoError(t, err)
			answers[i] = ans
		}(i)
	}
	wg.Wait()

	for i, ans := range answers {
		org := fmt.Sprintf("org-%d", i)
		assert.Equal(t, org, ans.OrganizationID)
		assert.Equal(t, fmt.Sprintf("org=%s records=%s-a,%s-b", org, org, org), ans.Text)
		assert.Equal(t, 2, ans.Steps)
		assert.Equal(t, 1, ans.RoundTrips)
		require.Len(t, ans.Tools, 1, "run %d", i)
	}
	assert.Len(t, store.orgs(), runs)
}

func TestNew_InvalidLimits(t *testing.T) {
	_, err := New(&scriptedBackend{}, tools.NewRetrievalRegistry(&fakeStore{}), &recordingAnalyzer{}, WithLimits(Limits{MaxSteps: 0, MaxToolRoundTrips: 9}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MaxSteps must be at least 1")
	assert.Contains(t, err.Error(), "MaxToolRoundTrips must be at most 5")
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestRun_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	b := &scriptedBackend{responses: []llm.ChatResponse{
		toolStep(call("c1", tools.RiskName, `{}`)),
		final("One open risk."),
	}}
	store := &fakeStore{risks: []storage.RiskAssociation{{ID: "r1", OrganizationID: "org-1", Title: "Exposed bucket", Severity: "high", Status: "open"}}}
	o := newTestOrchestrator(t, b, store, &recordingAnalyzer{}, WithTracer(tp.Tracer("test")))

	_, err := o.Run(context.Background(), Query{Text: "What are my risks?", OrganizationID: "org-1"}, nil)
	require.NoError(t, err)

	byName := make(map[string][]sdktrace.ReadOnlySpan)
	for _, s := range sr.Ended() {
		byName[s.Name()] = append(byName[s.Name()], s)
	}

	require.Len(t, byName["orchestrator.Run"], 1)
	run := byName["orchestrator.Run"][0]
	attrs := spanAttrs(run)
	assert.Equal(t, "org-1", attrs["posture.organization_id"].AsString())
	assert.Equal(t, int64(2), attrs["posture.steps"].AsInt64())
	assert.Equal(t, int64(1), attrs["posture.round_trips"].AsInt64())
	assert.False(t, attrs["posture.truncated"].AsBool())

	steps := byName["orchestrator.step"]
	require.Len(t, steps, 2)
	stepIDs := make(map[string]bool)
	for i, s := range steps {
		assert.Equal(t, run.SpanContext().SpanID(), s.Parent().SpanID())
		assert.Equal(t, int64(i+1), spanAttrs(s)["posture.step"].AsInt64())
		stepIDs[s.SpanContext().SpanID().String()] = true
	}

	require.Len(t, byName["orchestrator.tool"], 1)
	tool := byName["orchestrator.tool"][0]
	assert.Equal(t, tools.RiskName, spanAttrs(tool)["posture.tool"].AsString())
	assert.True(t, stepIDs[tool.Parent().SpanID().String()])

	require.Len(t, byName["orchestrator.analyze"], 1)
	analyze := byName["orchestrator.analyze"][0]
	assert.Equal(t, tool.Parent().SpanID(), analyze.Parent().SpanID())
	assert.Contains(t, spanAttrs(analyze), attribute.Key("posture.findings"))
}
