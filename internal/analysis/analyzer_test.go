package analysis

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/posture/internal/digest"
	"github.com/kalambet/posture/internal/llm"
	"github.com/kalambet/posture/internal/storage"
)

type stubBackend struct {
	resp llm.ChatResponse
	err  error
	got  llm.ChatRequest
}

func (s *stubBackend) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	s.got = req
	return s.resp, s.err
}

func fiveEmptyRecords() digest.Digest {
	var recs []storage.ScanRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, storage.ScanRecord{ID: fmt.Sprintf("s%d", i), Source: "qualys"})
	}
	return digest.Summarize(digest.RecordSet{OrganizationID: "org-1", ScanRecords: recs}, "")
}

func TestExecute_UsesFixedSettings(t *testing.T) {
	b := &stubBackend{resp: llm.ChatResponse{Text: "  You have 5 assets and no open findings.  ", Usage: llm.Usage{TotalTokens: 120}}}
	a := New(b, Options{Model: "m"})

	res := a.Execute(context.Background(), fiveEmptyRecords(), "Show my assets")
	require.True(t, res.OK())

	r := res.Payload.(Report)
	assert.Equal(t, "You have 5 assets and no open findings.", r.Text)
	assert.False(t, r.Fallback)
	assert.Equal(t, 5, r.RecordCount)
	assert.Zero(t, r.TotalFindings)
	assert.Equal(t, 120, r.Usage.TotalTokens)

	require.NotNil(t, b.got.Temperature)
	assert.InDelta(t, DefaultTemperature, *b.got.Temperature, 1e-9)
	assert.Equal(t, DefaultMaxTokens, b.got.MaxTokens)
	assert.Empty(t, b.got.Tools)
	require.Len(t, b.got.Messages, 1)
	assert.Contains(t, b.got.Messages[0].Content, "[Question]\nShow my assets")
	assert.Contains(t, b.got.Messages[0].Content, "org-1")
}

func TestExecute_BackendFailureFallsBack(t *testing.T) {
	b := &stubBackend{err: errors.New("upstream 502: <html>bad gateway</html>")}
	res := New(b, Options{}).Execute(context.Background(), fiveEmptyRecords(), "Show my assets")

	require.True(t, res.OK())
	r := res.Payload.(Report)
	assert.True(t, r.Fallback)
	assert.Contains(t, r.Text, "I found 5 scan records")
	assert.NotContains(t, r.Text, "502")
}

func TestExecute_EmptyAnswerFallsBack(t *testing.T) {
	b := &stubBackend{resp: llm.ChatResponse{Text: "   "}}
	res := New(b, Options{}).Execute(context.Background(), digest.Summarize(digest.RecordSet{}, ""), "anything?")

	r := res.Payload.(Report)
	assert.True(t, r.Fallback)
	assert.NotEmpty(t, r.Text)
}

func TestBuildPrompt_IncludesSections(t *testing.T) {
	set := digest.RecordSet{
		OrganizationID: "org-9",
		ScanRecords: []storage.ScanRecord{{
			ID: "s1", Source: "nessus",
			Findings:     []storage.Finding{{Title: "TLS 1.0 enabled", Severity: "High", Resource: "lb-1", Remediation: "Disable TLS 1.0"}},
			SourceAssets: []storage.SourceAsset{{Name: "lb-1", Type: "load balancer"}},
		}},
		Frameworks: []storage.FrameworkAssociation{{FrameworkName: "SOC 2", Status: "in_progress", ComplianceScore: 64}},
		Risks:      []storage.RiskAssociation{{Title: "Vendor lock-in", Severity: "medium"}},
	}
	p := BuildPrompt(digest.Summarize(set, "tls"), "What should I fix first?")

	for _, want := range []string{
		"[Organization]\norg-9",
		"Findings filtered by keyword: \"tls\"",
		"high: 1",
		"[high] TLS 1.0 enabled on lb-1",
		"Fix: Disable TLS 1.0",
		"lb-1 (load balancer)",
		"SOC 2: status in_progress, compliance score 64%",
		"Vendor lock-in (severity medium",
		"[Question]\nWhat should I fix first?",
	} {
		assert.Contains(t, p, want)
	}
}

func TestExecute_FallbackCountsAllRecords(t *testing.T) {
	var recs []storage.ScanRecord
	for i := 0; i < 40; i++ {
		recs = append(recs, storage.ScanRecord{ID: fmt.Sprintf("s%d", i), Findings: []storage.Finding{{Title: "Weak TLS", Severity: "High"}}})
	}
	d := digest.Summarize(digest.RecordSet{OrganizationID: "org-1", ScanRecords: recs}, "")

	res := New(&stubBackend{err: errors.New("timeout")}, Options{}).Execute(context.Background(), d, "How exposed are we?")
	r := res.Payload.(Report)
	assert.True(t, r.Fallback)
	assert.Contains(t, r.Text, "40 scan records with 40 findings (0 critical, 40 high)")
	assert.Equal(t, 40, r.TotalFindings)
}
