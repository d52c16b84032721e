// Package digest turns raw organization records into a size-bounded summary
// that is safe to embed in a model prompt.
package digest

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/posture/internal/storage"
)

const (
	MaxRecords           = 25
	MaxFindingsPerRecord = 25
	MaxAssetsPerRecord   = 25
	MaxFrameworks        = 25
	MaxRisks             = 10
	MaxDescriptionRunes  = 150

	// HighRiskThreshold is exclusive: a record with exactly 30 findings is
	// not high-risk.
	HighRiskThreshold = 30

	placeholder = "Unknown"
)

// RecordSet is the raw input gathered by the retrieval tools of one step.
type RecordSet struct {
	OrganizationID string
	ScanRecords    []storage.ScanRecord
	Frameworks     []storage.FrameworkAssociation
	Risks          []storage.RiskAssociation
}

// Empty reports whether the set carries no rows at all.
func (s RecordSet) Empty() bool {
	return len(s.ScanRecords) == 0 && len(s.Frameworks) == 0 && len(s.Risks) == 0
}

// Merge appends o's rows to s. The organization id of s wins unless empty.
func (s RecordSet) Merge(o RecordSet) RecordSet {
	if s.OrganizationID == "" {
		s.OrganizationID = o.OrganizationID
	}
	s.ScanRecords = append(s.ScanRecords, o.ScanRecords...)
	s.Frameworks = append(s.Frameworks, o.Frameworks...)
	s.Risks = append(s.Risks, o.Risks...)
	return s
}

type FindingSummary struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Resource    string   `json:"resource"`
	Remediation string   `json:"remediation"`
	Status      string   `json:"status"`
}

type AssetSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// RecordSummary describes one scan record.
// MatchedFindings is the post-filter count the buckets and high-risk flag are
// computed from; FindingsCount is the length of Findings after truncation.
type RecordSummary struct {
	ID              string           `json:"id"`
	Source          string           `json:"source"`
	CreatedAt       string           `json:"created_at"`
	Severity        SeverityCounts   `json:"severity"`
	MatchedFindings int              `json:"matched_findings"`
	FindingsCount   int              `json:"findings_count"`
	Findings        []FindingSummary `json:"findings"`
	AssetsCount     int              `json:"assets_count"`
	Assets          []AssetSummary   `json:"assets"`
	HighRisk        bool             `json:"high_risk"`
}

type FrameworkSummary struct {
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	ComplianceScore float64 `json:"compliance_score"`
}

type RiskSummary struct {
	Title    string   `json:"title"`
	Severity Severity `json:"severity"`
	Status   string   `json:"status"`
}

type Stats struct {
	TotalRecords             int            `json:"total_records"`
	RecordsSummarized        int            `json:"records_summarized"`
	TotalFindings            int            `json:"total_findings"`
	AverageFindingsPerRecord float64        `json:"average_findings_per_record"`
	HighRiskCount            int            `json:"high_risk_count"`
	Severity                 SeverityCounts `json:"severity"`
}

// Digest is the bounded summary handed to the analysis stage.
type Digest struct {
	OrganizationID string             `json:"organization_id"`
	Filter         string             `json:"filter,omitempty"`
	Records        []RecordSummary    `json:"records"`
	Frameworks     []FrameworkSummary `json:"frameworks"`
	Risks          []RiskSummary      `json:"risks"`
	Stats          Stats              `json:"stats"`
	Truncated      bool               `json:"truncated"`
}

// Summarize builds a Digest from set. When filter is non-empty only findings
// whose title, description, severity or category contain it
// (case-insensitively) are considered; filtering happens before truncation.
// Truncation keeps the first N entries in received order; Stats are computed
// over all scan records, summarized or not.
func Summarize(set RecordSet, filter string) Digest {
	filter = strings.TrimSpace(filter)
	d := Digest{
		OrganizationID: orPlaceholder(set.OrganizationID),
		Filter:         filter,
		Records:        []RecordSummary{},
		Frameworks:     []FrameworkSummary{},
		Risks:          []RiskSummary{},
	}

	d.Stats.TotalRecords = len(set.ScanRecords)
	needle := strings.ToLower(filter)
	for i, rec := range set.ScanRecords {
		rs := summarizeRecord(rec, needle)
		d.Stats.TotalFindings += rs.MatchedFindings
		d.Stats.Severity.merge(rs.Severity)
		if rs.HighRisk {
			d.Stats.HighRiskCount++
		}

		if i >= MaxRecords {
			d.Truncated = true
			continue
		}
		if rs.FindingsCount < rs.MatchedFindings || rs.AssetsCount > len(rs.Assets) {
			d.Truncated = true
		}
		d.Records = append(d.Records, rs)
	}
	d.Stats.RecordsSummarized = len(d.Records)
	if n := d.Stats.TotalRecords; n > 0 {
		d.Stats.AverageFindingsPerRecord = float64(d.Stats.TotalFindings) / float64(n)
	}

	for i, fw := range set.Frameworks {
		if i == MaxFrameworks {
			d.Truncated = true
			break
		}
		d.Frameworks = append(d.Frameworks, FrameworkSummary{
			Name:            orPlaceholder(fw.FrameworkName),
			Status:          orPlaceholder(fw.Status),
			ComplianceScore: fw.ComplianceScore,
		})
	}

	for i, r := range set.Risks {
		if i == MaxRisks {
			d.Truncated = true
			break
		}
		d.Risks = append(d.Risks, RiskSummary{
			Title:    orPlaceholder(r.Title),
			Severity: NormalizeSeverity(r.Severity),
			Status:   orPlaceholder(r.Status),
		})
	}

	return d
}

func summarizeRecord(rec storage.ScanRecord, needle string) RecordSummary {
	rs := RecordSummary{
		ID:          orPlaceholder(rec.ID),
		Source:      orPlaceholder(rec.Source),
		CreatedAt:   formatTime(rec.CreatedAt),
		Findings:    []FindingSummary{},
		Assets:      []AssetSummary{},
		AssetsCount: len(rec.SourceAssets),
	}

	for _, f := range rec.Findings {
		if needle != "" && !matches(f, needle) {
			continue
		}
		sev := NormalizeSeverity(f.Severity)
		rs.Severity.add(sev)
		rs.MatchedFindings++
		if len(rs.Findings) < MaxFindingsPerRecord {
			rs.Findings = append(rs.Findings, FindingSummary{
				ID:          orPlaceholder(f.ID),
				Title:       orPlaceholder(f.Title),
				Severity:    sev,
				Description: orPlaceholder(truncate(f.Description, MaxDescriptionRunes)),
				Resource:    orPlaceholder(f.Resource),
				Remediation: orPlaceholder(f.Remediation),
				Status:      orPlaceholder(f.Status),
			})
		}
	}
	rs.FindingsCount = len(rs.Findings)
	rs.HighRisk = rs.MatchedFindings > HighRiskThreshold

	for i, a := range rec.SourceAssets {
		if i == MaxAssetsPerRecord {
			break
		}
		rs.Assets = append(rs.Assets, AssetSummary{
			ID:   orPlaceholder(a.ID),
			Name: orPlaceholder(a.Name),
			Type: orPlaceholder(a.Type),
		})
	}
	return rs
}

func matches(f storage.Finding, needle string) bool {
	for _, field := range []string{f.Title, f.Description, f.Severity, f.Category} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n runes, ending in "..." when shortened.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return placeholder
	}
	return t.UTC().Format(time.RFC3339)
}
