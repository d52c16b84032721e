package analysis

import (
	"fmt"
	"strings"

	"github.com/kalambet/posture/internal/digest"
)

const systemPrompt = `You are a security posture analyst. You receive a summary of an organization's security data and a question from a member of that organization.

Rules:
- Answer the question directly and conversationally, in plain language.
- Base every statement on the data provided. Do not invent assets, findings, frameworks or risks.
- Lead with the most severe issues. Mention counts where they help.
- When findings include remediation text, suggest the most important next steps.
- If the data does not answer the question, say so and describe what data is available.
- Keep the answer under 300 words. Do not output JSON.`

// BuildPrompt renders the digest and question into the fixed analysis
// prompt.
func BuildPrompt(d digest.Digest, question string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "[Organization]\n%s\n", d.OrganizationID)

	s := d.Stats
	fmt.Fprintf(&sb, "\n[Overview]\nScan records: %d (summarized %d)\nFindings considered: %d\nAverage findings per record: %.1f\nHigh-risk records (more than %d findings): %d\n",
		s.TotalRecords, s.RecordsSummarized, s.TotalFindings, s.AverageFindingsPerRecord, digest.HighRiskThreshold, s.HighRiskCount)
	if d.Filter != "" {
		fmt.Fprintf(&sb, "Findings filtered by keyword: %q\n", d.Filter)
	}
	if d.Truncated {
		sb.WriteString("Note: the data was truncated; only the first entries are listed below.\n")
	}

	fmt.Fprintf(&sb, "\n[Severity Breakdown]\ncritical: %d, high: %d, medium: %d, low: %d, unknown: %d\n",
		s.Severity.Critical, s.Severity.High, s.Severity.Medium, s.Severity.Low, s.Severity.Unknown)

	if len(d.Records) > 0 {
		sb.WriteString("\n[Scan Records]\n")
		for _, r := range d.Records {
			writeRecord(&sb, r)
		}
	}

	if len(d.Frameworks) > 0 {
		sb.WriteString("\n[Compliance Frameworks]\n")
		for _, fw := range d.Frameworks {
			fmt.Fprintf(&sb, "- %s: status %s, compliance score %.0f%%\n", fw.Name, fw.Status, fw.ComplianceScore)
		}
	}

	if len(d.Risks) > 0 {
		sb.WriteString("\n[Risks]\n")
		for _, r := range d.Risks {
			fmt.Fprintf(&sb, "- %s (severity %s, status %s)\n", r.Title, r.Severity, r.Status)
		}
	}

	fmt.Fprintf(&sb, "\n[Question]\n%s\n", question)
	return sb.String()
}

func writeRecord(sb *strings.Builder, r digest.RecordSummary) {
	risk := ""
	if r.HighRisk {
		risk = " HIGH RISK"
	}
	fmt.Fprintf(sb, "Record %s from %s at %s:%s %d findings (critical %d, high %d, medium %d, low %d, unknown %d)\n",
		r.ID, r.Source, r.CreatedAt, risk, r.MatchedFindings,
		r.Severity.Critical, r.Severity.High, r.Severity.Medium, r.Severity.Low, r.Severity.Unknown)

	if len(r.Assets) > 0 {
		names := make([]string, len(r.Assets))
		for i, a := range r.Assets {
			names[i] = fmt.Sprintf("%s (%s)", a.Name, a.Type)
		}
		fmt.Fprintf(sb, "  Assets (%d): %s\n", r.AssetsCount, strings.Join(names, ", "))
	}
	for _, f := range r.Findings {
		fmt.Fprintf(sb, "  - [%s] %s on %s, status %s", f.Severity, f.Title, f.Resource, f.Status)
		if f.Description != "Unknown" {
			fmt.Fprintf(sb, ": %s", f.Description)
		}
		if f.Remediation != "Unknown" {
			fmt.Fprintf(sb, " Fix: %s", f.Remediation)
		}
		sb.WriteString("\n")
	}
}
