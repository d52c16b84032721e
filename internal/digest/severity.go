package digest

import "strings"

// Severity is a normalized finding severity.
type Severity string

const (
	Critical Severity = "critical"
	High     Severity = "high"
	Medium   Severity = "medium"
	Low      Severity = "low"
	Unknown  Severity = "unknown"
)

// matchOrder is checked first-match-wins, so "high-critical" is Critical.
var matchOrder = []Severity{Critical, High, Medium, Low}

// NormalizeSeverity maps free-text severity to a bucket by case-insensitive
// substring match. Anything unrecognized, including the empty string, is
// Unknown.
func NormalizeSeverity(s string) Severity {
	lower := strings.ToLower(s)
	for _, sev := range matchOrder {
		if strings.Contains(lower, string(sev)) {
			return sev
		}
	}
	return Unknown
}

// SeverityCounts holds one counter per bucket.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Unknown  int `json:"unknown"`
}

func (c *SeverityCounts) add(sev Severity) {
	switch sev {
	case Critical:
		c.Critical++
	case High:
		c.High++
	case Medium:
		c.Medium++
	case Low:
		c.Low++
	default:
		c.Unknown++
	}
}

func (c *SeverityCounts) merge(o SeverityCounts) {
	c.Critical += o.Critical
	c.High += o.High
	c.Medium += o.Medium
	c.Low += o.Low
	c.Unknown += o.Unknown
}

// Total is the number of findings counted.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Unknown
}

// CountSeverities buckets raw severity strings. Passing already-normalized
// values yields the same counts as passing the originals.
func CountSeverities(severities []string) SeverityCounts {
	var c SeverityCounts
	for _, s := range severities {
		c.add(NormalizeSeverity(s))
	}
	return c
}
