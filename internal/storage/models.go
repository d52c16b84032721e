package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ScanRecord is one organization-scoped scan result with its findings and
// the assets the scan covered.
type ScanRecord struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	Source         string        `json:"source"`
	CreatedAt      time.Time     `json:"created_at"`
	Findings       []Finding     `json:"findings"`
	SourceAssets   []SourceAsset `json:"source_assets"`
}

// Finding is a single security observation reported by a scan.
// Severity is free text as produced by the source system.
type Finding struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Remediation string `json:"remediation"`
	Status      string `json:"status"`
	Resource    string `json:"resource"`
	Category    string `json:"category"`
}

type SourceAsset struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type Framework struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FrameworkAssociation links an organization to a compliance framework.
// FrameworkName is filled from the frameworks table on read.
type FrameworkAssociation struct {
	ID              string    `json:"id"`
	OrganizationID  string    `json:"organization_id"`
	FrameworkID     string    `json:"framework_id"`
	FrameworkName   string    `json:"framework_name"`
	Status          string    `json:"status"`
	ComplianceScore float64   `json:"compliance_score"`
	CreatedAt       time.Time `json:"created_at"`
}

type RiskAssociation struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Title          string    `json:"title"`
	Severity       string    `json:"severity"`
	Status         string    `json:"status"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
}

// Interaction is the audit entry written after each answered query.
type Interaction struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	OrganizationID string    `json:"organization_id"`
	UserQuery      string    `json:"user_query"`
	Response       string    `json:"response"`
	Steps          int       `json:"steps"`
	RoundTrips     int       `json:"round_trips"`
	Status         string    `json:"status"`
}
