package tools

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/posture/internal/digest"
	"github.com/kalambet/posture/internal/storage"
)

// Tool names as advertised to the model.
const (
	OrganizationAssetsName = "OrganizationAssets"
	FrameworkName          = "Framework"
	RiskName               = "Risk"
)

// Store is the read side of the data store the retrieval tools need.
type Store interface {
	ScanRecords(ctx context.Context, q storage.Query) ([]storage.ScanRecord, error)
	FrameworkAssociations(ctx context.Context, q storage.Query) ([]storage.FrameworkAssociation, error)
	RiskAssociations(ctx context.Context, q storage.Query) ([]storage.RiskAssociation, error)
}

// Retrieval is the payload of a successful retrieval tool call. Records is
// kept out of the model-facing JSON; the orchestrator digests it instead.
type Retrieval struct {
	Tool           string           `json:"tool"`
	OrganizationID string           `json:"organization_id"`
	Count          int              `json:"count"`
	Page           int              `json:"page,omitempty"`
	Filter         string           `json:"filter,omitempty"`
	Records        digest.RecordSet `json:"-"`
}

var organizationProp = Property{Type: TypeString, Description: "The organization ID. Filled in automatically when the request is scoped to an organization."}

// OrganizationAssets returns scan records with findings and source assets.
type OrganizationAssets struct {
	store Store
}

func NewOrganizationAssets(store Store) *OrganizationAssets {
	return &OrganizationAssets{store: store}
}

func (t *OrganizationAssets) Descriptor() Descriptor {
	return Descriptor{
		Name: OrganizationAssetsName,
		Description: "Get the organization's scanned assets with their security findings, newest scans first. " +
			"Use for questions about assets, vulnerabilities, findings, severities or scan results.",
		Schema: objectSchema(map[string]Property{
			"organization_id": organizationProp,
			"search":          {Type: TypeString, Description: "Optional keyword to narrow findings, e.g. 'ssl' or 'critical'."},
			"page":            {Type: TypeNumber, Coerced: true, Description: "Optional page number, 10 scan records per page."},
			"since":           {Type: TypeString, Description: "Optional start date (YYYY-MM-DD or RFC3339)."},
			"until":           {Type: TypeString, Description: "Optional end date (YYYY-MM-DD or RFC3339)."},
		}),
	}
}

func (t *OrganizationAssets) Execute(ctx context.Context, organizationID string, args map[string]any) Result {
	if organizationID == "" {
		return Fail(InvalidToolArguments, "organization_id is required")
	}

	q := storage.Query{OrganizationID: organizationID, Limit: DefaultRecentLimit}

	var err error
	if q.Since, err = parseDate(stringArg(args, "since"), false); err != nil {
		return Fail(InvalidToolArguments, "since: expected YYYY-MM-DD or RFC3339 date")
	}
	if q.Until, err = parseDate(stringArg(args, "until"), true); err != nil {
		return Fail(InvalidToolArguments, "until: expected YYYY-MM-DD or RFC3339 date")
	}

	page := 0
	if v, ok := args["page"]; ok && v != nil {
		page = NormalizePage(v)
		from, to := PageRange(page)
		q.Offset, q.Limit = from, to-from+1
	}

	recs, err := t.store.ScanRecords(ctx, q)
	if err != nil {
		slog.Warn("tools: loading scan records", "org", organizationID, "error", err)
		return Fail(DataUnavailable, "could not load asset scan records right now")
	}

	return Success(Retrieval{
		Tool:           OrganizationAssetsName,
		OrganizationID: organizationID,
		Count:          len(recs),
		Page:           page,
		Filter:         stringArg(args, "search"),
		Records:        digest.RecordSet{OrganizationID: organizationID, ScanRecords: recs},
	})
}

// Framework returns the organization's compliance framework associations.
type Framework struct {
	store Store
}

func NewFramework(store Store) *Framework {
	return &Framework{store: store}
}

func (t *Framework) Descriptor() Descriptor {
	return Descriptor{
		Name:        FrameworkName,
		Description: "Get the compliance frameworks (e.g. SOC 2, ISO 27001) the organization is associated with, including status and compliance score.",
		Schema: objectSchema(map[string]Property{
			"organization_id": organizationProp,
		}),
	}
}

func (t *Framework) Execute(ctx context.Context, organizationID string, _ map[string]any) Result {
	if organizationID == "" {
		return Fail(InvalidToolArguments, "organization_id is required")
	}

	rows, err := t.store.FrameworkAssociations(ctx, storage.Query{OrganizationID: organizationID})
	if err != nil {
		slog.Warn("tools: loading framework associations", "org", organizationID, "error", err)
		return Fail(DataUnavailable, "could not load compliance frameworks right now")
	}

	return Success(Retrieval{
		Tool:           FrameworkName,
		OrganizationID: organizationID,
		Count:          len(rows),
		Records:        digest.RecordSet{OrganizationID: organizationID, Frameworks: rows},
	})
}

// Risk returns the organization's most recent risk associations.
type Risk struct {
	store Store
}

func NewRisk(store Store) *Risk {
	return &Risk{store: store}
}

func (t *Risk) Descriptor() Descriptor {
	return Descriptor{
		Name:        RiskName,
		Description: "Get the organization's registered risks (up to 10, newest first) with severity and status.",
		Schema: objectSchema(map[string]Property{
			"organization_id": organizationProp,
		}),
	}
}

func (t *Risk) Execute(ctx context.Context, organizationID string, _ map[string]any) Result {
	if organizationID == "" {
		return Fail(InvalidToolArguments, "organization_id is required")
	}

	rows, err := t.store.RiskAssociations(ctx, storage.Query{OrganizationID: organizationID, Limit: digest.MaxRisks})
	if err != nil {
		slog.Warn("tools: loading risks", "org", organizationID, "error", err)
		return Fail(DataUnavailable, "could not load organization risks right now")
	}

	return Success(Retrieval{
		Tool:           RiskName,
		OrganizationID: organizationID,
		Count:          len(rows),
		Records:        digest.RecordSet{OrganizationID: organizationID, Risks: rows},
	})
}

// NewRetrievalRegistry builds the registry of all retrieval tools over store.
func NewRetrievalRegistry(store Store) *Registry {
	r, err := NewRegistry(NewOrganizationAssets(store), NewFramework(store), NewRisk(store))
	if err != nil {
		// Names are constants; a clash is a programming error.
		panic(err)
	}
	return r
}

// parseDate accepts RFC3339 or YYYY-MM-DD. A date-only upper bound covers the
// whole day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}
