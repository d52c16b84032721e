package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
)

// --- Scan records ---

func (s *Store) SaveScanRecord(ctx context.Context, r ScanRecord) error {
	findings, err := json.Marshal(nonNil(r.Findings))
	if err != nil {
		return fmt.Errorf("marshalling findings: %w", err)
	}
	assets, err := json.Marshal(nonNil(r.SourceAssets))
	if err != nil {
		return fmt.Errorf("marshalling source assets: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_records (id, organization_id, source, created_at, findings_json, source_assets_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			source = excluded.source,
			created_at = excluded.created_at,
			findings_json = excluded.findings_json,
			source_assets_json = excluded.source_assets_json`,
		r.ID, r.OrganizationID, r.Source, formatTime(r.CreatedAt), string(findings), string(assets),
	)
	return err
}

// ScanRecords returns scan records matching q, newest first. Rows whose JSON
// columns or timestamp cannot be decoded are returned with empty lists or a
// zero time rather than failing the whole read.
func (s *Store) ScanRecords(ctx context.Context, q Query) ([]ScanRecord, error) {
	q.Table = TableScanRecords
	tail, args, err := q.build("")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, source, created_at, findings_json, source_assets_json
		FROM scan_records`+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("querying scan records: %w", err)
	}
	defer rows.Close()

	var results []ScanRecord
	for rows.Next() {
		var r ScanRecord
		var createdAt, findings, assets string
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Source, &createdAt, &findings, &assets); err != nil {
			return nil, err
		}
		r.CreatedAt = rowTime(TableScanRecords, r.ID, createdAt)
		if err := json.Unmarshal([]byte(findings), &r.Findings); err != nil {
			slog.Warn("storage: undecodable findings column", "scan_record_id", r.ID, "error", err)
			r.Findings = nil
		}
		if err := json.Unmarshal([]byte(assets), &r.SourceAssets); err != nil {
			slog.Warn("storage: undecodable source assets column", "scan_record_id", r.ID, "error", err)
			r.SourceAssets = nil
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Frameworks ---

func (s *Store) SaveFramework(ctx context.Context, f Framework) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frameworks (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		f.ID, f.Name,
	)
	return err
}

func (s *Store) SaveFrameworkAssociation(ctx context.Context, a FrameworkAssociation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_frameworks (id, organization_id, framework_id, status, compliance_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			framework_id = excluded.framework_id,
			status = excluded.status,
			compliance_score = excluded.compliance_score,
			created_at = excluded.created_at`,
		a.ID, a.OrganizationID, a.FrameworkID, a.Status, a.ComplianceScore, formatTime(a.CreatedAt),
	)
	return err
}

// FrameworkAssociations returns the organization's framework rows joined with
// framework names. Associations pointing at an unknown framework keep an
// empty name.
func (s *Store) FrameworkAssociations(ctx context.Context, q Query) ([]FrameworkAssociation, error) {
	q.Table = TableOrganizationFrameworks
	tail, args, err := q.build("ofw")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ofw.id, ofw.organization_id, ofw.framework_id, f.name, ofw.status, ofw.compliance_score, ofw.created_at
		FROM organization_frameworks ofw
		LEFT JOIN frameworks f ON f.id = ofw.framework_id`+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("querying framework associations: %w", err)
	}
	defer rows.Close()

	var results []FrameworkAssociation
	for rows.Next() {
		var a FrameworkAssociation
		var name sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.FrameworkID, &name, &a.Status, &a.ComplianceScore, &createdAt); err != nil {
			return nil, err
		}
		a.FrameworkName = name.String
		a.CreatedAt = rowTime(TableOrganizationFrameworks, a.ID, createdAt)
		results = append(results, a)
	}
	return results, rows.Err()
}

// --- Risks ---

func (s *Store) SaveRiskAssociation(ctx context.Context, r RiskAssociation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_risks (id, organization_id, title, severity, status, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			title = excluded.title,
			severity = excluded.severity,
			status = excluded.status,
			description = excluded.description,
			created_at = excluded.created_at`,
		r.ID, r.OrganizationID, r.Title, r.Severity, r.Status, r.Description, formatTime(r.CreatedAt),
	)
	return err
}

func (s *Store) RiskAssociations(ctx context.Context, q Query) ([]RiskAssociation, error) {
	q.Table = TableOrganizationRisks
	tail, args, err := q.build("")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, title, severity, status, description, created_at
		FROM organization_risks`+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("querying risk associations: %w", err)
	}
	defer rows.Close()

	var results []RiskAssociation
	for rows.Next() {
		var r RiskAssociation
		var createdAt string
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Title, &r.Severity, &r.Status, &r.Description, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = rowTime(TableOrganizationRisks, r.ID, createdAt)
		results = append(results, r)
	}
	return results, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
