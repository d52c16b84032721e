package storage

import (
	"fmt"
	"strings"
	"time"
)

// Table names accepted by Query.
const (
	TableScanRecords            = "scan_records"
	TableOrganizationFrameworks = "organization_frameworks"
	TableOrganizationRisks      = "organization_risks"
)

// timeFields lists the timestamp columns each table may be windowed on.
var timeFields = map[string][]string{
	TableScanRecords:            {"created_at"},
	TableOrganizationFrameworks: {"created_at"},
	TableOrganizationRisks:      {"created_at"},
}

// Query is the read shape used by the retrieval layer: an equality filter on
// the organization, an optional time window, optional offset/limit, and
// newest-first ordering on TimeField.
type Query struct {
	Table          string
	OrganizationID string
	TimeField      string // defaults to created_at
	Since          time.Time
	Until          time.Time
	Offset         int
	Limit          int // 0 means no limit
}

// build returns the WHERE/ORDER/LIMIT tail for q and its arguments.
// alias qualifies column names when the caller joins other tables.
func (q Query) build(alias string) (string, []any, error) {
	fields, ok := timeFields[q.Table]
	if !ok {
		return "", nil, fmt.Errorf("unsupported table %q", q.Table)
	}
	if q.OrganizationID == "" {
		return "", nil, fmt.Errorf("organization id is required")
	}

	timeField := q.TimeField
	if timeField == "" {
		timeField = fields[0]
	}
	if !contains(fields, timeField) {
		return "", nil, fmt.Errorf("unsupported time field %q for %s", timeField, q.Table)
	}

	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}

	var sb strings.Builder
	args := []any{q.OrganizationID}
	sb.WriteString(" WHERE " + col("organization_id") + " = ?")

	if !q.Since.IsZero() {
		sb.WriteString(" AND " + col(timeField) + " >= ?")
		args = append(args, q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		sb.WriteString(" AND " + col(timeField) + " <= ?")
		args = append(args, q.Until.UTC().Format(time.RFC3339))
	}

	sb.WriteString(" ORDER BY " + col(timeField) + " DESC, " + col("id") + " ASC")

	switch {
	case q.Limit > 0:
		sb.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, q.Limit, max(q.Offset, 0))
	case q.Offset > 0:
		sb.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, q.Offset)
	}

	return sb.String(), args, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
