package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// SeedData is the JSON document accepted by Seed.
type SeedData struct {
	Frameworks            []Framework            `json:"frameworks"`
	FrameworkAssociations []FrameworkAssociation `json:"framework_associations"`
	ScanRecords           []ScanRecord           `json:"scan_records"`
	Risks                 []RiskAssociation      `json:"risks"`
}

// SeedCounts reports how many rows of each kind were written.
type SeedCounts struct {
	Frameworks            int `json:"frameworks"`
	FrameworkAssociations int `json:"framework_associations"`
	ScanRecords           int `json:"scan_records"`
	Risks                 int `json:"risks"`
}

// Seed decodes a SeedData document from r and upserts every row.
// Frameworks are written first so associations can resolve their names.
func (s *Store) Seed(ctx context.Context, r io.Reader) (SeedCounts, error) {
	var data SeedData
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return SeedCounts{}, fmt.Errorf("decoding seed data: %w", err)
	}

	var counts SeedCounts
	for _, f := range data.Frameworks {
		if err := s.SaveFramework(ctx, f); err != nil {
			return counts, fmt.Errorf("saving framework %s: %w", f.ID, err)
		}
		counts.Frameworks++
	}
	for _, a := range data.FrameworkAssociations {
		if err := s.SaveFrameworkAssociation(ctx, a); err != nil {
			return counts, fmt.Errorf("saving framework association %s: %w", a.ID, err)
		}
		counts.FrameworkAssociations++
	}
	for _, rec := range data.ScanRecords {
		if err := s.SaveScanRecord(ctx, rec); err != nil {
			return counts, fmt.Errorf("saving scan record %s: %w", rec.ID, err)
		}
		counts.ScanRecords++
	}
	for _, risk := range data.Risks {
		if err := s.SaveRiskAssociation(ctx, risk); err != nil {
			return counts, fmt.Errorf("saving risk %s: %w", risk.ID, err)
		}
		counts.Risks++
	}
	return counts, nil
}
