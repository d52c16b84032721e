package storage

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *Store) SaveInteraction(ctx context.Context, i Interaction) error {
	status := i.Status
	if status == "" {
		status = "completed"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, created_at, organization_id, user_query, response, steps, round_trips, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, formatTime(i.CreatedAt), i.OrganizationID, i.UserQuery, i.Response, i.Steps, i.RoundTrips, status,
	)
	return err
}

func (s *Store) GetInteraction(ctx context.Context, id string) (Interaction, error) {
	var i Interaction
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, organization_id, user_query, response, steps, round_trips, status
		FROM interactions WHERE id = ?`, id,
	).Scan(&i.ID, &createdAt, &i.OrganizationID, &i.UserQuery, &i.Response, &i.Steps, &i.RoundTrips, &i.Status)
	if err == sql.ErrNoRows {
		return Interaction{}, ErrNotFound
	}
	if err != nil {
		return Interaction{}, err
	}
	if i.CreatedAt, err = parseTime(createdAt); err != nil {
		return Interaction{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return i, nil
}

func (s *Store) ListInteractions(ctx context.Context, limit, offset int) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, organization_id, user_query, response, steps, round_trips, status
		FROM interactions ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Interaction
	for rows.Next() {
		var i Interaction
		var createdAt string
		if err := rows.Scan(&i.ID, &createdAt, &i.OrganizationID, &i.UserQuery, &i.Response, &i.Steps, &i.RoundTrips, &i.Status); err != nil {
			return nil, err
		}
		if i.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, i)
	}
	return results, rows.Err()
}
