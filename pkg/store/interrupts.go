package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "github.com/patchwork-run/patchwork/pkg/api/v1"
)

// Interrupt is a suspended point in a control loop awaiting decisions.
// Checkpoint is opaque to the store; the controller owns its format.
type Interrupt struct {
	ID         string
	ProjectID  string
	Requests   []v1.ActionRequest
	Reviews    []v1.ReviewConfig
	Checkpoint []byte
	CreatedAt  time.Time
}

// PutInterrupt persists a pending interrupt. At most one interrupt exists per
// project; inserting a second is a bug in the controller and fails.
func (s *Store) PutInterrupt(ctx context.Context, in Interrupt) error {
	requests, err := json.Marshal(in.Requests)
	if err != nil {
		return fmt.Errorf("failed to marshal action requests: %w", err)
	}
	reviews, err := json.Marshal(in.Reviews)
	if err != nil {
		return fmt.Errorf("failed to marshal review configs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interrupts (interrupt_id, project_id, requests, reviews, checkpoint, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		in.ID, in.ProjectID, string(requests), string(reviews), in.Checkpoint, in.CreatedAt.UTC())
	return err
}

// GetInterrupt returns an interrupt by id, or ErrNotFound.
func (s *Store) GetInterrupt(ctx context.Context, interruptID string) (Interrupt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT interrupt_id, project_id, requests, reviews, checkpoint, created_at
		 FROM interrupts WHERE interrupt_id = ?`, interruptID)
	return scanInterrupt(row)
}

// PendingInterrupt returns the project's pending interrupt, or ErrNotFound.
// Used on reconnect to re-offer the same interrupt to the new owner.
func (s *Store) PendingInterrupt(ctx context.Context, projectID string) (Interrupt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT interrupt_id, project_id, requests, reviews, checkpoint, created_at
		 FROM interrupts WHERE project_id = ?`, projectID)
	return scanInterrupt(row)
}

// DeleteInterrupt removes a resolved interrupt.
func (s *Store) DeleteInterrupt(ctx context.Context, interruptID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM interrupts WHERE interrupt_id = ?`, interruptID)
	return err
}

func scanInterrupt(row *sql.Row) (Interrupt, error) {
	var in Interrupt
	var requests, reviews string
	err := row.Scan(&in.ID, &in.ProjectID, &requests, &reviews, &in.Checkpoint, &in.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Interrupt{}, ErrNotFound
	}
	if err != nil {
		return Interrupt{}, err
	}
	if err := json.Unmarshal([]byte(requests), &in.Requests); err != nil {
		return Interrupt{}, fmt.Errorf("failed to parse action requests: %w", err)
	}
	if err := json.Unmarshal([]byte(reviews), &in.Reviews); err != nil {
		return Interrupt{}, fmt.Errorf("failed to parse review configs: %w", err)
	}
	return in, nil
}
