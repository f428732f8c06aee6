package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RunState is the serializable position of a control-loop run. It is written
// at every suspension point so a resume, possibly in another process, can
// continue exactly where the run paused.
type RunState struct {
	ProjectID       string
	RunID           string
	RoundIndex      int
	Request         string
	PendingGuidance string
	EnvironmentID   string
	UpdatedAt       time.Time
}

// SaveRunState upserts the run state for a project.
func (s *Store) SaveRunState(ctx context.Context, rs RunState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_states (project_id, run_id, round_index, request, pending_guidance, environment_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
		   run_id           = excluded.run_id,
		   round_index      = excluded.round_index,
		   request          = excluded.request,
		   pending_guidance = excluded.pending_guidance,
		   environment_id   = excluded.environment_id,
		   updated_at       = excluded.updated_at`,
		rs.ProjectID, rs.RunID, rs.RoundIndex, rs.Request, rs.PendingGuidance, rs.EnvironmentID, rs.UpdatedAt.UTC())
	return err
}

// LoadRunState returns the run state for a project, or ErrNotFound.
func (s *Store) LoadRunState(ctx context.Context, projectID string) (RunState, error) {
	var rs RunState
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, run_id, round_index, request, pending_guidance, environment_id, updated_at
		 FROM run_states WHERE project_id = ?`, projectID)
	err := row.Scan(&rs.ProjectID, &rs.RunID, &rs.RoundIndex, &rs.Request, &rs.PendingGuidance, &rs.EnvironmentID, &rs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunState{}, ErrNotFound
	}
	return rs, err
}

// DeleteRunState clears the run state after a run reaches a terminal state.
func (s *Store) DeleteRunState(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_states WHERE project_id = ?`, projectID)
	return err
}

// RoundRecord is the durable trace of one completed round.
type RoundRecord struct {
	ProjectID   string
	RunID       string
	RoundIndex  int
	EndedReason string
	DurationMS  int64
	EndedAt     time.Time
}

// AppendRound records a completed round for inspection.
func (s *Store) AppendRound(ctx context.Context, r RoundRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rounds (project_id, run_id, round_index, ended_reason, duration_ms, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ProjectID, r.RunID, r.RoundIndex, r.EndedReason, r.DurationMS, r.EndedAt.UTC())
	return err
}

// ListRounds returns the rounds of a run in index order.
func (s *Store) ListRounds(ctx context.Context, runID string) ([]RoundRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, run_id, round_index, ended_reason, duration_ms, ended_at
		 FROM rounds WHERE run_id = ? ORDER BY round_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoundRecord
	for rows.Next() {
		var r RoundRecord
		if err := rows.Scan(&r.ProjectID, &r.RunID, &r.RoundIndex, &r.EndedReason, &r.DurationMS, &r.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
