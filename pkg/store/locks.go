package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lock is the single-writer claim binding one connection to a project.
type Lock struct {
	ProjectID       string
	ConnectionToken string
	OwnerIdentity   string
	AcquiredAt      time.Time
}

// ErrLockHeld reports that a different owner already holds the project.
// Holder carries the existing lock for surfacing to the caller.
type ErrLockHeld struct {
	Holder Lock
}

func (e *ErrLockHeld) Error() string {
	return fmt.Sprintf("project %s locked by %s since %s",
		e.Holder.ProjectID, e.Holder.OwnerIdentity, e.Holder.AcquiredAt.Format(time.RFC3339))
}

// AcquireLock claims the project for the given connection.
//
// With force=false, an existing lock held by any other connection fails with
// *ErrLockHeld. With force=true the lock is replaced atomically and the
// displaced lock is returned so the caller can notify the evicted owner.
// Re-acquiring with the same connection token refreshes the row.
//
// The transaction opens in immediate mode, so concurrent calls for the same
// project serialize at the database even across processes.
func (s *Store) AcquireLock(ctx context.Context, lock Lock, force bool) (evicted *Lock, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var cur Lock
	row := tx.QueryRowContext(ctx,
		`SELECT project_id, connection_token, owner_identity, acquired_at FROM locks WHERE project_id = ?`,
		lock.ProjectID)
	scanErr := row.Scan(&cur.ProjectID, &cur.ConnectionToken, &cur.OwnerIdentity, &cur.AcquiredAt)
	switch {
	case scanErr == sql.ErrNoRows:
		// No holder; fall through to insert.
	case scanErr != nil:
		return nil, scanErr
	case cur.ConnectionToken == lock.ConnectionToken:
		// Same connection refreshing its own claim.
	case !force:
		return nil, &ErrLockHeld{Holder: cur}
	default:
		evicted = &cur
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO locks (project_id, connection_token, owner_identity, acquired_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
		   connection_token = excluded.connection_token,
		   owner_identity   = excluded.owner_identity,
		   acquired_at      = excluded.acquired_at`,
		lock.ProjectID, lock.ConnectionToken, lock.OwnerIdentity, lock.AcquiredAt.UTC())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return evicted, nil
}

// ReleaseLock removes the project's lock, but only if the given connection
// still holds it. Releasing a lock already taken over by someone else is a
// no-op.
func (s *Store) ReleaseLock(ctx context.Context, projectID, connectionToken string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE project_id = ? AND connection_token = ?`,
		projectID, connectionToken)
	return err
}

// GetLock returns the current lock for a project, or ErrNotFound.
func (s *Store) GetLock(ctx context.Context, projectID string) (Lock, error) {
	var l Lock
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, connection_token, owner_identity, acquired_at FROM locks WHERE project_id = ?`,
		projectID)
	err := row.Scan(&l.ProjectID, &l.ConnectionToken, &l.OwnerIdentity, &l.AcquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lock{}, ErrNotFound
	}
	return l, err
}
