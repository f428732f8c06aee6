package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Project is the stable identity a session attaches to. EnvIdentity is the
// environment name recorded at first provision; it never changes afterwards,
// even if the slug is renamed.
type Project struct {
	ID          string
	Slug        string
	Owner       string
	Kind        string
	EnvIdentity string
	CreatedAt   time.Time
}

// EnsureProject records a project on first contact. The id is immutable;
// slug, owner and kind are refreshed if they were empty before.
func (s *Store) EnsureProject(ctx context.Context, p Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (project_id, slug, owner, kind, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
		   slug  = CASE WHEN projects.slug  = '' THEN excluded.slug  ELSE projects.slug  END,
		   owner = CASE WHEN projects.owner = '' THEN excluded.owner ELSE projects.owner END,
		   kind  = CASE WHEN projects.kind  = '' THEN excluded.kind  ELSE projects.kind  END`,
		p.ID, p.Slug, p.Owner, p.Kind, p.CreatedAt.UTC())
	return err
}

// GetProject returns a project by id, or ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, slug, owner, kind, env_identity, created_at FROM projects WHERE project_id = ?`, id)
	err := row.Scan(&p.ID, &p.Slug, &p.Owner, &p.Kind, &p.EnvIdentity, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	return p, err
}

// SetEnvIdentity records the derived environment identity, once. A second
// call with a different identity is a no-op; the first write wins.
func (s *Store) SetEnvIdentity(ctx context.Context, id, identity string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET env_identity = ? WHERE project_id = ? AND env_identity = ''`,
		identity, id)
	return err
}

// RenameSlug updates a project's human-readable slug. The derived environment
// identity is computed once at provision time, so renames never move an
// existing environment.
func (s *Store) RenameSlug(ctx context.Context, id, slug string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET slug = ? WHERE project_id = ?`, slug, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
