// Package provision creates, reuses and waits for per-project isolated
// execution environments.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patchwork-run/patchwork/pkg/log"
)

// ErrorKind classifies provisioning failures.
type ErrorKind string

const (
	// KindDenied covers permission and quota refusals from the
	// orchestrator. Not retried.
	KindDenied ErrorKind = "denied"
	// KindReadyTimeout means the environment never reported ready within
	// the bounded wait.
	KindReadyTimeout ErrorKind = "ready_timeout"
)

// Error is a terminal provisioning failure.
type Error struct {
	Kind     ErrorKind
	Identity string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision %s: %s: %v", e.Identity, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Environment is one isolated execution context for a project.
type Environment struct {
	ID             string
	Ready          bool
	PreviewAddress string
	CreatedAt      time.Time
	// Reused reports whether the environment predates this ensure call.
	Reused bool
}

// State is an orchestrator's view of one environment.
type State struct {
	Exists    bool
	Running   bool
	Healthy   bool
	CreatedAt time.Time
}

// Backend is the orchestrator the provisioner drives. Implementations
// classify permission and quota refusals as *Error{Kind: KindDenied}.
type Backend interface {
	Inspect(ctx context.Context, identity string) (State, error)
	Create(ctx context.Context, identity string) error
	Start(ctx context.Context, identity string) error
	Stop(ctx context.Context, identity string) error
}

// Config holds provisioner settings.
type Config struct {
	Scheme       string
	BaseDomain   string
	Prefix       string
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

// Provisioner ensures one environment per project, idempotently.
type Provisioner struct {
	cfg     Config
	backend Backend
}

// New creates a Provisioner over the given backend.
func New(cfg Config, backend Backend) *Provisioner {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 180 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Provisioner{cfg: cfg, backend: backend}
}

// Identity derives the environment identity for a project. See DeriveIdentity.
func (p *Provisioner) Identity(projectID, slug string) string {
	return DeriveIdentity(projectID, slug, p.cfg.Prefix)
}

// Ensure looks up the environment by derived identity, creating it if absent
// and reusing it otherwise, then waits until it is ready. Safe to call
// repeatedly and concurrently for the same project: a creation race resolves
// to exactly one environment because creation is keyed by identity.
func (p *Provisioner) Ensure(ctx context.Context, projectID, slug string) (Environment, error) {
	identity := p.Identity(projectID, slug)
	return p.EnsureIdentity(ctx, identity)
}

// EnsureIdentity is Ensure for a pre-derived identity. Used on resume paths
// where the identity was checkpointed.
func (p *Provisioner) EnsureIdentity(ctx context.Context, identity string) (Environment, error) {
	st, err := p.backend.Inspect(ctx, identity)
	if err != nil {
		return Environment{}, p.wrap(identity, err)
	}

	reused := st.Exists
	if !st.Exists {
		log.Info("creating environment", "identity", identity)
		if err := p.backend.Create(ctx, identity); err != nil {
			// A concurrent ensure may have won the creation race;
			// re-inspect before giving up.
			if again, inspectErr := p.backend.Inspect(ctx, identity); inspectErr == nil && again.Exists {
				reused = true
			} else {
				return Environment{}, p.wrap(identity, err)
			}
		}
		st, err = p.backend.Inspect(ctx, identity)
		if err != nil {
			return Environment{}, p.wrap(identity, err)
		}
	}

	if !st.Running {
		if err := p.backend.Start(ctx, identity); err != nil {
			return Environment{}, p.wrap(identity, err)
		}
	}

	if err := p.waitReady(ctx, identity); err != nil {
		return Environment{}, err
	}

	createdAt := st.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return Environment{
		ID:             identity,
		Ready:          true,
		PreviewAddress: PreviewAddress(p.cfg.Scheme, identity, p.cfg.BaseDomain),
		CreatedAt:      createdAt,
		Reused:         reused,
	}, nil
}

// Stop halts an environment without destroying it. Best-effort; used by the
// idle reaper.
func (p *Provisioner) Stop(ctx context.Context, identity string) error {
	return p.backend.Stop(ctx, identity)
}

func (p *Provisioner) waitReady(ctx context.Context, identity string) error {
	deadline := time.Now().Add(p.cfg.ReadyTimeout)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		st, err := p.backend.Inspect(ctx, identity)
		if err != nil {
			return p.wrap(identity, err)
		}
		if st.Running && st.Healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return &Error{
				Kind:     KindReadyTimeout,
				Identity: identity,
				Err:      fmt.Errorf("not ready after %s", p.cfg.ReadyTimeout),
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// wrap passes through backend-classified *Error values and tags everything
// else as denied only when the backend says so.
func (p *Provisioner) wrap(identity string, err error) error {
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	return fmt.Errorf("environment %s: %w", identity, err)
}
