// Package registry maps each project to at most one owning connection.
//
// The lock itself lives in the shared store so single-writer semantics hold
// across service instances; this package adds admission semantics, eviction
// notices and cancellation of evicted work.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patchwork-run/patchwork/pkg/log"
	"github.com/patchwork-run/patchwork/pkg/store"
)

// LockedError reports that another owner holds the project. The caller is
// expected to surface the holder to a human before retrying with force.
type LockedError struct {
	OwnerIdentity string
	LockedAt      time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("project locked by %s since %s", e.OwnerIdentity, e.LockedAt.Format(time.RFC3339))
}

// EvictFunc delivers a one-shot "claimed" notice to a displaced connection
// and cancels its in-flight work. Best-effort: the connection may already be
// gone.
type EvictFunc func(claimedBy string, at time.Time)

type localOwner struct {
	connectionToken string
	evict           EvictFunc
}

// Registry admits connections to projects.
type Registry struct {
	store *store.Store

	mu    sync.Mutex
	local map[string]localOwner // projectID -> connection on this instance
}

// New creates a Registry over the shared store.
func New(st *store.Store) *Registry {
	return &Registry{store: st, local: make(map[string]localOwner)}
}

// Admit claims the project for a connection. evict is invoked if a later
// forced takeover displaces this connection while it is still attached.
//
// Returns *LockedError when another owner holds the project and force is
// false. With force, the previous owner (if connected to this instance) gets
// its eviction notice before Admit returns.
func (r *Registry) Admit(ctx context.Context, projectID, connectionToken, ownerIdentity string, force bool, evict EvictFunc) error {
	now := time.Now().UTC()
	evicted, err := r.store.AcquireLock(ctx, store.Lock{
		ProjectID:       projectID,
		ConnectionToken: connectionToken,
		OwnerIdentity:   ownerIdentity,
		AcquiredAt:      now,
	}, force)
	if err != nil {
		var held *store.ErrLockHeld
		if errors.As(err, &held) {
			return &LockedError{OwnerIdentity: held.Holder.OwnerIdentity, LockedAt: held.Holder.AcquiredAt}
		}
		return fmt.Errorf("failed to acquire lock for %s: %w", projectID, err)
	}

	r.mu.Lock()
	prev, hadLocal := r.local[projectID]
	r.local[projectID] = localOwner{connectionToken: connectionToken, evict: evict}
	r.mu.Unlock()

	if evicted != nil {
		log.Info("forced takeover", "project_id", projectID, "evicted_owner", evicted.OwnerIdentity, "new_owner", ownerIdentity)
		if hadLocal && prev.connectionToken == evicted.ConnectionToken && prev.evict != nil {
			prev.evict(ownerIdentity, now)
		}
	}
	return nil
}

// Release removes the connection's claim. A lock already replaced by a
// forced takeover is left untouched.
func (r *Registry) Release(ctx context.Context, projectID, connectionToken string) error {
	r.mu.Lock()
	if cur, ok := r.local[projectID]; ok && cur.connectionToken == connectionToken {
		delete(r.local, projectID)
	}
	r.mu.Unlock()

	if err := r.store.ReleaseLock(ctx, projectID, connectionToken); err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", projectID, err)
	}
	return nil
}

// Holder returns the current lock for a project, or store.ErrNotFound.
func (r *Registry) Holder(ctx context.Context, projectID string) (store.Lock, error) {
	return r.store.GetLock(ctx, projectID)
}

// Owns reports whether the connection still holds the project. Controller
// runs check this before expensive steps after resuming.
func (r *Registry) Owns(ctx context.Context, projectID, connectionToken string) bool {
	lock, err := r.store.GetLock(ctx, projectID)
	if err != nil {
		return false
	}
	return lock.ConnectionToken == connectionToken
}
