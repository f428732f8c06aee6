// Package gate intercepts risky actions and suspends the control loop until
// a human decides their fate.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/patchwork-run/patchwork/pkg/api/v1"
	"github.com/patchwork-run/patchwork/pkg/log"
	"github.com/patchwork-run/patchwork/pkg/store"
)

// ErrInvalidDecision rejects a resume whose decisions do not match the
// interrupt. The interrupt is left untouched so the caller can retry.
var ErrInvalidDecision = errors.New("invalid decision")

// alwaysGated names are intercepted regardless of configuration: destructive
// file removal and destructive schema mutation.
var alwaysGated = map[string]bool{
	"delete_file":    true,
	"delete_path":    true,
	"remove_file":    true,
	"drop_table":     true,
	"drop_column":    true,
	"truncate_table": true,
}

// Gate decides which actions require human review and owns the durable
// interrupt records.
type Gate struct {
	store *store.Store
	extra map[string]bool
}

// New creates a Gate. extra maps additional tool names to gated=true;
// mapping an always-gated name to false has no effect. Names are normalized
// the same way lookups are, so configured case never matters.
func New(st *store.Store, extra map[string]bool) *Gate {
	norm := make(map[string]bool, len(extra))
	for name, gated := range extra {
		norm[strings.ToLower(strings.TrimSpace(name))] = gated
	}
	return &Gate{store: st, extra: norm}
}

// Gated reports whether an action by this name must pause for review.
func (g *Gate) Gated(name string) bool {
	key := strings.ToLower(strings.TrimSpace(name))
	if alwaysGated[key] {
		return true
	}
	return g.extra[key]
}

// AnyGated reports whether any action in the batch is gated. A single gated
// action suspends the whole pending batch.
func (g *Gate) AnyGated(actions []v1.ActionRequest) bool {
	for _, a := range actions {
		if g.Gated(a.Name) {
			return true
		}
	}
	return false
}

// Suspend persists an interrupt for the pending action batch. checkpoint is
// the controller's serialized resume point; it must already be durable enough
// to survive a process restart, which storing it here provides.
func (g *Gate) Suspend(ctx context.Context, projectID string, actions []v1.ActionRequest, checkpoint []byte) (store.Interrupt, error) {
	reviews := make([]v1.ReviewConfig, len(actions))
	for i := range actions {
		reviews[i] = v1.ReviewConfig{
			AllowedDecisions: []string{v1.DecisionApprove, v1.DecisionEdit, v1.DecisionReject},
		}
	}

	in := store.Interrupt{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Requests:   actions,
		Reviews:    reviews,
		Checkpoint: checkpoint,
		CreatedAt:  time.Now().UTC(),
	}
	if err := g.store.PutInterrupt(ctx, in); err != nil {
		return store.Interrupt{}, fmt.Errorf("failed to persist interrupt: %w", err)
	}
	log.Info("run suspended for review", "project_id", projectID, "interrupt_id", in.ID, "actions", len(actions))
	return in, nil
}

// Pending returns the project's pending interrupt, if any. Reconnecting
// callers get the same interrupt id and contents re-offered.
func (g *Gate) Pending(ctx context.Context, projectID string) (store.Interrupt, error) {
	return g.store.PendingInterrupt(ctx, projectID)
}

// Get returns an interrupt by id.
func (g *Gate) Get(ctx context.Context, interruptID string) (store.Interrupt, error) {
	return g.store.GetInterrupt(ctx, interruptID)
}

// Complete removes an interrupt whose decisions were applied.
func (g *Gate) Complete(ctx context.Context, interruptID string) error {
	return g.store.DeleteInterrupt(ctx, interruptID)
}

// Resolution is a validated decision set ready to apply.
type Resolution struct {
	// Execute holds the actions to run, in request order, with edits
	// substituted. Rejected actions are absent.
	Execute []v1.ActionRequest
	// RejectMessages collects optional reject messages, fed back into the
	// control loop as guidance.
	RejectMessages []string
}

// Resolve validates decisions against the interrupt's action requests and
// review policies. Decisions apply 1:1 in request order. Any mismatch fails
// with ErrInvalidDecision before anything is applied.
func Resolve(in store.Interrupt, decisions []v1.Decision) (Resolution, error) {
	if len(decisions) != len(in.Requests) {
		return Resolution{}, fmt.Errorf("%w: got %d decisions for %d actions",
			ErrInvalidDecision, len(decisions), len(in.Requests))
	}

	for i, d := range decisions {
		if !allowed(in.Reviews[i].AllowedDecisions, d.Type) {
			return Resolution{}, fmt.Errorf("%w: decision %q not permitted for action %q",
				ErrInvalidDecision, d.Type, in.Requests[i].Name)
		}
		if d.Type == v1.DecisionEdit && d.Name == "" {
			return Resolution{}, fmt.Errorf("%w: edit decision for action %q has no replacement name",
				ErrInvalidDecision, in.Requests[i].Name)
		}
	}

	var res Resolution
	for i, d := range decisions {
		switch d.Type {
		case v1.DecisionApprove:
			res.Execute = append(res.Execute, in.Requests[i])
		case v1.DecisionEdit:
			res.Execute = append(res.Execute, v1.ActionRequest{
				Name:        d.Name,
				Args:        d.Args,
				Description: in.Requests[i].Description,
			})
		case v1.DecisionReject:
			if d.Message != "" {
				res.RejectMessages = append(res.RejectMessages, d.Message)
			}
		}
	}
	return res, nil
}

func allowed(set []string, decision string) bool {
	for _, s := range set {
		if s == decision {
			return true
		}
	}
	return false
}
