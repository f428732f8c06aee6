// Package controller drives the bounded edit–validate–heal loop for one
// project session.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	v1 "github.com/patchwork-run/patchwork/pkg/api/v1"
	"github.com/patchwork-run/patchwork/pkg/gate"
	"github.com/patchwork-run/patchwork/pkg/log"
	"github.com/patchwork-run/patchwork/pkg/store"
	"github.com/patchwork-run/patchwork/pkg/validate"
)

// ActionFilter reports whether an action must pause for human review.
type ActionFilter func(name string) bool

// EditOutcome is the result of one Editor invocation. A non-empty
// PendingActions means the editor stopped at gated actions and the run must
// suspend.
type EditOutcome struct {
	PendingActions []v1.ActionRequest
}

// Editor is the opaque edit-generation capability. Edit applies a prompt to
// the environment's working tree; gated actions it wants to perform are
// surfaced through the returned EditOutcome instead of executed. Apply
// executes reviewed actions after a resume.
type Editor interface {
	Edit(ctx context.Context, envID, prompt string, gated ActionFilter) (EditOutcome, error)
	Apply(ctx context.Context, envID string, actions []v1.ActionRequest) error
}

// Syncer durably snapshots the environment after a run. Best-effort: failures
// are logged and never change the terminal state.
type Syncer interface {
	Sync(ctx context.Context, envID, outcome string) error
}

// Reporter receives run progress. Implemented by the connection layer.
type Reporter interface {
	Progress(text string)
	Suspended(in store.Interrupt)
	Completed(outcome Outcome, summary string, rounds []v1.RoundSummary)
}

// Config holds controller settings.
type Config struct {
	// MaxRounds bounds healing. N>=1 allows at most N edit/validate
	// cycles; 0 means a single cycle with no healing.
	MaxRounds int
}

// Controller executes runs. One Controller serves all projects; per-project
// sequencing is enforced by the session registry upstream.
type Controller struct {
	cfg       Config
	store     *store.Store
	gate      *gate.Gate
	validator *validate.Runner
	editor    Editor
	syncer    Syncer
	now       func() time.Time
}

// New creates a Controller.
func New(cfg Config, st *store.Store, g *gate.Gate, v *validate.Runner, e Editor, sync Syncer) *Controller {
	return &Controller{
		cfg:       cfg,
		store:     st,
		gate:      g,
		validator: v,
		editor:    e,
		syncer:    sync,
		now:       time.Now,
	}
}

// Run executes one control-loop run for an admitted session's change request.
// It returns OutcomeSuspended if the run paused at an interrupt; the caller
// later continues it with Resume.
func (c *Controller) Run(ctx context.Context, projectID, envID, runID, request string, rep Reporter) (Outcome, error) {
	cp := checkpoint{
		RunID:         runID,
		ProjectID:     projectID,
		EnvironmentID: envID,
		RoundIndex:    1,
		Request:       request,
		StartedAt:     c.now().UTC(),
		RoundStart:    c.now().UTC(),
	}
	return c.loop(ctx, cp, stateEdit, rep)
}

// Resume validates decisions against a pending interrupt and continues the
// suspended run. Invalid decisions fail with gate.ErrInvalidDecision and
// leave the interrupt untouched.
func (c *Controller) Resume(ctx context.Context, interruptID string, decisions []v1.Decision, rep Reporter) (Outcome, error) {
	in, err := c.gate.Get(ctx, interruptID)
	if err != nil {
		return "", fmt.Errorf("unknown interrupt %s: %w", interruptID, err)
	}

	res, err := gate.Resolve(in, decisions)
	if err != nil {
		return "", err
	}

	cp, err := decodeCheckpoint(in.Checkpoint)
	if err != nil {
		return "", fmt.Errorf("corrupt checkpoint for interrupt %s: %w", interruptID, err)
	}

	// Decisions validated; the interrupt is consumed from here on.
	if err := c.gate.Complete(ctx, interruptID); err != nil {
		return "", fmt.Errorf("failed to consume interrupt %s: %w", interruptID, err)
	}
	log.Info("run resumed", "project_id", cp.ProjectID, "interrupt_id", interruptID,
		"approved", len(res.Execute), "rejected", len(res.RejectMessages))

	for _, msg := range res.RejectMessages {
		cp.Notes = joinGuidance(cp.Notes, "A reviewer rejected a requested action: "+msg)
	}

	if len(res.Execute) > 0 {
		rep.Progress("Applying approved actions...")
		if err := c.editor.Apply(ctx, cp.EnvironmentID, res.Execute); err != nil {
			// Same treatment as an editor fault mid-round.
			log.Warn("apply after resume failed", "project_id", cp.ProjectID, "error", err)
			cp.Guidance = joinGuidance(cp.Guidance, "Applying reviewed actions failed: "+err.Error())
			next := c.roundFailed(ctx, &cp, ReasonAborted)
			return c.loop(ctx, cp, next, rep)
		}
	}

	// The round's EDIT step is now complete, exactly as if the editor had
	// finished it unassisted.
	return c.loop(ctx, cp, stateValidate, rep)
}

// loop is the explicit state machine. It mutates cp as rounds progress and
// persists it at every suspension point.
func (c *Controller) loop(ctx context.Context, cp checkpoint, st state, rep Reporter) (Outcome, error) {
	var lastFailure string

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		switch st {
		case stateEdit:
			prompt := cp.Request
			if cp.Guidance != "" {
				prompt = cp.Guidance
			}
			rep.Progress(fmt.Sprintf("Editing (round %d)...", cp.RoundIndex))

			outcome, err := c.editor.Edit(ctx, cp.EnvironmentID, prompt, c.gate.Gated)
			if err != nil {
				if ctx.Err() != nil {
					c.recordRound(ctx, &cp, ReasonInterrupted)
					return "", ctx.Err()
				}
				// An editor execution fault consumes the round like a
				// validation failure would.
				log.Warn("editor fault", "project_id", cp.ProjectID, "round", cp.RoundIndex, "error", err)
				lastFailure = "editor error: " + err.Error()
				cp.Guidance = joinGuidance(cp.Guidance, "The previous edit attempt failed to execute: "+err.Error())
				st = c.roundFailed(ctx, &cp, ReasonAborted)
				continue
			}

			if len(outcome.PendingActions) > 0 {
				return c.suspend(ctx, cp, outcome.PendingActions, rep)
			}
			st = stateValidate

		case stateValidate:
			rep.Progress("Validating...")
			result, err := c.validator.Run(ctx, cp.EnvironmentID)
			if err != nil {
				if ctx.Err() != nil {
					c.recordRound(ctx, &cp, ReasonInterrupted)
					return "", ctx.Err()
				}
				// Validation plumbing faults consume the round too; only
				// lock conflicts and provision errors bypass rounds, and
				// those never reach this loop.
				log.Warn("validation fault", "project_id", cp.ProjectID, "round", cp.RoundIndex, "error", err)
				lastFailure = "validation error: " + err.Error()
				cp.Guidance = joinGuidance(cp.Guidance, "Validation could not run: "+err.Error())
				st = c.roundFailed(ctx, &cp, ReasonAborted)
				continue
			}

			if result.Passed {
				c.recordRound(ctx, &cp, ReasonValidatedOK)
				st = stateDone
				continue
			}

			failing := result.Failing()
			lastFailure = failureSummary(failing)
			// Reviewer notes from a resume ride along with the fresh
			// validation guidance, then are consumed.
			cp.Guidance = joinGuidance(cp.Notes, guidanceFromValidation(cp.Request, failing))
			cp.Notes = ""
			st = c.roundFailed(ctx, &cp, ReasonValidatedFailed)

		case stateHeal:
			cp.RoundIndex++
			cp.RoundStart = c.now().UTC()
			log.Info("healing", "project_id", cp.ProjectID, "round", cp.RoundIndex)
			st = stateEdit

		case stateDone:
			c.finish(ctx, cp, OutcomeDone, "", rep)
			return OutcomeDone, nil

		case stateFailed:
			summary := fmt.Sprintf("validation still failing after %d round(s)", cp.RoundIndex)
			if lastFailure != "" {
				summary += ":\n" + lastFailure
			}
			c.finish(ctx, cp, OutcomeFailed, summary, rep)
			return OutcomeFailed, nil
		}
	}
}

// roundFailed records the failed round and decides HEAL vs FAILED.
func (c *Controller) roundFailed(ctx context.Context, cp *checkpoint, reason string) state {
	c.recordRound(ctx, cp, reason)
	if cp.RoundIndex < c.cfg.MaxRounds {
		return stateHeal
	}
	return stateFailed
}

// suspend persists the loop position, creates the interrupt and reports it.
func (c *Controller) suspend(ctx context.Context, cp checkpoint, actions []v1.ActionRequest, rep Reporter) (Outcome, error) {
	raw, err := cp.encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := c.saveRunState(ctx, cp); err != nil {
		return "", err
	}
	in, err := c.gate.Suspend(ctx, cp.ProjectID, actions, raw)
	if err != nil {
		return "", err
	}
	rep.Suspended(in)
	return OutcomeSuspended, nil
}

// finish reaches a terminal state: persistence sync exactly once (best
// effort), durable state cleared, caller notified.
func (c *Controller) finish(ctx context.Context, cp checkpoint, outcome Outcome, summary string, rep Reporter) {
	if err := c.syncer.Sync(ctx, cp.EnvironmentID, string(outcome)); err != nil {
		log.Warn("persistence sync failed", "project_id", cp.ProjectID, "environment", cp.EnvironmentID, "error", err)
	}
	if err := c.store.DeleteRunState(ctx, cp.ProjectID); err != nil {
		log.Warn("failed to clear run state", "project_id", cp.ProjectID, "error", err)
	}
	log.Info("run finished", "project_id", cp.ProjectID, "run_id", cp.RunID,
		"outcome", outcome, "rounds", len(cp.Rounds), "duration", c.now().UTC().Sub(cp.StartedAt))
	rep.Completed(outcome, summary, cp.Rounds)
}

// recordRound appends the round to the checkpoint and the durable trace.
func (c *Controller) recordRound(ctx context.Context, cp *checkpoint, reason string) {
	duration := c.now().UTC().Sub(cp.RoundStart)
	cp.Rounds = append(cp.Rounds, v1.RoundSummary{
		Index:       cp.RoundIndex,
		EndedReason: reason,
		DurationMS:  duration.Milliseconds(),
	})
	// Detached context: the trace should survive even when the round ended
	// because the run's context was cancelled.
	err := c.store.AppendRound(context.WithoutCancel(ctx), store.RoundRecord{
		ProjectID:   cp.ProjectID,
		RunID:       cp.RunID,
		RoundIndex:  cp.RoundIndex,
		EndedReason: reason,
		DurationMS:  duration.Milliseconds(),
		EndedAt:     c.now().UTC(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("failed to record round", "project_id", cp.ProjectID, "round", cp.RoundIndex, "error", err)
	}
}

func (c *Controller) saveRunState(ctx context.Context, cp checkpoint) error {
	err := c.store.SaveRunState(ctx, store.RunState{
		ProjectID:       cp.ProjectID,
		RunID:           cp.RunID,
		RoundIndex:      cp.RoundIndex,
		Request:         cp.Request,
		PendingGuidance: cp.Guidance,
		EnvironmentID:   cp.EnvironmentID,
		UpdatedAt:       c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to persist run state: %w", err)
	}
	return nil
}
