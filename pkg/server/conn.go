package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	v1 "github.com/patchwork-run/patchwork/pkg/api/v1"
	"github.com/patchwork-run/patchwork/pkg/controller"
	"github.com/patchwork-run/patchwork/pkg/gate"
	"github.com/patchwork-run/patchwork/pkg/log"
	"github.com/patchwork-run/patchwork/pkg/provision"
	"github.com/patchwork-run/patchwork/pkg/registry"
	"github.com/patchwork-run/patchwork/pkg/store"
)

const maxMessageBytes = 1 << 20

// conn is one websocket session. A session may own at most one project, and
// runs at most one controller run at a time.
type conn struct {
	srv   *Server
	ws    *websocket.Conn
	token string

	writeMu sync.Mutex

	mu        sync.Mutex
	projectID string
	envID     string
	evicted   bool // displaced by a forced takeover; no further runs
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{srv: s, ws: ws, token: uuid.NewString()}
}

func (c *conn) serve() {
	defer c.close()
	c.ws.SetReadLimit(maxMessageBytes)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("connection closed", "token", c.token, "error", err)
			}
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("", v1.CodeBadRequest, "malformed envelope", nil)
			continue
		}
		c.dispatch(env)
	}
}

func (c *conn) dispatch(env v1.Envelope) {
	c.mu.Lock()
	c.srv.touch(c.projectID, c.envID)
	c.mu.Unlock()

	switch env.Type {
	case v1.TypeInit:
		c.handleInit(env)
	case v1.TypeUser:
		c.handleUser(env)
	case v1.TypeHITLResponse:
		c.handleHITLResponse(env)
	default:
		c.sendError(env.ID, v1.CodeBadRequest, fmt.Sprintf("unknown message type %q", env.Type), nil)
	}
}

// handleInit admits the connection to a project and ensures its environment.
// A lock conflict or provisioning failure is terminal for the init, not for
// the connection: the client may retry with force_claim or a different
// project.
func (c *conn) handleInit(env v1.Envelope) {
	var p v1.InitPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ProjectID == "" {
		c.sendError(env.ID, v1.CodeBadRequest, "init requires project_id", nil)
		return
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.sendError(env.ID, v1.CodeBadRequest, "a run is already in progress", nil)
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.srv.baseCtx, c.srv.deps.Config.ReadyTimeout+30*time.Second)
	defer cancel()

	if err := c.srv.deps.Store.EnsureProject(ctx, store.Project{
		ID:    p.ProjectID,
		Slug:  p.Slug,
		Owner: p.Owner,
		Kind:  p.Kind,
	}); err != nil {
		c.sendError(env.ID, v1.CodeBadRequest, "failed to record project: "+err.Error(), nil)
		return
	}

	if err := c.srv.deps.Registry.Admit(ctx, p.ProjectID, c.token, p.Owner, p.ForceClaim, c.onEvicted); err != nil {
		var locked *registry.LockedError
		if errors.As(err, &locked) {
			c.sendError(env.ID, v1.CodeProjectLocked, "project is in use", &v1.LockInfo{
				Identity: locked.OwnerIdentity,
				At:       locked.LockedAt,
			})
			return
		}
		c.sendError(env.ID, v1.CodeBadRequest, err.Error(), nil)
		return
	}

	environment, err := c.ensureEnvironment(ctx, p.ProjectID, p.Slug)
	if err != nil {
		// Give the project back; a later init can retry cleanly.
		_ = c.srv.deps.Registry.Release(context.WithoutCancel(ctx), p.ProjectID, c.token)
		c.sendError(env.ID, v1.CodeProvisionFailed, err.Error(), nil)
		return
	}

	c.mu.Lock()
	c.projectID = p.ProjectID
	c.envID = environment.ID
	c.evicted = false
	c.mu.Unlock()
	c.srv.touch(p.ProjectID, environment.ID)

	c.send(v1.TypeInitResult, env.ID, v1.InitResult{
		URL:       environment.PreviewAddress,
		SandboxID: environment.ID,
		Exists:    environment.Reused,
	})
	log.Info("session admitted", "project_id", p.ProjectID, "owner", p.Owner,
		"environment", environment.ID, "reused", environment.Reused)

	// A takeover or reconnect inherits the suspended run: re-offer the
	// pending interrupt with its original id and contents.
	if in, err := c.srv.deps.Gate.Pending(ctx, p.ProjectID); err == nil {
		c.sendInterrupt(in)
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Warn("pending interrupt lookup failed", "project_id", p.ProjectID, "error", err)
	}
}

// ensureEnvironment provisions by the recorded identity when one exists, so a
// slug rename never strands the project's environment.
func (c *conn) ensureEnvironment(ctx context.Context, projectID, slug string) (provision.Environment, error) {
	proj, err := c.srv.deps.Store.GetProject(ctx, projectID)
	if err != nil {
		return provision.Environment{}, fmt.Errorf("project lookup: %w", err)
	}

	if proj.EnvIdentity != "" {
		return c.srv.deps.Provisioner.EnsureIdentity(ctx, proj.EnvIdentity)
	}

	environment, err := c.srv.deps.Provisioner.Ensure(ctx, projectID, slug)
	if err != nil {
		return provision.Environment{}, err
	}
	if err := c.srv.deps.Store.SetEnvIdentity(ctx, projectID, environment.ID); err != nil {
		log.Warn("failed to record environment identity", "project_id", projectID, "error", err)
	}
	return environment, nil
}

func (c *conn) handleUser(env v1.Envelope) {
	var p v1.UserPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.Text == "" {
		c.sendError(env.ID, v1.CodeBadRequest, "user message requires text", nil)
		return
	}

	c.mu.Lock()
	projectID, envID := c.projectID, c.envID
	if projectID == "" {
		c.mu.Unlock()
		c.sendError(env.ID, v1.CodeBadRequest, "init first", nil)
		return
	}
	if c.evicted {
		c.mu.Unlock()
		c.sendError(env.ID, v1.CodeProjectLocked, "session was claimed by another owner", nil)
		return
	}
	if c.running {
		c.mu.Unlock()
		c.sendError(env.ID, v1.CodeBadRequest, "a run is already in progress", nil)
		return
	}
	c.mu.Unlock()

	// A pending interrupt must be resolved before new work starts; a second
	// suspension for the same project would collide with it.
	if in, err := c.srv.deps.Gate.Pending(c.srv.baseCtx, projectID); err == nil {
		c.sendError(env.ID, v1.CodeBadRequest, "an approval is pending; respond to the interrupt first", nil)
		c.sendInterrupt(in)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		c.sendError(env.ID, v1.CodeBadRequest, "pending interrupt lookup failed: "+err.Error(), nil)
		return
	}

	c.mu.Lock()
	runCtx, cancel := context.WithCancel(c.srv.baseCtx)
	c.running = true
	c.runCancel = cancel
	c.mu.Unlock()

	runID := uuid.NewString()
	c.send(v1.TypeUpdateInProgress, env.ID, nil)

	c.srv.runs.Add(1)
	c.runWG.Add(1)
	go func() {
		defer c.srv.runs.Done()
		defer c.runWG.Done()
		defer c.clearRun()
		rep := &wsReporter{conn: c, reqID: env.ID}
		if _, err := c.srv.deps.Controller.Run(runCtx, projectID, envID, runID, p.Text, rep); err != nil {
			if runCtx.Err() != nil {
				return // evicted or shutting down; session_claimed already sent
			}
			log.Error("run failed to execute", "project_id", projectID, "run_id", runID, "error", err)
			c.clearRun()
			c.sendError(env.ID, v1.CodeBadRequest, "run failed: "+err.Error(), nil)
		}
	}()
}

func (c *conn) handleHITLResponse(env v1.Envelope) {
	var p v1.HITLResponsePayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.InterruptID == "" {
		c.sendError(env.ID, v1.CodeBadRequest, "hitl_response requires interrupt_id", nil)
		return
	}

	c.mu.Lock()
	projectID := c.projectID
	if projectID == "" {
		c.mu.Unlock()
		c.sendError(env.ID, v1.CodeBadRequest, "init first", nil)
		return
	}
	if c.evicted {
		c.mu.Unlock()
		c.sendError(env.ID, v1.CodeProjectLocked, "session was claimed by another owner", nil)
		return
	}
	if c.running {
		c.mu.Unlock()
		c.sendError(env.ID, v1.CodeBadRequest, "a run is already in progress", nil)
		return
	}

	// The interrupt must belong to the admitted project.
	in, err := c.srv.deps.Gate.Get(c.srv.baseCtx, p.InterruptID)
	if err != nil || in.ProjectID != projectID {
		c.mu.Unlock()
		c.sendError(env.ID, v1.CodeBadRequest, "no such pending interrupt", nil)
		return
	}

	runCtx, cancel := context.WithCancel(c.srv.baseCtx)
	c.running = true
	c.runCancel = cancel
	c.mu.Unlock()

	c.send(v1.TypeUpdateInProgress, env.ID, nil)

	c.srv.runs.Add(1)
	c.runWG.Add(1)
	go func() {
		defer c.srv.runs.Done()
		defer c.runWG.Done()
		defer c.clearRun()
		rep := &wsReporter{conn: c, reqID: env.ID}
		if _, err := c.srv.deps.Controller.Resume(runCtx, p.InterruptID, p.Response.Decisions, rep); err != nil {
			if runCtx.Err() != nil {
				return
			}
			c.clearRun()
			if errors.Is(err, gate.ErrInvalidDecision) {
				c.sendError(env.ID, v1.CodeInvalidDecision, err.Error(), nil)
				return
			}
			log.Error("resume failed to execute", "project_id", projectID, "interrupt_id", p.InterruptID, "error", err)
			c.sendError(env.ID, v1.CodeBadRequest, "resume failed: "+err.Error(), nil)
		}
	}()
}

// clearRun resets the run slot. Idempotent; called both from the reporter
// before terminal frames go out and deferred from the run goroutine, so a
// follow-up message never races the flag.
func (c *conn) clearRun() {
	c.mu.Lock()
	c.running = false
	cancel := c.runCancel
	c.runCancel = nil
	projectID, envID := c.projectID, c.envID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.srv.touch(projectID, envID)
}

// onEvicted runs when a forced takeover displaces this connection. The
// interrupt, if any, stays in the store for the new owner; this side only
// gets the notice and loses its in-flight work. Further runs are refused
// until a fresh init re-admits the connection.
func (c *conn) onEvicted(claimedBy string, at time.Time) {
	c.mu.Lock()
	c.evicted = true
	cancel := c.runCancel
	c.mu.Unlock()

	c.send(v1.TypeSessionClaimed, "", v1.SessionClaimedPayload{ClaimedBy: claimedBy, At: at})
	if cancel != nil {
		cancel()
	}
}

// close tears down the connection. An in-flight run is allowed to reach its
// terminal state first (persistence sync included); only a forced takeover or
// service shutdown cancels a run mid-flight.
func (c *conn) close() {
	c.mu.Lock()
	projectID := c.projectID
	c.projectID = ""
	c.mu.Unlock()

	_ = c.ws.Close()
	if projectID == "" {
		return
	}

	c.srv.runs.Add(1)
	go func() {
		defer c.srv.runs.Done()
		c.runWG.Wait()

		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := c.srv.deps.Registry.Release(ctx, projectID, c.token); err != nil {
			log.Warn("lock release on disconnect failed", "project_id", projectID, "error", err)
		}
	}()
}

func (c *conn) send(typ, id string, data interface{}) {
	env, err := v1.NewEnvelope(typ, id, "", data)
	if err != nil {
		log.Error("failed to encode envelope", "type", typ, "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteJSON(env); err != nil {
		log.Debug("write failed", "type", typ, "error", err)
	}
}

func (c *conn) sendError(id, code, msg string, lockedBy *v1.LockInfo) {
	c.send(v1.TypeError, id, v1.ErrorPayload{Code: code, Message: msg, LockedBy: lockedBy})
}

func (c *conn) sendInterrupt(in store.Interrupt) {
	var p v1.HITLRequestPayload
	p.InterruptID = in.ID
	p.Request.ActionRequests = in.Requests
	p.Request.ReviewConfigs = in.Reviews
	c.send(v1.TypeHITLRequest, "", p)
}

// wsReporter bridges controller progress onto the connection.
type wsReporter struct {
	conn  *conn
	reqID string
}

func (r *wsReporter) Progress(text string) {
	r.conn.send(v1.TypeUpdateFile, r.reqID, v1.UpdateFilePayload{Text: text})
}

func (r *wsReporter) Suspended(in store.Interrupt) {
	r.conn.clearRun()
	r.conn.sendInterrupt(in)
}

func (r *wsReporter) Completed(outcome controller.Outcome, summary string, rounds []v1.RoundSummary) {
	r.conn.clearRun()
	r.conn.send(v1.TypeUpdateCompleted, r.reqID, v1.UpdateCompletedPayload{
		Outcome: string(outcome),
		Summary: summary,
		Rounds:  rounds,
	})
}
