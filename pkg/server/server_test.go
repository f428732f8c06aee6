package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/patchwork-run/patchwork/pkg/api/v1"
	"github.com/patchwork-run/patchwork/pkg/config"
	"github.com/patchwork-run/patchwork/pkg/controller"
	"github.com/patchwork-run/patchwork/pkg/gate"
	"github.com/patchwork-run/patchwork/pkg/provision"
	"github.com/patchwork-run/patchwork/pkg/registry"
	"github.com/patchwork-run/patchwork/pkg/store"
	"github.com/patchwork-run/patchwork/pkg/validate"
)

// memBackend is an always-healthy in-memory orchestrator.
type memBackend struct {
	created map[string]bool
}

func (m *memBackend) Inspect(_ context.Context, identity string) (provision.State, error) {
	if !m.created[identity] {
		return provision.State{}, nil
	}
	return provision.State{Exists: true, Running: true, Healthy: true, CreatedAt: time.Now()}, nil
}

func (m *memBackend) Create(_ context.Context, identity string) error {
	m.created[identity] = true
	return nil
}

func (m *memBackend) Start(context.Context, string) error { return nil }
func (m *memBackend) Stop(context.Context, string) error  { return nil }

type passExec struct{}

func (passExec) Exec(context.Context, string, []string) (string, bool, error) {
	return "", true, nil
}

func (passExec) ReadFile(context.Context, string, string) ([]byte, error) {
	return []byte(`{"scripts":{"lint":"eslint ."}}`), nil
}

type noopEditor struct {
	pending []v1.ActionRequest
}

func (e *noopEditor) Edit(context.Context, string, string, controller.ActionFilter) (controller.EditOutcome, error) {
	return controller.EditOutcome{PendingActions: e.pending}, nil
}

func (e *noopEditor) Apply(context.Context, string, []v1.ActionRequest) error { return nil }

type noopSyncer struct{}

func (noopSyncer) Sync(context.Context, string, string) error { return nil }

func newTestServer(t *testing.T, ed controller.Editor) (*httptest.Server, *Server) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		MaxRounds:      2,
		CommandTimeout: 10 * time.Second,
		ReadyTimeout:   2 * time.Second,
		BaseDomain:     "preview.example.com",
		PreviewScheme:  "https",
		EnvPrefix:      "pw-",
	}
	g := gate.New(st, nil)
	validator := validate.NewRunner(passExec{}, validate.Config{})
	ctrl := controller.New(controller.Config{MaxRounds: cfg.MaxRounds}, st, g, validator, ed, noopSyncer{})

	srv := New(Deps{
		Config:   cfg,
		Store:    st,
		Registry: registry.New(st),
		Provisioner: provision.New(provision.Config{
			Scheme:       "https",
			BaseDomain:   "preview.example.com",
			Prefix:       "pw-",
			ReadyTimeout: 2 * time.Second,
			PollInterval: 10 * time.Millisecond,
		}, &memBackend{created: map[string]bool{}}),
		Gate:       g,
		Controller: ctrl,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.baseCtx = ctx

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(ts.Close)
	return ts, srv
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, typ, id string, data interface{}) {
	t.Helper()
	env, err := v1.NewEnvelope(typ, id, "", data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

// readUntil reads frames until one of the wanted type arrives. Progress
// frames in between are skipped.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) v1.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		var env v1.Envelope
		require.NoError(t, ws.ReadJSON(&env), "waiting for %s", typ)
		if env.Type == typ || env.Type == v1.TypeError {
			return env
		}
	}
}

func initSession(t *testing.T, ws *websocket.Conn, projectID, slug, owner string, force bool) v1.InitResult {
	t.Helper()
	sendEnvelope(t, ws, v1.TypeInit, "req-init", v1.InitPayload{
		ProjectID:  projectID,
		Slug:       slug,
		Owner:      owner,
		ForceClaim: force,
	})
	env := readUntil(t, ws, v1.TypeInitResult)
	require.Equal(t, v1.TypeInitResult, env.Type, "init failed: %s", string(env.Data))
	var res v1.InitResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res
}

func TestInitProvisionsEnvironment(t *testing.T) {
	ts, _ := newTestServer(t, &noopEditor{})
	ws := dial(t, ts)

	res := initSession(t, ws, "proj-1", "my-app", "alice@example.com", false)
	assert.Equal(t, "my-app", res.SandboxID)
	assert.Equal(t, "https://my-app.preview.example.com/", res.URL)
	assert.False(t, res.Exists)
}

func TestInitReconnectReusesEnvironment(t *testing.T) {
	ts, _ := newTestServer(t, &noopEditor{})

	ws := dial(t, ts)
	initSession(t, ws, "proj-1", "my-app", "alice@example.com", false)
	ws.Close()

	// The registry releases on disconnect; give the server loop a moment.
	time.Sleep(100 * time.Millisecond)

	ws2 := dial(t, ts)
	res := initSession(t, ws2, "proj-1", "my-app", "alice@example.com", false)
	assert.True(t, res.Exists, "second init should reuse the environment")
	assert.Equal(t, "my-app", res.SandboxID)
}

func TestInitLockedProject(t *testing.T) {
	ts, _ := newTestServer(t, &noopEditor{})

	ws1 := dial(t, ts)
	initSession(t, ws1, "proj-1", "my-app", "alice@example.com", false)

	ws2 := dial(t, ts)
	sendEnvelope(t, ws2, v1.TypeInit, "req-init", v1.InitPayload{
		ProjectID: "proj-1", Slug: "my-app", Owner: "bob@example.com",
	})
	env := readUntil(t, ws2, v1.TypeError)
	var ep v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &ep))
	assert.Equal(t, v1.CodeProjectLocked, ep.Code)
	require.NotNil(t, ep.LockedBy)
	assert.Equal(t, "alice@example.com", ep.LockedBy.Identity)
}

func TestForceClaimNotifiesEvictedOwner(t *testing.T) {
	ts, _ := newTestServer(t, &noopEditor{})

	ws1 := dial(t, ts)
	initSession(t, ws1, "proj-1", "my-app", "alice@example.com", false)

	ws2 := dial(t, ts)
	initSession(t, ws2, "proj-1", "my-app", "bob@example.com", true)

	env := readUntil(t, ws1, v1.TypeSessionClaimed)
	require.Equal(t, v1.TypeSessionClaimed, env.Type)
	var sc v1.SessionClaimedPayload
	require.NoError(t, json.Unmarshal(env.Data, &sc))
	assert.Equal(t, "bob@example.com", sc.ClaimedBy)
}

func TestEvictedConnectionCannotStartRuns(t *testing.T) {
	ts, _ := newTestServer(t, &noopEditor{})

	ws1 := dial(t, ts)
	initSession(t, ws1, "proj-1", "my-app", "alice@example.com", false)

	ws2 := dial(t, ts)
	initSession(t, ws2, "proj-1", "my-app", "bob@example.com", true)
	readUntil(t, ws1, v1.TypeSessionClaimed)

	// The displaced owner must not be able to drive the environment anymore.
	sendEnvelope(t, ws1, v1.TypeUser, "req-user", v1.UserPayload{Text: "sneak in an edit"})
	env := readUntil(t, ws1, v1.TypeError)
	require.Equal(t, v1.TypeError, env.Type)
	var ep v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &ep))
	assert.Equal(t, v1.CodeProjectLocked, ep.Code)

	// The new owner is unaffected.
	sendEnvelope(t, ws2, v1.TypeUser, "req-user", v1.UserPayload{Text: "add a login page"})
	done := readUntil(t, ws2, v1.TypeUpdateCompleted)
	require.Equal(t, v1.TypeUpdateCompleted, done.Type, "run failed: %s", string(done.Data))
}

func TestUserRunCompletes(t *testing.T) {
	ts, _ := newTestServer(t, &noopEditor{})
	ws := dial(t, ts)
	initSession(t, ws, "proj-1", "my-app", "alice@example.com", false)

	sendEnvelope(t, ws, v1.TypeUser, "req-user", v1.UserPayload{Text: "add a login page"})

	env := readUntil(t, ws, v1.TypeUpdateCompleted)
	require.Equal(t, v1.TypeUpdateCompleted, env.Type, "run failed: %s", string(env.Data))
	var done v1.UpdateCompletedPayload
	require.NoError(t, json.Unmarshal(env.Data, &done))
	assert.Equal(t, "done", done.Outcome)
	require.NotEmpty(t, done.Rounds)
}

func TestUserBeforeInit(t *testing.T) {
	ts, _ := newTestServer(t, &noopEditor{})
	ws := dial(t, ts)

	sendEnvelope(t, ws, v1.TypeUser, "req-user", v1.UserPayload{Text: "do something"})
	env := readUntil(t, ws, v1.TypeError)
	var ep v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &ep))
	assert.Equal(t, v1.CodeBadRequest, ep.Code)
}

func TestGatedRunSuspendsAndResumes(t *testing.T) {
	ed := &noopEditor{pending: []v1.ActionRequest{
		{Name: "delete_file", Args: json.RawMessage(`{"path":"legacy.ts"}`)},
	}}
	ts, _ := newTestServer(t, ed)
	ws := dial(t, ts)
	initSession(t, ws, "proj-1", "my-app", "alice@example.com", false)

	sendEnvelope(t, ws, v1.TypeUser, "req-user", v1.UserPayload{Text: "remove the legacy page"})

	env := readUntil(t, ws, v1.TypeHITLRequest)
	require.Equal(t, v1.TypeHITLRequest, env.Type)
	var hr v1.HITLRequestPayload
	require.NoError(t, json.Unmarshal(env.Data, &hr))
	require.NotEmpty(t, hr.InterruptID)
	require.Len(t, hr.Request.ActionRequests, 1)
	assert.Equal(t, "delete_file", hr.Request.ActionRequests[0].Name)

	// A wrong decision count is rejected without consuming the interrupt.
	var bad v1.HITLResponsePayload
	bad.InterruptID = hr.InterruptID
	sendEnvelope(t, ws, v1.TypeHITLResponse, "req-bad", bad)
	errEnv := readUntil(t, ws, v1.TypeError)
	var ep v1.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Data, &ep))
	assert.Equal(t, v1.CodeInvalidDecision, ep.Code)

	// Approving resumes and completes the run.
	var good v1.HITLResponsePayload
	good.InterruptID = hr.InterruptID
	good.Response.Decisions = []v1.Decision{{Type: v1.DecisionApprove}}
	sendEnvelope(t, ws, v1.TypeHITLResponse, "req-good", good)

	doneEnv := readUntil(t, ws, v1.TypeUpdateCompleted)
	require.Equal(t, v1.TypeUpdateCompleted, doneEnv.Type, "resume failed: %s", string(doneEnv.Data))
	var done v1.UpdateCompletedPayload
	require.NoError(t, json.Unmarshal(doneEnv.Data, &done))
	assert.Equal(t, "done", done.Outcome)
}

func TestUserRefusedWhileInterruptPending(t *testing.T) {
	ed := &noopEditor{pending: []v1.ActionRequest{
		{Name: "delete_file", Args: json.RawMessage(`{"path":"legacy.ts"}`)},
	}}
	ts, _ := newTestServer(t, ed)
	ws := dial(t, ts)
	initSession(t, ws, "proj-1", "my-app", "alice@example.com", false)

	sendEnvelope(t, ws, v1.TypeUser, "req-user", v1.UserPayload{Text: "remove the legacy page"})
	env := readUntil(t, ws, v1.TypeHITLRequest)
	var first v1.HITLRequestPayload
	require.NoError(t, json.Unmarshal(env.Data, &first))

	// New work is refused until the pending approval is resolved.
	sendEnvelope(t, ws, v1.TypeUser, "req-user-2", v1.UserPayload{Text: "also tweak the styles"})
	errEnv := readUntil(t, ws, v1.TypeError)
	require.Equal(t, v1.TypeError, errEnv.Type)
	var ep v1.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Data, &ep))
	assert.Equal(t, v1.CodeBadRequest, ep.Code)
	assert.Contains(t, ep.Message, "approval is pending")

	// The refusal re-offers the same interrupt.
	re := readUntil(t, ws, v1.TypeHITLRequest)
	var again v1.HITLRequestPayload
	require.NoError(t, json.Unmarshal(re.Data, &again))
	assert.Equal(t, first.InterruptID, again.InterruptID)
}

func TestReconnectReoffersPendingInterrupt(t *testing.T) {
	ed := &noopEditor{pending: []v1.ActionRequest{{Name: "drop_table", Args: json.RawMessage(`{"table":"users"}`)}}}
	ts, _ := newTestServer(t, ed)

	ws := dial(t, ts)
	initSession(t, ws, "proj-1", "my-app", "alice@example.com", false)
	sendEnvelope(t, ws, v1.TypeUser, "req-user", v1.UserPayload{Text: "drop old tables"})
	env := readUntil(t, ws, v1.TypeHITLRequest)
	var first v1.HITLRequestPayload
	require.NoError(t, json.Unmarshal(env.Data, &first))
	ws.Close()

	time.Sleep(100 * time.Millisecond)

	// A forced takeover by another user inherits the same interrupt.
	ws2 := dial(t, ts)
	initSession(t, ws2, "proj-1", "my-app", "bob@example.com", true)
	env2 := readUntil(t, ws2, v1.TypeHITLRequest)
	var second v1.HITLRequestPayload
	require.NoError(t, json.Unmarshal(env2.Data, &second))
	assert.Equal(t, first.InterruptID, second.InterruptID)
	require.Len(t, second.Request.ActionRequests, 1)
	assert.Equal(t, "drop_table", second.Request.ActionRequests[0].Name)
}
