// Package v1 defines the wire contract between patchwork and its callers.
//
// Every frame on the connection is an Envelope. The Data field carries one of
// the payload types below, selected by Type.
package v1

import (
	"encoding/json"
	"time"
)

// Message types carried in Envelope.Type.
const (
	// Inbound.
	TypeInit         = "init"
	TypeUser         = "user"
	TypeHITLResponse = "hitl_response"

	// Outbound.
	TypeInitResult       = "init_result"
	TypeUpdateInProgress = "update_in_progress"
	TypeUpdateFile       = "update_file"
	TypeUpdateCompleted  = "update_completed"
	TypeHITLRequest      = "hitl_request"
	TypeSessionClaimed   = "session_claimed"
	TypeError            = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeProjectLocked   = "project_locked"
	CodeProvisionFailed = "provision_failed"
	CodeInvalidDecision = "invalid_decision"
	CodeBadRequest      = "bad_request"
)

// Envelope is the frame exchanged on the websocket connection.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// NewEnvelope marshals data into an Envelope of the given type.
func NewEnvelope(typ, id, sessionID string, data interface{}) (Envelope, error) {
	env := Envelope{Type: typ, ID: id, SessionID: sessionID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

// InitPayload opens a project session.
type InitPayload struct {
	ProjectID  string `json:"project_id"`
	Slug       string `json:"slug,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Kind       string `json:"kind,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	ForceClaim bool   `json:"force_claim,omitempty"`
}

// InitResult answers a successful init.
type InitResult struct {
	URL       string `json:"url"`
	SandboxID string `json:"sandbox_id"`
	Exists    bool   `json:"exists"`
}

// UserPayload delivers one change request, triggering a controller run.
type UserPayload struct {
	Text string `json:"text"`
}

// UpdateFilePayload streams coarse progress text during a run.
type UpdateFilePayload struct {
	Text string `json:"text"`
}

// UpdateCompletedPayload closes a run with its terminal outcome.
type UpdateCompletedPayload struct {
	Outcome string         `json:"outcome"` // "done" or "failed"
	Summary string         `json:"summary,omitempty"`
	Rounds  []RoundSummary `json:"rounds,omitempty"`
}

// RoundSummary describes one completed edit/validate round.
type RoundSummary struct {
	Index       int    `json:"index"`
	EndedReason string `json:"ended_reason"`
	DurationMS  int64  `json:"duration_ms"`
}

// ActionRequest is a gated action awaiting a human decision.
type ActionRequest struct {
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ReviewConfig lists the decision types permitted for one action request.
type ReviewConfig struct {
	AllowedDecisions []string `json:"allowed_decisions"`
}

// Decision kinds.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionEdit    = "edit"
)

// Decision resolves one ActionRequest.
type Decision struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"` // reject
	Name    string          `json:"name,omitempty"`    // edit
	Args    json.RawMessage `json:"args,omitempty"`    // edit
}

// HITLRequestPayload suspends the run pending human decisions.
type HITLRequestPayload struct {
	InterruptID string `json:"interrupt_id"`
	Request     struct {
		ActionRequests []ActionRequest `json:"action_requests"`
		ReviewConfigs  []ReviewConfig  `json:"review_configs"`
	} `json:"request"`
}

// HITLResponsePayload resumes a suspended run.
type HITLResponsePayload struct {
	InterruptID string `json:"interrupt_id"`
	Response    struct {
		Decisions []Decision `json:"decisions"`
	} `json:"response"`
}

// SessionClaimedPayload notifies an evicted owner after a forced takeover.
type SessionClaimedPayload struct {
	ClaimedBy string    `json:"claimed_by_email,omitempty"`
	At        time.Time `json:"at"`
}

// ErrorPayload reports a request failure.
type ErrorPayload struct {
	Code     string    `json:"code"`
	Message  string    `json:"message,omitempty"`
	LockedBy *LockInfo `json:"locked_by,omitempty"`
}

// LockInfo identifies the holder of a project lock.
type LockInfo struct {
	Identity string    `json:"identity"`
	At       time.Time `json:"at"`
}
