package controller

import (
	"encoding/json"
	"time"

	v1 "github.com/patchwork-run/patchwork/pkg/api/v1"
)

// state is the control-loop position. The original design expressed this as
// a declarative workflow graph; here it is an explicit enum driven by a loop,
// with the same transition semantics.
type state int

const (
	stateEdit state = iota
	stateValidate
	stateHeal
	stateDone
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateEdit:
		return "EDIT"
	case stateValidate:
		return "VALIDATE"
	case stateHeal:
		return "HEAL"
	case stateDone:
		return "DONE"
	case stateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Round end reasons, recorded per completed round.
const (
	ReasonValidatedOK     = "validated_ok"
	ReasonValidatedFailed = "validated_failed"
	ReasonInterrupted     = "interrupted"
	ReasonAborted         = "aborted"
)

// Outcomes of a Run or Resume call.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeFailed    Outcome = "failed"
	OutcomeSuspended Outcome = "suspended"
)

// checkpoint captures the exact loop position at a suspension. It is stored
// inside the interrupt row, so a resume in any process instance reconstructs
// the run from it.
type checkpoint struct {
	RunID         string `json:"run_id"`
	ProjectID     string `json:"project_id"`
	EnvironmentID string `json:"environment_id"`
	RoundIndex    int    `json:"round_index"`
	Request       string `json:"request"`
	Guidance      string `json:"pending_guidance"`
	// Notes is reviewer feedback awaiting the next guidance synthesis.
	Notes      string            `json:"notes,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	RoundStart time.Time         `json:"round_start"`
	Rounds     []v1.RoundSummary `json:"rounds,omitempty"`
}

func (c checkpoint) encode() ([]byte, error) { return json.Marshal(c) }

func decodeCheckpoint(raw []byte) (checkpoint, error) {
	var c checkpoint
	err := json.Unmarshal(raw, &c)
	return c, err
}
