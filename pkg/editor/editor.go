// Package editor adapts an in-environment coding agent to the controller's
// Editor contract.
//
// The agent binary runs inside the environment, receives the prompt on its
// command line, and emits one JSON object per line for anything beyond plain
// output. Lines of the form
//
//	{"type":"action","name":"delete_file","args":{...}}
//
// are tool requests. Ungated requests execute immediately; gated ones are
// collected and returned so the controller can suspend for review.
package editor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	v1 "github.com/patchwork-run/patchwork/pkg/api/v1"
	"github.com/patchwork-run/patchwork/pkg/controller"
	"github.com/patchwork-run/patchwork/pkg/log"
)

// Executor runs commands inside an environment.
type Executor interface {
	Exec(ctx context.Context, envID string, cmd []string) (output string, exitOK bool, err error)
}

// Config holds editor settings.
type Config struct {
	// AgentCommand is the agent entrypoint inside the environment.
	AgentCommand string
	// ToolCommand is the tool dispatcher inside the environment; it
	// receives the action name and the args JSON.
	ToolCommand string
}

// SandboxEditor runs the agent inside the project's environment.
type SandboxEditor struct {
	exec Executor
	cfg  Config
}

// New creates a SandboxEditor.
func New(exec Executor, cfg Config) *SandboxEditor {
	if cfg.AgentCommand == "" {
		cfg.AgentCommand = "patchwork-agent"
	}
	if cfg.ToolCommand == "" {
		cfg.ToolCommand = "patchwork-tool"
	}
	return &SandboxEditor{exec: exec, cfg: cfg}
}

type agentLine struct {
	Type string          `json:"type"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
	Desc string          `json:"description"`
}

// Edit runs one agent pass. Implements controller.Editor.
func (e *SandboxEditor) Edit(ctx context.Context, envID, prompt string, gated controller.ActionFilter) (controller.EditOutcome, error) {
	out, ok, err := e.exec.Exec(ctx, envID, []string{
		"sh", "-c", fmt.Sprintf("cd /workspace && %s %s", e.cfg.AgentCommand, shellQuote(prompt)),
	})
	if err != nil {
		return controller.EditOutcome{}, fmt.Errorf("agent exec in %s: %w", envID, err)
	}

	var pending []v1.ActionRequest
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var ev agentLine
		if json.Unmarshal([]byte(line), &ev) != nil || ev.Type != "action" || ev.Name == "" {
			continue
		}
		req := v1.ActionRequest{Name: ev.Name, Args: ev.Args, Description: ev.Desc}
		if gated != nil && gated(ev.Name) {
			pending = append(pending, req)
			continue
		}
		if err := e.runAction(ctx, envID, req); err != nil {
			return controller.EditOutcome{}, err
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return controller.EditOutcome{}, fmt.Errorf("agent output in %s: %w", envID, scanErr)
	}

	if !ok && len(pending) == 0 {
		return controller.EditOutcome{}, fmt.Errorf("agent exited non-zero in %s", envID)
	}
	return controller.EditOutcome{PendingActions: pending}, nil
}

// Apply executes reviewed actions in order. Implements controller.Editor.
func (e *SandboxEditor) Apply(ctx context.Context, envID string, actions []v1.ActionRequest) error {
	for _, a := range actions {
		if err := e.runAction(ctx, envID, a); err != nil {
			return err
		}
	}
	return nil
}

func (e *SandboxEditor) runAction(ctx context.Context, envID string, a v1.ActionRequest) error {
	args := string(a.Args)
	if args == "" {
		args = "{}"
	}
	out, ok, err := e.exec.Exec(ctx, envID, []string{
		"sh", "-c", fmt.Sprintf("cd /workspace && %s %s %s", e.cfg.ToolCommand, shellQuote(a.Name), shellQuote(args)),
	})
	if err != nil {
		return fmt.Errorf("action %s in %s: %w", a.Name, envID, err)
	}
	if !ok {
		return fmt.Errorf("action %s in %s failed: %s", a.Name, envID, strings.TrimSpace(out))
	}
	log.Debug("action executed", "environment", envID, "action", a.Name)
	return nil
}

// shellQuote wraps s in single quotes for sh -c embedding.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
