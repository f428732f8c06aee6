// Package validate discovers and executes a project's deterministic checks.
package validate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patchwork-run/patchwork/pkg/log"
	"github.com/patchwork-run/patchwork/pkg/provision"
)

// priorityOrder is the fixed execution order. Only commands the project
// declares are run, always in this order.
var priorityOrder = []string{"lint", "typecheck", "build", "test"}

// manifestPath is where the script manifest lives inside the environment.
const manifestPath = "/workspace/package.json"

// outputExcerptCap bounds the captured output per command. The tail is kept;
// failures print last.
const outputExcerptCap = 16 << 10

// Executor runs commands inside an environment. Implemented by the docker
// provisioning backend. ReadFile reports a missing file with an error
// wrapping provision.ErrFileNotFound; any other error is a plumbing fault.
type Executor interface {
	Exec(ctx context.Context, envID string, cmd []string) (output string, exitOK bool, err error)
	ReadFile(ctx context.Context, envID, path string) ([]byte, error)
}

// CommandResult is the outcome of one validation command.
type CommandResult struct {
	Name     string
	ExitOK   bool
	Output   string
	Duration time.Duration
}

// Result is the outcome of one validation pass.
type Result struct {
	Commands []CommandResult
	Passed   bool
}

// Failing returns the results of commands that did not pass.
func (r Result) Failing() []CommandResult {
	var out []CommandResult
	for _, c := range r.Commands {
		if !c.ExitOK {
			out = append(out, c)
		}
	}
	return out
}

// Config holds runner settings.
type Config struct {
	CommandTimeout time.Duration
	// IncludeTests enables the optional test stage.
	IncludeTests bool
}

// Runner executes a project's declared checks in fixed priority order.
type Runner struct {
	exec Executor
	cfg  Config
}

// NewRunner creates a Runner over the given executor.
func NewRunner(exec Executor, cfg Config) *Runner {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 600 * time.Second
	}
	return &Runner{exec: exec, cfg: cfg}
}

// Run discovers the environment's declared scripts and executes the ones on
// the priority list, in order, each under its own timeout.
//
// All discovered commands run even after a failure; their failures are
// aggregated into one result so a healing round sees every broken check at
// once. A missing manifest or an empty intersection yields Passed=true.
func (r *Runner) Run(ctx context.Context, envID string) (Result, error) {
	commands, err := r.discover(ctx, envID)
	if err != nil {
		return Result{}, err
	}
	if len(commands) == 0 {
		log.Debug("no validation commands declared", "environment", envID)
		return Result{Passed: true}, nil
	}

	result := Result{Passed: true}
	for _, name := range commands {
		cr := r.runCommand(ctx, envID, name)
		if !cr.ExitOK {
			result.Passed = false
		}
		result.Commands = append(result.Commands, cr)
		log.Info("validation command finished", "environment", envID, "command", name, "ok", cr.ExitOK, "duration", cr.Duration)
	}
	return result, nil
}

func (r *Runner) runCommand(ctx context.Context, envID, name string) CommandResult {
	cmdCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	output, ok, err := r.exec.Exec(cmdCtx, envID, []string{
		"sh", "-c", fmt.Sprintf("cd /workspace && npm run --silent %s", name),
	})
	cr := CommandResult{
		Name:     name,
		ExitOK:   ok && err == nil,
		Output:   excerpt(output),
		Duration: time.Since(start),
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		cr.ExitOK = false
		cr.Output = excerpt(output + fmt.Sprintf("\n(command timed out after %s)", r.cfg.CommandTimeout))
	} else if err != nil {
		cr.Output = excerpt(output + "\n(exec error: " + err.Error() + ")")
	}
	return cr
}

// discover reads the script manifest and intersects it with the priority
// list. Only an absent manifest means nothing to validate; a read fault must
// not pass as success.
func (r *Runner) discover(ctx context.Context, envID string) ([]string, error) {
	data, err := r.exec.ReadFile(ctx, envID, manifestPath)
	if errors.Is(err, provision.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read script manifest: %w", err)
	}

	var manifest struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		log.Warn("unparseable script manifest", "environment", envID, "error", err)
		return nil, nil
	}

	var out []string
	for _, name := range priorityOrder {
		if name == "test" && !r.cfg.IncludeTests {
			continue
		}
		if _, ok := manifest.Scripts[name]; ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func excerpt(s string) string {
	if len(s) <= outputExcerptCap {
		return s
	}
	return "…" + s[len(s)-outputExcerptCap:]
}
