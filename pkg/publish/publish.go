// Package publish is the best-effort persistence sync collaborator: it
// snapshots an environment's working tree to the project's version-control
// host after a run reaches a terminal state.
//
// Failures here never change a run's outcome; the controller logs and moves
// on.
package publish

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/patchwork-run/patchwork/pkg/log"
)

// Executor runs commands inside an environment. Satisfied by the docker
// provisioning backend.
type Executor interface {
	Exec(ctx context.Context, envID string, cmd []string) (output string, exitOK bool, err error)
}

// Config holds sync settings.
type Config struct {
	// Remote is the owner/repo the snapshot branch is pushed to. Empty
	// disables the PR step; the commit still happens inside the
	// environment.
	Remote string
	Token  string
}

// Syncer commits the environment's working tree and, when a remote is
// configured, pushes the snapshot branch and upserts a pull request.
type Syncer struct {
	exec Executor
	cfg  Config
	gh   *github.Client
}

// New creates a Syncer. A GitHub client is only constructed when both remote
// and token are present.
func New(exec Executor, cfg Config) *Syncer {
	s := &Syncer{exec: exec, cfg: cfg}
	if cfg.Remote != "" && cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		s.gh = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}
	return s
}

// Sync snapshots the environment with the given outcome label. Implements
// the controller's Syncer contract.
func (s *Syncer) Sync(ctx context.Context, envID, outcome string) error {
	branch := "patchwork/" + envID

	commitMsg := fmt.Sprintf("patchwork: %s snapshot", outcome)
	script := strings.Join([]string{
		"cd /workspace",
		"git add -A",
		fmt.Sprintf("git diff --cached --quiet || git commit -m %q", commitMsg),
	}, " && ")
	if out, ok, err := s.exec.Exec(ctx, envID, []string{"sh", "-c", script}); err != nil || !ok {
		return fmt.Errorf("snapshot commit in %s failed: %v (%s)", envID, err, strings.TrimSpace(out))
	}

	if s.gh == nil {
		log.Debug("no sync remote configured; snapshot kept local", "environment", envID)
		return nil
	}

	push := fmt.Sprintf("cd /workspace && git push -u origin HEAD:%s", branch)
	if out, ok, err := s.exec.Exec(ctx, envID, []string{"sh", "-c", push}); err != nil || !ok {
		return fmt.Errorf("snapshot push for %s failed: %v (%s)", envID, err, strings.TrimSpace(out))
	}

	if err := s.upsertPR(ctx, envID, branch, outcome); err != nil {
		return fmt.Errorf("pull request upsert for %s failed: %w", envID, err)
	}
	return nil
}

// upsertPR opens the snapshot PR once per environment branch and leaves it
// alone afterwards; later syncs just push more commits onto the branch.
func (s *Syncer) upsertPR(ctx context.Context, envID, branch, outcome string) error {
	owner, repo, err := splitRemote(s.cfg.Remote)
	if err != nil {
		return err
	}

	existing, _, err := s.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		Head:  owner + ":" + branch,
		State: "open",
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		log.Debug("snapshot PR already open", "environment", envID, "pr", existing[0].GetNumber())
		return nil
	}

	repoInfo, _, err := s.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return err
	}
	base := repoInfo.GetDefaultBranch()
	if base == "" {
		base = "main"
	}

	title := fmt.Sprintf("patchwork: %s snapshot for %s", outcome, envID)
	body := fmt.Sprintf("Automated snapshot of environment `%s` (outcome: %s).", envID, outcome)
	pr, _, err := s.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(branch),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return err
	}
	log.Info("snapshot PR opened", "environment", envID, "pr", pr.GetNumber())
	return nil
}

func splitRemote(remote string) (owner, repo string, err error) {
	parts := strings.Split(remote, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("remote must be owner/repo, got %q", remote)
	}
	return parts[0], parts[1], nil
}
