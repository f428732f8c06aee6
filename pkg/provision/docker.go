package provision

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/patchwork-run/patchwork/pkg/log"
)

const identityLabel = "patchwork.identity"

// execOutputCap bounds captured command output per exec.
const execOutputCap = 1 << 20

// DockerBackend provisions environments as named docker containers. The
// container name is the derived identity, which is what makes create-or-reuse
// idempotent: a second create for the same identity fails with a name
// conflict and resolves to reuse.
type DockerBackend struct {
	cli     *client.Client
	image   string
	network string
}

// NewDockerBackend connects to the docker daemon from the environment.
func NewDockerBackend(sandboxImage, network string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerBackend{cli: cli, image: sandboxImage, network: network}, nil
}

// Inspect reports the environment's existence and readiness.
func (d *DockerBackend) Inspect(ctx context.Context, identity string) (State, error) {
	info, err := d.cli.ContainerInspect(ctx, identity)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return State{}, nil
		}
		return State{}, d.classify(identity, err)
	}

	st := State{Exists: true}
	if info.State != nil {
		st.Running = info.State.Running
		if info.State.Health != nil {
			st.Healthy = info.State.Health.Status == "healthy"
		} else {
			st.Healthy = info.State.Running
		}
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		st.CreatedAt = created.UTC()
	}
	return st, nil
}

// Create creates the environment container without starting it.
func (d *DockerBackend) Create(ctx context.Context, identity string) error {
	// Best-effort pull; a locally built sandbox image is fine too.
	if reader, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{}); err == nil {
		io.Copy(io.Discard, reader)
		reader.Close()
	} else {
		log.Debug("sandbox image pull skipped", "image", d.image, "error", err)
	}

	hostCfg := &container.HostConfig{}
	if d.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.network)
	}
	_, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  d.image,
		Labels: map[string]string{identityLabel: identity},
	}, hostCfg, nil, nil, identity)
	if err != nil {
		if errdefs.IsConflict(err) {
			// Lost a creation race; the winner's container serves.
			return nil
		}
		return d.classify(identity, err)
	}
	return nil
}

// Start starts a stopped environment container.
func (d *DockerBackend) Start(ctx context.Context, identity string) error {
	if err := d.cli.ContainerStart(ctx, identity, container.StartOptions{}); err != nil {
		return d.classify(identity, err)
	}
	return nil
}

// Stop halts the environment container. The container is kept for reuse.
func (d *DockerBackend) Stop(ctx context.Context, identity string) error {
	timeout := 10
	if err := d.cli.ContainerStop(ctx, identity, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return d.classify(identity, err)
	}
	return nil
}

// Exec runs a command inside the environment and returns its combined output
// and whether it exited zero. The error return covers exec plumbing faults,
// not command failure.
func (d *DockerBackend) Exec(ctx context.Context, identity string, cmd []string) (string, bool, error) {
	exec, err := d.cli.ContainerExecCreate(ctx, identity, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", false, fmt.Errorf("exec create in %s: %w", identity, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", false, fmt.Errorf("exec attach in %s: %w", identity, err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&buf, &buf, io.LimitReader(attach.Reader, execOutputCap))
		done <- copyErr
	}()
	select {
	case <-ctx.Done():
		return buf.String(), false, ctx.Err()
	case copyErr := <-done:
		if copyErr != nil && copyErr != io.EOF {
			return buf.String(), false, fmt.Errorf("exec read in %s: %w", identity, copyErr)
		}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return buf.String(), false, fmt.Errorf("exec inspect in %s: %w", identity, err)
	}
	return buf.String(), inspect.ExitCode == 0, nil
}

// ReadFile reads one file from the environment's working tree.
func (d *DockerBackend) ReadFile(ctx context.Context, identity, path string) ([]byte, error) {
	out, ok, err := d.Exec(ctx, identity, []string{"cat", path})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("read %s in %s: %w", path, identity, ErrFileNotFound)
	}
	return []byte(out), nil
}

// ErrFileNotFound reports a missing file inside an environment.
var ErrFileNotFound = fmt.Errorf("file not found")

// classify maps orchestrator refusals onto the provisioning error taxonomy.
func (d *DockerBackend) classify(identity string, err error) error {
	if errdefs.IsForbidden(err) || errdefs.IsUnauthorized(err) {
		return &Error{Kind: KindDenied, Identity: identity, Err: err}
	}
	return err
}
