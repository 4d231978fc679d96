// Package sandbox runs repository verification commands in ephemeral
// containers. A commit that breaks the build fails verification inside the
// container instead of touching the host toolchain.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Result is the outcome of one containerized command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
}

// OK reports whether the command exited zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Runner executes commands in throwaway containers with the workspace bind
// mounted at /workspace.
type Runner struct {
	client  *client.Client
	image   string
	memory  int64
	network string
	timeout time.Duration
}

// NewRunner connects to the local daemon. Zero values fall back to a small
// offline Go image with 512MB and no network.
func NewRunner(image string, memoryMB int64, network string, timeout time.Duration) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if image == "" {
		image = "golang:1.24-alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if network == "" {
		network = "none"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Runner{
		client:  cli,
		image:   image,
		memory:  memoryMB * 1024 * 1024,
		network: network,
		timeout: timeout,
	}, nil
}

// Ping checks daemon reachability, for preflight diagnostics.
func (r *Runner) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Run executes `sh -c command` in a fresh container with workdir mounted at
// /workspace. The configured timeout bounds the whole run; a non-zero exit is
// reported in the Result, not as an error.
func (r *Runner) Run(ctx context.Context, workdir, command string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()

	resp, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:      r.image,
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: r.memory,
		},
		NetworkMode: container.NetworkMode(r.network),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workdir)},
	}, nil, nil, "")
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	// Removal uses a fresh context so cleanup still happens after a timeout.
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = r.client.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true})
	}()

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start container: %w", err)
	}

	exitCode := 0
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return Result{ExitCode: -1, Elapsed: time.Since(start)}, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.client.ContainerKill(killCtx, containerID, "SIGKILL")
		killCancel()
		return Result{Stderr: "verification timed out", ExitCode: -1, Elapsed: time.Since(start)}, ctx.Err()
	}

	out, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{ExitCode: exitCode, Elapsed: time.Since(start)}, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	return Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Elapsed:  time.Since(start),
	}, nil
}

// Close releases the docker client.
func (r *Runner) Close() error {
	return r.client.Close()
}
