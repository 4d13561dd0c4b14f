package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

// DockerExecutor runs toolchains via the docker CLI. Each invocation gets
// a fresh throwaway container with no network, a memory ceiling and a CPU
// quota; the workspace directories are the only mounts.
type DockerExecutor struct {
	// Binary is the container runtime binary, "docker" by default.
	// Podman works with the same flags.
	Binary string
	Logger *slog.Logger
}

// NewDockerExecutor creates an executor using the docker CLI.
func NewDockerExecutor(logger *slog.Logger) *DockerExecutor {
	return &DockerExecutor{Binary: "docker", Logger: logger}
}

// Run executes the toolchain container and waits for it to exit. A context
// deadline kills the container; callers detect quota expiry through
// context.DeadlineExceeded.
func (e *DockerExecutor) Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	args := []string{
		"run", "--rm",
		"--network=none",
		fmt.Sprintf("--memory=%d", spec.MemoryBytes),
		fmt.Sprintf("--cpus=%g", spec.CPUs),
		"-v", spec.SrcDir + ":/src",
		"-v", spec.DepsDir + ":/deps:ro",
		"-v", spec.OutDir + ":/out",
		"-w", "/src",
		spec.Image,
	}
	args = append(args, spec.Command...)

	cmd := exec.CommandContext(ctx, e.Binary, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	e.Logger.Debug("starting toolchain container", "image", spec.Image, "timeout", spec.Timeout)
	err := cmd.Run()

	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return nil, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Result{ExitCode: exitErr.ExitCode(), Output: output.String()}, nil
		}
		return nil, fmt.Errorf("invoking container runtime: %w", err)
	}
	return &Result{ExitCode: 0, Output: output.String()}, nil
}
