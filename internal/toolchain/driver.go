package toolchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pendergraft/veriforge/internal/registry"
	"github.com/pendergraft/veriforge/internal/workspace"
)

// Quotas bound every toolchain invocation.
type Quotas struct {
	Timeout     time.Duration
	MemoryBytes int64
	CPUs        float64
}

// BuildTimeoutError reports a toolchain run that exceeded its quota.
type BuildTimeoutError struct {
	Timeout time.Duration
}

func (e *BuildTimeoutError) Error() string {
	return fmt.Sprintf("build exceeded %s quota", e.Timeout)
}

// BuildFailureError reports a toolchain run that exited nonzero. The
// captured compiler output is retained for audit, never discarded.
type BuildFailureError struct {
	ExitCode    int
	Diagnostics string
}

func (e *BuildFailureError) Error() string {
	return fmt.Sprintf("build failed with exit code %d", e.ExitCode)
}

// Driver invokes the pinned toolchain for a language against a workspace
// and returns canonicalized bytecode.
type Driver struct {
	executor Executor
	quotas   Quotas
	logger   *slog.Logger
}

// NewDriver creates a compiler driver.
func NewDriver(executor Executor, quotas Quotas, logger *slog.Logger) *Driver {
	return &Driver{executor: executor, quotas: quotas, logger: logger}
}

// Compile runs the language's pinned toolchain in the sandbox, reads the
// produced artifact and applies the canonicalization pass.
func (d *Driver) Compile(ctx context.Context, ws *workspace.Workspace, lang registry.Language) ([]byte, error) {
	spec := Spec{
		Image:       lang.Image,
		Command:     lang.BuildArgs,
		SrcDir:      ws.SrcDir,
		DepsDir:     ws.DepsDir,
		OutDir:      ws.OutDir,
		MemoryBytes: d.quotas.MemoryBytes,
		CPUs:        d.quotas.CPUs,
		Timeout:     d.quotas.Timeout,
	}

	start := time.Now()
	result, err := d.executor.Run(ctx, spec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &BuildTimeoutError{Timeout: d.quotas.Timeout}
		}
		return nil, fmt.Errorf("running toolchain: %w", err)
	}
	d.logger.Debug("toolchain finished",
		"language", lang.Name, "exit_code", result.ExitCode, "duration", time.Since(start).String())

	if result.ExitCode != 0 {
		return nil, &BuildFailureError{ExitCode: result.ExitCode, Diagnostics: result.Output}
	}

	artifact, err := os.ReadFile(filepath.Join(ws.OutDir, filepath.FromSlash(lang.Artifact)))
	if err != nil {
		return nil, &BuildFailureError{
			ExitCode:    0,
			Diagnostics: fmt.Sprintf("toolchain exited 0 but artifact %s is missing: %v\n%s", lang.Artifact, err, result.Output),
		}
	}

	canonical, err := Canonicalize(lang.Canonicalizer, artifact)
	if err != nil {
		return nil, &BuildFailureError{
			ExitCode:    0,
			Diagnostics: fmt.Sprintf("canonicalizing artifact: %v", err),
		}
	}
	return canonical, nil
}
