// Package toolchain runs pinned compiler toolchains in an isolated
// sandbox and canonicalizes the bytecode they produce.
package toolchain

import (
	"context"
	"time"
)

// Spec describes one sandboxed toolchain invocation. The source, deps and
// out directories are the only filesystem the toolchain may touch, and the
// sandbox has no network: submitted code is untrusted, and network-visible
// build steps would break determinism.
type Spec struct {
	Image       string   // pinned toolchain image, incl. tag
	Command     []string // full compiler invocation
	SrcDir      string   // mounted at /src, the working directory
	DepsDir     string   // mounted read-only at /deps
	OutDir      string   // mounted at /out, receives the artifact
	MemoryBytes int64
	CPUs        float64
	Timeout     time.Duration
}

// Result is the outcome of a toolchain invocation. Output carries the
// combined stdout/stderr for diagnostics; it is retained even on failure.
type Result struct {
	ExitCode int
	Output   string
}

// Executor submits a workspace plus command to a sandbox and reports exit
// status and captured output. The pipeline's tests substitute a fake; the
// production implementation shells out to a container runtime.
type Executor interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}
