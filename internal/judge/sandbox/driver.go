// Package sandbox defines the driver capability set the judge workers
// depend on: acquire an execution box, run a program inside it, release
// the box. Implementations live under engine/ (Linux) and fake.go (tests).
package sandbox

import (
	"context"

	"arbiter/internal/judge/sandbox/spec"
)

// ExitKind classifies how a sandboxed process terminated.
type ExitKind string

const (
	// ExitOK: the process ran to completion with exit code zero.
	ExitOK ExitKind = "ok"
	// ExitSignal: the process was killed by a signal.
	ExitSignal ExitKind = "signal"
	// ExitTimeout: the wall-clock timer fired and the process group was killed.
	ExitTimeout ExitKind = "timeout"
	// ExitMemory: the process was OOM-killed by the memory controller.
	ExitMemory ExitKind = "memory"
	// ExitRuntime: the process exited on its own with a nonzero code.
	ExitRuntime ExitKind = "runtime"
	// ExitInternal: the sandbox itself failed; the outcome says nothing
	// about the submitted program.
	ExitInternal ExitKind = "internal"
)

// Report captures everything observed about one sandbox invocation.
type Report struct {
	Kind     ExitKind
	ExitCode int
	Signal   int

	WallTimeMs   int64
	CPUTimeMs    int64
	PeakMemoryKB int64
	OutputKB     int64

	// Stdout and Stderr are byte-capped copies of the captured streams.
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
}

// Box is an acquired execution slot: a scrubbed working directory with
// a stable numeric identity. Workers hold at most one box at a time.
type Box struct {
	ID  int
	Dir string
}

// Driver is the capability set workers use to execute untrusted code.
type Driver interface {
	// Acquire prepares box boxID for exclusive use, scrubbing any residue
	// from earlier runs. Residue that survives one scrub-and-retry makes
	// Acquire fail; the caller must treat that as fatal for its slot.
	Acquire(ctx context.Context, boxID int) (*Box, error)

	// Run executes one program inside the box and reports the outcome.
	// Run returns an error only for infrastructure failures; program
	// failures (nonzero exit, signals, limit hits) come back in Report.
	Run(ctx context.Context, box *Box, runSpec spec.RunSpec) (Report, error)

	// Release scrubs the box and returns it to the free pool.
	Release(box *Box) error
}
