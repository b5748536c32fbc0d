// Package spec defines the execution specification and resource limits.
package spec

// Limits describes hard limits enforced by the sandbox for one invocation.
type Limits struct {
	WallTimeMs int64
	CPUTimeMs  int64
	MemoryKB   int64
	StackKB    int64
	FileSizeKB int64
	Processes  int64
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Isolation describes the security envelope for one invocation.
type Isolation struct {
	RootFS         string
	SeccompProfile string
	DisableNetwork bool
}

// RunSpec is the unified execution specification for one sandbox run.
// All paths are host paths; WorkDir must lie inside the acquired box.
type RunSpec struct {
	SubmissionID string
	Phase        string // "compile" or "run:<ordinal>"

	WorkDir    string
	Cmd        []string
	Env        []string
	StdinPath  string
	StdoutPath string
	StderrPath string
	BindMounts []MountSpec
	Isolation  Isolation
	Limits     Limits
}
