package engine

// Config controls sandbox engine behavior.
type Config struct {
	// BoxRoot is the host directory holding the numbered execution boxes.
	BoxRoot string
	// CgroupRoot is the cgroup v2 subtree the engine may create groups in.
	CgroupRoot string
	// SeccompDir is prepended to relative seccomp profile names.
	SeccompDir string
	// HelperPath is the sandbox-init binary execed for every run.
	HelperPath string

	StdoutStderrMaxBytes int64

	EnableSeccomp    bool
	EnableCgroup     bool
	EnableNamespaces bool
}
