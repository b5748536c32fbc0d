package engine

import (
	"arbiter/internal/judge/sandbox/spec"
)

// initRequest is the JSON contract between the engine and the
// sandbox-init helper, passed on the helper's stdin.
type initRequest struct {
	RunSpec       spec.RunSpec
	EnableSeccomp bool
	EnableNs      bool
}
