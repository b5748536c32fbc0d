//go:build !linux

package engine

import (
	"context"
	"fmt"

	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/spec"
)

type stubDriver struct{}

func NewDriver(cfg Config) (sandbox.Driver, error) {
	return &stubDriver{}, nil
}

func (s *stubDriver) Acquire(ctx context.Context, boxID int) (*sandbox.Box, error) {
	return nil, fmt.Errorf("sandbox engine is only supported on linux")
}

func (s *stubDriver) Run(ctx context.Context, box *sandbox.Box, runSpec spec.RunSpec) (sandbox.Report, error) {
	return sandbox.Report{}, fmt.Errorf("sandbox engine is only supported on linux")
}

func (s *stubDriver) Release(box *sandbox.Box) error {
	return fmt.Errorf("sandbox engine is only supported on linux")
}
