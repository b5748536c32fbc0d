package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"

	"arbiter/internal/judge/sandbox/spec"
)

// FakeDriver is an in-process Driver for tests. Reports are served in
// order from the Reports queue unless RunFunc is set; every RunSpec is
// recorded for assertions.
type FakeDriver struct {
	mu       sync.Mutex
	acquired map[int]bool
	next     int

	// Reports is consumed front to back by Run.
	Reports []Report
	// RunFunc, when set, overrides the Reports queue.
	RunFunc func(runSpec spec.RunSpec) (Report, error)
	// AcquireErr makes every Acquire fail.
	AcquireErr error

	Runs     []spec.RunSpec
	Released []int
}

// NewFakeDriver creates an empty fake driver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{acquired: make(map[int]bool)}
}

func (f *FakeDriver) Acquire(ctx context.Context, boxID int) (*Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AcquireErr != nil {
		return nil, f.AcquireErr
	}
	if f.acquired[boxID] {
		return nil, fmt.Errorf("box %d already acquired", boxID)
	}
	dir, err := os.MkdirTemp("", fmt.Sprintf("fakebox-%d-", boxID))
	if err != nil {
		return nil, err
	}
	f.acquired[boxID] = true
	return &Box{ID: boxID, Dir: dir}, nil
}

func (f *FakeDriver) Run(ctx context.Context, box *Box, runSpec spec.RunSpec) (Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Runs = append(f.Runs, runSpec)
	if f.RunFunc != nil {
		return f.RunFunc(runSpec)
	}
	if f.next >= len(f.Reports) {
		return Report{Kind: ExitOK}, nil
	}
	report := f.Reports[f.next]
	f.next++
	return report, nil
}

func (f *FakeDriver) Release(box *Box) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if box == nil {
		return fmt.Errorf("box is nil")
	}
	delete(f.acquired, box.ID)
	f.Released = append(f.Released, box.ID)
	return os.RemoveAll(box.Dir)
}

var _ Driver = (*FakeDriver)(nil)
