package worker

import (
	"sync"

	"arbiter/pkg/errors"
)

// SlotRegistry hands out the fixed set of sandbox box ids. Worker k of
// a pool holds box k for the duration of one judgement; the registry
// exists to catch double-acquires when handler concurrency is
// misconfigured.
type SlotRegistry struct {
	mu   sync.Mutex
	busy []bool
}

// NewSlotRegistry creates a registry with n slots.
func NewSlotRegistry(n int) *SlotRegistry {
	if n <= 0 {
		n = 1
	}
	return &SlotRegistry{busy: make([]bool, n)}
}

// Size returns the number of slots.
func (r *SlotRegistry) Size() int {
	return len(r.busy)
}

// Acquire returns a free slot id.
func (r *SlotRegistry) Acquire() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, busy := range r.busy {
		if !busy {
			r.busy[i] = true
			return i, nil
		}
	}
	return 0, errors.Newf(errors.JudgeQueueFull, "all sandbox slots are busy")
}

// Release frees a slot id. Releasing a free slot is a no-op.
func (r *SlotRegistry) Release(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id >= 0 && id < len(r.busy) {
		r.busy[id] = false
	}
}
