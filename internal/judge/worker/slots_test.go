package worker

import (
	"testing"

	appErr "arbiter/pkg/errors"
)

func TestSlotRegistryAcquireRelease(t *testing.T) {
	t.Parallel()
	reg := NewSlotRegistry(2)

	first, err := reg.Acquire()
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	second, err := reg.Acquire()
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if first == second {
		t.Fatalf("duplicate slot %d handed out", first)
	}

	if _, err := reg.Acquire(); !appErr.Is(err, appErr.JudgeQueueFull) {
		t.Fatalf("expected JudgeQueueFull, got %v", err)
	}

	reg.Release(first)
	got, err := reg.Acquire()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if got != first {
		t.Fatalf("expected released slot %d, got %d", first, got)
	}
}

func TestSlotRegistryReleaseOutOfRange(t *testing.T) {
	t.Parallel()
	reg := NewSlotRegistry(1)
	reg.Release(-1)
	reg.Release(5)
	if _, err := reg.Acquire(); err != nil {
		t.Fatalf("acquire after bogus releases: %v", err)
	}
}
