package worker

import (
	"context"
	"testing"
	"time"

	"arbiter/internal/common/mq"
)

type fakeQueue struct {
	stopped int
}

func (q *fakeQueue) Publish(context.Context, string, *mq.Message) error        { return nil }
func (q *fakeQueue) PublishBatch(context.Context, string, []*mq.Message) error { return nil }
func (q *fakeQueue) Subscribe(context.Context, string, mq.HandlerFunc) error   { return nil }
func (q *fakeQueue) SubscribeWithOptions(context.Context, string, mq.HandlerFunc, *mq.SubscribeOptions) error {
	return nil
}
func (q *fakeQueue) Start() error               { return nil }
func (q *fakeQueue) Stop() error                { q.stopped++; return nil }
func (q *fakeQueue) Pause() error               { return nil }
func (q *fakeQueue) Resume() error              { return nil }
func (q *fakeQueue) Ping(context.Context) error { return nil }
func (q *fakeQueue) Close() error               { return nil }

func newDrainPool(timeout time.Duration) *Pool {
	return NewPool(PoolConfig{
		WorkerName:      "w-test",
		Slots:           1,
		ShutdownTimeout: timeout,
	}, &fakeQueue{}, nil, nil, nil)
}

func TestDrainContextCancelsAfterShutdownDeadline(t *testing.T) {
	t.Parallel()
	p := newDrainPool(20 * time.Millisecond)

	ctx, cancel := p.drainContext(context.Background())
	defer cancel()

	// Before Stop the context stays live.
	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before shutdown was requested")
	case <-time.After(10 * time.Millisecond):
	}

	p.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after drain deadline")
	}
	if ctx.Err() != context.Canceled {
		t.Fatalf("ctx.Err() = %v", ctx.Err())
	}
}

func TestDrainContextHonorsGracePeriod(t *testing.T) {
	t.Parallel()
	p := newDrainPool(200 * time.Millisecond)

	ctx, cancel := p.drainContext(context.Background())
	defer cancel()

	p.Stop()

	// In-flight work keeps running during the grace period.
	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before the drain deadline")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDrainContextFollowsParentCancel(t *testing.T) {
	t.Parallel()
	p := newDrainPool(time.Hour)

	parent, parentCancel := context.WithCancel(context.Background())
	ctx, cancel := p.drainContext(parent)
	defer cancel()

	parentCancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context did not follow parent cancellation")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	p := NewPool(PoolConfig{WorkerName: "w-test", Slots: 1}, q, nil, nil, nil)
	p.Stop()
	p.Stop()
	if q.stopped != 2 {
		t.Fatalf("queue.Stop calls = %d, want 2", q.stopped)
	}
}
