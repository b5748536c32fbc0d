package status

import (
	"context"
	"testing"
	"time"

	"arbiter/internal/common/cache"
	"arbiter/internal/store"
	appErr "arbiter/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("wrap client: %v", err)
	}
	return NewCache(rc), mr
}

func TestSetAndGetSubmission(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	sub := &store.Submission{
		SubmissionID: "s1",
		ProblemID:    7,
		UserID:       "u1",
		LanguageID:   "cpp",
		Verdict:      store.VerdictJudging,
	}
	if err := c.SetSubmission(ctx, sub); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := c.GetSubmission(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("get = %v, ok=%v", err, ok)
	}
	if got.SubmissionID != "s1" || got.Verdict != store.VerdictJudging {
		t.Fatalf("cached submission = %+v", got)
	}
}

func TestGetSubmissionMiss(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok, err := c.GetSubmission(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("miss reported as hit")
	}
}

func TestTerminalVerdictsGetLongerTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc, _ := cache.NewRedisCacheWithClient(client)
	c := NewCacheWithTTL(rc, 10*time.Second, time.Hour)

	if err := c.SetSubmission(ctx, &store.Submission{SubmissionID: "live", Verdict: store.VerdictJudging}); err != nil {
		t.Fatalf("set live: %v", err)
	}
	if err := c.SetSubmission(ctx, &store.Submission{SubmissionID: "done", Verdict: store.VerdictAccepted}); err != nil {
		t.Fatalf("set done: %v", err)
	}

	liveTTL := mr.TTL("judge:submission:live")
	doneTTL := mr.TTL("judge:submission:done")
	if liveTTL <= 0 || doneTTL <= 0 {
		t.Fatalf("ttls = %v, %v", liveTTL, doneTTL)
	}
	if doneTTL <= liveTTL {
		t.Fatalf("terminal ttl %v not longer than in-flight ttl %v", doneTTL, liveTTL)
	}
}

func TestGetOrLoadCachesLoadedState(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	loads := 0
	load := func(context.Context) (*store.Submission, error) {
		loads++
		return &store.Submission{SubmissionID: "s1", Verdict: store.VerdictJudging}, nil
	}

	for i := 0; i < 3; i++ {
		sub, err := c.GetOrLoad(ctx, "s1", load)
		if err != nil {
			t.Fatalf("get or load #%d: %v", i+1, err)
		}
		if sub.SubmissionID != "s1" || sub.Verdict != store.VerdictJudging {
			t.Fatalf("submission = %+v", sub)
		}
	}
	if loads != 1 {
		t.Fatalf("loader called %d times, want 1", loads)
	}
}

func TestGetOrLoadNullCachesUnknownID(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	loads := 0
	load := func(context.Context) (*store.Submission, error) {
		loads++
		return nil, appErr.Newf(appErr.SubmissionNotFound, "submission nope not found")
	}

	for i := 0; i < 2; i++ {
		_, err := c.GetOrLoad(ctx, "nope", load)
		if !appErr.Is(err, appErr.SubmissionNotFound) {
			t.Fatalf("get or load #%d: %v, want SubmissionNotFound", i+1, err)
		}
	}
	// The second lookup is served from the null cache.
	if loads != 1 {
		t.Fatalf("loader called %d times, want 1", loads)
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	if err := c.SetSubmission(ctx, &store.Submission{SubmissionID: "s1", Verdict: store.VerdictPending}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Invalidate(ctx, "s1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.GetSubmission(ctx, "s1"); ok {
		t.Fatal("submission survived invalidation")
	}
}

func TestSetSubmissionRejectsEmpty(t *testing.T) {
	c, _ := newTestCache(t)
	if err := c.SetSubmission(context.Background(), nil); err == nil {
		t.Fatal("nil submission accepted")
	}
	if err := c.SetSubmission(context.Background(), &store.Submission{}); err == nil {
		t.Fatal("submission without id accepted")
	}
}

func TestWorkerLiveView(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	if err := c.TouchWorker(ctx, "judge-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := c.TouchWorker(ctx, "judge-2"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	workers, err := c.Workers(ctx)
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("workers = %v", workers)
	}
	if time.Since(workers["judge-1"]) > time.Minute {
		t.Fatalf("heartbeat too old: %v", workers["judge-1"])
	}

	if err := c.RemoveWorker(ctx, "judge-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	workers, _ = c.Workers(ctx)
	if _, ok := workers["judge-1"]; ok {
		t.Fatal("removed worker still listed")
	}
}

func TestWorkersSkipsUnparseableEntries(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	if err := c.TouchWorker(ctx, "judge-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	mr.HSet("judge:workers", "broken", "not-a-timestamp")

	workers, err := c.Workers(ctx)
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if _, ok := workers["broken"]; ok {
		t.Fatal("unparseable entry not skipped")
	}
	if _, ok := workers["judge-1"]; !ok {
		t.Fatal("valid entry lost")
	}
}
