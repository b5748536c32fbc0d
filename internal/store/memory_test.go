package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	appErr "arbiter/pkg/errors"
)

func seed(t *testing.T, mem *MemoryStore) {
	t.Helper()
	err := mem.CreateSubmission(context.Background(), &Submission{
		SubmissionID: "s1",
		ProblemID:    1,
		UserID:       "u1",
		LanguageID:   "cpp",
		SourceRef:    "ref",
	}, nil)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestCreateSubmissionRejectsDuplicates(t *testing.T) {
	t.Parallel()
	mem := NewMemoryStore()
	seed(t, mem)
	err := mem.CreateSubmission(context.Background(), &Submission{
		SubmissionID: "s1", ProblemID: 1, UserID: "u1", LanguageID: "cpp", SourceRef: "ref",
	}, nil)
	if !appErr.Is(err, appErr.RecordAlreadyExists) {
		t.Fatalf("expected RecordAlreadyExists, got %v", err)
	}
}

func TestClaimLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemoryStore()
	seed(t, mem)

	res, err := mem.Claim(ctx, "s1", "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !res.Claimed || res.Submission.Verdict != VerdictJudging {
		t.Fatalf("claim result = %+v", res)
	}

	// Redelivery to the same worker re-claims.
	res, err = mem.Claim(ctx, "s1", "w1", time.Minute)
	if err != nil || !res.Claimed {
		t.Fatalf("re-claim by owner = %+v, %v", res, err)
	}

	// A different worker cannot take a live claim.
	res, err = mem.Claim(ctx, "s1", "w2", time.Minute)
	if err != nil {
		t.Fatalf("claim by other: %v", err)
	}
	if res.Claimed || res.Terminal {
		t.Fatalf("live claim stolen: %+v", res)
	}

	// After the heartbeat goes stale the claim is taken over.
	mem.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	res, err = mem.Claim(ctx, "s1", "w2", time.Minute)
	if err != nil || !res.Claimed {
		t.Fatalf("stale takeover = %+v, %v", res, err)
	}
	if res.Submission.ClaimedBy != "w2" {
		t.Fatalf("claimed_by = %s, want w2", res.Submission.ClaimedBy)
	}
}

func TestClaimReportsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemoryStore()
	seed(t, mem)

	if _, err := mem.Claim(ctx, "s1", "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err := mem.Finalize(ctx, "s1", "w1", FinalResult{Verdict: VerdictAccepted, Score: 100}, nil)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	res, err := mem.Claim(ctx, "s1", "w2", time.Minute)
	if err != nil {
		t.Fatalf("claim terminal: %v", err)
	}
	if !res.Terminal || res.Claimed {
		t.Fatalf("terminal claim = %+v", res)
	}
}

func TestFencedWritesRejectStaleWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemoryStore()
	seed(t, mem)

	if _, err := mem.Claim(ctx, "s1", "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	row := []TestResult{{Ordinal: 1, Verdict: VerdictAccepted}}
	if err := mem.WriteTestResults(ctx, "s1", "w2", row); !appErr.Is(err, appErr.StaleWrite) {
		t.Fatalf("write by non-owner: %v", err)
	}
	if err := mem.Heartbeat(ctx, "s1", "w2"); !appErr.Is(err, appErr.StaleWrite) {
		t.Fatalf("heartbeat by non-owner: %v", err)
	}
	if err := mem.Finalize(ctx, "s1", "w2", FinalResult{Verdict: VerdictAccepted}, nil); !appErr.Is(err, appErr.StaleWrite) {
		t.Fatalf("finalize by non-owner: %v", err)
	}

	if err := mem.WriteTestResults(ctx, "s1", "w1", row); err != nil {
		t.Fatalf("write by owner: %v", err)
	}
}

func TestFinalizeWritesTestAggregates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemoryStore()
	seed(t, mem)
	if _, err := mem.Claim(ctx, "s1", "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	err := mem.Finalize(ctx, "s1", "w1", FinalResult{
		Verdict:     VerdictWrongAnswer,
		Score:       50,
		TestsPassed: 1,
		TestsTotal:  2,
		MaxTimeMs:   120,
		MaxMemoryKB: 2048,
	}, nil)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	sub, err := mem.GetSubmission(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub.TestsPassed != 1 || sub.TestsTotal != 2 {
		t.Fatalf("tests = %d/%d, want 1/2", sub.TestsPassed, sub.TestsTotal)
	}
	if sub.MaxTimeMs != 120 || sub.MaxMemoryKB != 2048 {
		t.Fatalf("aggregates = %dms/%dkb, want 120ms/2048kb", sub.MaxTimeMs, sub.MaxMemoryKB)
	}

	// The wire form carries the counts for API and cache consumers.
	data, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"tests_passed":1`, `"tests_total":2`, `"max_time_ms":120`} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("serialized submission missing %s: %s", key, data)
		}
	}
}

func TestFinalizeRejectsNonTerminalVerdict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemoryStore()
	seed(t, mem)
	if _, err := mem.Claim(ctx, "s1", "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := mem.Finalize(ctx, "s1", "w1", FinalResult{Verdict: VerdictJudging}, nil); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("finalize judging: %v", err)
	}
}

func TestWriteTestResultsOverwritesOrdinal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemoryStore()
	seed(t, mem)
	if _, err := mem.Claim(ctx, "s1", "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := mem.WriteTestResults(ctx, "s1", "w1", []TestResult{{Ordinal: 1, Verdict: VerdictWrongAnswer}}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := mem.WriteTestResults(ctx, "s1", "w1", []TestResult{{Ordinal: 1, Verdict: VerdictAccepted, TimeMs: 5}}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	results, _ := mem.ListTestResults(ctx, "s1")
	if len(results) != 1 {
		t.Fatalf("rows = %d, want 1", len(results))
	}
	if results[0].Verdict != VerdictAccepted || results[0].TimeMs != 5 {
		t.Fatalf("row = %+v", results[0])
	}
}

func TestReclaimStaleResetsOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemoryStore()
	seed(t, mem)
	if _, err := mem.Claim(ctx, "s1", "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if n, _ := mem.ReclaimStale(ctx, time.Minute); n != 0 {
		t.Fatalf("fresh claim reclaimed: %d", n)
	}

	mem.SetClock(func() time.Time { return time.Now().Add(5 * time.Minute) })
	n, err := mem.ReclaimStale(ctx, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("reclaim = %d, %v", n, err)
	}
	sub, _ := mem.GetSubmission(ctx, "s1")
	if sub.Verdict != VerdictPending || sub.ClaimedBy != "" {
		t.Fatalf("submission after reclaim = %+v", sub)
	}
}

func TestVerdictTerminal(t *testing.T) {
	t.Parallel()
	terminal := []Verdict{VerdictAccepted, VerdictWrongAnswer, VerdictTLE, VerdictMLE,
		VerdictRuntimeError, VerdictCompileError, VerdictInternalError}
	for _, v := range terminal {
		if !v.Terminal() {
			t.Errorf("%s should be terminal", v)
		}
		if !v.Valid() {
			t.Errorf("%s should be valid", v)
		}
	}
	for _, v := range []Verdict{VerdictPending, VerdictJudging} {
		if v.Terminal() {
			t.Errorf("%s should not be terminal", v)
		}
	}
	if Verdict("exploded").Valid() {
		t.Error("unknown verdict reported valid")
	}
}
