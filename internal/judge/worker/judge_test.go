package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"arbiter/internal/judge/model"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/spec"
	"arbiter/internal/store"
	appErr "arbiter/pkg/errors"
)

type fakeBlobs map[string][]byte

func (f fakeBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	if data, ok := f[ref]; ok {
		return data, nil
	}
	return nil, appErr.Newf(appErr.BlobNotFound, "blob %s not found", ref)
}

type fakeProblems struct {
	meta model.ProblemMeta
	err  error
}

func (f fakeProblems) GetMeta(context.Context, int64) (model.ProblemMeta, error) {
	return f.meta, f.err
}

func testMeta(tests int, shortCircuit bool) model.ProblemMeta {
	meta := model.ProblemMeta{
		ProblemID:     7,
		Version:       1,
		TimeLimitMs:   1000,
		MemoryLimitKB: 65536,
		ShortCircuit:  shortCircuit,
	}
	for i := 1; i <= tests; i++ {
		meta.Tests = append(meta.Tests, model.TestCase{
			Ordinal:   i,
			InputRef:  testRef(i, "in"),
			AnswerRef: testRef(i, "ans"),
		})
	}
	return meta
}

func testRef(ordinal int, kind string) string {
	return strings.Repeat("0", 60) + kind + string(rune('0'+ordinal))
}

func testBlobs(meta model.ProblemMeta, answers map[int]string) fakeBlobs {
	blobs := fakeBlobs{"source-ref": []byte("int main() { return 0; }")}
	for _, tc := range meta.Tests {
		blobs[tc.InputRef] = []byte("input")
		blobs[tc.AnswerRef] = []byte(answers[tc.Ordinal])
	}
	return blobs
}

func testTask() model.DispatchTask {
	return model.DispatchTask{
		SubmissionID: "sub-1",
		ProblemID:    7,
		LanguageID:   "cpp",
		SourceRef:    "source-ref",
		UserID:       "u1",
	}
}

func seedSubmission(t *testing.T, mem *store.MemoryStore) {
	t.Helper()
	err := mem.CreateSubmission(context.Background(), &store.Submission{
		SubmissionID: "sub-1",
		ProblemID:    7,
		UserID:       "u1",
		LanguageID:   "cpp",
		SourceRef:    "source-ref",
	}, nil)
	if err != nil {
		t.Fatalf("seed submission: %v", err)
	}
}

func newTestJudge(mem *store.MemoryStore, blobs fakeBlobs, problems fakeProblems, driver *sandbox.FakeDriver) *Judge {
	return NewJudge(JudgeConfig{WorkerName: "w1"}, mem, mem, blobs, problems, driver, nil)
}

func acquireBox(t *testing.T, driver *sandbox.FakeDriver) *sandbox.Box {
	t.Helper()
	box, err := driver.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("acquire box: %v", err)
	}
	t.Cleanup(func() { _ = driver.Release(box) })
	return box
}

func TestJudgeAcceptedAllTests(t *testing.T) {
	t.Parallel()
	meta := testMeta(2, true)
	blobs := testBlobs(meta, map[int]string{1: "42\n", 2: "7\n"})
	driver := sandbox.NewFakeDriver()
	driver.RunFunc = func(rs spec.RunSpec) (sandbox.Report, error) {
		switch rs.Phase {
		case "compile":
			return sandbox.Report{Kind: sandbox.ExitOK}, nil
		case "run:1":
			return sandbox.Report{Kind: sandbox.ExitOK, Stdout: "42", WallTimeMs: 12, CPUTimeMs: 10, PeakMemoryKB: 100}, nil
		default:
			return sandbox.Report{Kind: sandbox.ExitOK, Stdout: "7", WallTimeMs: 25, CPUTimeMs: 20, PeakMemoryKB: 300}, nil
		}
	}
	mem := store.NewMemoryStore()
	seedSubmission(t, mem)
	j := newTestJudge(mem, blobs, fakeProblems{meta: meta}, driver)

	if err := j.Process(context.Background(), acquireBox(t, driver), testTask(), false); err != nil {
		t.Fatalf("process: %v", err)
	}

	sub, err := mem.GetSubmission(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if sub.Verdict != store.VerdictAccepted {
		t.Fatalf("verdict = %s, want accepted", sub.Verdict)
	}
	if sub.Score != 100 {
		t.Fatalf("score = %d, want 100", sub.Score)
	}
	if sub.TestsPassed != 2 || sub.TestsTotal != 2 {
		t.Fatalf("tests = %d/%d, want 2/2", sub.TestsPassed, sub.TestsTotal)
	}
	// Aggregates are the worst wall time and memory across tests.
	if sub.MaxTimeMs != 25 || sub.MaxMemoryKB != 300 {
		t.Fatalf("aggregates = %dms/%dkb, want 25ms/300kb", sub.MaxTimeMs, sub.MaxMemoryKB)
	}
	if sub.JudgedAt == nil {
		t.Fatal("judged_at not set")
	}

	results, _ := mem.ListTestResults(context.Background(), "sub-1")
	if len(results) != 2 {
		t.Fatalf("test rows = %d, want 2", len(results))
	}
	for i, r := range results {
		if r.Ordinal != i+1 || r.Verdict != store.VerdictAccepted {
			t.Fatalf("row %d = %+v", i, r)
		}
	}
	// Per-test times are wall clock, not CPU.
	if results[0].TimeMs != 12 || results[1].TimeMs != 25 {
		t.Fatalf("per-test times = %d/%d, want 12/25", results[0].TimeMs, results[1].TimeMs)
	}

	events := mem.OutboxEvents()
	if len(events) != 1 || events[0].EventType != "submission.judged" {
		t.Fatalf("outbox = %+v, want one submission.judged", events)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal judged payload: %v", err)
	}
	if payload["tests_passed"] != float64(2) || payload["tests_total"] != float64(2) {
		t.Fatalf("judged payload tests = %v/%v, want 2/2", payload["tests_passed"], payload["tests_total"])
	}
	if payload["max_time_ms"] != float64(25) {
		t.Fatalf("judged payload max_time_ms = %v, want 25", payload["max_time_ms"])
	}
}

func TestJudgeCompileError(t *testing.T) {
	t.Parallel()
	meta := testMeta(2, false)
	blobs := testBlobs(meta, map[int]string{1: "x", 2: "y"})
	driver := sandbox.NewFakeDriver()
	driver.Reports = []sandbox.Report{
		{Kind: sandbox.ExitRuntime, ExitCode: 1, Stderr: "main.cpp:1: error: expected ';'"},
	}
	mem := store.NewMemoryStore()
	seedSubmission(t, mem)
	j := newTestJudge(mem, blobs, fakeProblems{meta: meta}, driver)

	if err := j.Process(context.Background(), acquireBox(t, driver), testTask(), false); err != nil {
		t.Fatalf("process: %v", err)
	}

	sub, _ := mem.GetSubmission(context.Background(), "sub-1")
	if sub.Verdict != store.VerdictCompileError {
		t.Fatalf("verdict = %s, want compile_error", sub.Verdict)
	}
	if sub.Score != 0 {
		t.Fatalf("score = %d, want 0", sub.Score)
	}
	if !strings.Contains(sub.CompileLog, "expected ';'") {
		t.Fatalf("compile log = %q", sub.CompileLog)
	}
	if results, _ := mem.ListTestResults(context.Background(), "sub-1"); len(results) != 0 {
		t.Fatalf("test rows = %d, want 0", len(results))
	}
	if len(driver.Runs) != 1 {
		t.Fatalf("sandbox runs = %d, want compile only", len(driver.Runs))
	}
}

func TestJudgeShortCircuitStopsOnFirstFailure(t *testing.T) {
	t.Parallel()
	meta := testMeta(3, true)
	blobs := testBlobs(meta, map[int]string{1: "ok", 2: "ok", 3: "ok"})
	driver := sandbox.NewFakeDriver()
	driver.RunFunc = func(rs spec.RunSpec) (sandbox.Report, error) {
		switch rs.Phase {
		case "compile", "run:1":
			return sandbox.Report{Kind: sandbox.ExitOK, Stdout: "ok"}, nil
		default:
			return sandbox.Report{Kind: sandbox.ExitOK, Stdout: "wrong"}, nil
		}
	}
	mem := store.NewMemoryStore()
	seedSubmission(t, mem)
	j := newTestJudge(mem, blobs, fakeProblems{meta: meta}, driver)

	if err := j.Process(context.Background(), acquireBox(t, driver), testTask(), false); err != nil {
		t.Fatalf("process: %v", err)
	}

	sub, _ := mem.GetSubmission(context.Background(), "sub-1")
	if sub.Verdict != store.VerdictWrongAnswer {
		t.Fatalf("verdict = %s, want wrong_answer", sub.Verdict)
	}
	if sub.Score != 33 {
		t.Fatalf("score = %d, want 33", sub.Score)
	}
	if sub.TestsPassed != 1 || sub.TestsTotal != 3 {
		t.Fatalf("tests = %d/%d, want 1/3", sub.TestsPassed, sub.TestsTotal)
	}
	results, _ := mem.ListTestResults(context.Background(), "sub-1")
	if len(results) != 2 {
		t.Fatalf("test rows = %d, want 2 (third test skipped)", len(results))
	}
}

func TestJudgeAcksTerminalRedelivery(t *testing.T) {
	t.Parallel()
	meta := testMeta(1, false)
	blobs := testBlobs(meta, map[int]string{1: "ok"})
	driver := sandbox.NewFakeDriver()
	driver.RunFunc = func(spec.RunSpec) (sandbox.Report, error) {
		return sandbox.Report{Kind: sandbox.ExitOK, Stdout: "ok"}, nil
	}
	mem := store.NewMemoryStore()
	seedSubmission(t, mem)
	j := newTestJudge(mem, blobs, fakeProblems{meta: meta}, driver)

	box := acquireBox(t, driver)
	if err := j.Process(context.Background(), box, testTask(), false); err != nil {
		t.Fatalf("first process: %v", err)
	}
	runs := len(driver.Runs)

	if err := j.Process(context.Background(), box, testTask(), false); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(driver.Runs) != runs {
		t.Fatalf("redelivery ran the sandbox again: %d -> %d", runs, len(driver.Runs))
	}
	if events := mem.OutboxEvents(); len(events) != 1 {
		t.Fatalf("outbox events = %d, want 1", len(events))
	}
}

func TestJudgeAcksSubmissionHeldByLiveWorker(t *testing.T) {
	t.Parallel()
	mem := store.NewMemoryStore()
	seedSubmission(t, mem)
	if _, err := mem.Claim(context.Background(), "sub-1", "other", 0); err != nil {
		t.Fatalf("claim by other: %v", err)
	}

	driver := sandbox.NewFakeDriver()
	j := newTestJudge(mem, fakeBlobs{}, fakeProblems{meta: testMeta(1, false)}, driver)
	if err := j.Process(context.Background(), acquireBox(t, driver), testTask(), false); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(driver.Runs) != 0 {
		t.Fatalf("sandbox ran for a submission held elsewhere")
	}
	sub, _ := mem.GetSubmission(context.Background(), "sub-1")
	if sub.ClaimedBy != "other" {
		t.Fatalf("claim moved to %q", sub.ClaimedBy)
	}
}

func TestJudgeTransientFailureReleasesClaim(t *testing.T) {
	t.Parallel()
	meta := testMeta(1, false)
	blobs := fakeBlobs{} // source blob missing
	driver := sandbox.NewFakeDriver()
	mem := store.NewMemoryStore()
	seedSubmission(t, mem)
	j := newTestJudge(mem, blobs, fakeProblems{meta: meta}, driver)

	err := j.Process(context.Background(), acquireBox(t, driver), testTask(), false)
	if err == nil {
		t.Fatal("expected error for missing source blob")
	}
	sub, _ := mem.GetSubmission(context.Background(), "sub-1")
	if sub.Verdict != store.VerdictPending || sub.ClaimedBy != "" {
		t.Fatalf("claim not released: verdict=%s claimed_by=%q", sub.Verdict, sub.ClaimedBy)
	}
}

func TestJudgeShutdownCancelReleasesClaimForRedelivery(t *testing.T) {
	t.Parallel()
	meta := testMeta(2, false)
	blobs := testBlobs(meta, map[int]string{1: "ok", 2: "ok"})
	driver := sandbox.NewFakeDriver()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The drain deadline fires while the first test is running.
	driver.RunFunc = func(rs spec.RunSpec) (sandbox.Report, error) {
		if rs.Phase == "run:1" {
			cancel()
		}
		return sandbox.Report{Kind: sandbox.ExitOK, Stdout: "ok"}, nil
	}
	mem := store.NewMemoryStore()
	seedSubmission(t, mem)
	j := newTestJudge(mem, blobs, fakeProblems{meta: meta}, driver)

	err := j.Process(ctx, acquireBox(t, driver), testTask(), false)
	if !appErr.Is(err, appErr.Timeout) {
		t.Fatalf("process = %v, want Timeout for nack", err)
	}
	sub, _ := mem.GetSubmission(context.Background(), "sub-1")
	if sub.Verdict != store.VerdictPending || sub.ClaimedBy != "" {
		t.Fatalf("claim not released: verdict=%s claimed_by=%q", sub.Verdict, sub.ClaimedBy)
	}
}

func TestJudgeLastAttemptFinalizesInternalError(t *testing.T) {
	t.Parallel()
	meta := testMeta(1, false)
	blobs := fakeBlobs{} // source blob missing
	driver := sandbox.NewFakeDriver()
	mem := store.NewMemoryStore()
	seedSubmission(t, mem)
	j := newTestJudge(mem, blobs, fakeProblems{meta: meta}, driver)

	if err := j.Process(context.Background(), acquireBox(t, driver), testTask(), true); err != nil {
		t.Fatalf("process: %v", err)
	}
	sub, _ := mem.GetSubmission(context.Background(), "sub-1")
	if sub.Verdict != store.VerdictInternalError {
		t.Fatalf("verdict = %s, want internal_error", sub.Verdict)
	}
	if sub.Score != 0 {
		t.Fatalf("score = %d, want 0", sub.Score)
	}
}

func TestJudgePoisonedTaskFinalizesImmediately(t *testing.T) {
	t.Parallel()
	driver := sandbox.NewFakeDriver()
	mem := store.NewMemoryStore()
	seedSubmission(t, mem)
	j := newTestJudge(mem, fakeBlobs{}, fakeProblems{meta: testMeta(1, false)}, driver)

	task := testTask()
	task.LanguageID = "cobol"
	if err := j.Process(context.Background(), acquireBox(t, driver), task, false); err != nil {
		t.Fatalf("process: %v", err)
	}
	sub, _ := mem.GetSubmission(context.Background(), "sub-1")
	if sub.Verdict != store.VerdictInternalError {
		t.Fatalf("verdict = %s, want internal_error", sub.Verdict)
	}
}

func TestTestVerdictMapping(t *testing.T) {
	t.Parallel()
	j := &Judge{}
	limits := spec.Limits{CPUTimeMs: 1000, MemoryKB: 1024}
	answer := []byte("expected")

	cases := []struct {
		name   string
		report sandbox.Report
		want   store.Verdict
	}{
		{"timeout", sandbox.Report{Kind: sandbox.ExitTimeout}, store.VerdictTLE},
		{"cpu over limit", sandbox.Report{Kind: sandbox.ExitOK, CPUTimeMs: 1500, Stdout: "expected"}, store.VerdictTLE},
		{"oom killed", sandbox.Report{Kind: sandbox.ExitMemory}, store.VerdictMLE},
		{"peak over limit", sandbox.Report{Kind: sandbox.ExitOK, PeakMemoryKB: 4096, Stdout: "expected"}, store.VerdictMLE},
		{"signalled", sandbox.Report{Kind: sandbox.ExitSignal, Signal: 11}, store.VerdictRuntimeError},
		{"nonzero exit", sandbox.Report{Kind: sandbox.ExitRuntime, ExitCode: 1}, store.VerdictRuntimeError},
		{"matching output", sandbox.Report{Kind: sandbox.ExitOK, Stdout: "expected"}, store.VerdictAccepted},
		{"mismatch", sandbox.Report{Kind: sandbox.ExitOK, Stdout: "other"}, store.VerdictWrongAnswer},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := j.testVerdict(tc.report, limits, "/nonexistent/stdout", answer)
			if got != tc.want {
				t.Fatalf("verdict = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestScoreFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		verdict store.Verdict
		passed  int
		total   int
		want    int32
	}{
		{store.VerdictAccepted, 3, 3, 100},
		{store.VerdictWrongAnswer, 1, 3, 33},
		{store.VerdictTLE, 2, 3, 66},
		{store.VerdictCompileError, 0, 3, 0},
		{store.VerdictInternalError, 2, 3, 0},
	}
	for _, tc := range cases {
		if got := scoreFor(tc.verdict, tc.passed, tc.total); got != tc.want {
			t.Errorf("scoreFor(%s, %d/%d) = %d, want %d", tc.verdict, tc.passed, tc.total, got, tc.want)
		}
	}
}
