// Package worker runs judgements: it consumes dispatch tasks, claims
// submissions, executes them in the sandbox, and writes verdicts.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"arbiter/internal/judge/language"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/spec"
	"arbiter/internal/outbox"
	"arbiter/internal/store"
	"arbiter/pkg/errors"
	"arbiter/pkg/utils/contextkey"
	"arbiter/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultStaleClaimAfter = 60 * time.Second
	compileLogMaxBytes     = 64 * 1024
)

// BlobReader fetches content-addressed blobs.
type BlobReader interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// ProblemSource resolves problem metadata.
type ProblemSource interface {
	GetMeta(ctx context.Context, problemID int64) (model.ProblemMeta, error)
}

// StatusSink receives submission state for the read path's cache. Nil
// sinks are allowed.
type StatusSink interface {
	SetSubmission(ctx context.Context, sub *store.Submission) error
}

// JudgeConfig tunes a Judge.
type JudgeConfig struct {
	WorkerName      string
	StaleClaimAfter time.Duration

	// Isolation applied to every run; per-language seccomp profiles are
	// layered on top.
	RootFS         string
	DisableNetwork bool
}

// Judge executes one submission end to end inside an acquired box.
type Judge struct {
	cfg      JudgeConfig
	subs     store.SubmissionStore
	logs     store.ExecutionLogStore
	blobs    BlobReader
	problems ProblemSource
	driver   sandbox.Driver
	status   StatusSink
}

// NewJudge creates a judge. logs and status may be nil.
func NewJudge(cfg JudgeConfig, subs store.SubmissionStore, logs store.ExecutionLogStore, blobs BlobReader, problems ProblemSource, driver sandbox.Driver, status StatusSink) *Judge {
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = defaultStaleClaimAfter
	}
	return &Judge{
		cfg:      cfg,
		subs:     subs,
		logs:     logs,
		blobs:    blobs,
		problems: problems,
		driver:   driver,
		status:   status,
	}
}

// Process judges one dispatch task inside box. A nil return
// acknowledges the task; an error nacks it for redelivery. When
// lastAttempt is set, failures that would otherwise be retried finalize
// the submission as internal_error so it does not stay pending forever.
func (j *Judge) Process(ctx context.Context, box *sandbox.Box, task model.DispatchTask, lastAttempt bool) error {
	ctx = context.WithValue(ctx, contextkey.SubmissionID, task.SubmissionID)
	ctx = context.WithValue(ctx, contextkey.WorkerName, j.cfg.WorkerName)

	claim, err := j.subs.Claim(ctx, task.SubmissionID, j.cfg.WorkerName, j.cfg.StaleClaimAfter)
	if err != nil {
		if errors.GetCode(err) == errors.SubmissionNotFound {
			logger.Warn(ctx, "dispatch task for unknown submission dropped")
			return nil
		}
		return err
	}
	if claim.Terminal {
		logger.Info(ctx, "submission already judged, acking redelivery",
			zap.String("verdict", string(claim.Submission.Verdict)))
		return nil
	}
	if !claim.Claimed {
		// Another live worker holds the claim; its outcome supersedes ours.
		logger.Info(ctx, "submission claimed by another worker, acking",
			zap.String("claimed_by", claim.Submission.ClaimedBy))
		return nil
	}
	j.pushStatus(ctx, claim.Submission)

	result, runErr := j.judge(ctx, box, task)
	if runErr != nil {
		if !lastAttempt && !isPoisoned(runErr) {
			// Transient failure: hand the claim back and let the queue
			// redeliver.
			if relErr := j.subs.ReleaseClaim(ctx, task.SubmissionID, j.cfg.WorkerName); relErr != nil {
				logger.Warn(ctx, "release claim failed", zap.Error(relErr))
			}
			return runErr
		}
		logger.Error(ctx, "judgement failed, finalizing as internal error", zap.Error(runErr))
		result = store.FinalResult{Verdict: store.VerdictInternalError}
	}

	if err := j.finalize(ctx, task, result); err != nil {
		if errors.GetCode(err) == errors.StaleWrite {
			// We lost the claim mid-judgement; whoever took it owns the
			// outcome.
			logger.Warn(ctx, "claim lost before finalize, acking", zap.Error(err))
			return nil
		}
		return err
	}
	logger.Info(ctx, "submission judged",
		zap.String("verdict", string(result.Verdict)),
		zap.Int32("score", result.Score),
		zap.Int("tests_passed", result.TestsPassed),
		zap.Int("tests_total", result.TestsTotal),
		zap.Int64("max_time_ms", result.MaxTimeMs),
		zap.Int64("max_memory_kb", result.MaxMemoryKB))
	return nil
}

// isPoisoned reports whether the task can never succeed, so retrying it
// is pointless.
func isPoisoned(err error) bool {
	switch errors.GetCode(err) {
	case errors.LanguageNotSupported, errors.ProblemNotFound, errors.DigestMismatch,
		errors.InvalidParams, errors.InvalidFormat:
		return true
	}
	return false
}

// judge runs the fetch/compile/run phases and returns the final result.
// Errors are infrastructure failures; program outcomes are verdicts.
func (j *Judge) judge(ctx context.Context, box *sandbox.Box, task model.DispatchTask) (store.FinalResult, error) {
	profile, ok := language.Lookup(task.LanguageID)
	if !ok {
		return store.FinalResult{}, errors.Newf(errors.LanguageNotSupported, "language %q is not supported", task.LanguageID)
	}

	meta, err := j.problems.GetMeta(ctx, task.ProblemID)
	if err != nil {
		return store.FinalResult{}, err
	}
	if len(meta.Tests) == 0 {
		return store.FinalResult{}, errors.Newf(errors.ProblemNotFound, "problem %d has no tests", task.ProblemID)
	}

	source, err := j.blobs.Get(ctx, task.SourceRef)
	if err != nil {
		return store.FinalResult{}, err
	}
	if err := os.WriteFile(filepath.Join(box.Dir, profile.SourceFile), source, 0o644); err != nil {
		return store.FinalResult{}, errors.Wrap(err, errors.SandboxSetupFailed)
	}

	if profile.CompileEnabled {
		result, done, err := j.compile(ctx, box, task, profile)
		if err != nil || done {
			return result, err
		}
	}

	return j.runTests(ctx, box, task, profile, meta)
}

// compile runs the compile phase. done is true when the submission is
// finished (compile_error) without running any test.
func (j *Judge) compile(ctx context.Context, box *sandbox.Box, task model.DispatchTask, profile language.Profile) (store.FinalResult, bool, error) {
	if err := j.subs.Heartbeat(ctx, task.SubmissionID, j.cfg.WorkerName); err != nil {
		return store.FinalResult{}, false, err
	}

	cmd, err := profile.CompileCommand(task.ExtraCompileFlags)
	if err != nil {
		return store.FinalResult{}, false, errors.Wrap(err, errors.InvalidParams)
	}

	report, err := j.driver.Run(ctx, box, spec.RunSpec{
		SubmissionID: task.SubmissionID,
		Phase:        "compile",
		WorkDir:      box.Dir,
		Cmd:          cmd,
		Env:          profile.Env,
		StdoutPath:   filepath.Join(box.Dir, "compile.out"),
		StderrPath:   filepath.Join(box.Dir, "compile.err"),
		Isolation: spec.Isolation{
			RootFS:         j.cfg.RootFS,
			SeccompProfile: profile.SeccompProfile,
			DisableNetwork: j.cfg.DisableNetwork,
		},
		Limits: profile.CompileLimits,
	})
	if err != nil {
		return store.FinalResult{}, false, err
	}
	j.appendLog(ctx, task.SubmissionID, "compile", report)

	switch report.Kind {
	case sandbox.ExitOK:
		return store.FinalResult{}, false, nil
	case sandbox.ExitInternal:
		return store.FinalResult{}, false, errors.Newf(errors.SandboxRunFailed, "compile step failed inside the sandbox")
	default:
		// Compiler diagnostics land on stderr; fall back to stdout for
		// toolchains that write there.
		log := report.Stderr
		if log == "" {
			log = report.Stdout
		}
		return store.FinalResult{
			Verdict:    store.VerdictCompileError,
			CompileLog: capString(log, compileLogMaxBytes),
		}, true, nil
	}
}

// runTests executes every test in ordinal order, writing each row as it
// lands, and folds the outcomes into the final verdict. The aggregates
// are the worst wall time and memory over the executed tests.
func (j *Judge) runTests(ctx context.Context, box *sandbox.Box, task model.DispatchTask, profile language.Profile, meta model.ProblemMeta) (store.FinalResult, error) {
	final := store.FinalResult{
		Verdict:    store.VerdictAccepted,
		TestsTotal: len(meta.Tests),
	}

	for _, tc := range meta.Tests {
		select {
		case <-ctx.Done():
			return store.FinalResult{}, errors.Wrap(ctx.Err(), errors.Timeout)
		default:
		}

		result, err := j.runOne(ctx, box, task, profile, meta, tc)
		if err != nil {
			return store.FinalResult{}, err
		}

		if err := j.subs.WriteTestResults(ctx, task.SubmissionID, j.cfg.WorkerName, []store.TestResult{result}); err != nil {
			return store.FinalResult{}, err
		}

		if result.TimeMs > final.MaxTimeMs {
			final.MaxTimeMs = result.TimeMs
		}
		if result.MemoryKB > final.MaxMemoryKB {
			final.MaxMemoryKB = result.MemoryKB
		}
		if result.Verdict == store.VerdictAccepted {
			final.TestsPassed++
			continue
		}
		if final.Verdict == store.VerdictAccepted {
			final.Verdict = result.Verdict
		}
		if meta.ShortCircuit {
			break
		}
	}

	final.Score = scoreFor(final.Verdict, final.TestsPassed, final.TestsTotal)
	return final, nil
}

// runOne executes a single test case and maps the sandbox report to a
// per-test verdict.
func (j *Judge) runOne(ctx context.Context, box *sandbox.Box, task model.DispatchTask, profile language.Profile, meta model.ProblemMeta, tc model.TestCase) (store.TestResult, error) {
	input, err := j.blobs.Get(ctx, tc.InputRef)
	if err != nil {
		return store.TestResult{}, err
	}
	answer, err := j.blobs.Get(ctx, tc.AnswerRef)
	if err != nil {
		return store.TestResult{}, err
	}

	stdinPath := filepath.Join(box.Dir, "input.txt")
	stdoutPath := filepath.Join(box.Dir, "output.txt")
	stderrPath := filepath.Join(box.Dir, "error.txt")
	if err := os.WriteFile(stdinPath, input, 0o644); err != nil {
		return store.TestResult{}, errors.Wrap(err, errors.SandboxSetupFailed)
	}

	limits := testLimits(profile, meta, tc)
	cmd, err := profile.RunCommand()
	if err != nil {
		return store.TestResult{}, errors.Wrap(err, errors.InvalidParams)
	}

	phase := fmt.Sprintf("run:%d", tc.Ordinal)
	report, err := j.driver.Run(ctx, box, spec.RunSpec{
		SubmissionID: task.SubmissionID,
		Phase:        phase,
		WorkDir:      box.Dir,
		Cmd:          cmd,
		Env:          profile.Env,
		StdinPath:    stdinPath,
		StdoutPath:   stdoutPath,
		StderrPath:   stderrPath,
		Isolation: spec.Isolation{
			RootFS:         j.cfg.RootFS,
			SeccompProfile: profile.SeccompProfile,
			DisableNetwork: j.cfg.DisableNetwork,
		},
		Limits: limits,
	})
	if err != nil {
		return store.TestResult{}, err
	}
	j.appendLog(ctx, task.SubmissionID, phase, report)

	if report.Kind == sandbox.ExitInternal {
		return store.TestResult{}, errors.Newf(errors.SandboxRunFailed, "test %d failed inside the sandbox", tc.Ordinal)
	}

	verdict := j.testVerdict(report, limits, stdoutPath, answer)
	return store.TestResult{
		SubmissionID: task.SubmissionID,
		Ordinal:      tc.Ordinal,
		Verdict:      verdict,
		TimeMs:       report.WallTimeMs,
		MemoryKB:     report.PeakMemoryKB,
		ExitCode:     report.ExitCode,
		Signal:       report.Signal,
	}, nil
}

// testVerdict maps a sandbox report to a per-test verdict. Limit hits
// win over exit status: an OOM-killed process also dies by signal, and
// the memory verdict is the useful one.
func (j *Judge) testVerdict(report sandbox.Report, limits spec.Limits, stdoutPath string, answer []byte) store.Verdict {
	switch {
	case report.Kind == sandbox.ExitTimeout:
		return store.VerdictTLE
	case limits.CPUTimeMs > 0 && report.CPUTimeMs > limits.CPUTimeMs:
		return store.VerdictTLE
	case report.Kind == sandbox.ExitMemory:
		return store.VerdictMLE
	case limits.MemoryKB > 0 && report.PeakMemoryKB > limits.MemoryKB:
		return store.VerdictMLE
	case report.Kind == sandbox.ExitSignal, report.Kind == sandbox.ExitRuntime:
		return store.VerdictRuntimeError
	}

	got, err := os.ReadFile(stdoutPath)
	if err != nil {
		got = []byte(report.Stdout)
	}
	if OutputsMatch(got, answer) {
		return store.VerdictAccepted
	}
	return store.VerdictWrongAnswer
}

// finalize writes the terminal state and the submission.judged event.
func (j *Judge) finalize(ctx context.Context, task model.DispatchTask, result store.FinalResult) error {
	event, err := outbox.NewEvent(outbox.EventSubmissionJudged, outbox.AggregateSubmission, task.SubmissionID, judgedEvent{
		SubmissionID: task.SubmissionID,
		ProblemID:    task.ProblemID,
		UserID:       task.UserID,
		ContestID:    task.ContestID,
		Verdict:      string(result.Verdict),
		Score:        result.Score,
		TestsPassed:  result.TestsPassed,
		TestsTotal:   result.TestsTotal,
		MaxTimeMs:    result.MaxTimeMs,
		MaxMemoryKB:  result.MaxMemoryKB,
		JudgedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := j.subs.Finalize(ctx, task.SubmissionID, j.cfg.WorkerName, result, event); err != nil {
		return err
	}
	if sub, err := j.subs.GetSubmission(ctx, task.SubmissionID); err == nil {
		j.pushStatus(ctx, sub)
	}
	return nil
}

// judgedEvent is the submission.judged payload.
type judgedEvent struct {
	SubmissionID string    `json:"submission_id"`
	ProblemID    int64     `json:"problem_id"`
	UserID       string    `json:"user_id"`
	ContestID    string    `json:"contest_id,omitempty"`
	Verdict      string    `json:"verdict"`
	Score        int32     `json:"score"`
	TestsPassed  int       `json:"tests_passed"`
	TestsTotal   int       `json:"tests_total"`
	MaxTimeMs    int64     `json:"max_time_ms"`
	MaxMemoryKB  int64     `json:"max_memory_kb"`
	JudgedAt     time.Time `json:"judged_at"`
}

func (j *Judge) appendLog(ctx context.Context, submissionID, phase string, report sandbox.Report) {
	if j.logs == nil {
		return
	}
	err := j.logs.AppendExecutionLog(ctx, &store.ExecutionLog{
		SubmissionID: submissionID,
		Phase:        phase,
		ExitKind:     string(report.Kind),
		ExitCode:     report.ExitCode,
		WallTimeMs:   report.WallTimeMs,
		CPUTimeMs:    report.CPUTimeMs,
		MemoryKB:     report.PeakMemoryKB,
		Detail:       capString(report.Stderr, 1024),
	})
	if err != nil {
		logger.Warn(ctx, "append execution log failed", zap.String("phase", phase), zap.Error(err))
	}
}

func (j *Judge) pushStatus(ctx context.Context, sub *store.Submission) {
	if j.status == nil || sub == nil {
		return
	}
	if err := j.status.SetSubmission(ctx, sub); err != nil {
		logger.Warn(ctx, "update status cache failed", zap.Error(err))
	}
}

// testLimits folds problem defaults, per-test overrides and language
// multipliers into the limits for one run.
func testLimits(profile language.Profile, meta model.ProblemMeta, tc model.TestCase) spec.Limits {
	base := spec.Limits{
		WallTimeMs: meta.TimeLimitMs * 2,
		CPUTimeMs:  meta.TimeLimitMs,
		MemoryKB:   meta.MemoryLimitKB,
		FileSizeKB: 16 * 1024,
		Processes:  1,
	}
	if profile.ID == "java" || profile.ID == "go" {
		base.Processes = 64
	}
	merged := language.MergeLimits(base, spec.Limits{
		WallTimeMs: tc.TimeLimitMs * 2,
		CPUTimeMs:  tc.TimeLimitMs,
		MemoryKB:   tc.MemoryLimitKB,
	})
	return profile.ScaleLimits(merged)
}

// scoreFor computes the final score: the passed fraction of tests,
// floored, with failure classes that never award points pinned to zero.
func scoreFor(verdict store.Verdict, passed, total int) int32 {
	if verdict == store.VerdictCompileError || verdict == store.VerdictInternalError || total == 0 {
		return 0
	}
	return int32(passed * 100 / total)
}

func capString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
