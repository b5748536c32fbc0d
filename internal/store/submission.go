package store

import (
	"context"
	"strings"
	"time"

	"arbiter/internal/common/db"
	"arbiter/pkg/errors"
)

// MySQLSubmissionStore implements SubmissionStore, ExecutionLogStore
// and WorkerStore over MySQL.
type MySQLSubmissionStore struct {
	db db.Database
}

// NewSubmissionStore creates a MySQL-backed submission store.
func NewSubmissionStore(database db.Database) *MySQLSubmissionStore {
	return &MySQLSubmissionStore{db: database}
}

var (
	_ SubmissionStore   = (*MySQLSubmissionStore)(nil)
	_ ExecutionLogStore = (*MySQLSubmissionStore)(nil)
	_ WorkerStore       = (*MySQLSubmissionStore)(nil)
)

const submissionColumns = "submission_id, problem_id, user_id, contest_id, language_id, source_ref, code_size, verdict, score, tests_passed, tests_total, max_time_ms, max_memory_kb, compile_log, claimed_by, claimed_at, heartbeat_at, created_at, judged_at"

// CreateSubmission inserts the submission row together with its outbox
// events in one transaction.
func (s *MySQLSubmissionStore) CreateSubmission(ctx context.Context, sub *Submission, events []*OutboxEvent) error {
	if sub == nil {
		return errors.ValidationError("submission", "required")
	}
	if sub.SubmissionID == "" {
		return errors.ValidationError("submission_id", "required")
	}
	if sub.ProblemID <= 0 {
		return errors.ValidationError("problem_id", "required")
	}
	if sub.LanguageID == "" {
		return errors.ValidationError("language_id", "required")
	}
	if sub.SourceRef == "" {
		return errors.ValidationError("source_ref", "required")
	}

	err := s.db.Transaction(ctx, func(tx db.Transaction) error {
		query := `
			INSERT INTO submissions
			(submission_id, problem_id, user_id, contest_id, language_id, source_ref, code_size, verdict)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		if _, err := tx.Exec(ctx, query,
			sub.SubmissionID,
			sub.ProblemID,
			sub.UserID,
			nullIfEmpty(sub.ContestID),
			sub.LanguageID,
			sub.SourceRef,
			sub.CodeSize,
			string(VerdictPending),
		); err != nil {
			if _, dup := db.UniqueViolation(err); dup {
				return errors.Newf(errors.RecordAlreadyExists, "submission %s already exists", sub.SubmissionID)
			}
			return errors.Wrapf(err, errors.DatabaseError, "insert submission failed")
		}
		return insertOutboxEvents(ctx, tx, events)
	})
	if err != nil {
		if errors.GetCode(err) != errors.InternalServerError {
			return err
		}
		return errors.Wrapf(err, errors.SubmissionCreateFailed, "create submission %s failed", sub.SubmissionID)
	}
	return nil
}

// GetSubmission returns a submission by id.
func (s *MySQLSubmissionStore) GetSubmission(ctx context.Context, submissionID string) (*Submission, error) {
	if submissionID == "" {
		return nil, errors.ValidationError("submission_id", "required")
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE submission_id = ? LIMIT 1"
	return scanSubmission(s.db.QueryRow(ctx, query, submissionID), submissionID)
}

// Claim transitions pending -> judging for the given worker. The update
// also succeeds against the worker's own live claim (redelivery) and
// against claims whose heartbeat is older than staleAfter (takeover).
func (s *MySQLSubmissionStore) Claim(ctx context.Context, submissionID, worker string, staleAfter time.Duration) (*ClaimResult, error) {
	if submissionID == "" {
		return nil, errors.ValidationError("submission_id", "required")
	}
	if worker == "" {
		return nil, errors.ValidationError("worker", "required")
	}

	query := `
		UPDATE submissions
		SET verdict = ?, claimed_by = ?, claimed_at = NOW(), heartbeat_at = NOW()
		WHERE submission_id = ?
		  AND (verdict = ?
		       OR (verdict = ? AND (claimed_by = ? OR heartbeat_at < NOW() - INTERVAL ? SECOND)))
	`
	res, err := s.db.Exec(ctx, query,
		string(VerdictJudging), worker,
		submissionID,
		string(VerdictPending),
		string(VerdictJudging), worker, int64(staleAfter.Seconds()),
	)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "claim submission %s failed", submissionID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, errors.DatabaseError)
	}

	sub, err := s.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return &ClaimResult{Claimed: true, Submission: sub}, nil
	}
	if sub.Verdict.Terminal() {
		return &ClaimResult{Terminal: true, Submission: sub}, nil
	}
	// Still judging under a live claim held by someone else.
	return &ClaimResult{Submission: sub}, nil
}

// WriteTestResults upserts per-test rows, fenced on the claim.
func (s *MySQLSubmissionStore) WriteTestResults(ctx context.Context, submissionID, worker string, results []TestResult) error {
	if len(results) == 0 {
		return nil
	}
	return s.db.Transaction(ctx, func(tx db.Transaction) error {
		if err := checkClaim(ctx, tx, submissionID, worker); err != nil {
			return err
		}

		var (
			sb   strings.Builder
			args []interface{}
		)
		sb.WriteString(`
			INSERT INTO submission_test_results
			(submission_id, ordinal, verdict, time_ms, memory_kb, exit_code, sig)
			VALUES `)
		for i, r := range results {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
			args = append(args, submissionID, r.Ordinal, string(r.Verdict), r.TimeMs, r.MemoryKB, r.ExitCode, r.Signal)
		}
		sb.WriteString(`
			ON DUPLICATE KEY UPDATE
			verdict = VALUES(verdict), time_ms = VALUES(time_ms),
			memory_kb = VALUES(memory_kb), exit_code = VALUES(exit_code), sig = VALUES(sig)
		`)
		if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
			return errors.Wrapf(err, errors.DatabaseError, "write test results for %s failed", submissionID)
		}
		return nil
	})
}

// Heartbeat refreshes the claim's liveness timestamp.
func (s *MySQLSubmissionStore) Heartbeat(ctx context.Context, submissionID, worker string) error {
	query := `
		UPDATE submissions SET heartbeat_at = NOW()
		WHERE submission_id = ? AND verdict = ? AND claimed_by = ?
	`
	res, err := s.db.Exec(ctx, query, submissionID, string(VerdictJudging), worker)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "heartbeat for %s failed", submissionID)
	}
	return requireAffected(res, submissionID, worker)
}

// Finalize writes the terminal verdict, aggregates and judged_at, and
// inserts the completion outbox event, in one fenced transaction.
func (s *MySQLSubmissionStore) Finalize(ctx context.Context, submissionID, worker string, result FinalResult, event *OutboxEvent) error {
	if !result.Verdict.Valid() || !result.Verdict.Terminal() {
		return errors.Newf(errors.InvalidParams, "verdict %q is not terminal", result.Verdict)
	}
	return s.db.Transaction(ctx, func(tx db.Transaction) error {
		query := `
			UPDATE submissions
			SET verdict = ?, score = ?, tests_passed = ?, tests_total = ?,
			    max_time_ms = ?, max_memory_kb = ?, compile_log = ?, judged_at = NOW()
			WHERE submission_id = ? AND verdict = ? AND claimed_by = ?
		`
		res, err := tx.Exec(ctx, query,
			string(result.Verdict), result.Score, result.TestsPassed, result.TestsTotal,
			result.MaxTimeMs, result.MaxMemoryKB, result.CompileLog,
			submissionID, string(VerdictJudging), worker,
		)
		if err != nil {
			return errors.Wrapf(err, errors.DatabaseError, "finalize %s failed", submissionID)
		}
		if err := requireAffected(res, submissionID, worker); err != nil {
			return err
		}
		if event != nil {
			return insertOutboxEvents(ctx, tx, []*OutboxEvent{event})
		}
		return nil
	})
}

// ReleaseClaim returns a judging submission to pending.
func (s *MySQLSubmissionStore) ReleaseClaim(ctx context.Context, submissionID, worker string) error {
	query := `
		UPDATE submissions
		SET verdict = ?, claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL
		WHERE submission_id = ? AND verdict = ? AND claimed_by = ?
	`
	res, err := s.db.Exec(ctx, query, string(VerdictPending), submissionID, string(VerdictJudging), worker)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "release claim on %s failed", submissionID)
	}
	return requireAffected(res, submissionID, worker)
}

// ReclaimStale returns judging submissions with stale heartbeats to
// pending.
func (s *MySQLSubmissionStore) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	query := `
		UPDATE submissions
		SET verdict = ?, claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL
		WHERE verdict = ? AND heartbeat_at < NOW() - INTERVAL ? SECOND
	`
	res, err := s.db.Exec(ctx, query, string(VerdictPending), string(VerdictJudging), int64(staleAfter.Seconds()))
	if err != nil {
		return 0, errors.Wrap(err, errors.DatabaseError)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, errors.DatabaseError)
	}
	return affected, nil
}

// ListTestResults returns the per-test rows in ordinal order.
func (s *MySQLSubmissionStore) ListTestResults(ctx context.Context, submissionID string) ([]TestResult, error) {
	query := `
		SELECT submission_id, ordinal, verdict, time_ms, memory_kb, exit_code, sig
		FROM submission_test_results
		WHERE submission_id = ?
		ORDER BY ordinal ASC
	`
	rows, err := s.db.Query(ctx, query, submissionID)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "list test results for %s failed", submissionID)
	}
	defer rows.Close()

	var results []TestResult
	for rows.Next() {
		var (
			r       TestResult
			verdict string
		)
		if err := rows.Scan(&r.SubmissionID, &r.Ordinal, &verdict, &r.TimeMs, &r.MemoryKB, &r.ExitCode, &r.Signal); err != nil {
			return nil, errors.Wrap(err, errors.DatabaseError)
		}
		r.Verdict = Verdict(verdict)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.DatabaseError)
	}
	return results, nil
}

// AppendExecutionLog records one sandbox phase outcome.
func (s *MySQLSubmissionStore) AppendExecutionLog(ctx context.Context, log *ExecutionLog) error {
	if log == nil || log.SubmissionID == "" {
		return errors.ValidationError("execution_log", "required")
	}
	query := `
		INSERT INTO execution_logs
		(submission_id, phase, exit_kind, exit_code, wall_time_ms, cpu_time_ms, memory_kb, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(ctx, query,
		log.SubmissionID, log.Phase, log.ExitKind, log.ExitCode,
		log.WallTimeMs, log.CPUTimeMs, log.MemoryKB, log.Detail,
	)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "append execution log for %s failed", log.SubmissionID)
	}
	return nil
}

// ListExecutionLogs returns the phase records for a submission, oldest
// first.
func (s *MySQLSubmissionStore) ListExecutionLogs(ctx context.Context, submissionID string) ([]ExecutionLog, error) {
	query := `
		SELECT id, submission_id, phase, exit_kind, exit_code, wall_time_ms, cpu_time_ms, memory_kb, detail, created_at
		FROM execution_logs
		WHERE submission_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.Query(ctx, query, submissionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.DatabaseError)
	}
	defer rows.Close()

	var logs []ExecutionLog
	for rows.Next() {
		var l ExecutionLog
		if err := rows.Scan(&l.ID, &l.SubmissionID, &l.Phase, &l.ExitKind, &l.ExitCode,
			&l.WallTimeMs, &l.CPUTimeMs, &l.MemoryKB, &l.Detail, &l.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.DatabaseError)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.DatabaseError)
	}
	return logs, nil
}

// RegisterWorker upserts a worker registration.
func (s *MySQLSubmissionStore) RegisterWorker(ctx context.Context, worker *Worker) error {
	if worker == nil || worker.Name == "" {
		return errors.ValidationError("worker", "required")
	}
	query := `
		INSERT INTO judge_workers (name, hostname, slots, started_at, heartbeat_at)
		VALUES (?, ?, ?, NOW(), NOW())
		ON DUPLICATE KEY UPDATE
		hostname = VALUES(hostname), slots = VALUES(slots), started_at = NOW(), heartbeat_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, worker.Name, worker.Hostname, worker.Slots); err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "register worker %s failed", worker.Name)
	}
	return nil
}

// TouchWorker refreshes a worker heartbeat.
func (s *MySQLSubmissionStore) TouchWorker(ctx context.Context, name string) error {
	if name == "" {
		return errors.ValidationError("name", "required")
	}
	if _, err := s.db.Exec(ctx, "UPDATE judge_workers SET heartbeat_at = NOW() WHERE name = ?", name); err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "touch worker %s failed", name)
	}
	return nil
}

// ListWorkers returns workers whose heartbeat is within staleAfter.
func (s *MySQLSubmissionStore) ListWorkers(ctx context.Context, staleAfter time.Duration) ([]Worker, error) {
	query := `
		SELECT name, hostname, slots, started_at, heartbeat_at
		FROM judge_workers
		WHERE heartbeat_at >= NOW() - INTERVAL ? SECOND
		ORDER BY name ASC
	`
	rows, err := s.db.Query(ctx, query, int64(staleAfter.Seconds()))
	if err != nil {
		return nil, errors.Wrap(err, errors.DatabaseError)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.Name, &w.Hostname, &w.Slots, &w.StartedAt, &w.HeartbeatAt); err != nil {
			return nil, errors.Wrap(err, errors.DatabaseError)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.DatabaseError)
	}
	return workers, nil
}

// checkClaim verifies inside a transaction that the worker still owns
// the judging claim.
func checkClaim(ctx context.Context, tx db.Transaction, submissionID, worker string) error {
	res, err := tx.Exec(ctx,
		"UPDATE submissions SET heartbeat_at = NOW() WHERE submission_id = ? AND verdict = ? AND claimed_by = ?",
		submissionID, string(VerdictJudging), worker,
	)
	if err != nil {
		return errors.Wrap(err, errors.DatabaseError)
	}
	return requireAffected(res, submissionID, worker)
}

func requireAffected(res db.Result, submissionID, worker string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.DatabaseError)
	}
	if affected == 0 {
		return errors.Newf(errors.StaleWrite, "submission %s is no longer claimed by %s", submissionID, worker)
	}
	return nil
}

func scanSubmission(row db.Row, submissionID string) (*Submission, error) {
	var (
		sub        Submission
		verdict    string
		contestID  *string
		compileLog *string
		claimedBy  *string
	)
	err := row.Scan(
		&sub.SubmissionID, &sub.ProblemID, &sub.UserID, &contestID, &sub.LanguageID,
		&sub.SourceRef, &sub.CodeSize, &verdict, &sub.Score, &sub.TestsPassed,
		&sub.TestsTotal, &sub.MaxTimeMs, &sub.MaxMemoryKB, &compileLog, &claimedBy,
		&sub.ClaimedAt, &sub.HeartbeatAt, &sub.CreatedAt, &sub.JudgedAt,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, errors.Newf(errors.SubmissionNotFound, "submission %s not found", submissionID)
		}
		return nil, errors.Wrap(err, errors.DatabaseError)
	}
	sub.Verdict = Verdict(verdict)
	if contestID != nil {
		sub.ContestID = *contestID
	}
	if compileLog != nil {
		sub.CompileLog = *compileLog
	}
	if claimedBy != nil {
		sub.ClaimedBy = *claimedBy
	}
	return &sub, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
