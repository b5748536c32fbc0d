package store

import (
	"context"
	"time"
)

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	// Claimed is true when the caller now owns the submission.
	Claimed bool
	// Terminal is true when the submission already has a final verdict,
	// so a redelivered task should be acknowledged without judging.
	Terminal bool
	// Submission is the row after the claim attempt.
	Submission *Submission
}

// SubmissionStore persists submissions and their judge lifecycle.
//
// Claim, WriteTestResults, Heartbeat and Finalize are fenced on the
// claiming worker's name: a write from a worker that lost its claim
// fails with a StaleWrite error instead of corrupting another worker's
// run.
type SubmissionStore interface {
	// CreateSubmission inserts the submission row together with its
	// outbox events in one transaction.
	CreateSubmission(ctx context.Context, sub *Submission, events []*OutboxEvent) error

	// GetSubmission returns a submission by id.
	GetSubmission(ctx context.Context, submissionID string) (*Submission, error)

	// Claim transitions pending -> judging and records the worker as
	// owner. Re-claiming a submission the same worker already holds
	// succeeds (queue redelivery); claiming one held by a live worker
	// fails; a claim whose holder's heartbeat is older than staleAfter
	// is taken over.
	Claim(ctx context.Context, submissionID, worker string, staleAfter time.Duration) (*ClaimResult, error)

	// WriteTestResults upserts a batch of per-test rows, fenced on the
	// claim. Re-written ordinals overwrite in place so redelivery stays
	// idempotent.
	WriteTestResults(ctx context.Context, submissionID, worker string, results []TestResult) error

	// Heartbeat refreshes the claim's liveness timestamp.
	Heartbeat(ctx context.Context, submissionID, worker string) error

	// Finalize writes the terminal verdict, aggregates and judged_at,
	// and inserts the completion outbox event, in one fenced
	// transaction.
	Finalize(ctx context.Context, submissionID, worker string, result FinalResult, event *OutboxEvent) error

	// ReleaseClaim returns a judging submission to pending so another
	// worker can pick it up (graceful shutdown mid-judgement).
	ReleaseClaim(ctx context.Context, submissionID, worker string) error

	// ReclaimStale returns judging submissions whose heartbeat is older
	// than staleAfter to pending, and reports how many were reset.
	ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error)

	// ListTestResults returns the per-test rows in ordinal order.
	ListTestResults(ctx context.Context, submissionID string) ([]TestResult, error)
}

// OutboxStore drains the transactional outbox.
type OutboxStore interface {
	// Lease atomically moves up to limit due events (pending, or failed
	// with next_retry_at elapsed) to processing and returns them.
	Lease(ctx context.Context, limit int) ([]*OutboxEvent, error)

	// MarkPublished records a successful publish.
	MarkPublished(ctx context.Context, id int64) error

	// MarkFailed records a failed publish attempt and schedules the
	// next one. A zero nextRetryAt leaves the event failed with no
	// retry scheduled (retry budget exhausted).
	MarkFailed(ctx context.Context, id int64, lastError string, nextRetryAt time.Time) error

	// ReleaseStuck returns processing events older than olderThan to
	// pending (publisher crashed mid-batch).
	ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ExecutionLogStore appends sandbox phase records.
type ExecutionLogStore interface {
	AppendExecutionLog(ctx context.Context, log *ExecutionLog) error
	ListExecutionLogs(ctx context.Context, submissionID string) ([]ExecutionLog, error)
}

// WorkerStore tracks judge worker registrations.
type WorkerStore interface {
	RegisterWorker(ctx context.Context, worker *Worker) error
	TouchWorker(ctx context.Context, name string) error
	ListWorkers(ctx context.Context, staleAfter time.Duration) ([]Worker, error)
}
