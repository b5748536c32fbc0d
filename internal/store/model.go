// Package store persists submissions, per-test results, worker
// registrations, execution logs and outbox events in MySQL. All state
// transitions that must be atomic (create+enqueue, finalize+publish)
// run as single transactions here.
package store

import "time"

// Verdict is a submission or per-test outcome token. The set is closed;
// values appear verbatim on the wire and in the database.
type Verdict string

const (
	VerdictPending       Verdict = "pending"
	VerdictJudging       Verdict = "judging"
	VerdictAccepted      Verdict = "accepted"
	VerdictWrongAnswer   Verdict = "wrong_answer"
	VerdictTLE           Verdict = "tle"
	VerdictMLE           Verdict = "mle"
	VerdictRuntimeError  Verdict = "runtime_error"
	VerdictCompileError  Verdict = "compile_error"
	VerdictInternalError Verdict = "internal_error"
)

// Terminal reports whether the verdict is final. Terminal submissions
// never transition again.
func (v Verdict) Terminal() bool {
	switch v {
	case VerdictPending, VerdictJudging:
		return false
	}
	return true
}

// Valid reports whether v is a member of the closed verdict set.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictPending, VerdictJudging, VerdictAccepted, VerdictWrongAnswer,
		VerdictTLE, VerdictMLE, VerdictRuntimeError, VerdictCompileError,
		VerdictInternalError:
		return true
	}
	return false
}

// Submission is one judge submission row.
type Submission struct {
	SubmissionID string    `json:"submission_id"`
	ProblemID    int64     `json:"problem_id"`
	UserID       string    `json:"user_id"`
	ContestID    string    `json:"contest_id,omitempty"`
	LanguageID   string    `json:"language_id"`
	SourceRef    string    `json:"source_ref"`
	CodeSize     int64     `json:"code_size"`
	Verdict      Verdict   `json:"verdict"`
	Score        int32     `json:"score"`
	TestsPassed  int       `json:"tests_passed"`
	TestsTotal   int       `json:"tests_total"`
	MaxTimeMs    int64     `json:"max_time_ms"`
	MaxMemoryKB  int64     `json:"max_memory_kb"`
	CompileLog   string    `json:"compile_log,omitempty"`
	ClaimedBy    string    `json:"claimed_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	JudgedAt    *time.Time `json:"judged_at,omitempty"`
}

// TestResult is the outcome of one test case run. Rows are written in
// ordinal order and are immutable once the submission is terminal.
type TestResult struct {
	SubmissionID string  `json:"submission_id"`
	Ordinal      int     `json:"ordinal"`
	Verdict      Verdict `json:"verdict"`
	TimeMs       int64   `json:"time_ms"`
	MemoryKB     int64   `json:"memory_kb"`
	ExitCode     int     `json:"exit_code"`
	Signal       int     `json:"signal,omitempty"`
}

// FinalResult carries the aggregates written when a submission reaches
// a terminal verdict. MaxTimeMs and MaxMemoryKB are the worst wall time
// and memory high-water mark over all executed tests.
type FinalResult struct {
	Verdict     Verdict
	Score       int32
	TestsPassed int
	TestsTotal  int
	MaxTimeMs   int64
	MaxMemoryKB int64
	CompileLog  string
}

// ExecutionLog is one sandbox phase record kept for operator debugging.
type ExecutionLog struct {
	ID           int64     `json:"id"`
	SubmissionID string    `json:"submission_id"`
	Phase        string    `json:"phase"`
	ExitKind     string    `json:"exit_kind"`
	ExitCode     int       `json:"exit_code"`
	WallTimeMs   int64     `json:"wall_time_ms"`
	CPUTimeMs    int64     `json:"cpu_time_ms"`
	MemoryKB     int64     `json:"memory_kb"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Outbox event statuses.
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxPublished  = "published"
	OutboxFailed     = "failed"
)

// OutboxEvent is one row of the transactional outbox. Rows are written
// in the same transaction as the state change they announce and drained
// by the publisher.
type OutboxEvent struct {
	ID            int64     `json:"id"`
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Payload       []byte    `json:"payload"`
	Status        string    `json:"status"`
	RetryCount    int       `json:"retry_count"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`

	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Worker is one judge worker registration, refreshed by heartbeats.
type Worker struct {
	Name        string    `json:"name"`
	Hostname    string    `json:"hostname"`
	Slots       int       `json:"slots"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}
