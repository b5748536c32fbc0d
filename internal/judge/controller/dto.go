package controller

import (
	"time"

	"arbiter/internal/store"
)

// SubmitResponse is the intake endpoint's reply.
type SubmitResponse struct {
	SubmissionID string    `json:"submission_id"`
	Verdict      string    `json:"verdict"`
	CreatedAt    time.Time `json:"created_at"`
}

// SubmissionResponse is the status endpoint's reply.
type SubmissionResponse struct {
	SubmissionID string     `json:"submission_id"`
	ProblemID    int64      `json:"problem_id"`
	UserID       string     `json:"user_id"`
	ContestID    string     `json:"contest_id,omitempty"`
	LanguageID   string     `json:"language_id"`
	Verdict      string     `json:"verdict"`
	Score        int32      `json:"score"`
	TestsPassed  int        `json:"tests_passed"`
	TestsTotal   int        `json:"tests_total"`
	MaxTimeMs    int64      `json:"max_time_ms"`
	MaxMemoryKB  int64      `json:"max_memory_kb"`
	CompileLog   string     `json:"compile_log,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	JudgedAt     *time.Time `json:"judged_at,omitempty"`

	Tests []TestResponse `json:"tests,omitempty"`
}

// TestResponse is one per-test row in the status reply.
type TestResponse struct {
	Ordinal  int    `json:"ordinal"`
	Verdict  string `json:"verdict"`
	TimeMs   int64  `json:"time_ms"`
	MemoryKB int64  `json:"memory_kb"`
	ExitCode int    `json:"exit_code"`
	Signal   int    `json:"signal,omitempty"`
}

// WorkerResponse is one entry of the live worker view.
type WorkerResponse struct {
	Name        string    `json:"name"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	Alive       bool      `json:"alive"`
}

// WorkersResponse is the worker view reply.
type WorkersResponse struct {
	Workers []WorkerResponse `json:"workers"`
}

func toSubmissionResponse(sub *store.Submission) SubmissionResponse {
	return SubmissionResponse{
		SubmissionID: sub.SubmissionID,
		ProblemID:    sub.ProblemID,
		UserID:       sub.UserID,
		ContestID:    sub.ContestID,
		LanguageID:   sub.LanguageID,
		Verdict:      string(sub.Verdict),
		Score:        sub.Score,
		TestsPassed:  sub.TestsPassed,
		TestsTotal:   sub.TestsTotal,
		MaxTimeMs:    sub.MaxTimeMs,
		MaxMemoryKB:  sub.MaxMemoryKB,
		CompileLog:   sub.CompileLog,
		CreatedAt:    sub.CreatedAt,
		JudgedAt:     sub.JudgedAt,
	}
}

func toTestResponses(results []store.TestResult) []TestResponse {
	out := make([]TestResponse, 0, len(results))
	for _, r := range results {
		out = append(out, TestResponse{
			Ordinal:  r.Ordinal,
			Verdict:  string(r.Verdict),
			TimeMs:   r.TimeMs,
			MemoryKB: r.MemoryKB,
			ExitCode: r.ExitCode,
			Signal:   r.Signal,
		})
	}
	return out
}
