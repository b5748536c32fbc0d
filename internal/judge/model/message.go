package model

// DispatchTask is the payload of a judge.submission queue message.
type DispatchTask struct {
	SubmissionID      string   `json:"submission_id"`
	ProblemID         int64    `json:"problem_id"`
	LanguageID        string   `json:"language"`
	SourceRef         string   `json:"source_ref"`
	ContestID         string   `json:"contest_id,omitempty"`
	UserID            string   `json:"user_id"`
	ExtraCompileFlags []string `json:"extra_compile_flags,omitempty"`
}
