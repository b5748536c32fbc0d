package model

import (
	"sort"

	"arbiter/pkg/errors"
)

// TestCase is one test of a problem, in judge order. Zero overrides
// mean the problem-level limits apply.
type TestCase struct {
	Ordinal   int    `json:"ordinal"`
	InputRef  string `json:"input_ref"`
	AnswerRef string `json:"answer_ref"`

	TimeLimitMs   int64 `json:"time_limit_ms,omitempty"`
	MemoryLimitKB int64 `json:"memory_limit_kb,omitempty"`
}

// ProblemMeta is the judge-facing view of a problem served by the
// content service.
type ProblemMeta struct {
	ProblemID     int64      `json:"problem_id"`
	Version       int32      `json:"version"`
	TimeLimitMs   int64      `json:"time_limit_ms"`
	MemoryLimitKB int64      `json:"memory_limit_kb"`
	ShortCircuit  bool       `json:"short_circuit"`
	Tests         []TestCase `json:"tests"`
}

// SortTests orders the cases by ordinal and verifies they form a
// contiguous 1-based sequence. Content services may deliver cases in
// any order; duplicate or gapped ordinals would corrupt the per-test
// rows, so they are rejected outright.
func (m *ProblemMeta) SortTests() error {
	sort.Slice(m.Tests, func(i, j int) bool { return m.Tests[i].Ordinal < m.Tests[j].Ordinal })
	for i, tc := range m.Tests {
		if tc.Ordinal != i+1 {
			return errors.Newf(errors.InvalidFormat,
				"problem %d test ordinals are not contiguous: got %d at position %d",
				m.ProblemID, tc.Ordinal, i+1)
		}
	}
	return nil
}
