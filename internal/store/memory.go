package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"arbiter/pkg/errors"
)

// MemoryStore is an in-memory implementation of the store interfaces
// for tests and local development. It mirrors the MySQL store's
// fencing and state-transition rules.
type MemoryStore struct {
	mu          sync.Mutex
	submissions map[string]*Submission
	results     map[string]map[int]TestResult
	outbox      []*OutboxEvent
	logs        []ExecutionLog
	workers     map[string]*Worker
	nextID      int64
	now         func() time.Time
}

var (
	_ SubmissionStore   = (*MemoryStore)(nil)
	_ OutboxStore       = (*MemoryStore)(nil)
	_ ExecutionLogStore = (*MemoryStore)(nil)
	_ WorkerStore       = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		submissions: make(map[string]*Submission),
		results:     make(map[string]map[int]TestResult),
		workers:     make(map[string]*Worker),
		now:         time.Now,
	}
}

// SetClock overrides the store's clock, for tests.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) CreateSubmission(_ context.Context, sub *Submission, events []*OutboxEvent) error {
	if sub == nil || sub.SubmissionID == "" {
		return errors.ValidationError("submission_id", "required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.submissions[sub.SubmissionID]; ok {
		return errors.Newf(errors.RecordAlreadyExists, "submission %s already exists", sub.SubmissionID)
	}
	cp := *sub
	cp.Verdict = VerdictPending
	cp.CreatedAt = m.now()
	m.submissions[sub.SubmissionID] = &cp
	m.appendOutboxLocked(events)
	return nil
}

func (m *MemoryStore) GetSubmission(_ context.Context, submissionID string) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[submissionID]
	if !ok {
		return nil, errors.Newf(errors.SubmissionNotFound, "submission %s not found", submissionID)
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) Claim(_ context.Context, submissionID, worker string, staleAfter time.Duration) (*ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[submissionID]
	if !ok {
		return nil, errors.Newf(errors.SubmissionNotFound, "submission %s not found", submissionID)
	}

	now := m.now()
	claimable := sub.Verdict == VerdictPending ||
		(sub.Verdict == VerdictJudging &&
			(sub.ClaimedBy == worker ||
				(sub.HeartbeatAt != nil && now.Sub(*sub.HeartbeatAt) > staleAfter)))
	if claimable {
		sub.Verdict = VerdictJudging
		sub.ClaimedBy = worker
		t := now
		sub.ClaimedAt = &t
		hb := now
		sub.HeartbeatAt = &hb
		cp := *sub
		return &ClaimResult{Claimed: true, Submission: &cp}, nil
	}
	cp := *sub
	if sub.Verdict.Terminal() {
		return &ClaimResult{Terminal: true, Submission: &cp}, nil
	}
	return &ClaimResult{Submission: &cp}, nil
}

func (m *MemoryStore) WriteTestResults(_ context.Context, submissionID, worker string, results []TestResult) error {
	if len(results) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClaimLocked(submissionID, worker); err != nil {
		return err
	}
	byOrdinal := m.results[submissionID]
	if byOrdinal == nil {
		byOrdinal = make(map[int]TestResult)
		m.results[submissionID] = byOrdinal
	}
	for _, r := range results {
		r.SubmissionID = submissionID
		byOrdinal[r.Ordinal] = r
	}
	return nil
}

func (m *MemoryStore) Heartbeat(_ context.Context, submissionID, worker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkClaimLocked(submissionID, worker)
}

func (m *MemoryStore) Finalize(_ context.Context, submissionID, worker string, result FinalResult, event *OutboxEvent) error {
	if !result.Verdict.Valid() || !result.Verdict.Terminal() {
		return errors.Newf(errors.InvalidParams, "verdict %q is not terminal", result.Verdict)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClaimLocked(submissionID, worker); err != nil {
		return err
	}
	sub := m.submissions[submissionID]
	sub.Verdict = result.Verdict
	sub.Score = result.Score
	sub.TestsPassed = result.TestsPassed
	sub.TestsTotal = result.TestsTotal
	sub.MaxTimeMs = result.MaxTimeMs
	sub.MaxMemoryKB = result.MaxMemoryKB
	sub.CompileLog = result.CompileLog
	t := m.now()
	sub.JudgedAt = &t
	if event != nil {
		m.appendOutboxLocked([]*OutboxEvent{event})
	}
	return nil
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, submissionID, worker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkClaimLocked(submissionID, worker); err != nil {
		return err
	}
	sub := m.submissions[submissionID]
	sub.Verdict = VerdictPending
	sub.ClaimedBy = ""
	sub.ClaimedAt = nil
	sub.HeartbeatAt = nil
	return nil
}

func (m *MemoryStore) ReclaimStale(_ context.Context, staleAfter time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, sub := range m.submissions {
		if sub.Verdict == VerdictJudging && sub.HeartbeatAt != nil && now.Sub(*sub.HeartbeatAt) > staleAfter {
			sub.Verdict = VerdictPending
			sub.ClaimedBy = ""
			sub.ClaimedAt = nil
			sub.HeartbeatAt = nil
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListTestResults(_ context.Context, submissionID string) ([]TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byOrdinal := m.results[submissionID]
	results := make([]TestResult, 0, len(byOrdinal))
	for _, r := range byOrdinal {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Ordinal < results[j].Ordinal })
	return results, nil
}

func (m *MemoryStore) Lease(_ context.Context, limit int) ([]*OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var leased []*OutboxEvent
	for _, ev := range m.outbox {
		if len(leased) >= limit {
			break
		}
		due := ev.Status == OutboxPending ||
			(ev.Status == OutboxFailed && ev.NextRetryAt != nil && !ev.NextRetryAt.After(now))
		if due {
			ev.Status = OutboxProcessing
			cp := *ev
			leased = append(leased, &cp)
		}
	}
	return leased, nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.outbox {
		if ev.ID == id && ev.Status == OutboxProcessing {
			ev.Status = OutboxPublished
			t := m.now()
			ev.PublishedAt = &t
			ev.LastError = ""
		}
	}
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id int64, lastError string, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.outbox {
		if ev.ID == id && ev.Status == OutboxProcessing {
			ev.Status = OutboxFailed
			ev.RetryCount++
			ev.LastError = lastError
			if nextRetryAt.IsZero() {
				ev.NextRetryAt = nil
			} else {
				t := nextRetryAt
				ev.NextRetryAt = &t
			}
		}
	}
	return nil
}

func (m *MemoryStore) ReleaseStuck(_ context.Context, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, ev := range m.outbox {
		if ev.Status == OutboxProcessing {
			ev.Status = OutboxPending
			n++
		}
	}
	return n, nil
}

// OutboxEvents returns a snapshot of all outbox rows, for tests.
func (m *MemoryStore) OutboxEvents() []OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]OutboxEvent, 0, len(m.outbox))
	for _, ev := range m.outbox {
		events = append(events, *ev)
	}
	return events
}

func (m *MemoryStore) AppendExecutionLog(_ context.Context, log *ExecutionLog) error {
	if log == nil || log.SubmissionID == "" {
		return errors.ValidationError("execution_log", "required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *log
	m.nextID++
	cp.ID = m.nextID
	cp.CreatedAt = m.now()
	m.logs = append(m.logs, cp)
	return nil
}

func (m *MemoryStore) ListExecutionLogs(_ context.Context, submissionID string) ([]ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var logs []ExecutionLog
	for _, l := range m.logs {
		if l.SubmissionID == submissionID {
			logs = append(logs, l)
		}
	}
	return logs, nil
}

func (m *MemoryStore) RegisterWorker(_ context.Context, worker *Worker) error {
	if worker == nil || worker.Name == "" {
		return errors.ValidationError("worker", "required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *worker
	now := m.now()
	cp.StartedAt = now
	cp.HeartbeatAt = now
	m.workers[worker.Name] = &cp
	return nil
}

func (m *MemoryStore) TouchWorker(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[name]
	if !ok {
		return errors.Newf(errors.RecordNotFound, "worker %s not registered", name)
	}
	w.HeartbeatAt = m.now()
	return nil
}

func (m *MemoryStore) ListWorkers(_ context.Context, staleAfter time.Duration) ([]Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var workers []Worker
	for _, w := range m.workers {
		if now.Sub(w.HeartbeatAt) <= staleAfter {
			workers = append(workers, *w)
		}
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers, nil
}

func (m *MemoryStore) checkClaimLocked(submissionID, worker string) error {
	sub, ok := m.submissions[submissionID]
	if !ok {
		return errors.Newf(errors.SubmissionNotFound, "submission %s not found", submissionID)
	}
	if sub.Verdict != VerdictJudging || sub.ClaimedBy != worker {
		return errors.Newf(errors.StaleWrite, "submission %s is no longer claimed by %s", submissionID, worker)
	}
	hb := m.now()
	sub.HeartbeatAt = &hb
	return nil
}

func (m *MemoryStore) appendOutboxLocked(events []*OutboxEvent) {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		cp := *ev
		m.nextID++
		cp.ID = m.nextID
		cp.Status = OutboxPending
		cp.CreatedAt = m.now()
		m.outbox = append(m.outbox, &cp)
	}
}
