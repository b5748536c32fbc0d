// Package intake accepts new submissions: it validates them, stores
// the source blob, and creates the submission row together with its
// outbox events in one transaction.
package intake

import (
	"context"
	"time"

	"arbiter/internal/judge/blob"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/validate"
	"arbiter/internal/outbox"
	"arbiter/internal/store"
	"arbiter/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BlobWriter stores a payload and returns its content-addressed ref.
type BlobWriter interface {
	Put(ctx context.Context, data []byte) (string, error)
}

var _ BlobWriter = (*blob.Fetcher)(nil)

// SubmitRequest is one incoming submission.
type SubmitRequest struct {
	ProblemID         int64    `json:"problem_id" binding:"required"`
	UserID            string   `json:"user_id" binding:"required"`
	ContestID         string   `json:"contest_id"`
	LanguageID        string   `json:"language_id" binding:"required"`
	Code              string   `json:"code" binding:"required"`
	ExtraCompileFlags []string `json:"extra_compile_flags"`
}

// Service handles submission intake.
type Service struct {
	validator *validate.Validator
	blobs     BlobWriter
	store     store.SubmissionStore
}

// NewService creates an intake service.
func NewService(validator *validate.Validator, blobs BlobWriter, submissions store.SubmissionStore) *Service {
	return &Service{validator: validator, blobs: blobs, store: submissions}
}

// receivedEvent is the submission.received payload.
type receivedEvent struct {
	SubmissionID string    `json:"submission_id"`
	ProblemID    int64     `json:"problem_id"`
	UserID       string    `json:"user_id"`
	ContestID    string    `json:"contest_id,omitempty"`
	LanguageID   string    `json:"language_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Submit validates the request, stores the source, and creates the
// submission in pending state. The submission.received notification and
// the judge dispatch task are written to the outbox in the same
// transaction as the row, so an accepted submission is always judged.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*store.Submission, error) {
	code := []byte(req.Code)
	if _, err := s.validator.Submission(ctx, req.LanguageID, code, req.ProblemID); err != nil {
		return nil, err
	}

	sourceRef, err := s.blobs.Put(ctx, code)
	if err != nil {
		return nil, err
	}

	sub := &store.Submission{
		SubmissionID: uuid.NewString(),
		ProblemID:    req.ProblemID,
		UserID:       req.UserID,
		ContestID:    req.ContestID,
		LanguageID:   req.LanguageID,
		SourceRef:    sourceRef,
		CodeSize:     int64(len(code)),
		Verdict:      store.VerdictPending,
		CreatedAt:    time.Now(),
	}

	received, err := outbox.NewEvent(outbox.EventSubmissionReceived, outbox.AggregateSubmission, sub.SubmissionID, receivedEvent{
		SubmissionID: sub.SubmissionID,
		ProblemID:    sub.ProblemID,
		UserID:       sub.UserID,
		ContestID:    sub.ContestID,
		LanguageID:   sub.LanguageID,
		CreatedAt:    sub.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	dispatch, err := outbox.NewEvent(outbox.EventJudgeDispatch, outbox.AggregateSubmission, sub.SubmissionID, model.DispatchTask{
		SubmissionID:      sub.SubmissionID,
		ProblemID:         sub.ProblemID,
		LanguageID:        sub.LanguageID,
		SourceRef:         sourceRef,
		ContestID:         sub.ContestID,
		UserID:            sub.UserID,
		ExtraCompileFlags: req.ExtraCompileFlags,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateSubmission(ctx, sub, []*store.OutboxEvent{received, dispatch}); err != nil {
		return nil, err
	}

	logger.Info(ctx, "submission accepted",
		zap.String("submission_id", sub.SubmissionID),
		zap.Int64("problem_id", sub.ProblemID),
		zap.String("language", sub.LanguageID),
		zap.Int64("code_size", sub.CodeSize))
	return sub, nil
}
