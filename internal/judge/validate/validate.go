// Package validate rejects submissions the judge cannot process before
// any row or blob is written.
package validate

import (
	"context"

	"arbiter/internal/judge/language"
	"arbiter/internal/judge/model"
	"arbiter/pkg/errors"
)

// DefaultMaxCodeBytes is the source size cap applied when none is
// configured.
const DefaultMaxCodeBytes = 1 << 20

// ProblemChecker resolves problem metadata; satisfied by problemclient.
type ProblemChecker interface {
	GetMeta(ctx context.Context, problemID int64) (model.ProblemMeta, error)
}

// Validator checks incoming submissions.
type Validator struct {
	problems     ProblemChecker
	maxCodeBytes int
}

// New creates a validator. maxCodeBytes <= 0 selects the default cap.
func New(problems ProblemChecker, maxCodeBytes int) *Validator {
	if maxCodeBytes <= 0 {
		maxCodeBytes = DefaultMaxCodeBytes
	}
	return &Validator{problems: problems, maxCodeBytes: maxCodeBytes}
}

// Submission validates language, code size and problem existence, and
// returns the problem metadata on success.
func (v *Validator) Submission(ctx context.Context, languageID string, code []byte, problemID int64) (model.ProblemMeta, error) {
	if _, ok := language.Lookup(languageID); !ok {
		return model.ProblemMeta{}, errors.Newf(errors.LanguageNotSupported, "language %q is not supported", languageID)
	}
	if len(code) == 0 {
		return model.ProblemMeta{}, errors.ValidationError("code", "required")
	}
	if len(code) > v.maxCodeBytes {
		return model.ProblemMeta{}, errors.Newf(errors.CodeTooLarge, "code is %d bytes, limit is %d", len(code), v.maxCodeBytes)
	}

	meta, err := v.problems.GetMeta(ctx, problemID)
	if err != nil {
		return model.ProblemMeta{}, err
	}
	if len(meta.Tests) == 0 {
		return model.ProblemMeta{}, errors.Newf(errors.ProblemNotFound, "problem %d has no tests", problemID)
	}
	return meta, nil
}
