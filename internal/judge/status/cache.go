// Package status caches submission state in Redis so the read path
// does not hit MySQL for every poll, and keeps the live worker view.
package status

import (
	"context"
	"encoding/json"
	"time"

	"arbiter/internal/common/cache"
	"arbiter/internal/store"
	"arbiter/pkg/errors"
)

const (
	submissionKeyPrefix = "judge:submission:"
	workersKey          = "judge:workers"

	defaultTTL         = 30 * time.Second
	defaultTerminalTTL = 10 * time.Minute
)

// Cache is the submission status cache. Terminal verdicts are cached
// longer than in-flight ones because they never change.
type Cache struct {
	cache       cache.Cache
	ttl         time.Duration
	terminalTTL time.Duration
}

// NewCache creates a status cache with default TTLs.
func NewCache(c cache.Cache) *Cache {
	return &Cache{cache: c, ttl: defaultTTL, terminalTTL: defaultTerminalTTL}
}

// NewCacheWithTTL creates a status cache with custom TTLs.
func NewCacheWithTTL(c cache.Cache, ttl, terminalTTL time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if terminalTTL <= 0 {
		terminalTTL = defaultTerminalTTL
	}
	return &Cache{cache: c, ttl: ttl, terminalTTL: terminalTTL}
}

// SetSubmission stores the submission's current state.
func (s *Cache) SetSubmission(ctx context.Context, sub *store.Submission) error {
	if sub == nil || sub.SubmissionID == "" {
		return errors.ValidationError("submission", "required")
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return errors.Wrap(err, errors.InvalidFormat)
	}
	ttl := s.ttl
	if sub.Verdict.Terminal() {
		ttl = s.terminalTTL
	}
	return s.cache.Set(ctx, submissionKey(sub.SubmissionID), string(data), cache.JitterTTL(ttl))
}

// GetSubmission returns the cached state, or ok=false on a miss.
func (s *Cache) GetSubmission(ctx context.Context, submissionID string) (*store.Submission, bool, error) {
	data, err := s.cache.Get(ctx, submissionKey(submissionID))
	if err != nil {
		return nil, false, err
	}
	if data == "" || data == cache.NullCacheValue {
		return nil, false, nil
	}
	var sub store.Submission
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, false, errors.Wrap(err, errors.InvalidFormat)
	}
	return &sub, true, nil
}

// GetOrLoad returns the submission state, serving from the cache and
// falling back to load on a miss. Loaded state is cached for the
// in-flight TTL; unknown submissions are null-cached so polling a bogus
// id does not reach the store on every request.
func (s *Cache) GetOrLoad(ctx context.Context, submissionID string, load func(context.Context) (*store.Submission, error)) (*store.Submission, error) {
	sub, err := cache.GetWithCached(ctx, s.cache, submissionKey(submissionID), s.ttl, s.ttl,
		func(sub *store.Submission) bool { return sub == nil },
		func(sub *store.Submission) string {
			data, err := json.Marshal(sub)
			if err != nil {
				return ""
			}
			return string(data)
		},
		func(data string) (*store.Submission, error) {
			var sub store.Submission
			if err := json.Unmarshal([]byte(data), &sub); err != nil {
				return nil, errors.Wrap(err, errors.InvalidFormat)
			}
			return &sub, nil
		},
		func(ctx context.Context) (*store.Submission, error) {
			sub, err := load(ctx)
			if err != nil && errors.Is(err, errors.SubmissionNotFound) {
				return nil, nil
			}
			return sub, err
		})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errors.Newf(errors.SubmissionNotFound, "submission %s not found", submissionID)
	}
	return sub, nil
}

// Invalidate drops the cached state for a submission.
func (s *Cache) Invalidate(ctx context.Context, submissionID string) error {
	return s.cache.Del(ctx, submissionKey(submissionID))
}

// TouchWorker records a worker heartbeat in the live view.
func (s *Cache) TouchWorker(ctx context.Context, name string) error {
	if name == "" {
		return errors.ValidationError("name", "required")
	}
	return s.cache.HSet(ctx, workersKey, name, time.Now().UTC().Format(time.RFC3339))
}

// Workers returns the last heartbeat per worker. Entries with
// unparseable timestamps are skipped.
func (s *Cache) Workers(ctx context.Context) (map[string]time.Time, error) {
	raw, err := s.cache.HGetAll(ctx, workersKey)
	if err != nil {
		return nil, err
	}
	workers := make(map[string]time.Time, len(raw))
	for name, ts := range raw {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		workers[name] = t
	}
	return workers, nil
}

// RemoveWorker drops a worker from the live view (clean shutdown).
func (s *Cache) RemoveWorker(ctx context.Context, name string) error {
	return s.cache.HDel(ctx, workersKey, name)
}

func submissionKey(submissionID string) string {
	return submissionKeyPrefix + submissionID
}
