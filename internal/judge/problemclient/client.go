// Package problemclient is the HTTP client for the content service's
// judge-facing problem metadata endpoint.
package problemclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"arbiter/internal/judge/model"
	"arbiter/pkg/errors"
)

const defaultTimeout = 5 * time.Second

// Client fetches problem metadata over HTTP with a small TTL cache so
// repeated judgements of the same problem don't hammer the service.
type Client struct {
	baseURL string
	http    *http.Client

	ttl     time.Duration
	cacheMu sync.Mutex
	cache   map[int64]cacheEntry
}

type cacheEntry struct {
	meta      model.ProblemMeta
	expiresAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCacheTTL sets the metadata cache lifetime. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

// NewClient creates a client for the content service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		ttl:     30 * time.Second,
		cache:   make(map[int64]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMeta returns the judge-facing metadata for a problem.
func (c *Client) GetMeta(ctx context.Context, problemID int64) (model.ProblemMeta, error) {
	if problemID <= 0 {
		return model.ProblemMeta{}, errors.ValidationError("problem_id", "required")
	}

	now := time.Now()
	if c.ttl > 0 {
		c.cacheMu.Lock()
		entry, ok := c.cache[problemID]
		if ok && now.Before(entry.expiresAt) {
			meta := entry.meta
			c.cacheMu.Unlock()
			return meta, nil
		}
		c.cacheMu.Unlock()
	}

	url := fmt.Sprintf("%s/api/v1/problems/%d/judge-meta", c.baseURL, problemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.ProblemMeta{}, errors.Wrap(err, errors.InternalServerError)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.ProblemMeta{}, errors.Wrapf(err, errors.ServiceUnavailable, "content service request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return model.ProblemMeta{}, errors.Newf(errors.ProblemNotFound, "problem %d not found", problemID)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.ProblemMeta{}, errors.Newf(errors.ServiceUnavailable, "content service returned %d: %s", resp.StatusCode, body)
	}

	var meta model.ProblemMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return model.ProblemMeta{}, errors.Wrapf(err, errors.InvalidFormat, "decode problem meta failed")
	}
	if err := meta.SortTests(); err != nil {
		return model.ProblemMeta{}, err
	}

	if c.ttl > 0 {
		c.cacheMu.Lock()
		c.cache[problemID] = cacheEntry{meta: meta, expiresAt: now.Add(c.ttl)}
		c.cacheMu.Unlock()
	}
	return meta, nil
}
