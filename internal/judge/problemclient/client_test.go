package problemclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"arbiter/internal/judge/model"
	appErr "arbiter/pkg/errors"
)

func metaServer(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		switch r.URL.Path {
		case "/api/v1/problems/42/judge-meta":
			json.NewEncoder(w).Encode(model.ProblemMeta{
				ProblemID:     42,
				Version:       3,
				TimeLimitMs:   1000,
				MemoryLimitKB: 65536,
				Tests: []model.TestCase{
					{Ordinal: 1, InputRef: "in1", AnswerRef: "ans1"},
					{Ordinal: 2, InputRef: "in2", AnswerRef: "ans2", TimeLimitMs: 2000},
				},
			})
		case "/api/v1/problems/404/judge-meta":
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetMeta(t *testing.T) {
	t.Parallel()
	var hits int64
	c := NewClient(metaServer(t, &hits).URL)

	meta, err := c.GetMeta(context.Background(), 42)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if meta.ProblemID != 42 || meta.TimeLimitMs != 1000 || len(meta.Tests) != 2 {
		t.Fatalf("meta = %+v", meta)
	}
	if meta.Tests[1].TimeLimitMs != 2000 {
		t.Fatalf("per-test override lost: %+v", meta.Tests[1])
	}
}

func TestGetMetaCachesWithinTTL(t *testing.T) {
	t.Parallel()
	var hits int64
	c := NewClient(metaServer(t, &hits).URL, WithCacheTTL(time.Minute))

	for i := 0; i < 3; i++ {
		if _, err := c.GetMeta(context.Background(), 42); err != nil {
			t.Fatalf("get meta #%d: %v", i, err)
		}
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Fatalf("server hits = %d, want 1", got)
	}
}

func TestGetMetaZeroTTLDisablesCache(t *testing.T) {
	t.Parallel()
	var hits int64
	c := NewClient(metaServer(t, &hits).URL, WithCacheTTL(0))

	for i := 0; i < 2; i++ {
		if _, err := c.GetMeta(context.Background(), 42); err != nil {
			t.Fatalf("get meta #%d: %v", i, err)
		}
	}
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Fatalf("server hits = %d, want 2", got)
	}
}

func metaServerWithTests(t *testing.T, tests []model.TestCase) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.ProblemMeta{
			ProblemID:     42,
			Version:       1,
			TimeLimitMs:   1000,
			MemoryLimitKB: 65536,
			Tests:         tests,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetMetaSortsTestsByOrdinal(t *testing.T) {
	t.Parallel()
	srv := metaServerWithTests(t, []model.TestCase{
		{Ordinal: 3, InputRef: "in3", AnswerRef: "ans3"},
		{Ordinal: 1, InputRef: "in1", AnswerRef: "ans1"},
		{Ordinal: 2, InputRef: "in2", AnswerRef: "ans2"},
	})
	c := NewClient(srv.URL)

	meta, err := c.GetMeta(context.Background(), 42)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	for i, tc := range meta.Tests {
		if tc.Ordinal != i+1 {
			t.Fatalf("tests not in ordinal order: %+v", meta.Tests)
		}
	}
	if meta.Tests[0].InputRef != "in1" {
		t.Fatalf("tests reordered wrong: %+v", meta.Tests)
	}
}

func TestGetMetaRejectsNonContiguousOrdinals(t *testing.T) {
	t.Parallel()
	cases := map[string][]model.TestCase{
		"gap": {
			{Ordinal: 1, InputRef: "in1", AnswerRef: "ans1"},
			{Ordinal: 3, InputRef: "in3", AnswerRef: "ans3"},
		},
		"zero-based": {
			{Ordinal: 0, InputRef: "in0", AnswerRef: "ans0"},
			{Ordinal: 1, InputRef: "in1", AnswerRef: "ans1"},
		},
		"duplicate": {
			{Ordinal: 1, InputRef: "in1", AnswerRef: "ans1"},
			{Ordinal: 1, InputRef: "in1b", AnswerRef: "ans1b"},
		},
	}
	for name, tests := range cases {
		t.Run(name, func(t *testing.T) {
			c := NewClient(metaServerWithTests(t, tests).URL)
			if _, err := c.GetMeta(context.Background(), 42); !appErr.Is(err, appErr.InvalidFormat) {
				t.Fatalf("error = %v, want InvalidFormat", err)
			}
		})
	}
}

func TestGetMetaNotFound(t *testing.T) {
	t.Parallel()
	var hits int64
	c := NewClient(metaServer(t, &hits).URL)
	if _, err := c.GetMeta(context.Background(), 404); !appErr.Is(err, appErr.ProblemNotFound) {
		t.Fatalf("error = %v, want ProblemNotFound", err)
	}
}

func TestGetMetaServerError(t *testing.T) {
	t.Parallel()
	var hits int64
	c := NewClient(metaServer(t, &hits).URL)
	if _, err := c.GetMeta(context.Background(), 500); !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("error = %v, want ServiceUnavailable", err)
	}
}

func TestGetMetaRejectsInvalidID(t *testing.T) {
	t.Parallel()
	c := NewClient("http://127.0.0.1:0")
	if _, err := c.GetMeta(context.Background(), 0); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("error = %v, want ValidationFailed", err)
	}
}

func TestGetMetaUnreachableService(t *testing.T) {
	t.Parallel()
	c := NewClient("http://127.0.0.1:1", WithHTTPClient(&http.Client{Timeout: time.Second}))
	if _, err := c.GetMeta(context.Background(), 42); !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("error = %v, want ServiceUnavailable", err)
	}
}
