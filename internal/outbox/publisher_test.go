package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"arbiter/internal/common/mq"
	"arbiter/internal/store"
)

type publishedMessage struct {
	Topic   string
	Message *mq.Message
}

type fakeProducer struct {
	mu        sync.Mutex
	published []publishedMessage
	failTimes int
	failErr   error
}

func (f *fakeProducer) Publish(_ context.Context, topic string, message *mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimes > 0 {
		f.failTimes--
		if f.failErr != nil {
			return f.failErr
		}
		return fmt.Errorf("broker unavailable")
	}
	f.published = append(f.published, publishedMessage{Topic: topic, Message: message})
	return nil
}

func (f *fakeProducer) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, m := range messages {
		if err := f.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func seedEvent(t *testing.T, mem *store.MemoryStore, eventType string) {
	t.Helper()
	ev, err := NewEvent(eventType, AggregateSubmission, "sub-1", map[string]string{"submission_id": "sub-1"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	err = mem.CreateSubmission(context.Background(), &store.Submission{
		SubmissionID: "sub-" + eventType,
		ProblemID:    1,
		UserID:       "u1",
		LanguageID:   "cpp",
		SourceRef:    "ref",
	}, []*store.OutboxEvent{ev})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
}

func newTestPublisher(mem *store.MemoryStore, dispatch, events *fakeProducer) *Publisher {
	return NewPublisher(Config{DispatchTopic: "judge.submission"}, mem, dispatch, events)
}

func TestPublisherRoutesByEventType(t *testing.T) {
	t.Parallel()
	mem := store.NewMemoryStore()
	seedEvent(t, mem, EventJudgeDispatch)
	seedEvent(t, mem, EventSubmissionReceived)

	dispatch := &fakeProducer{}
	events := &fakeProducer{}
	p := newTestPublisher(mem, dispatch, events)
	p.drain(context.Background())

	if dispatch.count() != 1 {
		t.Fatalf("dispatch published = %d, want 1", dispatch.count())
	}
	if events.count() != 1 {
		t.Fatalf("events published = %d, want 1", events.count())
	}
	if got := dispatch.published[0].Topic; got != "judge.submission" {
		t.Fatalf("dispatch topic = %s", got)
	}
	if got := events.published[0].Topic; got != EventSubmissionReceived {
		t.Fatalf("event topic = %s", got)
	}

	for _, ev := range mem.OutboxEvents() {
		if ev.Status != store.OutboxPublished {
			t.Fatalf("event %d status = %s, want published", ev.ID, ev.Status)
		}
		if ev.PublishedAt == nil {
			t.Fatalf("event %d has no published_at", ev.ID)
		}
	}
}

func TestPublisherWrapsEnvelopeAndHeaders(t *testing.T) {
	t.Parallel()
	mem := store.NewMemoryStore()
	seedEvent(t, mem, EventSubmissionJudged)

	events := &fakeProducer{}
	p := newTestPublisher(mem, &fakeProducer{}, events)
	p.drain(context.Background())

	if events.count() != 1 {
		t.Fatalf("published = %d, want 1", events.count())
	}
	msg := events.published[0].Message

	var envelope Envelope
	if err := json.Unmarshal(msg.Body, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.EventType != EventSubmissionJudged {
		t.Fatalf("envelope event_type = %s", envelope.EventType)
	}
	if envelope.EventID == "" || envelope.Timestamp.IsZero() {
		t.Fatalf("envelope incomplete: %+v", envelope)
	}
	var data map[string]string
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["submission_id"] != "sub-1" {
		t.Fatalf("data = %v", data)
	}

	for _, key := range []string{HeaderEventType, HeaderAggregateID, HeaderAggregateType, HeaderMessageID} {
		if _, ok := msg.GetHeader(key); !ok {
			t.Fatalf("header %s missing", key)
		}
	}
	if got, _ := msg.GetHeader(HeaderAggregateID); got != "sub-1" {
		t.Fatalf("aggregate-id = %s", got)
	}
}

func TestPublisherSchedulesRetryWithBackoff(t *testing.T) {
	t.Parallel()
	mem := store.NewMemoryStore()
	seedEvent(t, mem, EventSubmissionJudged)

	events := &fakeProducer{failTimes: 1}
	p := newTestPublisher(mem, &fakeProducer{}, events)

	before := time.Now()
	p.drain(context.Background())

	all := mem.OutboxEvents()
	if len(all) != 1 {
		t.Fatalf("events = %d", len(all))
	}
	ev := all[0]
	if ev.Status != store.OutboxFailed || ev.RetryCount != 1 {
		t.Fatalf("event = status %s retry %d, want failed/1", ev.Status, ev.RetryCount)
	}
	if ev.NextRetryAt == nil {
		t.Fatal("no next_retry_at scheduled")
	}
	// The first failure leaves retry_count = 1 and schedules the retry
	// 2^1 = 2 minutes out.
	if ev.NextRetryAt.Before(before.Add(110*time.Second)) || ev.NextRetryAt.After(before.Add(140*time.Second)) {
		t.Fatalf("next_retry_at = %v, want ~2m after %v", ev.NextRetryAt, before)
	}
	if ev.LastError == "" {
		t.Fatal("last_error not recorded")
	}

	// A due retry succeeds and clears the failure state.
	mem.SetClock(func() time.Time { return time.Now().Add(3 * time.Minute) })
	p.drain(context.Background())
	if got := mem.OutboxEvents()[0]; got.Status != store.OutboxPublished {
		t.Fatalf("status after retry = %s, want published", got.Status)
	}
}

func TestPublisherParksEventAfterRetryBudget(t *testing.T) {
	t.Parallel()
	mem := store.NewMemoryStore()
	seedEvent(t, mem, EventSubmissionJudged)

	events := &fakeProducer{failTimes: 1 << 30}
	cfg := Config{DispatchTopic: "judge.submission", MaxRetries: 3}
	p := NewPublisher(cfg, mem, &fakeProducer{}, events)

	for i := 0; i < 5; i++ {
		mem.SetClock(func() time.Time { return time.Now().Add(time.Duration(i+1) * time.Hour) })
		p.drain(context.Background())
	}

	ev := mem.OutboxEvents()[0]
	if ev.Status != store.OutboxFailed {
		t.Fatalf("status = %s, want failed", ev.Status)
	}
	if ev.RetryCount != cfg.MaxRetries {
		t.Fatalf("retry_count = %d, want %d", ev.RetryCount, cfg.MaxRetries)
	}
	if ev.NextRetryAt != nil {
		t.Fatalf("parked event still scheduled at %v", ev.NextRetryAt)
	}
}

func TestPublisherTruncatesLongBrokerErrors(t *testing.T) {
	t.Parallel()
	mem := store.NewMemoryStore()
	seedEvent(t, mem, EventSubmissionJudged)

	events := &fakeProducer{
		failTimes: 1,
		failErr:   fmt.Errorf("broker rejected: %s", strings.Repeat("x", 4000)),
	}
	p := newTestPublisher(mem, &fakeProducer{}, events)
	p.drain(context.Background())

	ev := mem.OutboxEvents()[0]
	if ev.Status != store.OutboxFailed {
		t.Fatalf("status = %s, want failed", ev.Status)
	}
	if len(ev.LastError) != maxLastErrorBytes {
		t.Fatalf("last_error length = %d, want %d", len(ev.LastError), maxLastErrorBytes)
	}
}

func TestRetryDelayCapsAtSixDoublings(t *testing.T) {
	t.Parallel()
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{6, 64 * time.Minute},
		{7, 64 * time.Minute},
		{100, 64 * time.Minute},
	}
	for _, tc := range cases {
		if got := RetryDelay(tc.retry); got != tc.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}
