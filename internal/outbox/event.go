// Package outbox drains the transactional outbox: events written
// alongside state changes are leased in batches and published to the
// message brokers, with per-event retry backoff.
package outbox

import (
	"encoding/json"
	"time"

	"arbiter/internal/store"
	"arbiter/pkg/errors"

	"github.com/google/uuid"
)

// Event types carried through the outbox.
const (
	EventSubmissionReceived = "submission.received"
	EventSubmissionJudged   = "submission.judged"
	EventJudgeDispatch      = "judge.submission"
)

// Aggregate types.
const (
	AggregateSubmission = "submission"
)

// Message header keys set on published events.
const (
	HeaderEventType     = "event-type"
	HeaderAggregateID   = "aggregate-id"
	HeaderAggregateType = "aggregate-type"
	HeaderMessageID     = "message-id"
)

// Envelope is the wire format wrapped around every published event.
type Envelope struct {
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an outbox row for the given event. The payload is
// stored as raw JSON; the publisher wraps it into an Envelope when it
// publishes.
func NewEvent(eventType, aggregateType, aggregateID string, payload interface{}) (*store.OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, errors.InvalidFormat, "marshal %s payload failed", eventType)
	}
	return &store.OutboxEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       data,
	}, nil
}

// RetryDelay returns the backoff before the given attempt is retried:
// 2^min(retryCount, 6) minutes.
func RetryDelay(retryCount int) time.Duration {
	exp := retryCount
	if exp > 6 {
		exp = 6
	}
	return time.Duration(1<<uint(exp)) * time.Minute
}
