package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"arbiter/internal/common/mq"
	"arbiter/internal/store"
	"arbiter/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
	defaultMaxRetries   = 10
	defaultStuckAfter   = 5 * time.Minute

	maxLastErrorBytes = 2000
)

// Config tunes the publisher loop.
type Config struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxRetries    int           `yaml:"max_retries"`
	StuckAfter    time.Duration `yaml:"stuck_after"`
	DispatchTopic string        `yaml:"dispatch_topic"`
}

// SetDefaults fills zero fields with defaults.
func (c *Config) SetDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = defaultStuckAfter
	}
	if c.DispatchTopic == "" {
		c.DispatchTopic = "judge.submission"
	}
}

// Publisher polls the outbox and publishes due events. Dispatch tasks
// (judge.submission) go to the work queue; every other event type goes
// to the event broker under its event type as routing key.
type Publisher struct {
	cfg      Config
	outbox   store.OutboxStore
	dispatch mq.Producer
	events   mq.Producer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPublisher creates a publisher. dispatch carries judge.submission
// tasks; events carries everything else.
func NewPublisher(cfg Config, outboxStore store.OutboxStore, dispatch, events mq.Producer) *Publisher {
	cfg.SetDefaults()
	return &Publisher{
		cfg:      cfg,
		outbox:   outboxStore,
		dispatch: dispatch,
		events:   events,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called or ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop halts the loop and waits for the in-flight batch to finish.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// Recover events a crashed publisher left leased.
	if n, err := p.outbox.ReleaseStuck(ctx, p.cfg.StuckAfter); err != nil {
		logger.Warn(ctx, "release stuck outbox events failed", zap.Error(err))
	} else if n > 0 {
		logger.Info(ctx, "released stuck outbox events", zap.Int64("count", n))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain leases and publishes batches until the outbox has no more due
// events, so a backlog clears faster than one batch per tick.
func (p *Publisher) drain(ctx context.Context) {
	for {
		events, err := p.outbox.Lease(ctx, p.cfg.BatchSize)
		if err != nil {
			logger.Error(ctx, "lease outbox batch failed", zap.Error(err))
			return
		}
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			p.publishOne(ctx, ev)
		}
		if len(events) < p.cfg.BatchSize {
			return
		}
	}
}

func (p *Publisher) publishOne(ctx context.Context, ev *store.OutboxEvent) {
	msg, err := p.buildMessage(ev)
	if err == nil {
		err = p.producerFor(ev.EventType).Publish(ctx, p.topicFor(ev.EventType), msg)
	}
	if err == nil {
		if err := p.outbox.MarkPublished(ctx, ev.ID); err != nil {
			logger.Error(ctx, "mark outbox event published failed",
				zap.Int64("id", ev.ID), zap.Error(err))
		}
		return
	}

	lastError := truncateError(err.Error())
	retryCount := ev.RetryCount + 1
	if retryCount >= p.cfg.MaxRetries {
		// Budget exhausted: park the event with no retry scheduled so an
		// operator can inspect and requeue it.
		logger.Error(ctx, "outbox event exhausted retry budget",
			zap.Int64("id", ev.ID),
			zap.String("event_type", ev.EventType),
			zap.String("event_id", ev.EventID),
			zap.Int("retries", retryCount),
			zap.Error(err))
		if markErr := p.outbox.MarkFailed(ctx, ev.ID, lastError, time.Time{}); markErr != nil {
			logger.Error(ctx, "mark outbox event dead failed", zap.Int64("id", ev.ID), zap.Error(markErr))
		}
		return
	}

	// The delay is a function of the count after this failure is
	// recorded: the first failure schedules the retry 2 minutes out.
	nextRetryAt := time.Now().Add(RetryDelay(retryCount))
	logger.Warn(ctx, "publish outbox event failed",
		zap.Int64("id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.Int("retry_count", retryCount),
		zap.Time("next_retry_at", nextRetryAt),
		zap.Error(err))
	if markErr := p.outbox.MarkFailed(ctx, ev.ID, lastError, nextRetryAt); markErr != nil {
		logger.Error(ctx, "mark outbox event failed failed", zap.Int64("id", ev.ID), zap.Error(markErr))
	}
}

// truncateError caps broker error messages to the width of the
// last_error column.
func truncateError(msg string) string {
	if len(msg) > maxLastErrorBytes {
		return msg[:maxLastErrorBytes]
	}
	return msg
}

func (p *Publisher) producerFor(eventType string) mq.Producer {
	if eventType == EventJudgeDispatch {
		return p.dispatch
	}
	return p.events
}

func (p *Publisher) topicFor(eventType string) string {
	if eventType == EventJudgeDispatch {
		return p.cfg.DispatchTopic
	}
	return eventType
}

func (p *Publisher) buildMessage(ev *store.OutboxEvent) (*mq.Message, error) {
	body, err := json.Marshal(Envelope{
		EventType: ev.EventType,
		EventID:   ev.EventID,
		Data:      json.RawMessage(ev.Payload),
		Timestamp: ev.CreatedAt.UTC(),
	})
	if err != nil {
		return nil, err
	}
	msg := mq.NewMessage(body)
	msg.ID = ev.EventID
	msg.SetHeader(HeaderEventType, ev.EventType)
	msg.SetHeader(HeaderAggregateID, ev.AggregateID)
	msg.SetHeader(HeaderAggregateType, ev.AggregateType)
	msg.SetHeader(HeaderMessageID, ev.EventID)
	return msg, nil
}
