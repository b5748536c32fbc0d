package worker

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"arbiter/internal/common/mq"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/store"
	"arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultDispatchRetries   = 3
	defaultShutdownTimeout   = 30 * time.Second
)

// PoolConfig tunes a worker pool.
type PoolConfig struct {
	WorkerName        string        `yaml:"worker_name"`
	Slots             int           `yaml:"slots"`
	DispatchTopic     string        `yaml:"dispatch_topic"`
	ConsumerGroup     string        `yaml:"consumer_group"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ShutdownTimeout bounds how long Stop waits for in-flight
	// judgements before they are cancelled and negative-acked.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SetDefaults fills zero fields with defaults.
func (c *PoolConfig) SetDefaults() {
	if c.WorkerName == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "judge"
		}
		c.WorkerName = host
	}
	if c.Slots <= 0 {
		c.Slots = 1
	}
	if c.DispatchTopic == "" {
		c.DispatchTopic = "judge.submission"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultDispatchRetries
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
}

// Pool subscribes to the dispatch topic and judges tasks on a fixed set
// of sandbox slots, one in-flight submission per slot.
type Pool struct {
	cfg     PoolConfig
	queue   mq.MessageQueue
	judge   *Judge
	driver  sandbox.Driver
	slots   *SlotRegistry
	workers store.WorkerStore

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPool creates a pool. workers may be nil.
func NewPool(cfg PoolConfig, queue mq.MessageQueue, judge *Judge, driver sandbox.Driver, workers store.WorkerStore) *Pool {
	cfg.SetDefaults()
	return &Pool{
		cfg:     cfg,
		queue:   queue,
		judge:   judge,
		driver:  driver,
		slots:   NewSlotRegistry(cfg.Slots),
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

// Start registers the worker and begins consuming dispatch tasks.
func (p *Pool) Start(ctx context.Context) error {
	if p.workers != nil {
		host, _ := os.Hostname()
		if err := p.workers.RegisterWorker(ctx, &store.Worker{
			Name:     p.cfg.WorkerName,
			Hostname: host,
			Slots:    p.cfg.Slots,
		}); err != nil {
			return err
		}
		p.wg.Add(1)
		go p.heartbeatLoop(ctx)
	}

	opts := &mq.SubscribeOptions{
		ConsumerGroup:   p.cfg.ConsumerGroup,
		PrefetchCount:   1,
		Concurrency:     p.cfg.Slots,
		MaxRetries:      p.cfg.MaxRetries,
		RetryDelay:      p.cfg.RetryDelay,
		DeadLetterTopic: p.cfg.DispatchTopic + ".dlq",
		Limiter:         mq.NewTokenLimiter(p.cfg.Slots),
	}
	if err := p.queue.SubscribeWithOptions(ctx, p.cfg.DispatchTopic, p.handle, opts); err != nil {
		return err
	}
	return p.queue.Start()
}

// Stop drains in-flight judgements, bounded by ShutdownTimeout, and
// halts the heartbeat loop. Judgements still running at the deadline
// are cancelled so their messages are redelivered to another instance.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if err := p.queue.Stop(); err != nil {
		logger.Warn(context.Background(), "stop dispatch consumer failed", zap.Error(err))
	}
	p.wg.Wait()
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.workers.TouchWorker(ctx, p.cfg.WorkerName); err != nil {
				logger.Warn(ctx, "worker heartbeat failed", zap.Error(err))
			}
		}
	}
}

// handle judges one dispatch message. Returning an error makes the
// queue retry and eventually dead-letter the message.
func (p *Pool) handle(ctx context.Context, msg *mq.Message) error {
	var task model.DispatchTask
	if err := json.Unmarshal(payloadOf(msg.Body), &task); err != nil {
		logger.Error(ctx, "malformed dispatch task dropped", zap.Error(err))
		return nil
	}
	if task.SubmissionID == "" {
		logger.Error(ctx, "dispatch task without submission id dropped")
		return nil
	}

	ctx, cancel := p.drainContext(ctx)
	defer cancel()

	slot, err := p.slots.Acquire()
	if err != nil {
		return err
	}
	defer p.slots.Release(slot)

	box, err := p.driver.Acquire(ctx, slot)
	if err != nil {
		return errors.Wrapf(err, errors.SandboxSlotLost, "acquire box %d failed", slot)
	}
	defer func() {
		if err := p.driver.Release(box); err != nil {
			logger.Warn(ctx, "release box failed", zap.Int("box", box.ID), zap.Error(err))
		}
	}()

	lastAttempt := msg.RetryCount >= msg.MaxRetries
	return p.judge.Process(ctx, box, task, lastAttempt)
}

// drainContext derives a context that is cancelled once shutdown has
// been requested and the drain deadline has passed, so an overrunning
// judgement releases its claim and is negative-acked for redelivery.
func (p *Pool) drainContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
		}
		timer := time.NewTimer(p.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			cancel()
		}
	}()
	return ctx, cancel
}

// payloadOf unwraps an outbox envelope body to its data payload; bare
// task payloads pass through for direct enqueues.
func payloadOf(body []byte) []byte {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		return envelope.Data
	}
	return body
}
