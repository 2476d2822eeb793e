package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/cadence/internal/shared/domain"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/convert"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/cadence/pkg/observability"
)

// ProcessorConfig tunes the publish loop.
type ProcessorConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration

	// Metrics receives publish counters. Nil means no recording.
	Metrics observability.Metrics
}

// DefaultProcessorConfig returns the defaults used outside tests.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:     100 * time.Millisecond,
		BatchSize:        100,
		MaxRetries:       5,
		RetryBackoffBase: 1 * time.Second,
		RetryBackoffMax:  1 * time.Minute,
	}
}

// Processor drains the outbox into the message broker. Failed messages
// back off exponentially and dead-letter once MaxRetries is spent.
type Processor struct {
	repo      Repository
	publisher eventbus.Publisher
	config    ProcessorConfig
	logger    *slog.Logger
	metrics   observability.Metrics

	wg       sync.WaitGroup
	stopChan chan struct{}
	running  bool
	mu       sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// NewProcessor creates a processor. It does not start polling.
func NewProcessor(repo Repository, publisher eventbus.Publisher, config ProcessorConfig, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Processor{
		repo:      repo,
		publisher: publisher,
		config:    config,
		logger:    logger,
		metrics:   metrics,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the polling loop. Starting a running processor is a
// no-op.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)

	p.logger.Info("outbox processor started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
	)
	return nil
}

// Stop closes the loop and waits for the in-flight batch to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("outbox processor stopped")
}

// IsRunning reports whether the loop is active.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			if err := p.ProcessOnce(ctx); err != nil {
				p.logger.Error("failed to process outbox batch", "error", err)
			}
		}
	}
}

// ProcessOnce drains one batch synchronously. The loop calls it on
// every tick; tests call it directly.
func (p *Processor) ProcessOnce(ctx context.Context) error {
	messages, err := p.repo.GetUnpublished(ctx, p.config.BatchSize)
	if err != nil {
		p.noteError(err)
		return err
	}
	p.noteBatch(messages)

	for _, msg := range messages {
		if err := p.publisher.Publish(ctx, msg.RoutingKey, msg.Payload); err != nil {
			p.handlePublishFailure(ctx, msg, err)
			continue
		}
		if err := p.repo.MarkPublished(ctx, msg.ID); err != nil {
			p.logger.Error("failed to mark message as published",
				"id", msg.ID,
				"event_id", msg.EventID,
				"error", err,
			)
			continue
		}
		p.notePublished()
	}
	return nil
}

// handlePublishFailure schedules a retry, or dead-letters the message
// once the retry budget is spent.
func (p *Processor) handlePublishFailure(ctx context.Context, msg *Message, pubErr error) {
	corrID, causID := eventCorrelation(msg)
	p.logger.Warn("failed to publish message",
		"id", msg.ID,
		"routing_key", msg.RoutingKey,
		"event_id", msg.EventID,
		"correlation_id", corrID,
		"causation_id", causID,
		"error", pubErr,
	)

	if p.deadLetters(msg) {
		p.noteDead(pubErr)
		if err := p.repo.MarkDead(ctx, msg.ID, pubErr.Error()); err != nil {
			p.logger.Error("failed to mark message as dead-lettered", "id", msg.ID, "error", err)
		}
		return
	}

	p.noteFailed(pubErr)
	retryAt := time.Now().Add(p.retryBackoff(msg.RetryCount + 1))
	if err := p.repo.MarkFailed(ctx, msg.ID, pubErr.Error(), retryAt); err != nil {
		p.logger.Error("failed to mark message as failed", "id", msg.ID, "error", err)
	}
}

// deadLetters reports whether this failure exhausts the retry budget.
func (p *Processor) deadLetters(msg *Message) bool {
	if p.config.MaxRetries <= 0 {
		return true
	}
	return msg.RetryCount+1 >= p.config.MaxRetries
}

// retryBackoff doubles per attempt from the base, capped at the max.
func (p *Processor) retryBackoff(attempt int) time.Duration {
	base := p.config.RetryBackoffBase
	if base <= 0 {
		base = time.Second
	}
	limit := p.config.RetryBackoffMax
	if limit <= 0 {
		limit = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	backoff := base * time.Duration(1<<convert.IntToUintSafe(attempt-1))
	if backoff > limit {
		return limit
	}
	return backoff
}

// eventCorrelation pulls the correlation and causation IDs out of the
// stored metadata for logging. Malformed metadata logs as empty IDs.
func eventCorrelation(msg *Message) (correlationID, causationID string) {
	if len(msg.Metadata) == 0 {
		return "", ""
	}
	var meta domain.EventMetadata
	if err := json.Unmarshal(msg.Metadata, &meta); err != nil {
		return "", ""
	}
	return meta.CorrelationID.String(), meta.CausationID.String()
}

// Stats is a snapshot of the processor counters.
type Stats struct {
	IsRunning       bool
	PublishedCount  uint64
	FailedCount     uint64
	DeadCount       uint64
	LagSeconds      float64
	LastError       string
	LastErrorAt     *time.Time
	LastProcessedAt *time.Time
	OldestMessageAt *time.Time
}

// GetStats returns the current counters.
func (p *Processor) GetStats() Stats {
	p.statsMu.Lock()
	stats := p.stats
	p.statsMu.Unlock()

	stats.IsRunning = p.IsRunning()
	return stats
}

func (p *Processor) notePublished() {
	p.metrics.Counter(observability.MetricEventsPublished, 1)
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.PublishedCount++
}

func (p *Processor) noteFailed(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.FailedCount++
	p.stampError(err)
}

func (p *Processor) noteDead(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.DeadCount++
	p.stampError(err)
}

func (p *Processor) noteError(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stampError(err)
}

// stampError must be called with statsMu held.
func (p *Processor) stampError(err error) {
	now := time.Now()
	p.stats.LastError = err.Error()
	p.stats.LastErrorAt = &now
}

// noteBatch stamps the poll time and recomputes the publish lag from
// the oldest pending message.
func (p *Processor) noteBatch(messages []*Message) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	now := time.Now()
	p.stats.LastProcessedAt = &now

	if len(messages) == 0 {
		p.stats.LagSeconds = 0
		p.stats.OldestMessageAt = nil
		return
	}

	oldest := messages[0].CreatedAt
	for _, msg := range messages[1:] {
		if msg.CreatedAt.Before(oldest) {
			oldest = msg.CreatedAt
		}
	}
	p.stats.OldestMessageAt = &oldest
	p.stats.LagSeconds = now.Sub(oldest).Seconds()
}
