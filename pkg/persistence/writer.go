package persistence

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/developer-mesh/boardsync/pkg/errors"
	"github.com/developer-mesh/boardsync/pkg/observability"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
)

// WriterConfig bounds the retries of durable writes
type WriterConfig struct {
	Workers   int `mapstructure:"workers" yaml:"workers" json:"workers"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size" json:"queue_size"`

	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval" json:"max_interval"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout" json:"attempt_timeout"`

	BreakerFailures    uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures" json:"breaker_failures"`
	BreakerMaxRequests uint32        `mapstructure:"breaker_max_requests" yaml:"breaker_max_requests" json:"breaker_max_requests"`
	BreakerInterval    time.Duration `mapstructure:"breaker_interval" yaml:"breaker_interval" json:"breaker_interval"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout" json:"breaker_timeout"`
}

// DefaultWriterConfig retries a write 3 times, 200ms apart and doubling
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Workers:            4,
		QueueSize:          1024,
		MaxRetries:         3,
		InitialInterval:    200 * time.Millisecond,
		MaxInterval:        2 * time.Second,
		AttemptTimeout:     10 * time.Second,
		BreakerFailures:    5,
		BreakerMaxRequests: 1,
		BreakerInterval:    time.Minute,
		BreakerTimeout:     30 * time.Second,
	}
}

func (c WriterConfig) withDefaults() WriterConfig {
	d := DefaultWriterConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerMaxRequests == 0 {
		c.BreakerMaxRequests = d.BreakerMaxRequests
	}
	if c.BreakerInterval <= 0 {
		c.BreakerInterval = d.BreakerInterval
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	return c
}

// Callback receives the outcome of a submitted write; err is nil on success
// and wraps errors.ErrWriteFailed once retries are exhausted.
type Callback func(req WriteRequest, err error)

type job struct {
	req  WriteRequest
	done Callback
}

// Writer performs durable writes off the caller's path. Each write is
// retried with exponential backoff a bounded number of times behind a
// circuit breaker, then reported to its callback.
type Writer struct {
	store   Store
	config  WriterConfig
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
}

// WriterOption configures a Writer
type WriterOption func(*Writer)

// WithLogger sets the logger
func WithLogger(logger observability.Logger) WriterOption {
	return func(w *Writer) { w.logger = logger }
}

// WithMetrics sets the metrics client
func WithMetrics(metrics observability.MetricsClient) WriterOption {
	return func(w *Writer) { w.metrics = metrics }
}

// NewWriter starts the write workers
func NewWriter(store Store, config WriterConfig, opts ...WriterOption) *Writer {
	config = config.withDefaults()
	w := &Writer{
		store:  store,
		config: config,
		jobs:   make(chan job, config.QueueSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = observability.OrNoop(w.logger).WithPrefix("persistence-writer")
	w.metrics = observability.MetricsOrNoop(w.metrics)

	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "persistence",
		MaxRequests: config.BreakerMaxRequests,
		Interval:    config.BreakerInterval,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || permanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			w.logger.Warn("Circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	for i := 0; i < config.Workers; i++ {
		w.wg.Add(1)
		go w.work()
	}
	return w
}

// permanent reports errors that retrying cannot fix
func permanent(err error) bool {
	return stderrors.Is(err, ErrRejected) ||
		errors.IsMalformed(err) ||
		errors.IsValidationError(err)
}

// Submit queues a write. It blocks while the queue is full, until ctx is done.
func (w *Writer) Submit(ctx context.Context, req WriteRequest, done Callback) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errors.ErrClosed.WithOperation("persistence.submit")
	}

	select {
	case w.jobs <- job{req: req, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) work() {
	defer w.wg.Done()
	for j := range w.jobs {
		err := w.Write(context.Background(), j.req)
		if j.done != nil {
			j.done(j.req, err)
		}
	}
}

// Write performs one write synchronously with retries
func (w *Writer) Write(ctx context.Context, req WriteRequest) (err error) {
	ctx, span := observability.StartSpan(ctx, "persistence.write",
		attribute.String("board_id", req.BoardID),
		attribute.String("object_id", req.ObjectID),
		attribute.Int("fields", len(req.Patch)),
	)
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()
	attempts := 0

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.config.InitialInterval
	policy.MaxInterval = w.config.MaxInterval
	policy.MaxElapsedTime = 0
	// #nosec G115 -- MaxRetries is clamped to be non-negative
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(w.config.MaxRetries)), ctx)

	operation := func() error {
		attempts++
		_, err := w.breaker.Execute(func() (interface{}, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, w.config.AttemptTimeout)
			defer cancel()
			return nil, w.store.Write(attemptCtx, req.BoardID, req.ObjectID, req.Patch, req.Clocks)
		})
		if err == nil {
			return nil
		}
		if permanent(err) ||
			stderrors.Is(err, gobreaker.ErrOpenState) ||
			stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		w.logger.Debug("Retryable write error", map[string]interface{}{
			"board_id":  req.BoardID,
			"object_id": req.ObjectID,
			"attempt":   attempts,
			"error":     err.Error(),
		})
		return err
	}

	err = backoff.Retry(operation, bounded)
	w.metrics.RecordDuration("persistence_write_duration_seconds", time.Since(start), nil)
	if err != nil {
		w.metrics.IncrementCounterWithLabels("persistence_writes_total", 1, map[string]string{"status": "failed"})
		w.logger.Error("Durable write failed", map[string]interface{}{
			"board_id":  req.BoardID,
			"object_id": req.ObjectID,
			"attempts":  attempts,
			"error":     err.Error(),
		})
		return errors.Wrap(err, errors.ErrWriteFailed).WithOperation("persistence.write")
	}
	w.metrics.IncrementCounterWithLabels("persistence_writes_total", 1, map[string]string{"status": "success"})
	return nil
}

// BreakerState returns the circuit breaker state: closed, half-open or open
func (w *Writer) BreakerState() string {
	return w.breaker.State().String()
}

// Close stops accepting writes and waits for queued ones to finish
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}
