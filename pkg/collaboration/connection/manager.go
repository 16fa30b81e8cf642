package connection

import (
	"context"
	"sync"
	"time"

	"github.com/developer-mesh/boardsync/pkg/channel"
	"github.com/developer-mesh/boardsync/pkg/errors"
	"github.com/developer-mesh/boardsync/pkg/observability"
	"github.com/developer-mesh/boardsync/pkg/retry"
)

// Factory creates a fresh transport. It is called for every connection
// attempt; the previous transport is always closed first.
type Factory func(ctx context.Context) (channel.Channel, error)

// Stopper cancels a scheduled timer
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Config for a Manager
type Config struct {
	Topic            string
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int
	SubscribeTimeout time.Duration
}

// DefaultConfig returns 5 attempts backing off 1s, 2s, 4s, 8s, 16s
func DefaultConfig(topic string) Config {
	return Config{
		Topic:            topic,
		BaseDelay:        time.Second,
		MaxDelay:         16 * time.Second,
		MaxAttempts:      5,
		SubscribeTimeout: 10 * time.Second,
	}
}

// Manager owns the transport of one board session
type Manager struct {
	config  Config
	factory Factory
	backoff *retry.ExponentialBackoff
	after   AfterFunc
	logger  observability.Logger
	metrics observability.MetricsClient

	onChannel   func(channel.Channel)
	onConnected func(ctx context.Context, first bool)

	handling sync.Mutex

	mu            sync.Mutex
	state         State
	attempts      int
	generation    uint64
	ch            channel.Channel
	timer         Stopper
	everConnected bool
	closed        bool
	baseCtx       context.Context
	observers     []func(StateChange)

	queueMu sync.Mutex
	queue   []Event
	wake    chan struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger observability.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics client
func WithMetrics(metrics observability.MetricsClient) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithAfterFunc replaces the timer implementation
func WithAfterFunc(after AfterFunc) Option {
	return func(m *Manager) { m.after = after }
}

// WithChannelSetup registers f to be called with every new transport before
// it subscribes, typically to install event handlers.
func WithChannelSetup(f func(channel.Channel)) Option {
	return func(m *Manager) { m.onChannel = f }
}

// WithOnConnected registers f to be called after every successful
// subscription. first is false after a reconnect, when the caller must
// reconcile against authoritative state.
func WithOnConnected(f func(ctx context.Context, first bool)) Option {
	return func(m *Manager) { m.onConnected = f }
}

// NewManager creates a manager in the connecting state. Nothing happens until
// Start is called and events are processed, by Run or ProcessPending.
func NewManager(config Config, factory Factory, opts ...Option) *Manager {
	defaults := DefaultConfig(config.Topic)
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.SubscribeTimeout <= 0 {
		config.SubscribeTimeout = defaults.SubscribeTimeout
	}

	m := &Manager{
		config:  config,
		factory: factory,
		backoff: retry.NewExponentialBackoff(retry.Config{
			InitialInterval: config.BaseDelay,
			MaxInterval:     config.MaxDelay,
			Multiplier:      2,
			MaxRetries:      config.MaxAttempts,
		}),
		after:   realAfterFunc,
		state:   StateConnecting,
		baseCtx: context.Background(),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = observability.OrNoop(m.logger).WithPrefix("connection")
	m.metrics = observability.MetricsOrNoop(m.metrics)
	m.recordState(StateConnecting)
	return m
}

// Delay returns the reconnect delay scheduled after the given failed attempt
func (m *Manager) Delay(attempt int) time.Duration {
	return m.backoff.NextDelay(attempt)
}

// OnStateChange registers an observer for transitions
func (m *Manager) OnStateChange(f func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, f)
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed attempts
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Publish sends on the current transport. It fails with ErrTransport unless
// the manager is connected.
func (m *Manager) Publish(ctx context.Context, event string, payload interface{}) error {
	m.mu.Lock()
	ch, state := m.ch, m.state
	m.mu.Unlock()

	if state != StateConnected || ch == nil {
		return errors.ErrTransport.WithOperation("publish " + event)
	}
	if err := ch.Publish(ctx, m.config.Topic, event, payload); err != nil {
		return errors.Wrap(err, errors.ErrTransport).WithOperation("publish " + event)
	}
	return nil
}

// Start queues the initial connection
func (m *Manager) Start() { m.enqueue(Event{Kind: EventStart}) }

// SignedOut queues the authentication layer's session-expiry signal
func (m *Manager) SignedOut() { m.enqueue(Event{Kind: EventSignedOut}) }

// Retry queues an explicit retry; it only has an effect when disconnected
func (m *Manager) Retry() { m.enqueue(Event{Kind: EventRetry}) }

func (m *Manager) enqueue(ev Event) {
	m.queueMu.Lock()
	m.queue = append(m.queue, ev)
	m.queueMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) dequeue() (Event, bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.queue) == 0 {
		return Event{}, false
	}
	ev := m.queue[0]
	m.queue = m.queue[1:]
	return ev, true
}

// ProcessPending handles queued events, including any queued while handling,
// until the queue is empty. It returns the number handled.
func (m *Manager) ProcessPending() int {
	n := 0
	for {
		ev, ok := m.dequeue()
		if !ok {
			return n
		}
		m.HandleEvent(ev)
		n++
	}
}

// Run processes events until ctx is cancelled, then closes the manager
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	for {
		m.ProcessPending()
		select {
		case <-ctx.Done():
			m.HandleEvent(Event{Kind: EventClose})
			return nil
		case <-m.wake:
		}
	}
}

// Close tears the transport down without reporting it as a failure
func (m *Manager) Close() {
	m.HandleEvent(Event{Kind: EventClose})
}

// HandleEvent applies one event synchronously
func (m *Manager) HandleEvent(ev Event) {
	m.handling.Lock()
	defer m.handling.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	state := m.state
	current := m.generation
	m.mu.Unlock()

	switch ev.Kind {
	case EventStart:
		if state == StateConnecting && current == 0 {
			m.connect()
		}
	case EventStatus:
		if ev.Generation != current || state.Terminal() {
			m.logger.Debug("Ignored status from a retired transport", map[string]interface{}{
				"status":     string(ev.Status),
				"generation": ev.Generation,
				"current":    current,
			})
			return
		}
		if ev.Status == channel.StatusSubscribed {
			m.connected()
			return
		}
		m.failed(ev.Status, ev.Err)
	case EventTimerFired:
		if ev.Generation == current && state == StateReconnecting {
			m.connect()
		}
	case EventSignedOut:
		if state == StateAuthExpired {
			return
		}
		m.teardown()
		m.transition(StateAuthExpired, errors.ErrAuthExpired, 0)
	case EventRetry:
		if state != StateDisconnected {
			return
		}
		m.mu.Lock()
		m.attempts = 0
		m.mu.Unlock()
		m.transition(StateConnecting, nil, 0)
		m.connect()
	case EventClose:
		m.teardown()
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.logger.Info("Connection closed", nil)
	}
}

// connect retires the current transport and starts a new one
func (m *Manager) connect() {
	gen := m.teardown()

	m.mu.Lock()
	base := m.baseCtx
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, m.config.SubscribeTimeout)
	defer cancel()

	ch, err := m.factory(ctx)
	if err != nil {
		m.enqueue(Event{Kind: EventStatus, Status: channel.StatusError, Err: err, Generation: gen})
		return
	}
	if m.onChannel != nil {
		m.onChannel(ch)
	}

	m.mu.Lock()
	m.ch = ch
	m.mu.Unlock()

	// The status callback is the single source of truth; its report of a
	// failed subscribe is what drives the retry, not the returned error.
	_ = ch.Subscribe(ctx, m.config.Topic, func(status channel.Status, err error) {
		m.enqueue(Event{Kind: EventStatus, Status: status, Err: err, Generation: gen})
	})
}

// teardown closes the current transport and cancels any timer. Bumping the
// generation first makes any status the old transport reports while closing
// a no-op. It returns the new generation.
func (m *Manager) teardown() uint64 {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	ch := m.ch
	m.ch = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			m.logger.Debug("Error closing transport", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return gen
}

func (m *Manager) connected() {
	m.mu.Lock()
	m.attempts = 0
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	first := !m.everConnected
	m.everConnected = true
	base := m.baseCtx
	m.mu.Unlock()

	m.transition(StateConnected, nil, 0)
	if m.onConnected != nil {
		m.onConnected(base, first)
	}
}

func (m *Manager) failed(status channel.Status, cause error) {
	m.mu.Lock()
	m.attempts++
	attempts := m.attempts
	m.mu.Unlock()

	m.metrics.IncrementCounterWithLabels("reconnect_attempts_total", 1, map[string]string{
		"status": string(status),
	})

	// Drop the failed transport now so its follow-up reports are ignored
	gen := m.teardown()

	if attempts > m.backoff.MaxRetries() {
		m.logger.Error("Reconnect attempts exhausted", map[string]interface{}{
			"attempts": attempts - 1,
			"status":   string(status),
		})
		m.transition(StateDisconnected, errors.Wrap(causeOrStatus(cause, status), errors.ErrDisconnected), 0)
		return
	}

	delay := m.backoff.NextDelay(attempts)
	m.mu.Lock()
	m.timer = m.after(delay, func() {
		m.enqueue(Event{Kind: EventTimerFired, Generation: gen})
	})
	m.mu.Unlock()

	m.transition(StateReconnecting, errors.Wrap(causeOrStatus(cause, status), errors.ErrTransport), delay)
}

func causeOrStatus(cause error, status channel.Status) error {
	if cause != nil {
		return cause
	}
	return errors.New("channel_"+string(status), "channel reported "+string(status), errors.ClassTransient)
}

func (m *Manager) transition(to State, cause error, retryIn time.Duration) {
	m.mu.Lock()
	from := m.state
	m.state = to
	attempts := m.attempts
	observers := append(([]func(StateChange))(nil), m.observers...)
	m.mu.Unlock()

	m.recordState(to)
	fields := map[string]interface{}{
		"from":     string(from),
		"to":       string(to),
		"attempts": attempts,
	}
	if retryIn > 0 {
		fields["retry_in"] = retryIn.String()
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	m.logger.Info("Connection state changed", fields)

	change := StateChange{From: from, To: to, Attempts: attempts, RetryIn: retryIn, Err: cause}
	for _, observe := range observers {
		observe(change)
	}
}

func (m *Manager) recordState(current State) {
	for _, s := range AllStates {
		value := 0.0
		if s == current {
			value = 1
		}
		m.metrics.RecordGauge("connection_state", value, map[string]string{"state": string(s)})
	}
}
