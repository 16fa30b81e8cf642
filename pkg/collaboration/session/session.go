// Package session is the synchronization engine of one open board. A Session
// owns the board's clock, object graph, broadcast queue, undo history and
// presence state, and ties them to the connection manager and the durable
// store. Each board view creates its own Session; nothing is shared between
// instances.
package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/developer-mesh/boardsync/pkg/auth"
	"github.com/developer-mesh/boardsync/pkg/channel"
	"github.com/developer-mesh/boardsync/pkg/collaboration/coalesce"
	"github.com/developer-mesh/boardsync/pkg/collaboration/connection"
	"github.com/developer-mesh/boardsync/pkg/collaboration/graph"
	"github.com/developer-mesh/boardsync/pkg/collaboration/hlc"
	"github.com/developer-mesh/boardsync/pkg/collaboration/presence"
	"github.com/developer-mesh/boardsync/pkg/collaboration/undo"
	"github.com/developer-mesh/boardsync/pkg/errors"
	"github.com/developer-mesh/boardsync/pkg/models"
	"github.com/developer-mesh/boardsync/pkg/observability"
	"github.com/developer-mesh/boardsync/pkg/persistence"
)

// DefaultFlushInterval is one animation frame
const DefaultFlushInterval = 16 * time.Millisecond

// Config for a Session
type Config struct {
	BoardID     string
	ClientID    string
	DisplayName string
	Color       string

	UndoDepth     int
	FlushInterval time.Duration

	Presence   presence.Config
	Connection connection.Config
}

// Persister accepts durable writes and reports their outcome later.
// *persistence.Writer satisfies it.
type Persister interface {
	Submit(ctx context.Context, req persistence.WriteRequest, done persistence.Callback) error
}

// NotificationKind tags a user-visible notification
type NotificationKind string

const (
	NotifyWriteFailed  NotificationKind = "write_failed"
	NotifyDisconnected NotificationKind = "disconnected"
	NotifyAuthExpired  NotificationKind = "auth_expired"
)

// Notification is something the user should be told about
type Notification struct {
	Kind     NotificationKind
	ObjectID string
	Message  string
	Err      error
}

// pendingWrite is a durable write collected under the session lock and
// submitted after it is released
type pendingWrite struct {
	req    persistence.WriteRequest
	before models.Patch
}

// Session is the engine instance of one board
type Session struct {
	config  Config
	store   persistence.Store
	writer  Persister
	watcher *auth.SessionWatcher
	now     func() time.Time
	logger  observability.Logger
	metrics observability.MetricsClient
	notify  func(Notification)

	connOpts []connection.Option
	conn     *connection.Manager

	clock        *hlc.Clock
	graph        *graph.Graph
	queue        *coalesce.Queue
	history      *undo.History
	throttle     *presence.Throttle
	cursor       *presence.CursorSender
	interpolator *presence.Interpolator
	roster       *presence.Roster

	// mu serializes local edits, remote application and rollbacks so each
	// compound read-modify-write of the graph is atomic
	mu     sync.Mutex
	outbox []pendingWrite

	ctxMu sync.RWMutex
	ctx   context.Context
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger
func WithLogger(logger observability.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics sets the metrics client
func WithMetrics(metrics observability.MetricsClient) Option {
	return func(s *Session) { s.metrics = metrics }
}

// WithPersister sends every local edit to p. Without one edits stay local.
func WithPersister(p Persister) Option {
	return func(s *Session) { s.writer = p }
}

// WithSessionWatcher forces auth_expired when the watcher signs out
func WithSessionWatcher(w *auth.SessionWatcher) Option {
	return func(s *Session) { s.watcher = w }
}

// WithNotifier receives user-visible notifications
func WithNotifier(f func(Notification)) Option {
	return func(s *Session) { s.notify = f }
}

// WithNow replaces the wall clock used for stamping and presence
func WithNow(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithConnectionOptions passes extra options to the connection manager
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(s *Session) { s.connOpts = append(s.connOpts, opts...) }
}

// New creates a session. The store serves the initial load and
// reconciliation after reconnects; factory creates a transport per attempt.
func New(config Config, factory connection.Factory, store persistence.Store, opts ...Option) (*Session, error) {
	if config.BoardID == "" || config.ClientID == "" {
		return nil, errors.ErrInvalid.WithOperation("session.new").WithMetadata("reason", "board and client ids are required")
	}
	if config.UndoDepth <= 0 {
		config.UndoDepth = undo.DefaultCapacity
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.Presence.TransportRateLimit <= 0 {
		config.Presence = presence.DefaultConfig()
	}
	if config.Connection.Topic == "" {
		config.Connection.Topic = "board:" + config.BoardID
	}

	s := &Session{
		config: config,
		store:  store,
		now:    time.Now,
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.OrNoop(s.logger).WithPrefix("session").With(map[string]interface{}{
		"board_id":  config.BoardID,
		"client_id": config.ClientID,
	})
	s.metrics = observability.MetricsOrNoop(s.metrics)

	s.clock = hlc.NewClock(config.ClientID, hlc.WithNow(func() int64 { return s.now().UnixMilli() }))
	s.graph = graph.New()
	s.queue = coalesce.NewQueue()
	s.history = undo.NewHistory(config.UndoDepth, undo.WithLogger(s.logger), undo.WithMetrics(s.metrics))
	s.throttle = presence.NewThrottle(config.Presence)
	s.interpolator = presence.NewInterpolator(config.Presence)
	s.roster = presence.NewRoster(config.ClientID)
	s.cursor = presence.NewCursorSender(s.throttle, config.ClientID, s.publishCursor)

	connOpts := append([]connection.Option{
		connection.WithLogger(s.logger),
		connection.WithMetrics(s.metrics),
		connection.WithChannelSetup(s.install),
		connection.WithOnConnected(s.onConnected),
	}, s.connOpts...)
	s.conn = connection.NewManager(config.Connection, factory, connOpts...)
	s.conn.OnStateChange(s.onStateChange)

	if s.watcher != nil {
		s.watcher.OnSignedOut(s.conn.SignedOut)
	}
	return s, nil
}

// BoardID returns the board the session is bound to
func (s *Session) BoardID() string { return s.config.BoardID }

// ClientID returns the local participant id
func (s *Session) ClientID() string { return s.config.ClientID }

// Connection exposes the connection manager so the UI can observe state and
// trigger a manual retry
func (s *Session) Connection() *connection.Manager { return s.conn }

// Load replaces the graph with the stored board. It is called once before
// Start; later gaps are closed by Reconcile.
func (s *Session) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "session.load")
	objects, err := s.store.LoadAll(ctx, s.config.BoardID)
	observability.EndSpan(span, err)
	if err != nil {
		return errors.Wrap(err, errors.ErrTransport).WithOperation("session.load")
	}

	s.mu.Lock()
	s.graph.Replace(objects)
	for _, obj := range objects {
		s.clock.Observe(obj.Clocks.Max())
	}
	s.mu.Unlock()

	s.logger.Info("Board loaded", map[string]interface{}{"objects": len(objects)})
	return nil
}

// Start queues the first connection attempt
func (s *Session) Start() {
	s.conn.Start()
}

// Run connects and drives the session until ctx is cancelled: connection
// events on one goroutine, the flush tick on another.
func (s *Session) Run(ctx context.Context) error {
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()

	s.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.conn.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(s.config.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.Tick(gctx)
			}
		}
	})
	return g.Wait()
}

// Tick runs one frame: flush queued changes and any held cursor position
func (s *Session) Tick(ctx context.Context) {
	if _, err := s.Flush(ctx); err != nil {
		s.logger.Debug("Flush deferred", map[string]interface{}{"error": err.Error()})
	}
	s.cursor.Flush(s.now())
}

// Close announces departure and tears the transport down
func (s *Session) Close() {
	if s.conn.State() == connection.StateConnected {
		s.publishPresence(context.Background(), models.PresenceLeave, false)
	}
	s.conn.Close()
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// Flush broadcasts the coalesced queue as one batch. While the connection is
// down changes stay queued and are sent after the next reconnect.
func (s *Session) Flush(ctx context.Context) (int, error) {
	if s.conn.State() != connection.StateConnected || s.queue.Len() == 0 {
		return 0, nil
	}
	changes, folded := s.queue.Flush()
	if len(changes) == 0 {
		s.metrics.IncrementCounterWithLabels("changes_coalesced_total", float64(folded), nil)
		return 0, nil
	}

	batch := models.ChangeBatch{
		ID:       newID(),
		BoardID:  s.config.BoardID,
		ClientID: s.config.ClientID,
		Changes:  changes,
		SentAt:   s.now().UTC(),
	}
	if err := s.conn.Publish(ctx, channel.EventChangeBatch, batch); err != nil {
		// Put them back in front of anything queued meanwhile
		later, _ := s.queue.Flush()
		s.queue.Enqueue(changes...)
		s.queue.Enqueue(later...)
		return 0, err
	}

	s.metrics.IncrementCounterWithLabels("changes_published_total", float64(len(changes)), nil)
	if folded > 0 {
		s.metrics.IncrementCounterWithLabels("changes_coalesced_total", float64(folded), nil)
	}
	return len(changes), nil
}

// Pending returns the number of changes waiting to be broadcast
func (s *Session) Pending() int {
	return s.queue.Len()
}

// Object returns a copy of a live object
func (s *Session) Object(id string) (*models.Object, bool) {
	return s.graph.Live(id)
}

// Objects returns copies of every live object in render order
func (s *Session) Objects() []*models.Object {
	return s.graph.LiveObjects()
}

// Children returns the live direct children of id
func (s *Session) Children(id string) []string {
	return s.graph.Children(id)
}

// CanUndo reports whether Undo has anything to do
func (s *Session) CanUndo() bool { return s.history.CanUndo() }

// CanRedo reports whether Redo has anything to do
func (s *Session) CanRedo() bool { return s.history.CanRedo() }

func (s *Session) baseContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.ctx
}

func (s *Session) emit(n Notification) {
	if s.notify != nil {
		s.notify(n)
	}
}

func (s *Session) onStateChange(change connection.StateChange) {
	switch change.To {
	case connection.StateDisconnected:
		s.emit(Notification{
			Kind:    NotifyDisconnected,
			Message: "Connection lost. Reload to reconnect.",
			Err:     change.Err,
		})
	case connection.StateAuthExpired:
		s.emit(Notification{
			Kind:    NotifyAuthExpired,
			Message: "Your session has expired. Sign in again to keep editing.",
			Err:     change.Err,
		})
	}
}

// onConnected announces presence and sends anything queued while offline.
// After a reconnect the graph is first reconciled with the store.
func (s *Session) onConnected(ctx context.Context, first bool) {
	if !first {
		s.roster.Clear()
		s.throttle.SetOccupants(1)
		if err := s.Reconcile(ctx); err != nil {
			s.logger.Warn("Reconciliation failed", map[string]interface{}{"error": err.Error()})
		}
	}
	s.publishPresence(ctx, models.PresenceJoin, false)
	if _, err := s.Flush(ctx); err != nil {
		s.logger.Debug("Flush after connect failed", map[string]interface{}{"error": err.Error()})
	}
}
