// Package relay is the boardsync relay: a WebSocket broadcast hub for board
// topics plus the REST endpoints clients use to load and persist boards.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/boardsync/pkg/auth"
	"github.com/developer-mesh/boardsync/pkg/channel"
	bserrors "github.com/developer-mesh/boardsync/pkg/errors"
	"github.com/developer-mesh/boardsync/pkg/health"
	"github.com/developer-mesh/boardsync/pkg/middleware"
	"github.com/developer-mesh/boardsync/pkg/observability"
	"github.com/developer-mesh/boardsync/pkg/persistence"
)

// Config tunes the relay
type Config struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	// MessageRate and MessageBurst bound inbound frames per connection
	MessageRate  float64
	MessageBurst int
	// AllowedOrigins are host patterns accepted on the upgrade; empty means same origin only
	AllowedOrigins []string

	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
	ShutdownWait time.Duration

	TombstoneRetention time.Duration
	// PurgeInterval zero disables the purge loop
	PurgeInterval time.Duration

	RateLimit middleware.RateLimitConfig
}

// DefaultConfig returns the relay defaults
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:     1 << 20,
		PingInterval:       30 * time.Second,
		WriteTimeout:       10 * time.Second,
		SendBuffer:         256,
		MessageRate:        100,
		MessageBurst:       200,
		ReadTimeout:        15 * time.Second,
		IdleTimeout:        60 * time.Second,
		ShutdownWait:       10 * time.Second,
		TombstoneRetention: 30 * 24 * time.Hour,
		PurgeInterval:      time.Hour,
		RateLimit:          middleware.DefaultRateLimitConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MessageRate <= 0 {
		c.MessageRate = d.MessageRate
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = d.MessageBurst
	}
	if c.TombstoneRetention <= 0 {
		c.TombstoneRetention = d.TombstoneRetention
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = d.ShutdownWait
	}
	if c.RateLimit.GlobalRPS <= 0 {
		c.RateLimit = d.RateLimit
	}
	return c
}

// Option configures a Server
type Option func(*Server)

// WithAuth requires bearer tokens issued by svc
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithLogger sets the logger
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) { s.logger = observability.OrNoop(logger) }
}

// WithMetrics sets the metrics client
func WithMetrics(metrics observability.MetricsClient) Option {
	return func(s *Server) { s.metrics = observability.MetricsOrNoop(metrics) }
}

// WithGatherer serves gatherer on /metrics
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = gatherer }
}

// WithFanout relays frames through Redis so several relays share topics
func WithFanout(fanout *Fanout) Option {
	return func(s *Server) { s.fanout = fanout }
}

// WithHealthChecker reports checker on /healthz
func WithHealthChecker(checker *health.HealthChecker) Option {
	return func(s *Server) { s.health = checker }
}

// Server is the relay HTTP server
type Server struct {
	config   Config
	store    persistence.Store
	auth     *auth.Service
	logger   observability.Logger
	metrics  observability.MetricsClient
	gatherer prometheus.Gatherer
	fanout   *Fanout
	health   *health.HealthChecker

	hub    *Hub
	router *gin.Engine
	active atomic.Int64

	mu     sync.Mutex
	boards map[string]struct{}
	conns  map[*Conn]struct{}
}

// NewServer creates a relay persisting through store
func NewServer(config Config, store persistence.Store, opts ...Option) *Server {
	s := &Server{
		config:  config.withDefaults(),
		store:   store,
		auth:    auth.NewService(""),
		logger:  observability.NewNoopLogger(),
		metrics: observability.NewNoOpMetricsClient(),
		boards:  make(map[string]struct{}),
		conns:   make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = health.NewHealthChecker(s.logger, s.metrics)
	}
	s.hub = NewHub(s.fanout, s.logger, s.metrics)
	s.router = s.routes()
	return s
}

// Handler returns the relay's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the topic hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// ConnectionCount returns the number of open client connections
func (s *Server) ConnectionCount() int {
	return int(s.active.Load())
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	limiter := middleware.NewRateLimiter(s.config.RateLimit, s.logger, s.metrics)
	router.Use(middleware.Recovery(s.logger))
	router.Use(middleware.RequestLogger(s.logger))
	router.Use(limiter.GlobalLimit())

	router.GET("/healthz", s.handleHealth)
	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	authed := s.auth.GinMiddleware(s.logger)
	perClient := limiter.ClientLimit(func(c *gin.Context) string {
		if claims, ok := auth.GetClaimsFromContext(c); ok {
			return "user:" + claims.UserID
		}
		return ""
	})

	router.GET("/ws", authed, s.handleWebSocket)

	boards := router.Group("/api/v1/boards/:board", authed, perClient, middleware.ValidateRequest("board", "id"))
	boards.GET("/objects", s.handleLoad)
	boards.PATCH("/objects/:id", s.handleWrite)

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	results := s.health.RunChecks(c.Request.Context())
	report := health.Aggregate(results)
	status := http.StatusOK
	if report.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	clientID := c.Query("client_id")
	if !middleware.IsValidIdentifier(clientID) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}
	claims, _ := auth.GetClaimsFromContext(c)

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.config.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
			"ip":    c.ClientIP(),
		})
		return
	}
	ws.SetReadLimit(s.config.MaxMessageSize)

	// the connection outlives the request context
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		id:       uuid.New().String(),
		clientID: clientID,
		claims:   claims,
		ws:       ws,
		server:   s,
		send:     make(chan channel.Envelope, s.config.SendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(s.config.MessageRate), s.config.MessageBurst),
		ctx:      ctx,
		cancel:   cancel,
	}
	conn.logger = s.logger.With(map[string]interface{}{"connection_id": conn.id})

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	active := s.active.Add(1)
	s.metrics.RecordGauge("relay_connections_active", float64(active), nil)
	s.logger.Info("Client connected", map[string]interface{}{
		"connection_id": conn.id,
		"client_id":     clientID,
	})

	go conn.writePump(s.config.PingInterval, s.config.WriteTimeout)
	conn.readPump()

	s.hub.LeaveAll(conn)
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	active = s.active.Add(-1)
	s.metrics.RecordGauge("relay_connections_active", float64(active), nil)
	s.logger.Info("Client disconnected", map[string]interface{}{
		"connection_id": conn.id,
		"client_id":     clientID,
	})
}

func (s *Server) handleLoad(c *gin.Context) {
	board := c.Param("board")
	ctx, span := observability.StartSpan(c.Request.Context(), "relay.load",
		attribute.String("board_id", board))

	objects, err := s.store.LoadAll(ctx, board)
	observability.EndSpan(span, err)
	if err != nil {
		s.logger.Error("Failed to load board", map[string]interface{}{
			"board_id": board,
			"error":    err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load board"})
		return
	}
	s.trackBoard(board)
	c.JSON(http.StatusOK, persistence.ObjectsResponse{BoardID: board, Objects: objects})
}

func (s *Server) handleWrite(c *gin.Context) {
	board, id := c.Param("board"), c.Param("id")

	var body persistence.WriteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if len(body.Fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fields are required"})
		return
	}
	for field := range body.Fields {
		if _, ok := body.Clocks[field]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("missing clock for field %q", field)})
			return
		}
	}

	ctx, span := observability.StartSpan(c.Request.Context(), "relay.write",
		attribute.String("board_id", board), attribute.String("object_id", id))
	err := s.store.Write(ctx, board, id, body.Fields, body.Clocks)
	observability.EndSpan(span, err)

	switch {
	case err == nil:
		s.trackBoard(board)
		s.metrics.IncrementCounterWithLabels("relay_writes_total", 1, map[string]string{"status": "ok"})
		c.Status(http.StatusNoContent)
	case bserrors.IsValidationError(err), bserrors.IsMalformed(err), errors.Is(err, persistence.ErrRejected):
		s.metrics.IncrementCounterWithLabels("relay_writes_total", 1, map[string]string{"status": "rejected"})
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.metrics.IncrementCounterWithLabels("relay_writes_total", 1, map[string]string{"status": "error"})
		s.logger.Error("Failed to write object", map[string]interface{}{
			"board_id":  board,
			"object_id": id,
			"error":     err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write failed"})
	}
}

// closeConnections closes every client connection; http.Server.Shutdown
// does not track hijacked connections.
func (s *Server) closeConnections() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.close(websocket.StatusGoingAway, "relay shutting down")
	}
}

func (s *Server) trackBoard(board string) {
	s.mu.Lock()
	s.boards[board] = struct{}{}
	s.mu.Unlock()
}

// Boards lists the boards this relay has served
func (s *Server) Boards() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.boards))
	for board := range s.boards {
		out = append(out, board)
	}
	sort.Strings(out)
	return out
}

// PurgeOnce removes tombstones older than the retention from every served
// board. It is a no-op when the store cannot purge.
func (s *Server) PurgeOnce(ctx context.Context) (int64, error) {
	purger, ok := s.store.(persistence.Purger)
	if !ok {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.config.TombstoneRetention)

	var total int64
	var errs []error
	for _, board := range s.Boards() {
		n, err := purger.PurgeTombstones(ctx, board, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", board, err))
			continue
		}
		total += n
	}
	if total > 0 {
		s.logger.Info("Purged tombstones", map[string]interface{}{
			"count": total,
		})
		s.metrics.IncrementCounterWithLabels("relay_tombstones_purged_total", float64(total), nil)
	}
	return total, errors.Join(errs...)
}

func (s *Server) purgeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.PurgeOnce(ctx); err != nil {
				s.logger.Warn("Tombstone purge failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		IdleTimeout: s.config.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Relay listening", map[string]interface{}{"address": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownWait)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.closeConnections()
		return err
	})
	if s.fanout != nil {
		g.Go(func() error {
			return s.fanout.Run(gctx, s.hub.Deliver)
		})
	}
	if s.config.PurgeInterval > 0 {
		g.Go(func() error {
			return s.purgeLoop(gctx)
		})
	}
	return g.Wait()
}
