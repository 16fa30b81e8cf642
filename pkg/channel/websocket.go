package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/developer-mesh/boardsync/pkg/observability"
)

// WebSocketConfig configures a WebSocketChannel
type WebSocketConfig struct {
	// URL of the relay endpoint, e.g. ws://localhost:8080/ws
	URL      string
	ClientID string
	// Token is sent as a bearer token when set
	Token          string
	DialTimeout    time.Duration
	JoinTimeout    time.Duration
	MaxMessageSize int64
}

// DefaultWebSocketConfig returns the default timeouts
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		DialTimeout:    10 * time.Second,
		JoinTimeout:    5 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

// WebSocketChannel is a Channel speaking the relay protocol over one
// WebSocket connection. The connection is dialled on the first Subscribe.
type WebSocketChannel struct {
	*dispatcher
	config WebSocketConfig
	logger observability.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	readDone chan struct{}
	subs     map[string]StatusFunc
	pending  map[string]*pendingJoin
	closed   bool
}

// NewWebSocketChannel creates an unconnected channel
func NewWebSocketChannel(config WebSocketConfig, logger observability.Logger) *WebSocketChannel {
	defaults := DefaultWebSocketConfig()
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = defaults.JoinTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	logger = observability.OrNoop(logger)
	return &WebSocketChannel{
		dispatcher: newDispatcher(config.ClientID, logger),
		config:     config,
		logger:     logger,
		subs:       make(map[string]StatusFunc),
		pending:    make(map[string]*pendingJoin),
	}
}

func (c *WebSocketChannel) endpoint() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	q := u.Query()
	q.Set("client_id", c.config.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *WebSocketChannel) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.config.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.config.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(c.config.MaxMessageSize)

	readCtx, readCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = readCancel
	c.readDone = make(chan struct{})
	go c.readLoop(readCtx, conn, c.readDone)

	c.logger.Debug("Connected to relay", map[string]interface{}{
		"url":       c.config.URL,
		"client_id": c.config.ClientID,
	})
	return conn, nil
}

type pendingJoin struct {
	onStatus StatusFunc
	ack      chan error
}

// Subscribe joins topic on the relay and waits for the acknowledgement. The
// subscribed status is reported by the reader as the acknowledgement is
// processed, so it always precedes any later status of the same connection.
func (c *WebSocketChannel) Subscribe(ctx context.Context, topic string, onStatus StatusFunc) error {
	conn, err := c.connect(ctx)
	if err != nil {
		status := StatusError
		if errors.Is(err, context.DeadlineExceeded) {
			status = StatusTimedOut
		}
		if !errors.Is(err, ErrChannelClosed) {
			onStatus(status, err)
		}
		return err
	}

	join := &pendingJoin{onStatus: onStatus, ack: make(chan error, 1)}
	c.mu.Lock()
	c.pending[topic] = join
	c.mu.Unlock()

	if err := wsjson.Write(ctx, conn, Envelope{Type: TypeJoin, Topic: topic}); err != nil {
		if c.abandon(topic, join) {
			onStatus(StatusError, err)
			return fmt.Errorf("join %s: %w", topic, err)
		}
		err = <-join.ack
		if err != nil {
			onStatus(StatusError, err)
		}
		return err
	}

	timer := time.NewTimer(c.config.JoinTimeout)
	defer timer.Stop()

	var waitErr error
	status := StatusTimedOut
	select {
	case err := <-join.ack:
		if err != nil {
			onStatus(StatusError, err)
		}
		return err
	case <-timer.C:
		waitErr = fmt.Errorf("join %s: no acknowledgement within %s", topic, c.config.JoinTimeout)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	if !c.abandon(topic, join) {
		// the acknowledgement won the race
		err := <-join.ack
		if err != nil {
			onStatus(StatusError, err)
		}
		return err
	}
	onStatus(status, waitErr)
	return waitErr
}

// abandon removes a join that is still waiting; it reports false when the
// reader has already resolved it.
func (c *WebSocketChannel) abandon(topic string, join *pendingJoin) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[topic] == join {
		delete(c.pending, topic)
		return true
	}
	return false
}

func (c *WebSocketChannel) joined(topic string) {
	c.mu.Lock()
	join, ok := c.pending[topic]
	delete(c.pending, topic)
	if ok {
		c.subs[topic] = join.onStatus
	}
	c.mu.Unlock()

	if ok {
		join.onStatus(StatusSubscribed, nil)
		join.ack <- nil
	}
}

func (c *WebSocketChannel) rejected(topic string, err error) bool {
	c.mu.Lock()
	join, ok := c.pending[topic]
	delete(c.pending, topic)
	c.mu.Unlock()

	if ok {
		join.ack <- err
	}
	return ok
}

func (c *WebSocketChannel) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	var readErr error
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			readErr = err
			break
		}
		switch env.Type {
		case TypeJoined:
			c.joined(env.Topic)
		case TypeError:
			err := fmt.Errorf("relay error: %s", string(env.Payload))
			if !c.rejected(env.Topic, err) {
				c.logger.Warn("Relay reported an error", map[string]interface{}{
					"topic":   env.Topic,
					"payload": string(env.Payload),
				})
			}
		case TypePublish:
			c.dispatch(env.Message())
		default:
			c.logger.Debug("Dropped unknown frame", map[string]interface{}{
				"type": env.Type,
			})
		}
	}

	c.mu.Lock()
	selfInitiated := c.closed || c.conn != conn
	subs := c.subs
	pending := c.pending
	c.subs = make(map[string]StatusFunc)
	c.pending = make(map[string]*pendingJoin)
	if !selfInitiated {
		c.conn = nil
	}
	c.mu.Unlock()

	for _, join := range pending {
		join.ack <- ErrChannelClosed
	}
	if selfInitiated {
		return
	}

	status := StatusError
	if websocket.CloseStatus(readErr) != -1 {
		status = StatusClosed
	}
	c.logger.Info("Relay connection lost", map[string]interface{}{
		"status": string(status),
		"error":  readErr.Error(),
	})
	for _, onStatus := range subs {
		onStatus(status, readErr)
	}
}

// Publish sends a publish frame to the relay
func (c *WebSocketChannel) Publish(ctx context.Context, topic, event string, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return ErrChannelClosed
	}

	env, err := NewPublishEnvelope(topic, event, c.config.ClientID, payload)
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// Close closes the connection with a normal closure and waits for the reader
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, cancel, done := c.conn, c.cancel, c.readDone
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client closing")
	cancel()
	<-done
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		err = nil
	}
	return err
}
