package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/boardsync/pkg/auth"
	"github.com/developer-mesh/boardsync/pkg/channel"
	"github.com/developer-mesh/boardsync/pkg/observability"
)

// TopicPrefix is the only topic namespace clients may join
const TopicPrefix = "board:"

// Conn is one client connection. The read pump handles join, leave and
// publish frames; the write pump owns every write to the socket.
type Conn struct {
	id       string
	clientID string
	claims   *auth.Claims

	ws      *websocket.Conn
	server  *Server
	send    chan channel.Envelope
	limiter *rate.Limiter
	logger  observability.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ID returns the connection id
func (c *Conn) ID() string { return c.id }

// ClientID returns the client id the connection publishes as
func (c *Conn) ClientID() string { return c.clientID }

// enqueue hands a frame to the write pump. A consumer too slow to drain its
// buffer is disconnected; it reconciles from the store when it reconnects.
func (c *Conn) enqueue(env channel.Envelope) {
	select {
	case <-c.ctx.Done():
	case c.send <- env:
	default:
		c.logger.Warn("Dropping slow consumer", map[string]interface{}{
			"client_id": c.clientID,
		})
		c.server.metrics.IncrementCounterWithLabels("relay_slow_consumers_total", 1, nil)
		go c.close(websocket.StatusPolicyViolation, "slow consumer")
	}
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(code, reason)
	})
}

func (c *Conn) readPump() {
	defer c.close(websocket.StatusNormalClosure, "")

	for {
		var env channel.Envelope
		if err := wsjson.Read(c.ctx, c.ws, &env); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				c.logger.Debug("Read error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}

		if !c.limiter.Allow() {
			c.server.metrics.IncrementCounterWithLabels("relay_rate_limited_total", 1, nil)
			c.reply(channel.Envelope{Type: channel.TypeError, Topic: env.Topic, Payload: errorPayload("rate limit exceeded")})
			continue
		}

		switch env.Type {
		case channel.TypeJoin:
			c.handleJoin(env.Topic)
		case channel.TypeLeave:
			c.server.hub.Leave(c, env.Topic)
		case channel.TypePublish:
			c.handlePublish(env)
		default:
			c.reply(channel.Envelope{Type: channel.TypeError, Topic: env.Topic, Payload: errorPayload("unknown frame type")})
		}
	}
}

func (c *Conn) handleJoin(topic string) {
	board := strings.TrimPrefix(topic, TopicPrefix)
	if board == topic || board == "" {
		c.reply(channel.Envelope{Type: channel.TypeError, Topic: topic, Payload: errorPayload("invalid topic")})
		return
	}
	if c.claims != nil && !c.claims.CanAccess(board) {
		c.logger.Warn("Board access denied", map[string]interface{}{
			"user_id":  c.claims.UserID,
			"board_id": board,
		})
		c.reply(channel.Envelope{Type: channel.TypeError, Topic: topic, Payload: errorPayload("forbidden")})
		return
	}

	c.server.hub.Join(c, topic)
	c.server.trackBoard(board)
	c.reply(channel.Envelope{Type: channel.TypeJoined, Topic: topic})
}

func (c *Conn) handlePublish(env channel.Envelope) {
	if !c.server.hub.Joined(c, env.Topic) {
		c.reply(channel.Envelope{Type: channel.TypeError, Topic: env.Topic, Payload: errorPayload("not joined")})
		return
	}
	env.Sender = c.clientID
	if err := c.server.hub.Publish(c.ctx, env); err != nil {
		c.logger.Error("Publish failed", map[string]interface{}{
			"topic": env.Topic,
			"error": err.Error(),
		})
		c.reply(channel.Envelope{Type: channel.TypeError, Topic: env.Topic, Payload: errorPayload("publish failed")})
	}
}

// reply queues a control frame for this connection only
func (c *Conn) reply(env channel.Envelope) {
	c.enqueue(env)
}

func (c *Conn) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.ws, env)
			cancel()
			if err != nil {
				c.logger.Debug("Write error", map[string]interface{}{
					"error": err.Error(),
				})
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("Ping error", map[string]interface{}{
					"error": err.Error(),
				})
				return
			}
		}
	}
}

func errorPayload(message string) json.RawMessage {
	raw, _ := json.Marshal(message)
	return raw
}
