package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/boardsync/pkg/observability"
)

// RedisConfig configures a RedisChannel
type RedisConfig struct {
	ClientID string
	// Prefix is prepended to every topic to form the Redis channel name
	Prefix string
	// HealthInterval is how often the connection is pinged while subscribed;
	// a failed ping reports StatusError. Zero disables the check.
	HealthInterval time.Duration
}

type redisSub struct {
	ps       *redis.PubSub
	onStatus StatusFunc
	stop     chan struct{}
}

// RedisChannel is a Channel over Redis pub/sub
type RedisChannel struct {
	*dispatcher
	client redis.UniversalClient
	config RedisConfig
	logger observability.Logger

	mu     sync.Mutex
	subs   map[string]*redisSub
	closed bool
	wg     sync.WaitGroup
}

// NewRedisChannel creates a channel on an existing client. The client is
// shared and is not closed by Close.
func NewRedisChannel(client redis.UniversalClient, config RedisConfig, logger observability.Logger) *RedisChannel {
	logger = observability.OrNoop(logger)
	return &RedisChannel{
		dispatcher: newDispatcher(config.ClientID, logger),
		client:     client,
		config:     config,
		logger:     logger,
		subs:       make(map[string]*redisSub),
	}
}

func (c *RedisChannel) channelName(topic string) string {
	return c.config.Prefix + topic
}

// Subscribe subscribes to the topic's Redis channel and waits for Redis to
// confirm the subscription.
func (c *RedisChannel) Subscribe(ctx context.Context, topic string, onStatus StatusFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.mu.Unlock()

	ps := c.client.Subscribe(ctx, c.channelName(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		status := StatusError
		if errors.Is(err, context.DeadlineExceeded) {
			status = StatusTimedOut
		}
		onStatus(status, err)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &redisSub{ps: ps, onStatus: onStatus, stop: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ps.Close()
		return ErrChannelClosed
	}
	if prev, ok := c.subs[topic]; ok {
		close(prev.stop)
		_ = prev.ps.Close()
	}
	c.subs[topic] = sub
	c.wg.Add(1)
	c.mu.Unlock()

	onStatus(StatusSubscribed, nil)
	go c.listen(topic, sub)
	return nil
}

func (c *RedisChannel) listen(topic string, sub *redisSub) {
	defer c.wg.Done()

	var health <-chan time.Time
	if c.config.HealthInterval > 0 {
		ticker := time.NewTicker(c.config.HealthInterval)
		defer ticker.Stop()
		health = ticker.C
	}

	messages := sub.ps.Channel()
	for {
		select {
		case <-sub.stop:
			return
		case msg, ok := <-messages:
			if !ok {
				c.lost(topic, sub, StatusClosed, nil)
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Type != TypePublish {
				c.logger.Debug("Dropped undecodable frame", map[string]interface{}{
					"topic": topic,
				})
				continue
			}
			env.Topic = topic
			c.dispatch(env.Message())
		case <-health:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.HealthInterval)
			err := c.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				c.lost(topic, sub, StatusError, err)
				return
			}
		}
	}
}

// lost reports a subscription failure unless the channel is shutting down
func (c *RedisChannel) lost(topic string, sub *redisSub, status Status, err error) {
	c.mu.Lock()
	current, ok := c.subs[topic]
	selfInitiated := c.closed || !ok || current != sub
	if !selfInitiated {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	if selfInitiated {
		return
	}
	_ = sub.ps.Close()
	c.logger.Warn("Redis subscription lost", map[string]interface{}{
		"topic":  topic,
		"status": string(status),
	})
	sub.onStatus(status, err)
}

// Publish publishes the event on the topic's Redis channel
func (c *RedisChannel) Publish(ctx context.Context, topic, event string, payload interface{}) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	env, err := NewPublishEnvelope(topic, event, c.config.ClientID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := c.client.Publish(ctx, c.channelName(topic), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// Close unsubscribes everything and waits for the listeners to exit
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*redisSub)
	c.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		close(sub.stop)
		if err := sub.ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.wg.Wait()
	return firstErr
}
