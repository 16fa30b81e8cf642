package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/boardsync/pkg/channel"
	"github.com/developer-mesh/boardsync/pkg/observability"
)

// Hub routes publish frames to the connections subscribed to a topic. With
// a Fanout every frame takes the round trip through Redis, so replicas and
// direct Redis subscribers all see the same stream.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Conn]struct{}

	fanout  *Fanout
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewHub creates a hub. fanout may be nil for a single relay.
func NewHub(fanout *Fanout, logger observability.Logger, metrics observability.MetricsClient) *Hub {
	return &Hub{
		topics:  make(map[string]map[*Conn]struct{}),
		fanout:  fanout,
		logger:  observability.OrNoop(logger),
		metrics: observability.MetricsOrNoop(metrics),
	}
}

// Join subscribes c to topic
func (h *Hub) Join(c *Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Conn]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
}

// Joined reports whether c is subscribed to topic
func (h *Hub) Joined(c *Conn, topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.topics[topic][c]
	return ok
}

// Leave unsubscribes c from topic
func (h *Hub) Leave(c *Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, topic)
}

// LeaveAll unsubscribes c from every topic
func (h *Hub) LeaveAll(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.topics {
		h.leaveLocked(c, topic)
	}
}

func (h *Hub) leaveLocked(c *Conn, topic string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// Subscribers returns the number of local connections on topic
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Topics lists the topics with local subscribers
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.topics))
	for topic := range h.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Publish routes a frame to the topic's subscribers, through Redis when
// fan-out is enabled
func (h *Hub) Publish(ctx context.Context, env channel.Envelope) error {
	h.metrics.IncrementCounterWithLabels("relay_messages_total", 1, map[string]string{"event": env.Event})
	if h.fanout != nil {
		return h.fanout.Publish(ctx, env)
	}
	h.Deliver(env)
	return nil
}

// Deliver hands a frame to every local subscriber except its sender
func (h *Hub) Deliver(env channel.Envelope) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.topics[env.Topic]))
	for c := range h.topics[env.Topic] {
		if c.clientID != env.Sender {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(env)
	}
}

// Fanout relays frames between relay replicas over Redis pub/sub. Frames use
// the same channel names and encoding as channel.RedisChannel.
type Fanout struct {
	client redis.UniversalClient
	prefix string
	logger observability.Logger

	mu sync.Mutex
	ps *redis.PubSub
}

// NewFanout creates a fan-out over client. The client is shared and is not
// closed by the fan-out.
func NewFanout(client redis.UniversalClient, prefix string, logger observability.Logger) *Fanout {
	return &Fanout{
		client: client,
		prefix: prefix,
		logger: observability.OrNoop(logger).WithPrefix("fanout"),
	}
}

// Subscribe pattern-subscribes to every board channel and waits for Redis to
// confirm. It must succeed before Run.
func (f *Fanout) Subscribe(ctx context.Context) error {
	ps := f.client.PSubscribe(ctx, f.prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe fan-out: %w", err)
	}
	f.mu.Lock()
	f.ps = ps
	f.mu.Unlock()
	return nil
}

// Publish sends a frame to every replica, this one included
func (f *Fanout) Publish(ctx context.Context, env channel.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := f.client.Publish(ctx, f.prefix+env.Topic, data).Err(); err != nil {
		return fmt.Errorf("fan-out publish: %w", err)
	}
	return nil
}

// Run delivers frames from Redis until ctx is done
func (f *Fanout) Run(ctx context.Context, deliver func(channel.Envelope)) error {
	f.mu.Lock()
	ps := f.ps
	f.mu.Unlock()
	if ps == nil {
		return fmt.Errorf("fan-out not subscribed")
	}
	defer func() { _ = ps.Close() }()

	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("fan-out subscription closed")
			}
			var env channel.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Type != channel.TypePublish {
				f.logger.Debug("Dropped undecodable frame", map[string]interface{}{
					"channel": msg.Channel,
				})
				continue
			}
			env.Topic = strings.TrimPrefix(msg.Channel, f.prefix)
			deliver(env)
		}
	}
}
