package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/developer-mesh/boardsync/pkg/observability"
)

// ErrChannelClosed is returned by operations on a closed channel
var ErrChannelClosed = errors.New("channel closed")

// MemoryHub is an in-process broadcast server. Delivery is synchronous, in
// the publisher's goroutine, which makes multi-client tests deterministic.
type MemoryHub struct {
	mu        sync.Mutex
	topics    map[string]map[*MemoryChannel]StatusFunc
	rejecting map[string]Status
}

// NewMemoryHub creates an empty hub
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		topics:    make(map[string]map[*MemoryChannel]StatusFunc),
		rejecting: make(map[string]Status),
	}
}

// Channel creates a transport for clientID attached to the hub
func (h *MemoryHub) Channel(clientID string, logger observability.Logger) *MemoryChannel {
	return &MemoryChannel{hub: h, clientID: clientID, dispatcher: newDispatcher(clientID, logger)}
}

// Reject makes subsequent subscriptions from clientID fail with status.
// StatusSubscribed lifts the rejection.
func (h *MemoryHub) Reject(clientID string, status Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status == StatusSubscribed {
		delete(h.rejecting, clientID)
		return
	}
	h.rejecting[clientID] = status
}

// Disconnect drops every subscription of clientID as a server-initiated close
func (h *MemoryHub) Disconnect(clientID string) {
	var notify []StatusFunc
	h.mu.Lock()
	for _, subs := range h.topics {
		for ch, onStatus := range subs {
			if ch.clientID == clientID {
				delete(subs, ch)
				notify = append(notify, onStatus)
			}
		}
	}
	h.mu.Unlock()

	for _, onStatus := range notify {
		onStatus(StatusClosed, nil)
	}
}

// Subscribers returns the number of channels subscribed to topic
func (h *MemoryHub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *MemoryHub) subscribe(ch *MemoryChannel, topic string, onStatus StatusFunc) Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	if status, ok := h.rejecting[ch.clientID]; ok {
		return status
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*MemoryChannel]StatusFunc)
		h.topics[topic] = subs
	}
	subs[ch] = onStatus
	return StatusSubscribed
}

func (h *MemoryHub) remove(ch *MemoryChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.topics {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *MemoryHub) publish(env Envelope) {
	h.mu.Lock()
	var targets []*MemoryChannel
	for ch := range h.topics[env.Topic] {
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	for _, ch := range targets {
		ch.dispatch(env.Message())
	}
}

// MemoryChannel is one client's connection to a MemoryHub
type MemoryChannel struct {
	*dispatcher
	hub      *MemoryHub
	clientID string

	mu     sync.Mutex
	closed bool
}

// Subscribe joins topic on the hub
func (c *MemoryChannel) Subscribe(ctx context.Context, topic string, onStatus StatusFunc) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		onStatus(StatusTimedOut, err)
		return err
	}
	status := c.hub.subscribe(c, topic, onStatus)
	if status != StatusSubscribed {
		err := errors.New("subscription rejected: " + string(status))
		onStatus(status, err)
		return err
	}
	onStatus(StatusSubscribed, nil)
	return nil
}

// Publish delivers the event to every other subscriber of topic
func (c *MemoryChannel) Publish(ctx context.Context, topic, event string, payload interface{}) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	env, err := NewPublishEnvelope(topic, event, c.clientID, payload)
	if err != nil {
		return err
	}
	c.hub.publish(env)
	return nil
}

// Close leaves every topic
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.hub.remove(c)
	return nil
}

func (c *MemoryChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
