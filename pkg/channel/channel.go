// Package channel is the broadcast transport of a board: publish/subscribe on
// a per-board topic, with named events dispatched to registered handlers and
// subscription health reported through a status callback.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/developer-mesh/boardsync/pkg/observability"
)

// Status is the health of a subscription
type Status string

const (
	StatusSubscribed Status = "subscribed"
	StatusError      Status = "error"
	StatusTimedOut   Status = "timed_out"
	StatusClosed     Status = "closed"
)

// Event names carried on a board topic
const (
	EventChangeBatch = "object-change-batch"
	EventCursor      = "cursor"
	EventSelection   = "selection"
	EventPresence    = "presence"
)

// StatusFunc receives subscription status changes. err is set for
// StatusError and may be set for the others.
type StatusFunc func(status Status, err error)

// Handler receives one delivered event
type Handler func(msg Message)

// Message is a delivered event
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v
func (m Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return nil
}

// Channel is a broadcast transport. Messages a client publishes are not
// delivered back to that client.
type Channel interface {
	// Subscribe joins topic. Status changes, including the initial result,
	// are reported through onStatus; the returned error repeats a failed
	// initial result.
	Subscribe(ctx context.Context, topic string, onStatus StatusFunc) error
	// Publish sends payload as event to every other subscriber of topic
	Publish(ctx context.Context, topic, event string, payload interface{}) error
	// Handle registers h for event. Several handlers may share an event.
	Handle(event string, h Handler)
	// Close tears the transport down. Closing is not reported as StatusClosed.
	Close() error
}

// Envelope types exchanged with the relay and over Redis
const (
	TypeJoin    = "join"
	TypeJoined  = "joined"
	TypeLeave   = "leave"
	TypePublish = "publish"
	TypeError   = "error"
)

// Envelope is the wire frame of every transport
type Envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewPublishEnvelope marshals payload into a publish frame
func NewPublishEnvelope(topic, event, sender string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Type: TypePublish, Topic: topic, Event: event, Sender: sender, Payload: raw}, nil
}

// Message converts a publish frame into a delivered message
func (e Envelope) Message() Message {
	return Message{Topic: e.Topic, Event: e.Event, Sender: e.Sender, Payload: e.Payload}
}

// dispatcher fans delivered messages out to registered handlers
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	self     string
	logger   observability.Logger
}

func newDispatcher(self string, logger observability.Logger) *dispatcher {
	return &dispatcher{
		handlers: make(map[string][]Handler),
		self:     self,
		logger:   observability.OrNoop(logger),
	}
}

func (d *dispatcher) Handle(event string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = append(d.handlers[event], h)
}

func (d *dispatcher) dispatch(msg Message) {
	if msg.Sender == d.self {
		return
	}
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[msg.Event]...)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug("No handler for event", map[string]interface{}{
			"event": msg.Event,
			"topic": msg.Topic,
		})
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}
