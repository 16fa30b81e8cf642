// Package hlc implements the hybrid logical clock used to stamp every board
// mutation. A Timestamp totally orders events across clients: wall-clock
// milliseconds first, then the logical counter, then the client id.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Ordering is the result of comparing two timestamps
type Ordering int

const (
	Before Ordering = -1
	Equal  Ordering = 0
	After  Ordering = 1
)

// String returns a readable name for the ordering
func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "equal"
	}
}

// Timestamp is a (wall millis, counter, client id) triple
type Timestamp struct {
	Wall     int64  `json:"ts"`
	Counter  uint32 `json:"c"`
	ClientID string `json:"id"`
}

// Compare orders t against other by wall time, then counter, then client id
func (t Timestamp) Compare(other Timestamp) Ordering {
	switch {
	case t.Wall < other.Wall:
		return Before
	case t.Wall > other.Wall:
		return After
	case t.Counter < other.Counter:
		return Before
	case t.Counter > other.Counter:
		return After
	case t.ClientID < other.ClientID:
		return Before
	case t.ClientID > other.ClientID:
		return After
	default:
		return Equal
	}
}

// After reports whether t is strictly after other
func (t Timestamp) After(other Timestamp) bool {
	return t.Compare(other) == After
}

// Before reports whether t is strictly before other
func (t Timestamp) Before(other Timestamp) bool {
	return t.Compare(other) == Before
}

// IsZero reports whether t was never set
func (t Timestamp) IsZero() bool {
	return t.Wall == 0 && t.Counter == 0 && t.ClientID == ""
}

// String renders the triple for logs
func (t Timestamp) String() string {
	return fmt.Sprintf("(%d,%d,%s)", t.Wall, t.Counter, t.ClientID)
}

// Max returns the later of a and b
func Max(a, b Timestamp) Timestamp {
	if b.After(a) {
		return b
	}
	return a
}

// Option configures a Clock
type Option func(*Clock)

// WithNow replaces the physical clock, returning Unix milliseconds
func WithNow(now func() int64) Option {
	return func(c *Clock) {
		c.now = now
	}
}

// Clock is a per-client hybrid logical clock. Every produced Timestamp is
// strictly after every Timestamp previously produced or observed.
type Clock struct {
	mu       sync.Mutex
	clientID string
	last     Timestamp
	now      func() int64
}

// NewClock creates a clock for clientID
func NewClock(clientID string, opts ...Option) *Clock {
	c := &Clock{
		clientID: clientID,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.last = Timestamp{ClientID: clientID}
	return c
}

// ClientID returns the id stamped on every timestamp
func (c *Clock) ClientID() string {
	return c.clientID
}

// Now ticks the clock for a local event. Within the same millisecond as the
// previous tick the counter advances; otherwise the counter resets and the
// current wall time is adopted. A physical clock that moved backwards never
// moves the logical clock backwards.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.now()
	if wall > c.last.Wall {
		c.last = Timestamp{Wall: wall, ClientID: c.clientID}
	} else {
		c.last = Timestamp{Wall: c.last.Wall, Counter: c.last.Counter + 1, ClientID: c.clientID}
	}
	return c.last
}

// Observe ticks the clock for a received remote timestamp. When the remote
// wall time is ahead, the clock adopts remote wall + 1 so the local clock is
// never behind anything it has seen.
func (c *Clock) Observe(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.now()
	if c.last.Wall > wall {
		wall = c.last.Wall
	}

	switch {
	case remote.Wall > wall:
		c.last = Timestamp{Wall: remote.Wall + 1, ClientID: c.clientID}
	case wall == c.last.Wall:
		counter := c.last.Counter
		if remote.Wall == wall && remote.Counter > counter {
			counter = remote.Counter
		}
		c.last = Timestamp{Wall: wall, Counter: counter + 1, ClientID: c.clientID}
	case remote.Wall == wall:
		c.last = Timestamp{Wall: wall, Counter: remote.Counter + 1, ClientID: c.clientID}
	default:
		c.last = Timestamp{Wall: wall, ClientID: c.clientID}
	}
	return c.last
}

// Last returns the most recently produced timestamp without ticking
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
