package presence

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/developer-mesh/boardsync/pkg/models"
)

// SendInterval returns the cursor send interval for a board with the given
// number of occupants. The aggregate cursor rate of all occupants stays under
// SafetyMargin of the transport limit minus the drag reserve.
func SendInterval(cfg Config, occupants int) time.Duration {
	if occupants < 1 {
		occupants = 1
	}
	budget := cfg.TransportRateLimit * cfg.SafetyMargin * (1 - cfg.DragReserve)
	if budget <= 0 {
		return cfg.MaxInterval
	}
	perClient := budget / float64(occupants)
	interval := time.Duration(float64(time.Second) / perClient)
	return clamp(interval, cfg.MinInterval, cfg.MaxInterval)
}

// Throttle limits outgoing cursor updates. The interval adapts whenever the
// occupant count changes.
type Throttle struct {
	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	occupants int
}

// NewThrottle creates a throttle for a board with a single occupant
func NewThrottle(cfg Config) *Throttle {
	t := &Throttle{cfg: cfg, occupants: 1}
	t.limiter = rate.NewLimiter(rate.Every(SendInterval(cfg, 1)), 1)
	return t
}

// SetOccupants updates the occupant count used to size the interval
func (t *Throttle) SetOccupants(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n < 1 {
		n = 1
	}
	if n == t.occupants {
		return
	}
	t.occupants = n
	t.limiter.SetLimit(rate.Every(SendInterval(t.cfg, n)))
}

// Interval returns the current send interval
func (t *Throttle) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return SendInterval(t.cfg, t.occupants)
}

// Allow reports whether a message may be sent at now
func (t *Throttle) Allow(now time.Time) bool {
	return t.limiter.AllowN(now, 1)
}

// CursorSender publishes the local cursor through a Throttle. A position
// that arrives too early is held and sent by the next Flush, so the last
// position always goes out.
type CursorSender struct {
	mu       sync.Mutex
	throttle *Throttle
	clientID string
	publish  func(models.CursorEvent)
	pending  *models.CursorEvent
}

// NewCursorSender creates a sender for clientID
func NewCursorSender(throttle *Throttle, clientID string, publish func(models.CursorEvent)) *CursorSender {
	return &CursorSender{throttle: throttle, clientID: clientID, publish: publish}
}

// Move offers a new local cursor position; it reports whether it was sent
func (s *CursorSender) Move(now time.Time, x, y float64) bool {
	ev := models.CursorEvent{ClientID: s.clientID, X: x, Y: y, SentAt: now.UnixMilli()}

	s.mu.Lock()
	if !s.throttle.Allow(now) {
		s.pending = &ev
		s.mu.Unlock()
		return false
	}
	s.pending = nil
	s.mu.Unlock()

	s.publish(ev)
	return true
}

// Flush sends a held position if the throttle allows it
func (s *CursorSender) Flush(now time.Time) bool {
	s.mu.Lock()
	if s.pending == nil || !s.throttle.Allow(now) {
		s.mu.Unlock()
		return false
	}
	ev := *s.pending
	ev.SentAt = now.UnixMilli()
	s.pending = nil
	s.mu.Unlock()

	s.publish(ev)
	return true
}
