package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/developer-mesh/boardsync/pkg/models"
)

// Point is a rendered cursor position
type Point struct {
	X float64
	Y float64
}

type remoteCursor struct {
	start       Point
	target      Point
	startedAt   time.Time
	duration    time.Duration
	lastArrival time.Time
}

func (c *remoteCursor) at(now time.Time) Point {
	elapsed := now.Sub(c.startedAt)
	if c.duration <= 0 || elapsed >= c.duration {
		return c.target
	}
	if elapsed <= 0 {
		return c.start
	}
	progress := float64(elapsed) / float64(c.duration)
	return Point{
		X: c.start.X + (c.target.X-c.start.X)*progress,
		Y: c.start.Y + (c.target.Y-c.start.Y)*progress,
	}
}

// Interpolator tracks remote cursors and moves each one linearly from where
// it is drawn toward its latest reported position.
type Interpolator struct {
	mu      sync.Mutex
	cfg     Config
	cursors map[string]*remoteCursor
}

// NewInterpolator creates an empty interpolator
func NewInterpolator(cfg Config) *Interpolator {
	return &Interpolator{cfg: cfg, cursors: make(map[string]*remoteCursor)}
}

// Receive records a remote position observed at now. The new segment starts
// at the currently rendered point and lasts as long as the gap since the
// previous arrival, within the configured bounds.
func (i *Interpolator) Receive(ev models.CursorEvent, now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()

	target := Point{X: ev.X, Y: ev.Y}
	c, ok := i.cursors[ev.ClientID]
	if !ok {
		i.cursors[ev.ClientID] = &remoteCursor{
			start:       target,
			target:      target,
			startedAt:   now,
			lastArrival: now,
		}
		return
	}
	c.start = c.at(now)
	c.target = target
	c.startedAt = now
	c.duration = clamp(now.Sub(c.lastArrival), i.cfg.MinInterpolation, i.cfg.MaxInterpolation)
	c.lastArrival = now
}

// Frame advances every cursor to now, drops cursors that have been silent
// for longer than the stale timeout, and returns the rendered positions.
func (i *Interpolator) Frame(now time.Time) map[string]Point {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make(map[string]Point, len(i.cursors))
	for id, c := range i.cursors {
		if now.Sub(c.lastArrival) > i.cfg.StaleTimeout {
			delete(i.cursors, id)
			continue
		}
		out[id] = c.at(now)
	}
	return out
}

// Position returns one cursor's rendered position at now
func (i *Interpolator) Position(clientID string, now time.Time) (Point, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	c, ok := i.cursors[clientID]
	if !ok {
		return Point{}, false
	}
	return c.at(now), true
}

// Remove forgets a participant, for example when it leaves the board
func (i *Interpolator) Remove(clientID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.cursors, clientID)
}

// Participants returns the ids of tracked cursors, sorted
func (i *Interpolator) Participants() []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	ids := make([]string, 0, len(i.cursors))
	for id := range i.cursors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
