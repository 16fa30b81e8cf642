package auth

import (
	"sync"
	"time"

	"github.com/developer-mesh/boardsync/pkg/observability"
)

// Stopper cancels a scheduled timer
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d
type AfterFunc func(d time.Duration, f func()) Stopper

// SessionWatcher emits signed-out when the current token expires or the
// user signs out explicitly. Each token signs out at most once.
type SessionWatcher struct {
	after  AfterFunc
	now    func() time.Time
	logger observability.Logger

	mu         sync.Mutex
	token      string
	timer      Stopper
	generation uint64
	signedOut  bool
	listeners  []func()
}

// WatcherOption configures a SessionWatcher
type WatcherOption func(*SessionWatcher)

// WithAfterFunc replaces the timer implementation
func WithAfterFunc(after AfterFunc) WatcherOption {
	return func(w *SessionWatcher) { w.after = after }
}

// WithNow replaces the wall clock
func WithNow(now func() time.Time) WatcherOption {
	return func(w *SessionWatcher) { w.now = now }
}

// WithLogger sets the logger
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *SessionWatcher) { w.logger = logger }
}

// NewSessionWatcher creates a watcher with no token
func NewSessionWatcher(opts ...WatcherOption) *SessionWatcher {
	w := &SessionWatcher{
		after: func(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) },
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = observability.OrNoop(w.logger).WithPrefix("session")
	return w
}

// OnSignedOut registers f to run when the session ends
func (w *SessionWatcher) OnSignedOut(f func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, f)
}

// SetToken replaces the session token and schedules its expiry. A token that
// is already expired signs out immediately.
func (w *SessionWatcher) SetToken(token string) error {
	expiry, hasExpiry, err := ExpiresAt(token)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.generation++
	generation := w.generation
	w.token = token
	w.signedOut = false

	if !hasExpiry {
		w.mu.Unlock()
		return nil
	}
	remaining := expiry.Sub(w.now())
	if remaining <= 0 {
		w.mu.Unlock()
		w.expire(generation)
		return nil
	}
	w.timer = w.after(remaining, func() { w.expire(generation) })
	w.mu.Unlock()

	w.logger.Debug("Session token scheduled", map[string]interface{}{
		"expires_in": remaining.String(),
	})
	return nil
}

// Token returns the current token, empty after sign-out
func (w *SessionWatcher) Token() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.signedOut {
		return ""
	}
	return w.token
}

// SignedOut reports whether the session has ended
func (w *SessionWatcher) SignedOut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.signedOut
}

// SignOut ends the session now
func (w *SessionWatcher) SignOut() {
	w.mu.Lock()
	generation := w.generation
	w.mu.Unlock()
	w.expire(generation)
}

func (w *SessionWatcher) expire(generation uint64) {
	w.mu.Lock()
	if generation != w.generation || w.signedOut {
		w.mu.Unlock()
		return
	}
	w.signedOut = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	listeners := append([]func(){}, w.listeners...)
	w.mu.Unlock()

	w.logger.Info("Session signed out", nil)
	for _, f := range listeners {
		f()
	}
}

// Close cancels the expiry timer without signing out
func (w *SessionWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.generation++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
