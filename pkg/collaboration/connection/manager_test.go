package connection

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/developer-mesh/boardsync/pkg/channel"
	"github.com/developer-mesh/boardsync/pkg/errors"
)

// fakeChannel reports a fixed status on Subscribe and, like some real
// transports, reports closed when it is torn down locally.
type fakeChannel struct {
	mu        sync.Mutex
	status    channel.Status
	onStatus  channel.StatusFunc
	closed    bool
	published []string
}

func (c *fakeChannel) Subscribe(ctx context.Context, topic string, onStatus channel.StatusFunc) error {
	c.mu.Lock()
	c.onStatus = onStatus
	status := c.status
	c.mu.Unlock()

	if status == channel.StatusSubscribed {
		onStatus(status, nil)
		return nil
	}
	err := fmt.Errorf("subscribe failed: %s", status)
	onStatus(status, err)
	return err
}

func (c *fakeChannel) Publish(ctx context.Context, topic, event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, event)
	return nil
}

func (c *fakeChannel) Handle(string, channel.Handler) {}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	onStatus := c.onStatus
	c.mu.Unlock()
	if onStatus != nil {
		onStatus(channel.StatusClosed, nil)
	}
	return nil
}

// drop simulates a server-initiated close
func (c *fakeChannel) drop() {
	c.mu.Lock()
	onStatus := c.onStatus
	c.mu.Unlock()
	onStatus(channel.StatusClosed, nil)
}

type fakeTransport struct {
	mu       sync.Mutex
	statuses []channel.Status
	channels []*fakeChannel
	err      error
}

// next status for each created channel; the last one repeats
func (f *fakeTransport) factory(ctx context.Context) (channel.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	ch := &fakeChannel{status: status}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeTransport) setStatuses(statuses ...channel.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = statuses
}

func (f *fakeTransport) last() *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[len(f.channels)-1]
}

func (f *fakeTransport) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

type fakeTimer struct {
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type fakeClock struct {
	delays []time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) after(d time.Duration, f func()) Stopper {
	t := &fakeTimer{f: f}
	c.delays = append(c.delays, d)
	c.timers = append(c.timers, t)
	return t
}

// fire runs the most recent timer as if it had expired
func (c *fakeClock) fire() {
	t := c.timers[len(c.timers)-1]
	t.stopped = true
	t.f()
}

func (c *fakeClock) active() int {
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type harness struct {
	m         *Manager
	transport *fakeTransport
	clock     *fakeClock
	connected []bool
	changes   []StateChange
}

func newHarness(statuses ...channel.Status) *harness {
	h := &harness{transport: &fakeTransport{statuses: statuses}, clock: &fakeClock{}}
	h.m = NewManager(DefaultConfig("board:1"), h.transport.factory,
		WithAfterFunc(h.clock.after),
		WithOnConnected(func(_ context.Context, first bool) { h.connected = append(h.connected, first) }),
	)
	h.m.OnStateChange(func(c StateChange) { h.changes = append(h.changes, c) })
	return h
}

func TestManagerConnect(t *testing.T) {
	t.Run("First subscription connects", func(t *testing.T) {
		h := newHarness(channel.StatusSubscribed)
		assert.Equal(t, StateConnecting, h.m.State())

		h.m.Start()
		h.m.ProcessPending()
		assert.Equal(t, StateConnected, h.m.State())
		assert.Equal(t, []bool{true}, h.connected)
		assert.Equal(t, 1, h.transport.created())
	})

	t.Run("Publish requires a connection", func(t *testing.T) {
		h := newHarness(channel.StatusSubscribed)
		err := h.m.Publish(context.Background(), channel.EventCursor, nil)
		assert.ErrorIs(t, err, errors.ErrTransport)

		h.m.Start()
		h.m.ProcessPending()
		require.Equal(t, StateConnected, h.m.State())
		require.NoError(t, h.m.Publish(context.Background(), channel.EventCursor, nil))
		assert.Equal(t, []string{channel.EventCursor}, h.transport.last().published)
	})

	t.Run("Factory error counts as a failed attempt", func(t *testing.T) {
		h := newHarness(channel.StatusSubscribed)
		h.transport.err = fmt.Errorf("dial refused")
		h.m.Start()
		h.m.ProcessPending()
		assert.Equal(t, StateReconnecting, h.m.State())
		assert.Equal(t, 1, h.m.Attempts())
		assert.Equal(t, []time.Duration{time.Second}, h.clock.delays)
	})
}

func TestManagerReconnect(t *testing.T) {
	t.Run("Backoff doubles from one second and caps at sixteen", func(t *testing.T) {
		m := NewManager(DefaultConfig("board:1"), nil)
		var delays []time.Duration
		for attempt := 1; attempt <= 6; attempt++ {
			delays = append(delays, m.Delay(attempt))
		}
		assert.Equal(t, []time.Duration{
			1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond,
			8000 * time.Millisecond, 16000 * time.Millisecond, 16000 * time.Millisecond,
		}, delays)
	})

	t.Run("Five failed reconnects end in disconnected with no sixth attempt", func(t *testing.T) {
		h := newHarness(channel.StatusSubscribed, channel.StatusError)
		h.m.Start()
		h.m.ProcessPending()
		require.Equal(t, StateConnected, h.m.State())

		h.transport.last().drop()
		h.m.ProcessPending()
		require.Equal(t, StateReconnecting, h.m.State())

		for i := 0; i < 5; i++ {
			h.clock.fire()
			h.m.ProcessPending()
		}

		assert.Equal(t, StateDisconnected, h.m.State())
		assert.Equal(t, []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		}, h.clock.delays)
		assert.Zero(t, h.clock.active())
		assert.Equal(t, 6, h.transport.created())

		last := h.changes[len(h.changes)-1]
		assert.Equal(t, StateDisconnected, last.To)
		assert.ErrorIs(t, last.Err, errors.ErrDisconnected)
	})

	t.Run("Configured attempt limit bounds reconnects", func(t *testing.T) {
		transport := &fakeTransport{statuses: []channel.Status{channel.StatusSubscribed, channel.StatusError}}
		clock := &fakeClock{}
		config := DefaultConfig("board:1")
		config.MaxAttempts = 2
		m := NewManager(config, transport.factory, WithAfterFunc(clock.after))

		m.Start()
		m.ProcessPending()
		transport.last().drop()
		m.ProcessPending()
		for i := 0; i < 2; i++ {
			clock.fire()
			m.ProcessPending()
		}

		assert.Equal(t, StateDisconnected, m.State())
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.delays)
		assert.Zero(t, clock.active())
	})

	t.Run("Reconnect triggers reconciliation and resets attempts", func(t *testing.T) {
		h := newHarness(channel.StatusSubscribed, channel.StatusTimedOut, channel.StatusSubscribed)
		h.m.Start()
		h.m.ProcessPending()

		h.transport.last().drop()
		h.m.ProcessPending()
		h.clock.fire()
		h.m.ProcessPending()
		assert.Equal(t, 2, h.m.Attempts())
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.clock.delays)

		h.clock.fire()
		h.m.ProcessPending()
		assert.Equal(t, StateConnected, h.m.State())
		assert.Equal(t, 0, h.m.Attempts())
		assert.Equal(t, []bool{true, false}, h.connected)
	})

	t.Run("Every attempt uses a fresh transport", func(t *testing.T) {
		h := newHarness(channel.StatusSubscribed, channel.StatusSubscribed)
		h.m.Start()
		h.m.ProcessPending()
		first := h.transport.last()

		first.drop()
		h.m.ProcessPending()
		h.clock.fire()
		h.m.ProcessPending()

		assert.True(t, first.closed)
		assert.NotSame(t, first, h.transport.last())
		assert.False(t, h.transport.last().closed)
	})

	t.Run("Local teardown does not consume an attempt", func(t *testing.T) {
		h := newHarness(channel.StatusSubscribed, channel.StatusError)
		h.m.Start()
		h.m.ProcessPending()

		// the dropped transport reports closed again when the manager closes it
		h.transport.last().drop()
		h.m.ProcessPending()
		assert.Equal(t, 1, h.m.Attempts())
		assert.Len(t, h.clock.delays, 1)
	})

	t.Run("Close is not a failure", func(t *testing.T) {
		h := newHarness(channel.StatusSubscribed)
		h.m.Start()
		h.m.ProcessPending()

		h.m.Close()
		h.m.ProcessPending()
		assert.Equal(t, StateConnected, h.m.State())
		assert.Zero(t, h.m.Attempts())
		assert.True(t, h.transport.last().closed)
		assert.Empty(t, h.clock.delays)
	})

	t.Run("Stale timer is ignored", func(t *testing.T) {
		h := newHarness(channel.StatusSubscribed, channel.StatusError)
		h.m.Start()
		h.m.ProcessPending()
		h.transport.last().drop()
		h.m.ProcessPending()

		h.m.HandleEvent(Event{Kind: EventTimerFired, Generation: 0})
		assert.Equal(t, 1, h.transport.created())
	})
}

func TestManagerTerminalStates(t *testing.T) {
	t.Run("Sign-out wins from any state", func(t *testing.T) {
		h := newHarness(channel.StatusSubscribed, channel.StatusError)
		h.m.Start()
		h.m.ProcessPending()
		h.transport.last().drop()
		h.m.ProcessPending()
		require.Equal(t, StateReconnecting, h.m.State())

		h.m.SignedOut()
		h.m.ProcessPending()
		assert.Equal(t, StateAuthExpired, h.m.State())
		assert.Zero(t, h.clock.active())

		h.clock.fire()
		h.m.ProcessPending()
		assert.Equal(t, StateAuthExpired, h.m.State())
		assert.Equal(t, 1, h.transport.created())

		h.m.Retry()
		h.m.ProcessPending()
		assert.Equal(t, StateAuthExpired, h.m.State())
	})

	t.Run("Manual retry restarts from disconnected", func(t *testing.T) {
		h := newHarness(channel.StatusError)
		h.m.Start()
		h.m.ProcessPending()
		for h.m.State() != StateDisconnected {
			h.clock.fire()
			h.m.ProcessPending()
		}

		h.transport.setStatuses(channel.StatusSubscribed)
		h.m.Retry()
		h.m.ProcessPending()
		assert.Equal(t, StateConnected, h.m.State())
		assert.Zero(t, h.m.Attempts())

		var sawConnecting bool
		for _, c := range h.changes {
			if c.From == StateDisconnected && c.To == StateConnecting {
				sawConnecting = true
			}
		}
		assert.True(t, sawConnecting)
	})

	t.Run("Retry outside disconnected is ignored", func(t *testing.T) {
		h := newHarness(channel.StatusSubscribed)
		h.m.Start()
		h.m.ProcessPending()
		h.m.Retry()
		h.m.ProcessPending()
		assert.Equal(t, 1, h.transport.created())
	})
}

func TestManagerRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("Recovers over a memory hub with real timers", func(t *testing.T) {
		hub := channel.NewMemoryHub()
		hub.Reject("A", channel.StatusError)

		config := DefaultConfig("board:1")
		config.BaseDelay = time.Millisecond
		config.MaxDelay = 5 * time.Millisecond
		config.MaxAttempts = 100

		m := NewManager(config, func(context.Context) (channel.Channel, error) {
			return hub.Channel("A", nil), nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = m.Run(ctx)
		}()
		m.Start()

		assert.Eventually(t, func() bool { return m.Attempts() >= 2 }, 2*time.Second, time.Millisecond)
		hub.Reject("A", channel.StatusSubscribed)
		assert.Eventually(t, func() bool { return m.State() == StateConnected }, 2*time.Second, time.Millisecond)
		assert.Equal(t, 1, hub.Subscribers("board:1"))

		hub.Disconnect("A")
		assert.Eventually(t, func() bool { return m.State() == StateConnected && hub.Subscribers("board:1") == 1 }, 2*time.Second, time.Millisecond)

		cancel()
		<-done
		assert.Zero(t, hub.Subscribers("board:1"))
	})
}
