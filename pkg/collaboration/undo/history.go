package undo

import (
	"sync"

	"github.com/developer-mesh/boardsync/pkg/observability"
)

// DefaultCapacity is the default depth of each stack
const DefaultCapacity = 50

// Result describes one undo or redo step
type Result struct {
	Kind    Kind
	Applied bool
	Skipped []string
}

// History is a pair of bounded undo/redo stacks. When a stack is full the
// oldest entry is dropped.
type History struct {
	mu       sync.Mutex
	undo     []Entry
	redo     []Entry
	capacity int
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// Option configures a History
type Option func(*History)

// WithLogger sets the logger
func WithLogger(logger observability.Logger) Option {
	return func(h *History) { h.logger = logger }
}

// WithMetrics sets the metrics client
func WithMetrics(metrics observability.MetricsClient) Option {
	return func(h *History) { h.metrics = metrics }
}

// NewHistory creates empty stacks holding at most capacity entries each
func NewHistory(capacity int, opts ...Option) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h := &History{capacity: capacity}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = observability.OrNoop(h.logger)
	h.metrics = observability.MetricsOrNoop(h.metrics)
	return h
}

// Push records a fresh user action and invalidates the redo stack
func (h *History) Push(entry Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.undo = h.bounded(append(h.undo, entry))
	h.redo = nil
}

// Undo reverts the most recent action
func (h *History) Undo(target Target) Result {
	return h.step("undo", target, &h.undo, &h.redo)
}

// Redo re-applies the most recently undone action
func (h *History) Redo(target Target) Result {
	return h.step("redo", target, &h.redo, &h.undo)
}

// step pops from one stack, executes the entry and pushes its inverse onto
// the other. Executing happens outside the lock because the target writes
// back through the session, which may itself consult the history.
func (h *History) step(op string, target Target, from, to *[]Entry) Result {
	h.mu.Lock()
	if len(*from) == 0 {
		h.mu.Unlock()
		return Result{}
	}
	entry := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]
	h.mu.Unlock()

	inverse, skipped, ok := Execute(entry, target)
	result := Result{Kind: entry.Kind, Applied: ok, Skipped: skipped}

	if len(skipped) > 0 {
		h.logger.Debug("Skipped missing objects", map[string]interface{}{
			"op":      op,
			"kind":    string(entry.Kind),
			"skipped": skipped,
		})
	}
	if !ok {
		h.logger.Info("Discarded stale history entry", map[string]interface{}{
			"op":   op,
			"kind": string(entry.Kind),
		})
		h.metrics.IncrementCounterWithLabels("undo_operations_total", 1, map[string]string{
			"op": op + "_stale", "kind": string(entry.Kind),
		})
		return result
	}

	h.mu.Lock()
	*to = h.bounded(append(*to, inverse))
	h.mu.Unlock()

	h.metrics.IncrementCounterWithLabels("undo_operations_total", 1, map[string]string{
		"op": op, "kind": string(entry.Kind),
	})
	return result
}

func (h *History) bounded(stack []Entry) []Entry {
	if over := len(stack) - h.capacity; over > 0 {
		stack = append([]Entry(nil), stack[over:]...)
	}
	return stack
}

// CanUndo reports whether there is anything to undo
func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo) > 0
}

// CanRedo reports whether there is anything to redo
func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.redo) > 0
}

// Depth returns the sizes of the undo and redo stacks
func (h *History) Depth() (undo, redo int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo), len(h.redo)
}

// Peek returns the entry the next Undo would execute
func (h *History) Peek() (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.undo) == 0 {
		return Entry{}, false
	}
	return h.undo[len(h.undo)-1], true
}

// Clear empties both stacks
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undo = nil
	h.redo = nil
}
