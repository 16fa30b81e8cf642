package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	boarderrors "github.com/developer-mesh/boardsync/pkg/errors"
	"github.com/developer-mesh/boardsync/pkg/models"
	"github.com/developer-mesh/boardsync/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func fastWriterConfig() WriterConfig {
	return WriterConfig{
		Workers:         2,
		QueueSize:       8,
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		BreakerFailures: 100,
	}
}

func request(id string) WriteRequest {
	return WriteRequest{
		BoardID:  "b1",
		ObjectID: id,
		Patch:    models.Patch{"text": id},
		Clocks:   models.FieldClocks{"text": ts(1, 0, "A")},
	}
}

type outcome struct {
	req WriteRequest
	err error
}

func collect() (Callback, <-chan outcome) {
	ch := make(chan outcome, 16)
	return func(req WriteRequest, err error) { ch <- outcome{req, err} }, ch
}

func TestWriterWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		store := newMemStore()
		store.failN = 2
		store.failErr = errors.New("connection reset")
		w := NewWriter(store, fastWriterConfig())
		defer w.Close()

		require.NoError(t, w.Write(ctx, request("x")))
		assert.Equal(t, 3, store.writeCount())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		store := newMemStore()
		store.failN = -1
		store.failErr = errors.New("connection reset")
		w := NewWriter(store, fastWriterConfig())
		defer w.Close()

		err := w.Write(ctx, request("x"))
		require.Error(t, err)
		assert.ErrorIs(t, err, boarderrors.ErrWriteFailed)
		assert.Equal(t, boarderrors.ClassWriteFailed, boarderrors.ClassOf(err))
		assert.Equal(t, 4, store.writeCount())
	})

	t.Run("does not retry rejections", func(t *testing.T) {
		store := newMemStore()
		store.failN = -1
		store.failErr = fmt.Errorf("%w: bad patch", ErrRejected)
		w := NewWriter(store, fastWriterConfig())
		defer w.Close()

		err := w.Write(ctx, request("x"))
		assert.ErrorIs(t, err, boarderrors.ErrWriteFailed)
		assert.ErrorIs(t, err, ErrRejected)
		assert.Equal(t, 1, store.writeCount())
	})

	t.Run("open breaker fails fast", func(t *testing.T) {
		store := newMemStore()
		store.failN = -1
		store.failErr = errors.New("down")
		cfg := fastWriterConfig()
		cfg.BreakerFailures = 2
		cfg.BreakerTimeout = time.Hour
		w := NewWriter(store, cfg)
		defer w.Close()

		require.Error(t, w.Write(ctx, request("x")))
		assert.Equal(t, 2, store.writeCount())
		assert.Equal(t, "open", w.BreakerState())

		require.Error(t, w.Write(ctx, request("y")))
		assert.Equal(t, 2, store.writeCount())
	})

	t.Run("records metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := observability.NewPrometheusMetricsClient(registry, "boardsync", "", nil)
		store := newMemStore()
		w := NewWriter(store, fastWriterConfig(), WithMetrics(metrics))
		defer w.Close()

		require.NoError(t, w.Write(ctx, request("x")))
		store.failN = -1
		store.failErr = errors.New("down")
		require.Error(t, w.Write(ctx, request("y")))

		count, err := testutil.GatherAndCount(registry, "boardsync_persistence_writes_total")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestWriterSubmit(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	t.Run("reports outcomes to callbacks", func(t *testing.T) {
		store := newMemStore()
		w := NewWriter(store, fastWriterConfig())

		done, outcomes := collect()
		require.NoError(t, w.Submit(ctx, request("a"), done))
		require.NoError(t, w.Submit(ctx, request("b"), done))

		got := map[string]error{}
		for i := 0; i < 2; i++ {
			select {
			case o := <-outcomes:
				got[o.req.ObjectID] = o.err
			case <-time.After(2 * time.Second):
				t.Fatal("write outcome not reported")
			}
		}
		assert.Equal(t, map[string]error{"a": nil, "b": nil}, got)
		require.NoError(t, w.Close())
	})

	t.Run("reports terminal failures", func(t *testing.T) {
		store := newMemStore()
		store.failN = -1
		store.failErr = errors.New("down")
		w := NewWriter(store, fastWriterConfig())

		done, outcomes := collect()
		require.NoError(t, w.Submit(ctx, request("a"), done))

		select {
		case o := <-outcomes:
			assert.ErrorIs(t, o.err, boarderrors.ErrWriteFailed)
			assert.Equal(t, "a", o.req.ObjectID)
		case <-time.After(2 * time.Second):
			t.Fatal("write outcome not reported")
		}
		require.NoError(t, w.Close())
	})

	t.Run("close drains queued writes", func(t *testing.T) {
		store := newMemStore()
		w := NewWriter(store, fastWriterConfig())

		var mu sync.Mutex
		finished := 0
		for i := 0; i < 5; i++ {
			require.NoError(t, w.Submit(ctx, request(fmt.Sprint(i)), func(WriteRequest, error) {
				mu.Lock()
				finished++
				mu.Unlock()
			}))
		}
		require.NoError(t, w.Close())

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 5, finished)
	})

	t.Run("rejects submissions after close", func(t *testing.T) {
		w := NewWriter(newMemStore(), fastWriterConfig())
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())

		err := w.Submit(ctx, request("a"), nil)
		assert.ErrorIs(t, err, boarderrors.ErrClosed)
	})
}
