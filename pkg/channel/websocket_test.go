package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/boardsync/pkg/models"
)

// fakeRelay acknowledges joins and reflects every publish back to the
// sender under a different sender id. closeAfterJoin makes it hang up.
func fakeRelay(t *testing.T, closeAfterJoin bool, rejectJoin bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "A", r.URL.Query().Get("client_id"))

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()

		ctx := r.Context()
		for {
			var env Envelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				return
			}
			switch env.Type {
			case TypeJoin:
				if rejectJoin {
					_ = wsjson.Write(ctx, conn, Envelope{Type: TypeError, Topic: env.Topic, Payload: []byte(`"forbidden"`)})
					continue
				}
				_ = wsjson.Write(ctx, conn, Envelope{Type: TypeJoined, Topic: env.Topic})
				if closeAfterJoin {
					_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
					return
				}
			case TypePublish:
				env.Sender = "B"
				_ = wsjson.Write(ctx, conn, env)
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketChannel(t *testing.T) {
	ctx := context.Background()

	t.Run("Joins and receives relayed events", func(t *testing.T) {
		server := fakeRelay(t, false, false)
		defer server.Close()

		ch := NewWebSocketChannel(WebSocketConfig{URL: wsURL(server), ClientID: "A", Token: "secret"}, nil)
		defer func() { _ = ch.Close() }()

		received := make(chan Message, 1)
		ch.Handle(EventSelection, func(m Message) { received <- m })

		var log syncStatusLog
		require.NoError(t, ch.Subscribe(ctx, "board:1", log.record))
		assert.Equal(t, []Status{StatusSubscribed}, log.snapshot())

		require.NoError(t, ch.Publish(ctx, "board:1", EventSelection, models.SelectionEvent{ClientID: "A", ObjectIDs: []string{"x"}}))
		select {
		case msg := <-received:
			var sel models.SelectionEvent
			require.NoError(t, msg.Decode(&sel))
			assert.Equal(t, []string{"x"}, sel.ObjectIDs)
			assert.Equal(t, "B", msg.Sender)
		case <-time.After(2 * time.Second):
			t.Fatal("event not relayed")
		}
	})

	t.Run("Server close is reported", func(t *testing.T) {
		server := fakeRelay(t, true, false)
		defer server.Close()

		ch := NewWebSocketChannel(WebSocketConfig{URL: wsURL(server), ClientID: "A", Token: "secret"}, nil)
		defer func() { _ = ch.Close() }()

		var log syncStatusLog
		require.NoError(t, ch.Subscribe(ctx, "board:1", log.record))
		assert.Eventually(t, func() bool {
			statuses := log.snapshot()
			return len(statuses) == 2 && statuses[1] == StatusClosed
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Rejected join reports an error", func(t *testing.T) {
		server := fakeRelay(t, false, true)
		defer server.Close()

		ch := NewWebSocketChannel(WebSocketConfig{URL: wsURL(server), ClientID: "A", Token: "secret"}, nil)
		defer func() { _ = ch.Close() }()

		var log syncStatusLog
		err := ch.Subscribe(ctx, "board:1", log.record)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "forbidden")
		assert.Equal(t, []Status{StatusError}, log.snapshot())
	})

	t.Run("Dial failure reports an error", func(t *testing.T) {
		ch := NewWebSocketChannel(WebSocketConfig{URL: "ws://127.0.0.1:1/ws", ClientID: "A", DialTimeout: 200 * time.Millisecond}, nil)
		var log syncStatusLog
		assert.Error(t, ch.Subscribe(ctx, "board:1", log.record))
		assert.Len(t, log.snapshot(), 1)
		assert.NotEqual(t, StatusSubscribed, log.snapshot()[0])
	})

	t.Run("Self close is not reported", func(t *testing.T) {
		server := fakeRelay(t, false, false)
		defer server.Close()

		ch := NewWebSocketChannel(WebSocketConfig{URL: wsURL(server), ClientID: "A", Token: "secret"}, nil)
		var log syncStatusLog
		require.NoError(t, ch.Subscribe(ctx, "board:1", log.record))
		_ = ch.Close()

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, []Status{StatusSubscribed}, log.snapshot())
		assert.ErrorIs(t, ch.Publish(ctx, "board:1", EventCursor, nil), ErrChannelClosed)
	})

	t.Run("Publish before connecting fails", func(t *testing.T) {
		ch := NewWebSocketChannel(WebSocketConfig{URL: "ws://127.0.0.1:1/ws", ClientID: "A"}, nil)
		assert.ErrorIs(t, ch.Publish(ctx, "board:1", EventCursor, nil), ErrChannelClosed)
	})
}
