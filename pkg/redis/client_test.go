package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/boardsync/pkg/observability"
)

func TestNewClient(t *testing.T) {
	logger := observability.NewNoopLogger()

	t.Run("Connects to a single instance", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		config := DefaultConfig()
		config.Addresses = []string{mr.Addr()}

		client, err := NewClient(config, logger)
		require.NoError(t, err)
		defer func() { _ = client.Close() }()

		assert.True(t, client.IsHealthy())
		require.NoError(t, client.Universal().Set(context.Background(), "k", "v", 0).Err())
		mr.CheckGet(t, "k", "v")
	})

	t.Run("Requires a config", func(t *testing.T) {
		client, err := NewClient(nil, logger)
		assert.Error(t, err)
		assert.Nil(t, client)
	})

	t.Run("Requires an address", func(t *testing.T) {
		_, err := NewClient(&Config{}, logger)
		assert.Error(t, err)
	})

	t.Run("Handles connection errors", func(t *testing.T) {
		config := &Config{
			Addresses:   []string{"127.0.0.1:1"},
			DialTimeout: 200 * time.Millisecond,
		}

		client, err := NewClient(config, logger)
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "failed to connect to Redis")
	})

	t.Run("Ping tracks health", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)

		client, err := NewClient(&Config{Addresses: []string{mr.Addr()}, DialTimeout: time.Second}, logger)
		require.NoError(t, err)
		defer func() { _ = client.Close() }()

		mr.Close()
		assert.Error(t, client.Ping(context.Background()))
		assert.False(t, client.IsHealthy())
	})
}
