package storage

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	t.Run("connects and applies overrides", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RedisURL = "redis://" + mr.Addr()
		cfg.RedisDB = 2
		cfg.RedisPoolSize = 3

		client, err := NewRedisClient(cfg)
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, 2, client.Options().DB)
		assert.Equal(t, 3, client.Options().PoolSize)
		assert.Equal(t, cfg.RedisMaxRetries, client.Options().MaxRetries)
	})

	t.Run("invalid url", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RedisURL = "not a url"
		_, err := NewRedisClient(cfg)
		assert.Error(t, err)
	})

	t.Run("unreachable server", func(t *testing.T) {
		dead := miniredis.RunT(t)
		addr := dead.Addr()
		dead.Close()

		cfg := DefaultConfig()
		cfg.RedisURL = "redis://" + addr
		_, err := NewRedisClient(cfg)
		assert.Error(t, err)
	})
}
