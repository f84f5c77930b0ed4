package core

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClientConnects(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL: "redis://" + mr.Addr(),
	})
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Ping(client.Context()).Err())
}

func TestNewRedisClientRequiresURL(t *testing.T) {
	_, err := NewRedisClient(RedisClientOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingConfiguration)
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	_, err := NewRedisClient(RedisClientOptions{RedisURL: "not-a-url"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestNewRedisClientFailsFastWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(RedisClientOptions{
		RedisURL:    "redis://" + addr,
		PingTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}
