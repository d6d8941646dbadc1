package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewRedisStore(client, "test")
	require.NoError(t, err)
	return s, mr
}

func TestRedisStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) storeHarness {
		s, mr := newTestRedisStore(t)
		return storeHarness{store: s, advance: mr.FastForward}
	})
}

func TestRedisStore_KeysAreNamespaced(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, Key("pending", "pay_1"), []byte("v"), time.Hour))
	assert.True(t, mr.Exists("test:pending:pay_1"))

	ttl := mr.TTL("test:pending:pay_1")
	assert.Equal(t, time.Hour, ttl)
}

func TestRedisStore_ClearLeavesOtherNamespaces(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("other:keep", "1"))
	require.NoError(t, s.Set(ctx, "drop", []byte("1"), time.Minute))
	require.NoError(t, s.Clear(ctx))

	assert.True(t, mr.Exists("other:keep"))
	assert.False(t, mr.Exists("test:drop"))
}

func TestRedisStore_CleanupIsNoop(t *testing.T) {
	s, _ := newTestRedisStore(t)
	n, err := s.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_ConnectivityErrorIsNotAbsence(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	mr.Close()

	_, err := s.Get(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = s.CompareAndSwap(ctx, "k", []byte("v"), []byte("w"))
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestNewRedisStore_NilClient(t *testing.T) {
	_, err := NewRedisStore(nil, "x")
	assert.ErrorIs(t, err, ErrInvalidStore)
}
