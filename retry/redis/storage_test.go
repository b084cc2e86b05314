//go:build unit

package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStorageTestClient(t *testing.T, addr string) *Client {
	t.Helper()

	client, err := New(t.Context(), newStandaloneConfig(addr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNewStorage_NilConnection(t *testing.T) {
	t.Parallel()

	storage := NewStorage(nil)
	assert.Nil(t, storage)
}

func TestNewStorage_ValidConnection(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	storage := NewStorage(newStorageTestClient(t, mr.Addr()))
	require.NotNil(t, storage)
	require.NotNil(t, storage.conn)
}

func TestStorage_GetSetDelete(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	storage := NewStorage(newStorageTestClient(t, mr.Addr()))
	require.NotNil(t, storage)

	key := "test-key"
	value := []byte("test-value")

	val, err := storage.Get(key)
	require.NoError(t, err)
	assert.Nil(t, val)

	err = storage.Set(key, value, time.Minute)
	require.NoError(t, err)

	val, err = storage.Get(key)
	require.NoError(t, err)
	assert.Equal(t, value, val)

	err = storage.Delete(key)
	require.NoError(t, err)

	val, err = storage.Get(key)
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestStorage_SetEmptyKeyIgnored(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	storage := NewStorage(newStorageTestClient(t, mr.Addr()))
	require.NotNil(t, storage)

	err := storage.Set("", []byte("value"), time.Minute)
	require.NoError(t, err)

	err = storage.Set("key", nil, time.Minute)
	require.NoError(t, err)
}

func TestStorage_Reset(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	storage := NewStorage(newStorageTestClient(t, mr.Addr()))
	require.NotNil(t, storage)

	require.NoError(t, storage.Set("key1", []byte("val1"), time.Minute))
	require.NoError(t, storage.Set("key2", []byte("val2"), time.Minute))

	err := storage.Reset()
	require.NoError(t, err)

	val, err := storage.Get("key1")
	require.NoError(t, err)
	assert.Nil(t, val)

	val, err = storage.Get("key2")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestStorage_Close(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	storage := NewStorage(newStorageTestClient(t, mr.Addr()))
	require.NotNil(t, storage)

	err := storage.Close()
	require.NoError(t, err)
}

func TestStorage_NilStorageOperations(t *testing.T) {
	t.Parallel()

	var storage *Storage

	val, err := storage.Get("key")
	require.NoError(t, err)
	assert.Nil(t, val)

	err = storage.Set("key", []byte("value"), time.Minute)
	require.NoError(t, err)

	err = storage.Delete("key")
	require.NoError(t, err)

	err = storage.Reset()
	require.NoError(t, err)

	err = storage.Close()
	require.NoError(t, err)
}

func TestStorage_KeyPrefix(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	storage := NewStorage(newStorageTestClient(t, mr.Addr()))
	require.NotNil(t, storage)

	require.NoError(t, storage.Set("test", []byte("value"), time.Minute))

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() { _ = client.Close() })

	val, err := client.Get(t.Context(), "ratelimit:test").Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}
