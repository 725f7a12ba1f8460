package memblockq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pulsego/internal/mempool"
)

func pushBytes(t *testing.T, q *Queue, pool *mempool.Pool, data string) {
	t.Helper()
	b, err := pool.NewBlock(len(data))
	require.NoError(t, err)
	copy(b.Acquire(), data)
	b.Release()
	c, err := mempool.NewChunk(b, 0, uint32(len(data)))
	require.NoError(t, err)
	b.Unref() // NewChunk took its own ref; drop the pool's initial one
	q.Push(c, b.Acquire())
	b.Release()
}

func TestPushPeekDrop(t *testing.T) {
	pool := mempool.New(false)
	q := New(1)
	pushBytes(t, q, pool, "hello")
	pushBytes(t, q, pool, "world")

	assert.Equal(t, 10, q.Len())
	got := q.Peek(8)
	assert.Equal(t, "hellowor", string(got))
	require.NoError(t, q.Drop(8))
	assert.Equal(t, 2, q.Len())
	got = q.Peek(2)
	assert.Equal(t, "ld", string(got))
	require.NoError(t, q.Drop(2))
	assert.Equal(t, 0, q.Len())
}

func TestPeekAlignsToFrameSize(t *testing.T) {
	pool := mempool.New(false)
	q := New(4)
	pushBytes(t, q, pool, "0123456789")
	got := q.Peek(7) // 7 is not a multiple of 4, should round down to 4
	assert.Equal(t, 4, len(got))
}

func TestDropBeyondLengthErrors(t *testing.T) {
	q := New(1)
	err := q.Drop(1)
	require.Error(t, err)
}

func TestFlushReleasesChunks(t *testing.T) {
	pool := mempool.New(false)
	q := New(1)
	pushBytes(t, q, pool, "data")
	q.Flush()
	assert.Equal(t, 0, q.Len())
}
