package mempool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewBlockExactSize(t *testing.T) {
	p := New(false)
	b, err := p.NewBlock(128)
	require.NoError(t, err)
	assert.Equal(t, 128, b.Length())
	assert.Equal(t, int32(1), b.RefCount())
}

func TestOversizedBlockRejected(t *testing.T) {
	p := New(false)
	p.maxBlockSize = 64
	_, err := p.NewBlock(65)
	require.Error(t, err)
}

func TestNewUserInvokesFreeCBOnLastUnref(t *testing.T) {
	p := New(false)
	freed := false
	b, err := p.NewUser([]byte("hello"), func([]byte) { freed = true })
	require.NoError(t, err)
	b.Ref()
	b.Unref()
	assert.False(t, freed)
	b.Unref()
	assert.True(t, freed)
}

func TestAcquireReleaseBalance(t *testing.T) {
	p := New(false)
	b, err := p.NewBlock(16)
	require.NoError(t, err)
	_ = b.Acquire()
	assert.Equal(t, int32(1), b.AcquireCount())
	b.Release()
	assert.Equal(t, int32(0), b.AcquireCount())
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	p := New(false)
	b, _ := p.NewBlock(4)
	assert.Panics(t, func() { b.Release() })
}

func TestChunkBoundsChecked(t *testing.T) {
	p := New(false)
	b, _ := p.NewBlock(8)
	_, err := NewChunk(b, 4, 5)
	require.Error(t, err)
	c, err := NewChunk(b, 4, 4)
	require.NoError(t, err)
	c.Release()
}

// TestRapidRefcountInvariant checks that the refcount stays >= 1 while
// any chunk references the block, and that the acquire count is zero by
// the time the block is freed. We never Unref to zero while a chunk is
// alive, so refcount must stay >= 1 throughout.
func TestRapidRefcountInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := New(false)
		b, err := p.NewBlock(64)
		require.NoError(rt, err)

		var chunks []Chunk
		ops := rapid.IntRange(0, 30).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			if len(chunks) == 0 || rapid.Bool().Draw(rt, "addChunk") {
				c, err := NewChunk(b, 0, 1)
				if err == nil {
					chunks = append(chunks, c)
				}
			} else {
				idx := rapid.IntRange(0, len(chunks)-1).Draw(rt, "idx")
				chunks[idx].Release()
				chunks = append(chunks[:idx], chunks[idx+1:]...)
			}
			assert.GreaterOrEqual(rt, b.RefCount(), int32(1))
		}
		for _, c := range chunks {
			c.Release()
		}
		b.Unref()
		assert.Equal(rt, int32(0), b.RefCount())
	})
}
