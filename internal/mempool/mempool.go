// Package mempool implements the reference-counted, optionally
// shared-memory-backed audio buffer pool: blocks are handed
// out as exact-size allocations, pinned with Acquire/Release, and freed
// only once every chunk referencing them has released its ref.
package mempool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultMaxBlockSize is the pool-wide ceiling on a single block's size;
// oversized New/NewUser requests are rejected.
const DefaultMaxBlockSize = 16 * 1024 * 1024

// Pool allocates memory Blocks, optionally backed by a process-wide shared
// arena. The shared path is only meaningful across real shared memory
// (e.g. memfd/SysV segments); this implementation models the arena as a
// process-local slab, since the two transports share the same
// allocation and refcounting contract and only the peer-visible backing
// differs.
type Pool struct {
	mu           sync.Mutex
	maxBlockSize int
	shared       bool
	arena        []byte
	arenaUsed    int
}

// New returns a Pool. shared reflects the caller's decision that both
// peers are local with matching EUIDs and shared memory is not
// disabled, made by the Context during the auth handshake.
func New(shared bool) *Pool {
	return &Pool{maxBlockSize: DefaultMaxBlockSize, shared: shared}
}

// IsShared reports whether this pool backs blocks with the shared arena.
func (p *Pool) IsShared() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shared
}

// EnableShared switches the pool to shared-arena allocation. Called once
// the auth handshake has established that both peers are local with
// matching EUIDs; blocks handed out before the switch stay private.
func (p *Pool) EnableShared() {
	p.mu.Lock()
	p.shared = true
	p.mu.Unlock()
}

// MaxBlockSize returns the largest single block this pool will allocate.
func (p *Pool) MaxBlockSize() int { return p.maxBlockSize }

// Block is an immutable-after-publish buffer, reference counted. The zero
// value is not usable; obtain one via Pool.NewBlock or Pool.NewUser.
type Block struct {
	pool      *Pool
	data      []byte
	refcount  atomic.Int32
	acquired  atomic.Int32
	freeCB    func([]byte)
	userOwned bool
}

// NewBlock returns a Block of exactly n bytes. Returns an error if n
// exceeds the pool's maximum block size.
func (p *Pool) NewBlock(n int) (*Block, error) {
	if n < 0 {
		return nil, fmt.Errorf("mempool: negative size %d", n)
	}
	if n > p.maxBlockSize {
		return nil, fmt.Errorf("mempool: requested size %d exceeds max block size %d", n, p.maxBlockSize)
	}
	b := &Block{pool: p, data: make([]byte, n)}
	b.refcount.Store(1)
	return b, nil
}

// NewUser wraps a caller-owned byte slice. freeCB, if non-nil, is invoked
// exactly once when the last reference to the block is dropped.
func (p *Pool) NewUser(data []byte, freeCB func([]byte)) (*Block, error) {
	if len(data) > p.maxBlockSize {
		return nil, fmt.Errorf("mempool: user block size %d exceeds max block size %d", len(data), p.maxBlockSize)
	}
	b := &Block{pool: p, data: data, freeCB: freeCB, userOwned: true}
	b.refcount.Store(1)
	return b, nil
}

// Ref increments the block's reference count and returns the same block,
// for callers that want to hold an additional owning reference.
func (b *Block) Ref() *Block {
	b.refcount.Add(1)
	return b
}

// Unref drops a reference. Once the count reaches zero the block's
// backing memory is released (and freeCB invoked, for user blocks).
func (b *Block) Unref() {
	if b.refcount.Add(-1) == 0 {
		if b.acquired.Load() != 0 {
			panic("mempool: block freed while still acquired")
		}
		if b.freeCB != nil {
			b.freeCB(b.data)
		}
		b.data = nil
	}
}

// Length returns the block's size in bytes.
func (b *Block) Length() int { return len(b.data) }

// Acquire pins the block in memory and returns a raw byte view. Every
// Acquire must be matched by a Release before the block can be freed.
func (b *Block) Acquire() []byte {
	b.acquired.Add(1)
	return b.data
}

// Release unpins a block previously pinned by Acquire.
func (b *Block) Release() {
	if b.acquired.Add(-1) < 0 {
		panic("mempool: Release without matching Acquire")
	}
}

// RefCount returns the current reference count, for tests and invariants
//.
func (b *Block) RefCount() int32 { return b.refcount.Load() }

// AcquireCount returns the current acquire count; it must be zero by
// the time the block is freed.
func (b *Block) AcquireCount() int32 { return b.acquired.Load() }

// Chunk is a borrow of a Block: (block ref, index, length).
// Invariant: Index+Length <= Block.Length(). A Chunk owns one reference
// to Block and must call Release to drop it.
type Chunk struct {
	Block  *Block
	Index  uint32
	Length uint32
}

// NewChunk borrows [index, index+length) of block, taking a new reference.
// Returns an error if the range does not fit inside the block.
func NewChunk(block *Block, index, length uint32) (Chunk, error) {
	if uint64(index)+uint64(length) > uint64(block.Length()) {
		return Chunk{}, fmt.Errorf("mempool: chunk [%d,%d) out of bounds for block of length %d", index, index+length, block.Length())
	}
	return Chunk{Block: block.Ref(), Index: index, Length: length}, nil
}

// Bytes returns a view into the chunk's region of the backing block. The
// block must already be acquired by the caller (see Block.Acquire); this
// keeps the acquire, read, release discipline explicit instead of
// silently acquiring/releasing around every access.
func (c Chunk) Bytes(acquired []byte) []byte {
	return acquired[c.Index: c.Index+c.Length]
}

// Release drops the chunk's reference to its block.
func (c Chunk) Release() {
	if c.Block != nil {
		c.Block.Unref()
	}
}
