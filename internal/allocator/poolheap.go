package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

// Per-pool first-fit heap with block splitting and boundary-tag
// coalescing (spec.md §4.5). The block header shape is adapted from
// internal/runtime/block_manager.go's BlockHeader (Magic, Size, Flags,
// Prev, Next); that file's own coalesceBlocks is an admitted stub
// ("this would require maintaining a doubly-linked list ... For now,
// we'll implement a simplified version") — Free and Defragment below
// are the doubly-linked implementation it left undone. The backing
// region itself is a plain []byte indexed by unsafe pointer
// arithmetic, the same technique internal/allocator/arena.go used for
// its bump-pointer buffer.

const (
	blockMagic = uint32(0xDEADBEEF)

	// minSplitPayload is the smallest payload a carved-off remainder
	// block may have; splitting that would leave less is skipped in
	// favor of handing out the whole block (spec.md §4.5 step 2).
	minSplitPayload = uintptr(MemoryAlignment)
)

type blockHeader struct {
	magic uint32
	size  uintptr // payload size, excluding this header
	inUse bool
	prev  *blockHeader
	next  *blockHeader
}

var blockHeaderSize = unsafe.Sizeof(blockHeader{})

// headerStride is the offset from a block header to its payload: the
// raw header size rounded up to MemoryAlignment. blockHeaderSize
// itself (magic uint32 + size uintptr + inUse bool + two pointers) is
// not a multiple of 16 on 64-bit, so using it directly as the payload
// offset would misalign every payload whose header sits at an
// odd multiple of headerStride, violating P5 ("any pointer returned by
// alloc is a multiple of MEMORY_ALIGNMENT"). Every header-to-payload
// offset, split, and coalescing calculation below uses this stride
// instead of the raw struct size.
var headerStride = AlignUp(blockHeaderSize, MemoryAlignment)

// ErrPoolAllocFailed is returned when a pool has no free block large
// enough to satisfy a request.
var ErrPoolAllocFailed = errors.New("pool: allocation failed")

// ErrPoolInvalidFree is returned when free/realloc is given a pointer
// the pool does not own, or a block that is already free.
var ErrPoolInvalidFree = errors.New("pool: invalid free")

// ErrPoolCorruption is wrapped into the value of the unconditional
// panic raised when a block header's magic does not match; it is never
// returned, and is kept as a named sentinel so callers that recover
// from the panic can classify it.
var ErrPoolCorruption = errors.New("pool: corruption detected")

// Pool is a contiguous backing region managed by a single block
// chain, plus the structural mutex and containment rwlock spec.md §5
// requires.
type Pool struct {
	structMu sync.Mutex   // guards the block chain and used-byte counter
	rangeMu  sync.RWMutex // guards range-containment tests
	backing  []byte
	base     uintptr
	totalSize uintptr
	usedSize  uintptr
	head      *blockHeader
	destroyed bool
}

func headerToPayload(h *blockHeader) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), headerStride)
}

func payloadToHeader(p unsafe.Pointer) *blockHeader {
	return (*blockHeader)(unsafe.Add(p, -int(headerStride)))
}

// newPool carves totalSize bytes from the system allocator and
// initializes it as a single free block, per spec.md §4.5's data
// model ("the pool's backing region is initialized as a single free
// block whose payload spans the region minus one header").
func newPool(totalSize uintptr) (*Pool, error) {
	if totalSize <= headerStride {
		return nil, fmt.Errorf("%w: pool size %d too small for one header", ErrPoolAllocFailed, totalSize)
	}

	backing := make([]byte, totalSize)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(backing)))

	head := (*blockHeader)(unsafe.Pointer(unsafe.SliceData(backing)))
	*head = blockHeader{
		magic: blockMagic,
		size:  totalSize - headerStride,
		inUse: false,
	}

	return &Pool{
		backing:   backing,
		base:      base,
		totalSize: totalSize,
		head:      head,
	}, nil
}

func (p *Pool) checkMagic(ctx context.Context, h *blockHeader, function string) {
	if h.magic != blockMagic {
		logFatal(ctx, CodePoolCorruptionDetected, function, "block header magic mismatch at %p", unsafe.Pointer(h))
		panic(fmt.Errorf("%w: %p", ErrPoolCorruption, unsafe.Pointer(h)))
	}
}

// Allocate implements spec.md §4.5's allocate: first-fit with
// splitting. size must already be aligned by the caller (the façade
// normalizes before routing).
func (p *Pool) Allocate(ctx context.Context, size uintptr) (unsafe.Pointer, error) {
	p.structMu.Lock()
	defer p.structMu.Unlock()

	for b := p.head; b != nil; b = b.next {
		p.checkMagic(ctx, b, "Pool.Allocate")
		if b.inUse || b.size < size {
			continue
		}

		remaining := b.size - size
		if remaining >= headerStride+minSplitPayload {
			p.splitBlock(b, size)
		}

		b.inUse = true
		p.usedSize += headerStride + b.size
		return headerToPayload(b), nil
	}

	logError(ctx, CodePoolAllocFailed, "Pool.Allocate", "no free block >= %d bytes in pool of total size %d", size, p.totalSize)
	return nil, ErrPoolAllocFailed
}

// splitBlock shrinks b to payload size size and turns the rest of its
// tail into a new free block linked immediately after it.
func (p *Pool) splitBlock(b *blockHeader, size uintptr) {
	newHeaderAddr := unsafe.Add(headerToPayload(b), size)
	newBlock := (*blockHeader)(newHeaderAddr)
	*newBlock = blockHeader{
		magic: blockMagic,
		size:  b.size - size - headerStride,
		inUse: false,
		prev:  b,
		next:  b.next,
	}
	if b.next != nil {
		b.next.prev = newBlock
	}
	b.next = newBlock
	b.size = size
}

// Free implements spec.md §4.5's free: mark free, subtract the used
// counter, coalesce with both neighbors.
func (p *Pool) Free(ctx context.Context, ptr unsafe.Pointer) error {
	p.structMu.Lock()
	defer p.structMu.Unlock()

	h := payloadToHeader(ptr)
	p.checkMagic(ctx, h, "Pool.Free")
	if !h.inUse {
		logError(ctx, CodePoolInvalidFree, "Pool.Free", "double free at %p", ptr)
		return ErrPoolInvalidFree
	}

	h.inUse = false
	p.usedSize -= headerStride + h.size

	if h.prev != nil && !h.prev.inUse {
		h = p.coalesce(h.prev, h)
	}
	if h.next != nil && !h.next.inUse {
		p.coalesce(h, h.next)
	}
	return nil
}

// coalesce absorbs next into prev (next must physically follow prev
// with no gap, which is always true for adjacent chain entries) and
// returns prev, now spanning both payloads plus next's header.
func (p *Pool) coalesce(prev, next *blockHeader) *blockHeader {
	prev.size += headerStride + next.size
	prev.next = next.next
	if next.next != nil {
		next.next.prev = prev
	}
	return prev
}

// Reallocate implements spec.md §4.5's reallocate: grow-in-place by
// absorbing a free next neighbor when possible, else allocate-copy-free
// through the router passed as alloc/free (the façade's global
// routing policy, not this pool's own Allocate, since the fresh block
// may end up in a different pool).
func (p *Pool) Reallocate(ctx context.Context, ptr unsafe.Pointer, newSize uintptr, router func(uintptr) (unsafe.Pointer, error), releaser func(unsafe.Pointer) error) (unsafe.Pointer, error) {
	p.structMu.Lock()

	h := payloadToHeader(ptr)
	p.checkMagic(ctx, h, "Pool.Reallocate")
	if !h.inUse {
		p.structMu.Unlock()
		logError(ctx, CodePoolInvalidFree, "Pool.Reallocate", "realloc of free block at %p", ptr)
		return nil, ErrPoolInvalidFree
	}

	if newSize <= h.size {
		p.structMu.Unlock()
		return ptr, nil
	}

	if h.next != nil && !h.next.inUse {
		combined := h.size + headerStride + h.next.size
		if combined >= newSize {
			p.usedSize -= headerStride + h.size
			p.coalesce(h, h.next)
			if h.size-newSize >= headerStride+minSplitPayload {
				p.splitBlock(h, newSize)
			}
			p.usedSize += headerStride + h.size
			p.structMu.Unlock()
			return ptr, nil
		}
	}
	p.structMu.Unlock()

	newPtr, err := router(newSize)
	if err != nil {
		return nil, err
	}
	copy(unsafe.Slice((*byte)(newPtr), newSize), unsafe.Slice((*byte)(ptr), h.size))
	if releaseErr := releaser(ptr); releaseErr != nil {
		logWarning(ctx, CodeUnknown, "Pool.Reallocate", "failed to release old block after copy: %v", releaseErr)
	}
	return newPtr, nil
}

// DefragResult reports the outcome of a Defragment pass, the shape
// adapted from internal/runtime/compaction.go's CompactionResult,
// trimmed to the fields a single coalescing pass can actually report
// (no strategy/scheduler fields: spec.md's non-goals exclude a
// pluggable compaction engine that moves live blocks).
type DefragResult struct {
	BlocksCoalesced int
	BytesReclaimed  uintptr
}

// Defragment performs the single coalescing pass spec.md §4.5
// describes: idempotent, safe to run with no concurrent call on this
// pool.
func (p *Pool) Defragment(ctx context.Context) DefragResult {
	p.structMu.Lock()
	defer p.structMu.Unlock()

	var result DefragResult
	for b := p.head; b != nil && b.next != nil; {
		p.checkMagic(ctx, b, "Pool.Defragment")
		if !b.inUse && !b.next.inUse {
			reclaimed := headerStride
			p.coalesce(b, b.next)
			result.BlocksCoalesced++
			result.BytesReclaimed += reclaimed
			continue
		}
		b = b.next
	}
	return result
}

// Contains reports whether ptr lies within this pool's backing
// region, taken under the range rwlock in read mode so many
// classifications proceed concurrently (spec.md §4.5).
func (p *Pool) Contains(ptr unsafe.Pointer) bool {
	p.rangeMu.RLock()
	defer p.rangeMu.RUnlock()

	addr := uintptr(ptr)
	return addr >= p.base && addr < p.base+p.totalSize
}

// UsedSize returns the pool's current used-byte counter under the
// structural mutex, matching P1's invariant window.
func (p *Pool) UsedSize() uintptr {
	p.structMu.Lock()
	defer p.structMu.Unlock()
	return p.usedSize
}

// TotalSize returns the pool's fixed total backing size.
func (p *Pool) TotalSize() uintptr {
	return p.totalSize
}

// destroy marks the pool unusable; subsequent Contains calls return
// false (spec.md concrete scenario 5), since base/totalSize collapse
// to a range nothing can fall inside. The Pool value itself (and its
// backing slice) is reclaimed once the façade drops its last
// reference — callers must not use pointers into a destroyed pool.
func (p *Pool) destroy() {
	p.rangeMu.Lock()
	defer p.rangeMu.Unlock()
	p.destroyed = true
	p.base = 0
	p.totalSize = 0
}
