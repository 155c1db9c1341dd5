package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Masterminds/semver/v3"
)

// ModuleVersion gates Config.MinCompatVersion, the way the teacher's
// package manager (internal/packagemanager/resolver.go: semver.NewConstraint,
// semver.NewVersion) gates a dependency against a version constraint.
const ModuleVersion = "1.0.0"

// Config snapshots the façade's tunables at Init time, following
// internal/allocator/allocator.go's own Config/Option/defaultConfig
// shape.
type Config struct {
	SmallBlockSize   uintptr
	SmallPoolSize    uintptr
	LargePoolSize    uintptr
	MaxPools         int
	ObjectsPerSlab   int
	MinCompatVersion string
}

// Option mutates a Config during Init, mirroring the teacher's
// functional-options pattern.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		SmallBlockSize: 64,
		SmallPoolSize:  1 << 20,  // 1 MiB
		LargePoolSize:  10 << 20, // 10 MiB
		MaxPools:       16,
		ObjectsPerSlab: DefaultObjectsPerSlab,
	}
}

func WithSmallPoolSize(n uintptr) Option   { return func(c *Config) { c.SmallPoolSize = n } }
func WithLargePoolSize(n uintptr) Option   { return func(c *Config) { c.LargePoolSize = n } }
func WithMaxPools(n int) Option            { return func(c *Config) { c.MaxPools = n } }
func WithObjectsPerSlab(n int) Option      { return func(c *Config) { c.ObjectsPerSlab = n } }
func WithSmallBlockSize(n uintptr) Option  { return func(c *Config) { c.SmallBlockSize = n } }
func WithMinCompatVersion(v string) Option { return func(c *Config) { c.MinCompatVersion = v } }

// ErrPoolInitFailed wraps failures during Init.
var ErrPoolInitFailed = errors.New("allocator: init failed")

// ErrPoolFull is returned by Create when the registry is already at
// MaxPools.
var ErrPoolFull = errors.New("allocator: pool registry full")

// ErrPoolInvalidPool is returned when an operation is given a pool
// this allocator did not create, or one already destroyed.
var ErrPoolInvalidPool = errors.New("allocator: invalid pool")

// Allocator is the explicit allocator handle spec.md §9 recommends in
// place of a bare global singleton: the large pool, the registry of
// small pools, the size-keyed best-fit index, the address-ordered
// index this port adds to resolve the free-classification Open
// Question, and the slab cache — all behind one administrative
// RWMutex.
type Allocator struct {
	adminMu sync.RWMutex
	config  Config

	large     *Pool
	small     []*Pool
	sizeIndex *poolIndex
	addrIndex []*Pool // sorted by base address, for free-by-pointer
	slabs     *slabCache
}

// Init creates a new Allocator per spec.md §4.6: snapshot config,
// large pool, small pools (each registered in both indexes), slab
// cache. Any failure releases everything it had managed to create.
func Init(ctx context.Context, opts ...Option) (*Allocator, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.MinCompatVersion != "" {
		constraint, err := semver.NewConstraint(cfg.MinCompatVersion)
		if err != nil {
			logError(ctx, CodePoolInitFailed, "Init", "invalid MinCompatVersion constraint %q: %v", cfg.MinCompatVersion, err)
			return nil, fmt.Errorf("%w: %v", ErrPoolInitFailed, err)
		}
		current, err := semver.NewVersion(ModuleVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPoolInitFailed, err)
		}
		if !constraint.Check(current) {
			logError(ctx, CodePoolInitFailed, "Init", "module version %s does not satisfy constraint %q", ModuleVersion, cfg.MinCompatVersion)
			return nil, fmt.Errorf("%w: version %s does not satisfy %q", ErrPoolInitFailed, ModuleVersion, cfg.MinCompatVersion)
		}
	}

	a := &Allocator{
		config:    cfg,
		sizeIndex: newPoolIndex(),
		slabs:     newSlabCache(cfg.ObjectsPerSlab),
	}

	large, err := newPool(cfg.LargePoolSize)
	if err != nil {
		logError(ctx, CodePoolInitFailed, "Init", "large pool creation failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrPoolInitFailed, err)
	}
	a.large = large

	for i := 0; i < cfg.MaxPools; i++ {
		p, err := newPool(cfg.SmallPoolSize)
		if err != nil {
			logError(ctx, CodePoolInitFailed, "Init", "small pool %d creation failed: %v", i, err)
			a.releaseAll()
			return nil, fmt.Errorf("%w: %v", ErrPoolInitFailed, err)
		}
		a.registerPool(p)
	}

	if err := InitErrorContext(); err != nil {
		a.releaseAll()
		return nil, fmt.Errorf("%w: %v", ErrPoolInitFailed, err)
	}

	return a, nil
}

// registerPool inserts p into both the size and address indexes.
// Callers must hold adminMu for writing, or call this only during
// Init/Create before the allocator is published.
func (a *Allocator) registerPool(p *Pool) {
	a.small = append(a.small, p)
	a.sizeIndex.Insert(p)

	idx := sort.Search(len(a.addrIndex), func(i int) bool { return a.addrIndex[i].base >= p.base })
	a.addrIndex = append(a.addrIndex, nil)
	copy(a.addrIndex[idx+1:], a.addrIndex[idx:])
	a.addrIndex[idx] = p
}

func (a *Allocator) unregisterPool(p *Pool) {
	a.sizeIndex.Remove(p)

	for i, s := range a.small {
		if s == p {
			a.small = append(a.small[:i], a.small[i+1:]...)
			break
		}
	}
	for i, s := range a.addrIndex {
		if s == p {
			a.addrIndex = append(a.addrIndex[:i], a.addrIndex[i+1:]...)
			break
		}
	}
}

// releaseAll drops every pool this allocator holds, used both by
// Cleanup and by Init's own failure path so a partial Init never
// leaks a pool.
func (a *Allocator) releaseAll() {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()

	for _, p := range a.small {
		p.destroy()
	}
	a.small = nil
	a.addrIndex = nil
	a.sizeIndex = newPoolIndex()
	if a.large != nil {
		a.large.destroy()
		a.large = nil
	}
}

// Cleanup tears down every small pool, the large pool, the indexes
// and the slab cache, per spec.md §4.6.
func (a *Allocator) Cleanup() {
	a.releaseAll()
	a.slabs = newSlabCache(a.config.ObjectsPerSlab)
	CleanupErrorContext()
}

// slabThreshold is the largest request Alloc will route to the slab
// cache: Config.SmallBlockSize, the configured boundary between
// "small, slab-sized" and "goes to a pool" requests, clamped to
// SlabMax since the slab cache has no size classes above it.
func (a *Allocator) slabThreshold() uintptr {
	if a.config.SmallBlockSize < SlabMax {
		return a.config.SmallBlockSize
	}
	return SlabMax
}

// Alloc implements the façade's routing policy (spec.md §4.6): slab
// first, then best-fit small pool, then the large pool.
func (a *Allocator) Alloc(ctx context.Context, size uintptr) (unsafe.Pointer, error) {
	size = AlignedSize(size)
	if size == 0 {
		size = MemoryAlignment
	}

	if size <= a.slabThreshold() {
		if ptr := a.slabs.Alloc(size); ptr != nil {
			debugRecordAlloc(ptr, size)
			return ptr, nil
		}
	}

	a.adminMu.RLock()
	candidate := a.sizeIndex.FindBestFit(size)
	large := a.large
	a.adminMu.RUnlock()

	if candidate != nil {
		if ptr, err := candidate.Allocate(ctx, size); err == nil {
			debugRecordAlloc(ptr, size)
			return ptr, nil
		}
	}

	if large != nil {
		if ptr, err := large.Allocate(ctx, size); err == nil {
			debugRecordAlloc(ptr, size)
			return ptr, nil
		}
	}

	logError(ctx, CodePoolAllocFailed, "Allocator.Alloc", "no pool could satisfy %d bytes", size)
	return nil, ErrPoolAllocFailed
}

// findOwner classifies ptr by address: the small-pool address index
// first, then the large pool. This is the separate address-ordered
// structure spec.md §9 calls for in place of misusing the size-keyed
// tree for point containment.
func (a *Allocator) findOwner(ptr unsafe.Pointer) *Pool {
	a.adminMu.RLock()
	defer a.adminMu.RUnlock()

	addr := uintptr(ptr)
	idx := sort.Search(len(a.addrIndex), func(i int) bool { return a.addrIndex[i].base > addr }) - 1
	if idx >= 0 && a.addrIndex[idx].Contains(ptr) {
		return a.addrIndex[idx]
	}
	if a.large != nil && a.large.Contains(ptr) {
		return a.large
	}
	return nil
}

// Free implements spec.md §4.6's free: classify by slab range first,
// then by owning pool.
func (a *Allocator) Free(ctx context.Context, ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	if size, ok := a.slabs.Classify(ptr); ok {
		a.slabs.Free(size, ptr)
		debugRecordFree(ptr)
		return nil
	}

	owner := a.findOwner(ptr)
	if owner == nil {
		logError(ctx, CodePoolInvalidFree, "Allocator.Free", "no owning pool for %p", ptr)
		return ErrPoolInvalidFree
	}
	if err := owner.Free(ctx, ptr); err != nil {
		return err
	}
	debugRecordFree(ptr)
	return nil
}

// Realloc implements spec.md §4.6's realloc.
func (a *Allocator) Realloc(ctx context.Context, ptr unsafe.Pointer, newSize uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return a.Alloc(ctx, newSize)
	}
	if newSize == 0 {
		return nil, a.Free(ctx, ptr)
	}
	newSize = AlignedSize(newSize)

	if size, ok := a.slabs.Classify(ptr); ok {
		if newSize <= size {
			return ptr, nil
		}
		fresh, err := a.Alloc(ctx, newSize)
		if err != nil {
			return nil, err
		}
		copy(unsafe.Slice((*byte)(fresh), newSize), unsafe.Slice((*byte)(ptr), size))
		a.slabs.Free(size, ptr)
		debugRecordFree(ptr)
		return fresh, nil
	}

	owner := a.findOwner(ptr)
	if owner == nil {
		logError(ctx, CodePoolInvalidFree, "Allocator.Realloc", "no owning pool for %p", ptr)
		return nil, ErrPoolInvalidFree
	}
	return owner.Reallocate(ctx, ptr, newSize, func(n uintptr) (unsafe.Pointer, error) {
		return a.Alloc(ctx, n)
	}, func(p unsafe.Pointer) error {
		return a.Free(ctx, p)
	})
}

// Stats is the best-effort snapshot spec.md §4.6's get_stats returns.
type Stats struct {
	TotalAllocated uintptr
	TotalUsed      uintptr
}

// GetStats sums total_size and used_size across all pools under the
// admin lock (spec.md §5: "a best-effort snapshot... may lag
// in-flight operations on individual pools").
func (a *Allocator) GetStats() Stats {
	a.adminMu.RLock()
	defer a.adminMu.RUnlock()

	var s Stats
	if a.large != nil {
		s.TotalAllocated += a.large.TotalSize()
		s.TotalUsed += a.large.UsedSize()
	}
	for _, p := range a.small {
		s.TotalAllocated += p.TotalSize()
		s.TotalUsed += p.UsedSize()
	}
	return s
}

// Create registers a new small pool of size, failing with ErrPoolFull
// if the registry is already at MaxPools.
func (a *Allocator) Create(ctx context.Context, size uintptr) (*Pool, error) {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()

	if len(a.small) >= a.config.MaxPools {
		logError(ctx, CodePoolFull, "Allocator.Create", "registry already holds %d pools", a.config.MaxPools)
		return nil, ErrPoolFull
	}

	p, err := newPool(size)
	if err != nil {
		return nil, err
	}
	a.registerPool(p)
	return p, nil
}

// Destroy deregisters and releases pool. Subsequent Contains checks
// against pool return false (spec.md concrete scenario 5).
func (a *Allocator) Destroy(ctx context.Context, pool *Pool) error {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()

	if pool == a.large {
		// Permitted per spec.md §1/§9's resolved Open Question: Init
		// never re-creates the large pool once destroyed.
		pool.destroy()
		a.large = nil
		return nil
	}

	found := false
	for _, p := range a.small {
		if p == pool {
			found = true
			break
		}
	}
	if !found {
		logError(ctx, CodePoolInvalidPool, "Allocator.Destroy", "pool %p not registered", pool)
		return ErrPoolInvalidPool
	}

	a.unregisterPool(pool)
	pool.destroy()
	return nil
}

// AllocFrom, FreeTo, ReallocFrom and Contains are the explicit
// per-pool counterparts of spec.md §4.6 that skip routing policy.

func (a *Allocator) AllocFrom(ctx context.Context, pool *Pool, size uintptr) (unsafe.Pointer, error) {
	size = AlignedSize(size)
	if size == 0 {
		size = MemoryAlignment
	}
	ptr, err := pool.Allocate(ctx, size)
	if err == nil {
		debugRecordAlloc(ptr, size)
	}
	return ptr, err
}

func (a *Allocator) FreeTo(ctx context.Context, pool *Pool, ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	if !pool.Contains(ptr) {
		logError(ctx, CodePoolInvalidFree, "Allocator.FreeTo", "%p not owned by pool", ptr)
		return ErrPoolInvalidFree
	}
	if err := pool.Free(ctx, ptr); err != nil {
		return err
	}
	debugRecordFree(ptr)
	return nil
}

func (a *Allocator) ReallocFrom(ctx context.Context, pool *Pool, ptr unsafe.Pointer, newSize uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return a.AllocFrom(ctx, pool, newSize)
	}
	if newSize == 0 {
		return nil, a.FreeTo(ctx, pool, ptr)
	}
	if !pool.Contains(ptr) {
		logError(ctx, CodePoolInvalidFree, "Allocator.ReallocFrom", "%p not owned by pool", ptr)
		return nil, ErrPoolInvalidFree
	}
	newSize = AlignedSize(newSize)
	return pool.Reallocate(ctx, ptr, newSize, func(n uintptr) (unsafe.Pointer, error) {
		return a.Alloc(ctx, n)
	}, func(p unsafe.Pointer) error {
		return a.Free(ctx, p)
	})
}

func (a *Allocator) Contains(pool *Pool, ptr unsafe.Pointer) bool {
	return pool.Contains(ptr)
}

// global is the single convenience instance spec.md §9 allows for
// legacy callers alongside the explicit Allocator value.
var global atomic.Pointer[Allocator]

// InitGlobal initializes the package-level convenience instance.
func InitGlobal(ctx context.Context, opts ...Option) error {
	a, err := Init(ctx, opts...)
	if err != nil {
		return err
	}
	global.Store(a)
	return nil
}

// CleanupGlobal tears down the package-level convenience instance.
func CleanupGlobal() {
	a := global.Swap(nil)
	if a != nil {
		a.Cleanup()
	}
}

func mustGlobal() *Allocator {
	a := global.Load()
	if a == nil {
		panic("allocator: InitGlobal was not called")
	}
	return a
}

func Alloc(ctx context.Context, size uintptr) (unsafe.Pointer, error) { return mustGlobal().Alloc(ctx, size) }
func Free(ctx context.Context, ptr unsafe.Pointer) error              { return mustGlobal().Free(ctx, ptr) }
func Realloc(ctx context.Context, ptr unsafe.Pointer, newSize uintptr) (unsafe.Pointer, error) {
	return mustGlobal().Realloc(ctx, ptr, newSize)
}
func GetStats() Stats { return mustGlobal().GetStats() }
