package allocator

import (
	"context"
	"testing"
)

func TestAllocatorLifecycle(t *testing.T) {
	t.Run("InitThenCleanupReleasesEverything", func(t *testing.T) {
		ctx := context.Background()
		a, err := Init(ctx, WithMaxPools(2), WithSmallPoolSize(4096), WithLargePoolSize(1<<16))
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
		a.Cleanup()
		if a.large != nil {
			t.Fatal("large pool still set after Cleanup")
		}
		if len(a.small) != 0 {
			t.Fatalf("small pools remaining after Cleanup: %d", len(a.small))
		}
	})

	t.Run("IncompatibleVersionConstraintFails", func(t *testing.T) {
		ctx := context.Background()
		_, err := Init(ctx, WithMinCompatVersion(">=99.0.0"))
		if err == nil {
			t.Fatal("Init succeeded with an unsatisfiable version constraint")
		}
	})
}

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := Init(context.Background(), WithMaxPools(2), WithSmallPoolSize(4096), WithLargePoolSize(1<<16))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(a.Cleanup)
	return a
}

func TestAllocatorRouting(t *testing.T) {
	t.Run("SmallAllocationUsesSlab", func(t *testing.T) {
		a := newTestAllocator(t)
		ctx := context.Background()

		ptr, err := a.Alloc(ctx, 32)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if size, ok := a.slabs.Classify(ptr); !ok || size != 32 {
			t.Fatalf("Alloc(32) was not routed to the slab cache (classify ok=%v size=%d)", ok, size)
		}

		stats := a.GetStats()
		if stats.TotalUsed != 0 {
			t.Fatalf("TotalUsed = %d, want 0 (slab bytes aren't counted toward pool used size)", stats.TotalUsed)
		}
	})

	t.Run("LargeAllocationUsesPool", func(t *testing.T) {
		a := newTestAllocator(t)
		ctx := context.Background()

		ptr, err := a.Alloc(ctx, 3000)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if _, ok := a.slabs.Classify(ptr); ok {
			t.Fatal("a 3000-byte allocation was routed to the slab cache")
		}
		if owner := a.findOwner(ptr); owner == nil {
			t.Fatal("no pool claims ownership of a routed pool allocation")
		}
	})

	t.Run("FreeRoundTripsStats", func(t *testing.T) {
		a := newTestAllocator(t)
		ctx := context.Background()

		ptr, err := a.Alloc(ctx, 3000)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		before := a.GetStats()
		if err := a.Free(ctx, ptr); err != nil {
			t.Fatalf("Free: %v", err)
		}
		after := a.GetStats()
		if after.TotalUsed != 0 {
			t.Fatalf("TotalUsed after Free = %d, want 0", after.TotalUsed)
		}
		if before.TotalAllocated != after.TotalAllocated {
			t.Fatalf("TotalAllocated changed across Free: %d -> %d", before.TotalAllocated, after.TotalAllocated)
		}
	})

	t.Run("ReallocNullIsAlloc", func(t *testing.T) {
		a := newTestAllocator(t)
		ctx := context.Background()

		ptr, err := a.Realloc(ctx, nil, 64)
		if err != nil {
			t.Fatalf("Realloc(nil, 64): %v", err)
		}
		if ptr == nil {
			t.Fatal("Realloc(nil, 64) returned nil")
		}
	})

	t.Run("ReallocZeroIsFree", func(t *testing.T) {
		a := newTestAllocator(t)
		ctx := context.Background()

		ptr, err := a.Alloc(ctx, 3000)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if _, err := a.Realloc(ctx, ptr, 0); err != nil {
			t.Fatalf("Realloc(ptr, 0): %v", err)
		}
		if a.GetStats().TotalUsed != 0 {
			t.Fatal("TotalUsed != 0 after Realloc(ptr, 0)")
		}
	})
}

func TestAllocatorCreateDestroy(t *testing.T) {
	t.Run("CreateRegistersPool", func(t *testing.T) {
		a := newTestAllocator(t)
		ctx := context.Background()

		// Init fills the registry to MaxPools; free one slot first.
		if err := a.Destroy(ctx, a.small[0]); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
		p, err := a.Create(ctx, 4096)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		found := false
		for _, s := range a.small {
			if s == p {
				found = true
			}
		}
		if !found {
			t.Fatal("created pool is not in the small-pool registry")
		}
	})

	t.Run("CreateFailsWhenRegistryFull", func(t *testing.T) {
		a := newTestAllocator(t) // MaxPools = 2, both filled by Init
		ctx := context.Background()

		if _, err := a.Create(ctx, 4096); err != ErrPoolFull {
			t.Fatalf("Create on a full registry returned %v, want ErrPoolFull", err)
		}
	})

	t.Run("DestroyMakesContainsFalse", func(t *testing.T) {
		a := newTestAllocator(t)
		ctx := context.Background()
		pool := a.small[0]

		p, err := a.AllocFrom(ctx, pool, 64)
		if err != nil {
			t.Fatalf("AllocFrom: %v", err)
		}
		if err := a.Destroy(ctx, pool); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
		if a.Contains(pool, p) {
			t.Fatal("Contains true for a pointer into a destroyed pool")
		}
	})
}

func TestAllocatorExplicitPoolAPI(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	pool := a.small[0]

	ptr, err := a.AllocFrom(ctx, pool, 128)
	if err != nil {
		t.Fatalf("AllocFrom: %v", err)
	}
	if !a.Contains(pool, ptr) {
		t.Fatal("Contains false for a pointer AllocFrom just returned")
	}
	if err := a.FreeTo(ctx, pool, ptr); err != nil {
		t.Fatalf("FreeTo: %v", err)
	}
}
