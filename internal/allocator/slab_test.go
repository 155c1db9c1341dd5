package allocator

import (
	"testing"
	"unsafe"
)

func TestSlabClassFor(t *testing.T) {
	cases := []struct {
		size uintptr
		want uintptr
	}{
		{1, 16},
		{16, 16},
		{17, 32},
		{2048, 2048},
	}
	for _, c := range cases {
		idx := classFor(c.size)
		if idx < 0 {
			t.Fatalf("classFor(%d) = -1, want a class", c.size)
		}
		if slabClassSizes[idx] != c.want {
			t.Errorf("classFor(%d) picked class %d, want %d", c.size, slabClassSizes[idx], c.want)
		}
	}

	if idx := classFor(SlabMax + 1); idx != -1 {
		t.Fatalf("classFor(SlabMax+1) = %d, want -1", idx)
	}
}

func TestSlabAllocFree(t *testing.T) {
	t.Run("AllocReturnsNonNil", func(t *testing.T) {
		sc := newSlabCache(DefaultObjectsPerSlab)
		ptr := sc.Alloc(32)
		if ptr == nil {
			t.Fatal("Alloc(32) returned nil")
		}
	})

	t.Run("AboveMaxReturnsNil", func(t *testing.T) {
		sc := newSlabCache(DefaultObjectsPerSlab)
		if ptr := sc.Alloc(SlabMax + 1); ptr != nil {
			t.Fatal("Alloc(SlabMax+1) did not return nil")
		}
	})

	t.Run("FreeThenAllocReusesSlot", func(t *testing.T) {
		sc := newSlabCache(4) // small slab so we can exhaust it deterministically
		var ptrs []unsafe.Pointer
		for i := 0; i < 4; i++ {
			p := sc.Alloc(16)
			if p == nil {
				t.Fatalf("Alloc #%d returned nil", i)
			}
			ptrs = append(ptrs, p)
		}
		sc.Free(16, ptrs[0])

		reused := sc.Alloc(16)
		if reused != ptrs[0] {
			t.Fatalf("after freeing ptrs[0], Alloc reused %v, want %v", reused, ptrs[0])
		}
	})

	t.Run("ClassifyFindsOwnedPointer", func(t *testing.T) {
		sc := newSlabCache(DefaultObjectsPerSlab)
		ptr := sc.Alloc(64)
		size, ok := sc.Classify(ptr)
		if !ok {
			t.Fatal("Classify did not recognize a slab-owned pointer")
		}
		if size != 64 {
			t.Fatalf("Classify size = %d, want 64", size)
		}
	})

	t.Run("ClassifyRejectsForeignPointer", func(t *testing.T) {
		sc := newSlabCache(DefaultObjectsPerSlab)
		sc.Alloc(64)
		foreign := make([]byte, 8)
		_, ok := sc.Classify(unsafe.Pointer(unsafe.SliceData(foreign)))
		if ok {
			t.Fatal("Classify recognized a pointer it never allocated")
		}
	})
}

func TestSlabGrowsLazily(t *testing.T) {
	sc := newSlabCache(2)
	class := &sc.classes[0]
	if class.freeCount != 0 {
		t.Fatalf("freeCount before any Alloc = %d, want 0", class.freeCount)
	}

	sc.Alloc(16)
	if len(class.slabRanges) != 1 {
		t.Fatalf("slabRanges after first Alloc = %d, want 1", len(class.slabRanges))
	}
	if class.freeCount != 1 { // one of the 2 objects handed out already
		t.Fatalf("freeCount after first Alloc = %d, want 1", class.freeCount)
	}
}
