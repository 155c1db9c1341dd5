//go:build memdebug

package allocator

import (
	"context"
	"strings"
	"testing"
)

// Under a memdebug build, every live allocation must be tracked by
// caller site, and freed allocations must drop out of the report.
func TestDebugLeakOverlayTracksLiveAllocations(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	leaked, err := a.Alloc(ctx, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	freed, err := a.Alloc(ctx, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a.Free(ctx, freed); err != nil {
		t.Fatalf("Free: %v", err)
	}

	leaks := CheckLeaks()
	if len(leaks) != 1 {
		t.Fatalf("CheckLeaks() returned %d records, want 1 (only the unfreed pointer)", len(leaks))
	}
	if leaks[0].Ptr != leaked {
		t.Fatalf("CheckLeaks() reported %p, want the still-live pointer %p", leaks[0].Ptr, leaked)
	}

	report := FormatLeaks(leaks)
	if !strings.Contains(report, "debug_leak_test.go") {
		t.Fatalf("FormatLeaks() = %q, want it to name this file as the allocation site", report)
	}

	if err := a.Free(ctx, leaked); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if leaks := CheckLeaks(); len(leaks) != 0 {
		t.Fatalf("CheckLeaks() after freeing everything = %d records, want 0", len(leaks))
	}
}
