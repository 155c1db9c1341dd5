//go:build !memdebug

package allocator

import (
	"context"
	"testing"
)

// Outside a memdebug build, the leak overlay must be entirely inert:
// no tracking, no output, zero overhead on the hot path.
func TestDebugLeakOverlayDisabled(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	ptr, err := a.Alloc(ctx, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	_ = ptr // intentionally leaked — should not surface without memdebug

	if leaks := CheckLeaks(); leaks != nil {
		t.Fatalf("CheckLeaks() = %v, want nil outside a memdebug build", leaks)
	}
	if got := FormatLeaks(CheckLeaks()); got != "" {
		t.Fatalf("FormatLeaks() = %q, want empty string outside a memdebug build", got)
	}
}
