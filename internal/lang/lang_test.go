package lang

import (
	"context"
	"errors"
	"testing"

	"github.com/dev-mirzabicer/limdy/internal/allocator"
)

func newTestAllocator(t *testing.T) *allocator.Allocator {
	t.Helper()
	a, err := allocator.Init(context.Background(),
		allocator.WithMaxPools(2),
		allocator.WithSmallPoolSize(4096),
		allocator.WithLargePoolSize(1<<16))
	if err != nil {
		t.Fatalf("allocator.Init: %v", err)
	}
	t.Cleanup(a.Cleanup)
	return a
}

func TestMockTokenizerExercisesAllocator(t *testing.T) {
	a := newTestAllocator(t)
	tok := NewMockTokenizer(a)

	_, err := tok.Tokenize(context.Background(), "hello world")
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("Tokenize error = %v, want ErrNotImplemented", err)
	}

	stats := a.GetStats()
	if stats.TotalUsed != 0 {
		t.Fatalf("TotalUsed = %d after Tokenize, want 0 (scratch buffer should be freed)", stats.TotalUsed)
	}
}

func TestMockAlignerExercisesAllocator(t *testing.T) {
	a := newTestAllocator(t)
	al := NewMockAligner(a)

	_, err := al.Align(context.Background(), nil, nil)
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("Align error = %v, want ErrNotImplemented", err)
	}
}

func TestMockRendererExercisesAllocator(t *testing.T) {
	a := newTestAllocator(t)
	r := NewMockRenderer(a)

	_, err := r.Render(context.Background(), nil, nil, nil)
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("Render error = %v, want ErrNotImplemented", err)
	}
}
