// Package lang defines the language-learning application's consumer
// surface: tokenization, translation alignment, and rendering. Per
// spec.md §1, these components are mock/stub in the source repo — the
// allocator subsystem is the only substantive implementation — so
// this package exists to give the allocator a realistic caller, not
// to implement linguistic behavior.
package lang

import (
	"context"
	"errors"

	"github.com/dev-mirzabicer/limdy/internal/allocator"
)

// ErrNotImplemented is returned by every substantive method below;
// only the allocator-exercising scratch-buffer behavior is real.
var ErrNotImplemented = errors.New("lang: not implemented")

// Tokenizer splits source text into language tokens.
type Tokenizer interface {
	Tokenize(ctx context.Context, text string) ([]Token, error)
}

// Token is a single lexical unit produced by a Tokenizer.
type Token struct {
	Text  string
	Start int
	End   int
}

// Aligner maps tokens in a source sentence to tokens in its
// translation.
type Aligner interface {
	Align(ctx context.Context, source, target []Token) ([]Alignment, error)
}

// Alignment pairs a source token index with a target token index.
type Alignment struct {
	SourceIndex int
	TargetIndex int
}

// Renderer produces a display form of an aligned sentence pair.
type Renderer interface {
	Render(ctx context.Context, source, target []Token, alignments []Alignment) (string, error)
}

// MockTokenizer allocates a scratch buffer sized to the input through
// the allocator façade, then reports it has nothing further to do —
// the same "thin skeleton calling into a stub service" shape
// spec.md §1 describes for the original translator/aligner stack.
type MockTokenizer struct {
	alloc *allocator.Allocator
}

// NewMockTokenizer wraps alloc, the allocator handle this tokenizer
// will exercise on every call.
func NewMockTokenizer(alloc *allocator.Allocator) *MockTokenizer {
	return &MockTokenizer{alloc: alloc}
}

// Tokenize allocates one scratch byte per byte of text, plus one (a stand-in
// for whatever intermediate buffer a real tokenizer would need),
// frees it immediately, and reports ErrNotImplemented.
func (m *MockTokenizer) Tokenize(ctx context.Context, text string) ([]Token, error) {
	scratch, err := m.alloc.Alloc(ctx, uintptr(len(text))+1)
	if err != nil {
		return nil, err
	}
	defer m.alloc.Free(ctx, scratch)

	return nil, ErrNotImplemented
}

// MockAligner mirrors MockTokenizer's shape for the alignment stage.
type MockAligner struct {
	alloc *allocator.Allocator
}

func NewMockAligner(alloc *allocator.Allocator) *MockAligner {
	return &MockAligner{alloc: alloc}
}

func (m *MockAligner) Align(ctx context.Context, source, target []Token) ([]Alignment, error) {
	scratchSize := uintptr(len(source)+len(target)) * 8
	if scratchSize == 0 {
		scratchSize = allocator.MemoryAlignment
	}
	scratch, err := m.alloc.Alloc(ctx, scratchSize)
	if err != nil {
		return nil, err
	}
	defer m.alloc.Free(ctx, scratch)

	return nil, ErrNotImplemented
}

// MockRenderer mirrors MockTokenizer's shape for the rendering stage.
type MockRenderer struct {
	alloc *allocator.Allocator
}

func NewMockRenderer(alloc *allocator.Allocator) *MockRenderer {
	return &MockRenderer{alloc: alloc}
}

func (m *MockRenderer) Render(ctx context.Context, source, target []Token, alignments []Alignment) (string, error) {
	scratch, err := m.alloc.Alloc(ctx, allocator.MemoryAlignment)
	if err != nil {
		return "", err
	}
	defer m.alloc.Free(ctx, scratch)

	return "", ErrNotImplemented
}
