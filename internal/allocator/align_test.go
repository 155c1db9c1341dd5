package allocator

import "testing"

func TestAlignUp(t *testing.T) {
	t.Run("AlreadyAligned", func(t *testing.T) {
		if got := AlignUp(32, 16); got != 32 {
			t.Fatalf("AlignUp(32, 16) = %d, want 32", got)
		}
	})

	t.Run("RoundsUp", func(t *testing.T) {
		if got := AlignUp(33, 16); got != 48 {
			t.Fatalf("AlignUp(33, 16) = %d, want 48", got)
		}
	})

	t.Run("Zero", func(t *testing.T) {
		if got := AlignUp(0, 16); got != 0 {
			t.Fatalf("AlignUp(0, 16) = %d, want 0", got)
		}
	})
}

func TestAlignDown(t *testing.T) {
	t.Run("AlreadyAligned", func(t *testing.T) {
		if got := AlignDown(32, 16); got != 32 {
			t.Fatalf("AlignDown(32, 16) = %d, want 32", got)
		}
	})

	t.Run("RoundsDown", func(t *testing.T) {
		if got := AlignDown(33, 16); got != 32 {
			t.Fatalf("AlignDown(33, 16) = %d, want 32", got)
		}
	})
}

func TestAlignedSize(t *testing.T) {
	cases := []struct {
		in, want uintptr
	}{
		{1, 16},
		{16, 16},
		{17, 32},
		{200, 208},
	}
	for _, c := range cases {
		if got := AlignedSize(c.in); got != c.want {
			t.Errorf("AlignedSize(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []uintptr{1, 2, 4, 16, 1024} {
		if !isPowerOfTwo(n) {
			t.Errorf("isPowerOfTwo(%d) = false, want true", n)
		}
	}
	for _, n := range []uintptr{0, 3, 5, 100} {
		if isPowerOfTwo(n) {
			t.Errorf("isPowerOfTwo(%d) = true, want false", n)
		}
	}
}
