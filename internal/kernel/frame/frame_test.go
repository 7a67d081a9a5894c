package frame

import (
	"errors"
	"testing"

	"github.com/tinyrange/dk/internal/kernel/kernerr"
)

func TestAllocateBumpsCursor(t *testing.T) {
	a := New(10)
	id, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if id != 0 {
		t.Fatalf("first allocation id = %d, want 0", id)
	}
	id2, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if id2 != 4 {
		t.Fatalf("second allocation id = %d, want 4", id2)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := New(4)
	if _, err := a.Allocate(4); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := a.Allocate(1); !errors.Is(err, kernerr.ErrNoEnoughMemory) {
		t.Fatalf("Allocate past exhaustion: got %v, want kernerr.ErrNoEnoughMemory", err)
	}
}

func TestFreeAndReallocate(t *testing.T) {
	a := New(8)
	id, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Free(id, 4)

	id2, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("reallocate after free: %v", err)
	}
	if id2 != id {
		t.Fatalf("reallocation id = %d, want freed run's id %d (free list should be reused first)", id2, id)
	}
}

func TestTotalFrames(t *testing.T) {
	a := New(123)
	if a.TotalFrames() != 123 {
		t.Fatalf("TotalFrames() = %d, want 123", a.TotalFrames())
	}
}

func BenchmarkAllocateFree(b *testing.B) {
	a := New(uint64(b.N) + 1)
	for i := 0; i < b.N; i++ {
		id, err := a.Allocate(1)
		if err != nil {
			b.Fatalf("Allocate: %v", err)
		}
		a.Free(id, 1)
	}
}
