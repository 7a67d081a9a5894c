// Package frame implements the FrameAllocator collaborator named in
// spec.md section 1 ("Physical frame allocation... FrameAllocator
// collaborator exposing allocate(n) -> frame_id / free(frame_id, n)").
// The bookkeeping style — a monotonically advancing cursor plus a
// returned-region free list, guarded by a single mutex — is grounded on
// internal/hv/address_space.go's MMIO region allocator, generalized from
// variable-sized byte regions to fixed 4 KiB physical frames.
package frame

import (
	"fmt"
	"sync"

	"github.com/tinyrange/dk/internal/kernel/kernerr"
)

// ID identifies a physical frame by its 4 KiB frame number (not a byte address).
type ID uint64

const PageSize = 4096

// Allocator hands out contiguous runs of physical frames from a
// fixed-size arena and accepts them back on Free.
type Allocator struct {
	mu sync.Mutex

	totalFrames ID
	next        ID
	free        []run // returned regions, kept sorted and coalesced
}

type run struct {
	start ID
	n     uint64
}

// New constructs an allocator over an arena of totalFrames 4 KiB frames.
func New(totalFrames uint64) *Allocator {
	return &Allocator{totalFrames: ID(totalFrames)}
}

// Allocate returns the first frame id of a contiguous run of n frames.
func (a *Allocator) Allocate(n uint64) (ID, error) {
	if n == 0 {
		return 0, fmt.Errorf("frame: cannot allocate zero frames")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.takeFromFree(n); ok {
		return id, nil
	}

	if uint64(a.next)+n > uint64(a.totalFrames) {
		return 0, fmt.Errorf("frame: want %d frames, %d remain: %w", n, uint64(a.totalFrames-a.next), kernerr.ErrNoEnoughMemory)
	}

	id := a.next
	a.next += ID(n)
	return id, nil
}

// Free returns n frames starting at id to the allocator.
func (a *Allocator) Free(id ID, n uint64) {
	if n == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.free = append(a.free, run{start: id, n: n})
	a.coalesce()

	// A free run that ends at the cursor goes back to the bump region, so
	// freeing everything makes the whole arena allocatable as one run again.
	if last := len(a.free) - 1; a.free[last].start+ID(a.free[last].n) == a.next {
		a.next = a.free[last].start
		a.free = a.free[:last]
	}
}

func (a *Allocator) takeFromFree(n uint64) (ID, bool) {
	for i, r := range a.free {
		if r.n < n {
			continue
		}
		id := r.start
		if r.n == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = run{start: r.start + ID(n), n: r.n - n}
		}
		return id, true
	}
	return 0, false
}

func (a *Allocator) coalesce() {
	if len(a.free) < 2 {
		return
	}
	sortRuns(a.free)
	out := a.free[:1]
	for _, r := range a.free[1:] {
		last := &out[len(out)-1]
		if last.start+ID(last.n) == r.start {
			last.n += r.n
			continue
		}
		out = append(out, r)
	}
	a.free = out
}

func sortRuns(runs []run) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j-1].start > runs[j].start; j-- {
			runs[j-1], runs[j] = runs[j], runs[j-1]
		}
	}
}

// TotalFrames reports the arena size, for diagnostics and tests.
func (a *Allocator) TotalFrames() uint64 { return uint64(a.totalFrames) }
