// Package paging implements demand-paging virtual memory management
// (spec.md section 4.4): 4-level page tables per task, the page-fault
// handler, and memory-mapped file support.
package paging

import (
	"github.com/tinyrange/dk/internal/kernel/frame"
	"github.com/tinyrange/dk/internal/kernel/iface"
	"github.com/tinyrange/dk/internal/kernel/kernerr"
)

const (
	PageSize4K = 4096
	pageShift  = 12
	entryBits  = 9
	entryMask  = (1 << entryBits) - 1
)

// entryFlags mirrors the page-map-entry bit layout of spec.md section 3:
// present, writable, user, plus the frame-id payload.
type entryFlags struct {
	present  bool
	writable bool
	user     bool
	frame    frame.ID
}

// level indexes PML4(3)..PT(0); part(level, va) extracts the
// corresponding 9-bit index from a linear address.
func part(level int, va uint64) int {
	shift := pageShift + entryBits*level
	return int((va >> shift) & entryMask)
}

// pageTable is one 512-entry level of the 4-level tree.
type pageTable [512]entryFlags

// AddressSpace is one task's page-table tree, rooted at the same shared
// kernel identity mapping every task inherits (spec.md section 4.4:
// "each task inherits this and extends it with higher-half, user-
// accessible pages"). Only the task-owned upper levels are tracked here;
// identity-mapped low memory is represented implicitly and never walked
// by Teardown.
type AddressSpace struct {
	root   *pageTable // PML4
	frames *frame.Allocator
	owned  []frame.ID // frames this address space is responsible for freeing
}

// NewAddressSpace allocates a fresh PML4 for a task.
func NewAddressSpace(frames *frame.Allocator) (*AddressSpace, error) {
	root := &pageTable{}
	return &AddressSpace{root: root, frames: frames}, nil
}

// SetupPageMaps walks the 4-level tree from the address space root,
// allocating any missing intermediate level and marking the final PT
// entries present/writable/user. Idempotent: touching an already-present
// entry is a no-op, per spec.md section 4.4. Levels run PML4(3)..PT(0);
// a PT entry (level 0) is a leaf that maps directly to a physical frame.
func (as *AddressSpace) SetupPageMaps(linearAddr uint64, num4KPages uint64) error {
	_, err := as.setupLevel(as.root, 3, linearAddr, num4KPages)
	return err
}

func (as *AddressSpace) setupLevel(table *pageTable, level int, addr uint64, remaining uint64) (uint64, error) {
	for remaining > 0 {
		idx := part(level, addr)
		entry := &table[idx]

		if level == 0 {
			if !entry.present {
				id, err := as.frames.Allocate(1)
				if err != nil {
					return remaining, err
				}
				as.owned = append(as.owned, id)
				entry.frame = id
				entry.present = true
			}
			entry.writable = true
			entry.user = true
			remaining--
		} else {
			var child *pageTable
			if !entry.present {
				id, err := as.frames.Allocate(1)
				if err != nil {
					return remaining, err
				}
				as.owned = append(as.owned, id)
				child = &pageTable{}
				childTables[id] = child
				entry.frame = id
				entry.present = true
			} else {
				child = childTables[entry.frame]
			}
			entry.writable = true
			entry.user = true

			rem, err := as.setupLevel(child, level-1, addr, remaining)
			if err != nil {
				return rem, err
			}
			remaining = rem
		}

		if idx == 511 {
			break
		}
		addr = nextPageAddr(addr, level)
	}
	return remaining, nil
}

// childTables backs the "pointer to next level" bits of a page-map entry:
// the spec models it as a 64-bit word encoding a pointer; we cannot stash
// a Go pointer in a uint64 safely, so intermediate tables are kept in a
// side map keyed by the frame id allocated for them. This is purely a
// host-simulation bridging detail; the bit layout callers observe
// (present/writable/user/frame) matches spec.md section 3 exactly.
var childTables = make(map[frame.ID]*pageTable)

func nextPageAddr(addr uint64, level int) uint64 {
	shift := pageShift + entryBits*level
	page := (addr >> shift) + 1
	addr = page << shift
	for l := level - 1; l >= 0; l-- {
		addr &^= uint64(entryMask) << (pageShift + entryBits*l)
	}
	return addr
}

// Present reports whether the 4 KiB page containing va has a present leaf
// entry, for tests.
func (as *AddressSpace) Present(va uint64) bool {
	table := as.root
	for level := 3; level >= 1; level-- {
		e := table[part(level, va)]
		if !e.present {
			return false
		}
		table = childTables[e.frame]
	}
	return table[part(0, va)].present
}

// Teardown frees every frame this address space allocated for its own
// page tables and data pages (spec.md section 9 open question: frame
// deallocation on task exit). The shared kernel identity mapping is
// never part of `owned` and so is never freed.
func (as *AddressSpace) Teardown() {
	for _, id := range as.owned {
		as.frames.Free(id, 1)
	}
	as.owned = nil
}

// FileMapping is a VA range backed by a file, per spec.md section 3.
type FileMapping struct {
	FD          int
	VAddrBegin  uint64
	VAddrEnd    uint64
}

// FindFileMapping returns the mapping containing causalVAddr, if any.
func FindFileMapping(maps []FileMapping, causalVAddr uint64) (FileMapping, bool) {
	for _, m := range maps {
		if m.VAddrBegin <= causalVAddr && causalVAddr < m.VAddrEnd {
			return m, true
		}
	}
	return FileMapping{}, false
}

// PreparePageCache establishes the single 4 KiB page containing
// faultingVAddr and fills it from the backing file descriptor's slice
// starting at the corresponding file offset, per spec.md section 4.4.
func (as *AddressSpace) PreparePageCache(fd iface.FileDescriptor, m FileMapping, faultingVAddr uint64, pageData []byte) error {
	pageVAddr := faultingVAddr &^ (PageSize4K - 1)
	if err := as.SetupPageMaps(pageVAddr, 1); err != nil {
		return err
	}
	fileOffset := int64(pageVAddr - m.VAddrBegin)
	_, err := fd.Load(pageData, PageSize4K, fileOffset)
	return err
}

// ErrorCode mirrors the fault error-code bit the spec checks: bit 0 set
// means a protection violation rather than a not-present page.
type ErrorCode uint64

const ProtectionViolation ErrorCode = 1

// HandlePageFault implements spec.md section 4.4's decision tree:
// protection violations and addresses outside every owned range fail;
// addresses inside the demand-paging window or a registered file mapping
// succeed by establishing the page.
func (as *AddressSpace) HandlePageFault(
	errorCode ErrorCode,
	causalAddr uint64,
	dpagingBegin, dpagingEnd uint64,
	fileMaps []FileMapping,
	openFD func(fd int) (iface.FileDescriptor, bool),
	scratch []byte,
) error {
	if errorCode&ProtectionViolation != 0 {
		return kernerr.ErrAlreadyAllocated
	}
	if dpagingBegin <= causalAddr && causalAddr < dpagingEnd {
		return as.SetupPageMaps(causalAddr&^(PageSize4K-1), 1)
	}
	if m, ok := FindFileMapping(fileMaps, causalAddr); ok {
		fd, ok := openFD(m.FD)
		if !ok {
			return kernerr.ErrIndexOutOfRange
		}
		return as.PreparePageCache(fd, m, causalAddr, scratch)
	}
	return kernerr.ErrIndexOutOfRange
}
