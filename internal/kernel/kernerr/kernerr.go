// Package kernerr defines the kernel-facing error taxonomy shared by every
// subsystem (spec.md section 7). Syscall handlers translate these into
// POSIX-style codes at the ABI boundary; internally they are compared with
// errors.Is.
package kernerr

import "errors"

var (
	// ErrNoSuchTask is returned by any operation addressing an unknown task id.
	ErrNoSuchTask = errors.New("kernerr: no such task")
	// ErrFull is returned by producers that observe back-pressure on a bounded queue.
	ErrFull = errors.New("kernerr: queue full")
	// ErrAlreadyAllocated marks a protection-violation page fault (PTE present,
	// access not permitted); it is not recoverable and leads to task termination.
	ErrAlreadyAllocated = errors.New("kernerr: already allocated")
	// ErrIndexOutOfRange marks a fault address outside every demand-paging
	// window and file mapping owned by the faulting task.
	ErrIndexOutOfRange = errors.New("kernerr: index out of range")
	// ErrUnknownPixelFormat is raised by the compositor for an unsupported pixel format.
	ErrUnknownPixelFormat = errors.New("kernerr: unknown pixel format")
	// ErrNoEnoughMemory is raised by the frame allocator when physical memory is exhausted.
	ErrNoEnoughMemory = errors.New("kernerr: not enough memory")
	// ErrHostControllerNotHalted models the xHCI collaborator's own failure domain;
	// kept here only so callers can use the same errors.Is vocabulary.
	ErrHostControllerNotHalted = errors.New("kernerr: host controller not halted")
)
