// Package trap wires interrupt vectors to the collaborators they drive:
// page faults into paging.HandlePageFault, the xHCI device vector into a
// message delivered to task 1, and the APIC timer vector into
// timer.Service.Tick and, when it signals preemption, sched.SwitchTask
// (spec.md section 4.5). It is the host-simulation analogue of the
// teacher's interrupt-injection path in internal/devices/hpet, generalized
// from one-shot HPET ticks to a full IDT-style vector table.
package trap

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/dk/internal/kernel/arch"
	"github.com/tinyrange/dk/internal/kernel/iface"
	"github.com/tinyrange/dk/internal/kernel/kernerr"
	"github.com/tinyrange/dk/internal/kernel/message"
	"github.com/tinyrange/dk/internal/kernel/paging"
	"github.com/tinyrange/dk/internal/kernel/sched"
	"github.com/tinyrange/dk/internal/kernel/timer"
)

// Vector names the fixed set of entry points a real IDT would route to
// these handlers (spec.md section 4.5); values are arbitrary but stable.
type Vector int

const (
	VectorPageFault Vector = iota
	VectorXHCI
	VectorAPICTimer
)

// PageFaultInfo is the fault state a real #PF handler reads off the CPU
// (CR2 and the pushed error code) before calling into paging.
type PageFaultInfo struct {
	ErrorCode  paging.ErrorCode
	CausalAddr uint64
}

// Dispatcher owns the collaborators every trap handler needs and exposes
// one method per vector, matching spec.md section 4.5's three named
// handlers: the #PF handler, the xHCI device handler, and the LAPIC
// timer handler.
type Dispatcher struct {
	log   *slog.Logger
	sched *sched.Manager
	bus   *message.Bus
	tmr   *timer.Service

	// OpenFD resolves a task-relative file descriptor index to a concrete
	// iface.FileDescriptor, for #PF file-mapping faults.
	OpenFD func(taskID uint64, fd int) (iface.FileDescriptor, bool)

	scratch [paging.PageSize4K]byte
}

func NewDispatcher(log *slog.Logger, s *sched.Manager, bus *message.Bus, tmr *timer.Service) *Dispatcher {
	return &Dispatcher{log: log, sched: s, bus: bus, tmr: tmr}
}

// HandlePageFault implements spec.md section 4.4/4.5's #PF handler: a
// fault in a user task either resolves (the faulting page is established
// and execution resumes) or is fatal to that task; a fault with the
// kernel's own CS selector is unconditionally fatal to the whole machine,
// since the kernel is assumed never to fault by design.
func (d *Dispatcher) HandlePageFault(taskID uint64, kernelMode bool, info PageFaultInfo) error {
	if kernelMode {
		return fmt.Errorf("trap: unrecoverable page fault in kernel mode at %#x (error %#x)", info.CausalAddr, info.ErrorCode)
	}

	t, ok := d.sched.Task(taskID)
	if !ok {
		return kernerr.ErrNoSuchTask
	}

	openFD := func(fd int) (iface.FileDescriptor, bool) {
		return d.OpenFD(taskID, fd)
	}

	err := t.AddressSpace.HandlePageFault(info.ErrorCode, info.CausalAddr, t.DPagingBegin, t.DPagingEnd, t.FileMaps, openFD, d.scratch[:])
	if err != nil {
		d.log.Warn("page fault unresolved, terminating task", "task", taskID, "addr", info.CausalAddr, "err", err)
		return d.sched.Finish(taskID, 128+int32(arch.SIGSEGV))
	}
	return nil
}

// HandleXHCI implements spec.md section 4.5's xHCI handler: post an
// InterruptXHCI message to the USB driver task (task id 1 by convention,
// matching timer.TaskTimerTaskID's bootstrap task) and wake it if it was
// sleeping on its mailbox. EOI is assumed already issued by the caller,
// per the spec's "EOI-before-switch" ordering.
func (d *Dispatcher) HandleXHCI() error {
	const usbDriverTaskID = 1
	shouldWake, err := d.bus.Send(usbDriverTaskID, message.Message{Kind: message.KindInterruptXHCI})
	if err != nil {
		return err
	}
	if shouldWake {
		return d.sched.Wakeup(usbDriverTaskID, -1)
	}
	return nil
}

// HandleAPICTimer implements spec.md section 4.5's LAPIC timer handler:
// advance the tick counter, deliver any elapsed user timers, wake any task
// whose mailbox delivery requires it (mirroring HandleXHCI's shouldWake
// pattern, since timer.Service itself holds no *sched.Manager), and, only
// if the preemption timer itself elapsed, call SwitchTask. The caller is
// responsible for issuing EOI before this returns control to the
// interrupted task, matching the spec's ordering requirement.
func (d *Dispatcher) HandleAPICTimer() error {
	preempt, wake := d.tmr.Tick()
	for _, taskID := range wake {
		if err := d.sched.Wakeup(taskID, -1); err != nil {
			d.log.Warn("timer wakeup failed", "task", taskID, "err", err)
		}
	}
	if preempt {
		return d.sched.SwitchTask(false)
	}
	return nil
}
