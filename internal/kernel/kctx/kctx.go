// Package kctx collapses the kernel's global mutable state into a single
// struct, per spec.md section 9's design note that a from-scratch
// implementation should avoid scattered package-level globals and thread
// one kernel context through every entry point instead. It wires C1-C7
// and their collaborators together and owns the "disable interrupts"
// mutex that stands in for the uniprocessor mutual-exclusion primitive
// named throughout spec.md section 5.
package kctx

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/dk/internal/kernel/arch"
	"github.com/tinyrange/dk/internal/kernel/compositor"
	"github.com/tinyrange/dk/internal/kernel/frame"
	"github.com/tinyrange/dk/internal/kernel/iface"
	"github.com/tinyrange/dk/internal/kernel/message"
	"github.com/tinyrange/dk/internal/kernel/paging"
	"github.com/tinyrange/dk/internal/kernel/sched"
	"github.com/tinyrange/dk/internal/kernel/syscall"
	"github.com/tinyrange/dk/internal/kernel/timer"
	"github.com/tinyrange/dk/internal/kernel/trap"
	"github.com/tinyrange/dk/internal/kernel/usbstub"
	"github.com/tinyrange/dk/internal/kernel/vfs"
	"github.com/tinyrange/dk/internal/timeslice"
)

// sliceTick is recorded around every Tick call, so a -trace run can be
// decoded with timeslice.ReadAllRecords to see where the kernel's
// interrupt-driven hot path spends its time; sched.SwitchTask records its
// own, more granular kind alongside it.
var sliceTick = timeslice.RegisterKind("kctx.Tick", 0)

// Config selects the tunables spec.md leaves to an implementer: level
// count is fixed by sched.MaxLevel, but timer frequency and total frame
// count are construction-time parameters.
type Config struct {
	TimerFrequencyHz uint64
	TotalFrames      uint64
	ScreenWidth      int
	ScreenHeight     int
}

// Kernel is the single context threaded through every subsystem.
type Kernel struct {
	// Lock is the kernel-wide mutual-exclusion primitive standing in for
	// "disable interrupts" (spec.md section 5): every mutation of run
	// queues, mailboxes, the timer heap, the layer/task map, or
	// address-space bookkeeping holds this for its duration.
	//
	// Only entry points driven by a goroutine outside the task baton-pass
	// chain (Tick's caller, usbstub's ticker) need to take Lock
	// explicitly: the arch.Switcher handoff between Resume and Yield
	// already guarantees that at most one of {the goroutine that called
	// Resume, the task it resumed} is ever running, so a task body must
	// never attempt to acquire Lock itself while it is running — it would
	// deadlock against the Resume caller still holding it.
	Lock sync.Mutex

	Log *slog.Logger

	Bus     *message.Bus
	Timer   *timer.Service
	Sched   *sched.Manager
	Frames  *frame.Allocator
	Layers  *compositor.Manager
	Files   *vfs.Store
	Trap    *trap.Dispatcher
	Syscall *syscall.Gateway
	USB     *usbstub.Controller
}

// lockedXHCISink adapts trap.Dispatcher to usbstub.Sink, taking Lock
// around the call since the USB controller ticks on its own goroutine
// outside the task baton-pass chain.
type lockedXHCISink struct {
	k *Kernel
}

func (s *lockedXHCISink) HandleXHCI() error {
	s.k.Lock.Lock()
	defer s.k.Lock.Unlock()
	return s.k.Trap.HandleXHCI()
}

// New constructs every C1-C7 collaborator and wires them together.
func New(log *slog.Logger, cfg Config) *Kernel {
	k := &Kernel{
		Log:    log,
		Bus:    message.NewBus(log),
		Frames: frame.New(cfg.TotalFrames),
		Layers: compositor.New(cfg.ScreenWidth, cfg.ScreenHeight),
		Files:  vfs.NewStore(),
	}
	k.Timer = timer.New(cfg.TimerFrequencyHz, k.Bus)
	k.Sched = sched.New(log, k.Bus)
	k.Trap = trap.NewDispatcher(log, k.Sched, k.Bus, k.Timer)
	k.Trap.OpenFD = k.openTaskFD

	k.Syscall = syscall.NewGateway(log, k.Sched, k.Layers, k.Bus, k.Timer, func(path string, flags int) (iface.FileDescriptor, error) {
		return k.Files.Open(path, flags)
	})

	k.USB = usbstub.NewController(log, &lockedXHCISink{k: k})

	return k
}

// openTaskFD resolves a task-relative file descriptor for the page-fault
// handler's file-mapping path by delegating to the syscall gateway's
// descriptor table, the same lookup OpenFile/ReadFile use.
func (k *Kernel) openTaskFD(taskID uint64, fd int) (iface.FileDescriptor, bool) {
	return k.Syscall.Descriptor(taskID, fd)
}

// NewUserTask creates a task, attaches its goroutine body, sets up its
// address space, and returns it ready to be scheduled, per spec.md
// section 3's per-task construction sequence.
func (k *Kernel) NewUserTask(body func(y *arch.Yielder, k *Kernel, taskID uint64)) (*sched.Task, error) {
	t := k.Sched.NewTask()

	as, err := paging.NewAddressSpace(k.Frames)
	if err != nil {
		return nil, fmt.Errorf("kctx: new address space for task %d: %w", t.ID, err)
	}
	t.AddressSpace = as

	k.Sched.Attach(t.ID, func(y *arch.Yielder) {
		body(y, k, t.ID)
	})

	return t, nil
}

// Tick drives one APIC-timer interrupt through the trap dispatcher,
// holding Lock for its duration (spec.md section 5). If the preempted
// timer elapsed, this may resume a different task and block until that
// task's next yield point, exactly as a real timer interrupt's IRET
// hands control to whichever task the scheduler picked.
func (k *Kernel) Tick() error {
	start := time.Now()
	defer func() { timeslice.Record(sliceTick, time.Since(start)) }()

	k.Lock.Lock()
	defer k.Lock.Unlock()
	return k.Trap.HandleAPICTimer()
}
