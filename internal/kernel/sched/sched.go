// Package sched implements task management and the priority scheduler
// (spec.md section 4.3): per-level run queues, context switching,
// sleep/wake, termination, and wait-for-finish.
package sched

import (
	"log/slog"
	"time"

	"github.com/tinyrange/dk/internal/kernel/arch"
	"github.com/tinyrange/dk/internal/kernel/kernerr"
	"github.com/tinyrange/dk/internal/kernel/message"
	"github.com/tinyrange/dk/internal/kernel/paging"
	"github.com/tinyrange/dk/internal/timeslice"
)

// sliceSwitchTask is recorded around every SwitchTask call (a no-op
// unless a -trace recording is active, per timeslice.Record). The recorded
// duration includes the time the resumed task runs until it next yields,
// since SwitchTask blocks in arch.Switcher.Resume for that long.
var sliceSwitchTask = timeslice.RegisterKind("sched.SwitchTask", timeslice.SliceFlagGuestTime)

// MaxLevel is kMaxLevel from spec.md section 3: priority levels run
// [0, MaxLevel], higher runs first.
const MaxLevel = 3

// FileMapBase is the lowest virtual address file mappings may occupy,
// per spec.md section 3's FileMapping invariants.
const FileMapBase = 0x40000000000 // an arbitrary higher-half base

// DPagingWindowBase/DPagingWindowSize carve out every task's demand-paging
// heap window (spec.md section 3's dpaging_begin/dpaging_end) at
// construction time. The original kernel establishes this window in its
// exec() syscall when a process image is loaded; this engine's 14-entry
// ABI has no SysExec (out of scope), so NewTask grants every task the same
// fixed window instead of leaving it unset.
const (
	DPagingWindowBase = 0x10000000000
	DPagingWindowSize = 0x1000000 // 16 MiB
)

// FDStdin/FDStdout/FDStderr are the conventional low file-table slots
// reserved for stdin/stdout/stderr (spec.md section 3).
const (
	FDStdin  = 0
	FDStdout = 1
	FDStderr = 2
)

type fileMapping = paging.FileMapping

// Task is the unit of scheduling and address-space ownership (spec.md section 3).
type Task struct {
	ID    uint64
	Level int

	running    bool
	terminated bool

	ctx arch.Context

	osStackPointer uint64

	DPagingBegin uint64
	DPagingEnd   uint64
	FileMapEnd   uint64
	FileMaps     []fileMapping

	AddressSpace *paging.AddressSpace

	// Files is an ordered sparse vector of file descriptor handles; a -1
	// entry represents an empty slot (spec.md section 3).
	Files []int // indices into the owning vfs store; -1 means empty
}

// Manager owns every task, the per-level run queues, and termination
// bookkeeping (spec.md section 4.3's "Structure").
type Manager struct {
	log *slog.Logger

	tasks map[uint64]*Task
	runq  [MaxLevel + 1][]uint64

	currentLevel  int
	levelChanged  bool
	current       uint64
	hasCurrent    bool

	finishCodes   map[uint64]int32
	finishWaiters map[uint64]uint64 // finished task id -> waiting task id

	nextID uint64

	bus *message.Bus
	sw  *arch.Switcher
}

// New constructs an empty scheduler.
func New(log *slog.Logger, bus *message.Bus) *Manager {
	return &Manager{
		log:           log,
		tasks:         make(map[uint64]*Task),
		finishCodes:   make(map[uint64]int32),
		finishWaiters: make(map[uint64]uint64),
		bus:           bus,
		sw:            arch.NewSwitcher(),
		nextID:        1,
	}
}

// NewTask creates a task, initially sleeping, at the default level (0).
// Ids are assigned monotonically and never reused, per spec.md section 3.
func (m *Manager) NewTask() *Task {
	id := m.nextID
	m.nextID++

	t := &Task{
		ID:       id,
		Level:    0,
		FileMaps: nil,
		Files:    make([]int, 3),
	}
	t.Files[FDStdin], t.Files[FDStdout], t.Files[FDStderr] = 0, 1, 2
	t.FileMapEnd = FileMapBase
	t.DPagingBegin = DPagingWindowBase
	t.DPagingEnd = DPagingWindowBase + DPagingWindowSize

	m.tasks[id] = t
	m.bus.Register(id)
	return t
}

// Task returns the task with the given id, if it exists.
func (m *Manager) Task(id uint64) (*Task, bool) {
	t, ok := m.tasks[id]
	return t, ok
}

// OSStackPointer returns the kernel stack pointer recorded the last time
// taskID entered the kernel via syscall, so Exit can unwind to it
// (spec.md section 3's "OS stack pointer" slot).
func (m *Manager) OSStackPointer(taskID uint64) (uint64, bool) {
	t, ok := m.tasks[taskID]
	if !ok {
		return 0, false
	}
	return t.osStackPointer, true
}

// SetOSStackPointer records the kernel stack pointer at syscall entry.
func (m *Manager) SetOSStackPointer(taskID uint64, sp uint64) error {
	t, ok := m.tasks[taskID]
	if !ok {
		return kernerr.ErrNoSuchTask
	}
	t.osStackPointer = sp
	return nil
}

// CurrentTaskID returns the id of the task currently on CPU.
func (m *Manager) CurrentTaskID() (uint64, bool) {
	return m.current, m.hasCurrent
}

// highestNonEmpty scans from MaxLevel down to 0 and returns the
// highest non-empty level, or -1 if every queue is empty.
func (m *Manager) highestNonEmpty() int {
	for l := MaxLevel; l >= 0; l-- {
		if len(m.runq[l]) > 0 {
			return l
		}
	}
	return -1
}

// rotateCurrentRunQueue implements spec.md section 4.3's algorithm step 2:
// remove the outgoing task from its level's queue, then requeue it at the
// tail unless it is going to sleep, then resolve level_changed and
// empty-queue fallbacks, returning the new head.
func (m *Manager) rotateCurrentRunQueue(currentSleep bool) (uint64, bool) {
	if m.hasCurrent {
		q := m.runq[m.currentLevel]
		for i, id := range q {
			if id == m.current {
				q = append(q[:i], q[i+1:]...)
				break
			}
		}
		if !currentSleep {
			q = append(q, m.current)
		}
		m.runq[m.currentLevel] = q
	}

	if m.levelChanged {
		if lvl := m.highestNonEmpty(); lvl >= 0 {
			m.currentLevel = lvl
		}
		m.levelChanged = false
	}

	if len(m.runq[m.currentLevel]) == 0 {
		if lvl := m.highestNonEmpty(); lvl >= 0 {
			m.currentLevel = lvl
		} else {
			return 0, false
		}
	}

	return m.runq[m.currentLevel][0], true
}

// SwitchTask implements spec.md section 4.3's SwitchTask: rotate the
// ready queue and, if the new head differs from the outgoing task, flip
// running flags and hand control to the incoming task via arch.Switcher.
func (m *Manager) SwitchTask(currentSleep bool) error {
	start := time.Now()
	defer func() { timeslice.Record(sliceSwitchTask, time.Since(start)) }()

	outgoing := m.current
	hadCurrent := m.hasCurrent

	next, ok := m.rotateCurrentRunQueue(currentSleep)
	if !ok {
		// Nothing runnable. The outgoing task (if any) is no longer on
		// CPU, whether or not it is the one that just asked to sleep;
		// leaving hasCurrent/running stale here would make a later
		// Wakeup believe a sleeping task is still running.
		if hadCurrent {
			if t, ok := m.tasks[outgoing]; ok {
				t.running = false
			}
		}
		m.hasCurrent = false
		return nil
	}

	if hadCurrent && next == outgoing {
		return nil
	}

	if hadCurrent {
		if t, ok := m.tasks[outgoing]; ok {
			t.running = false
		}
	}

	if t, ok := m.tasks[next]; ok {
		t.running = true
	}
	m.current = next
	m.hasCurrent = true

	return m.sw.Resume(next)
}

// Attach registers a task body with the context switcher. Must be called
// once per task, typically right after NewTask.
func (m *Manager) Attach(taskID uint64, fn func(y *arch.Yielder)) {
	m.sw.Attach(taskID, fn)
}

// Sleep implements spec.md section 4.3's Sleep: if task is the running
// one, rotate with currentSleep=true and switch away; otherwise remove it
// from its level queue directly. A no-op if already sleeping.
func (m *Manager) Sleep(taskID uint64) error {
	t, ok := m.tasks[taskID]
	if !ok {
		return kernerr.ErrNoSuchTask
	}

	if m.hasCurrent && m.current == taskID {
		return m.SwitchTask(true)
	}

	q := m.runq[t.Level]
	for i, id := range q {
		if id == taskID {
			m.runq[t.Level] = append(q[:i], q[i+1:]...)
			return nil
		}
	}
	return nil // already sleeping
}

// Wakeup implements spec.md section 4.3's Wakeup: level<0 keeps the
// current level; otherwise update the level and, if this raises the
// highest non-empty level above currentLevel, mark levelChanged. If the
// task was sleeping, enqueue it at its (possibly new) level.
func (m *Manager) Wakeup(taskID uint64, level int) error {
	t, ok := m.tasks[taskID]
	if !ok {
		return kernerr.ErrNoSuchTask
	}

	running := m.hasCurrent && m.current == taskID
	wasSleeping := !m.inRunQueue(taskID) && !running

	oldLevel := t.Level
	if level >= 0 {
		t.Level = level
	}

	if t.Level > m.currentLevel {
		m.levelChanged = true
	}

	switch {
	case wasSleeping:
		m.runq[t.Level] = append(m.runq[t.Level], taskID)
	case running:
		// already on CPU: nothing queued to move, only the level attribute changes.
	case oldLevel != t.Level:
		// already runnable but changing levels: move it to the new level's queue.
		q := m.runq[oldLevel]
		for i, id := range q {
			if id == taskID {
				m.runq[oldLevel] = append(q[:i], q[i+1:]...)
				break
			}
		}
		m.runq[t.Level] = append(m.runq[t.Level], taskID)
	}
	return nil
}

func (m *Manager) inRunQueue(taskID uint64) bool {
	for l := 0; l <= MaxLevel; l++ {
		for _, id := range m.runq[l] {
			if id == taskID {
				return true
			}
		}
	}
	return false
}

// Finish implements spec.md section 4.3's Finish: record the exit code,
// wake any waiter, tear down the address space, then sleep forever.
func (m *Manager) Finish(taskID uint64, exitCode int32) error {
	t, ok := m.tasks[taskID]
	if !ok {
		return kernerr.ErrNoSuchTask
	}

	m.finishCodes[taskID] = exitCode
	t.terminated = true

	if waiter, ok := m.finishWaiters[taskID]; ok {
		delete(m.finishWaiters, taskID)
		if err := m.Wakeup(waiter, -1); err != nil {
			m.log.Warn("finish: waking waiter failed", "waiter", waiter, "err", err)
		}
	}

	if t.AddressSpace != nil {
		t.AddressSpace.Teardown()
	}
	m.bus.Unregister(taskID)
	m.sw.Detach(taskID)

	return m.Sleep(taskID)
}

// ExitCode returns the recorded exit code for a finished task.
func (m *Manager) ExitCode(taskID uint64) (int32, bool) {
	code, ok := m.finishCodes[taskID]
	return code, ok
}

// WaitFinish implements spec.md section 4.3's WaitFinish: return
// immediately if target already finished; otherwise register the calling
// task as its waiter and sleep.
func (m *Manager) WaitFinish(waiterID, targetID uint64) (int32, bool, error) {
	if code, ok := m.finishCodes[targetID]; ok {
		return code, true, nil
	}
	if _, ok := m.tasks[targetID]; !ok {
		return 0, false, kernerr.ErrNoSuchTask
	}
	m.finishWaiters[targetID] = waiterID
	if err := m.Sleep(waiterID); err != nil {
		return 0, false, err
	}
	return 0, false, nil
}
