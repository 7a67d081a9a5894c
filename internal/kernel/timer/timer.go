// Package timer implements the hierarchical timer service (spec.md
// section 4.2): a monotonic tick counter and a min-heap of scheduled
// timeouts, delivered to tasks as messages.
package timer

import (
	"container/heap"

	"github.com/tinyrange/dk/internal/kernel/message"
)

// TaskTimerValue marks the internal preemption timer entry; any other
// value is a user-created timer (negative by convention, see CreateTimer
// in the syscall package).
const TaskTimerValue = -1 << 62

// TaskTimerTaskID is the task the preemption timer re-schedules itself
// against, matching the original's bootstrap/idle task (task id 1).
const TaskTimerTaskID = 1

// entry is one scheduled timeout.
type entry struct {
	timeout uint64
	value   int64
	taskID  uint64
	seq     uint64 // insertion order, for a stable tie-break
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].timeout != h[j].timeout {
		return h[i].timeout < h[j].timeout
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Timer identifies one scheduled timeout as exposed to callers.
type Timer struct {
	TimeoutTicks uint64
	Value        int64
	TaskID       uint64
}

// Period is the tick interval between successive preemption timer
// deliveries (kTaskTimerPeriod in spec.md section 4.2).
const Period = 1

// Service owns the tick counter and timer heap. AddTimer/Tick mutate
// heap state and must be called with the kernel lock held, matching the
// spec's statement that the timer heap is scheduler-protected state.
type Service struct {
	tick  uint64
	heap  entryHeap
	seq   uint64
	bus   *message.Bus
	freq  uint64 // kTimerFreq, ticks per second
}

// New constructs a timer service at the given tick frequency (Hz),
// seeding a sentinel {timeout=inf, value=0, task_id=0} entry so Top is
// always defined, per spec.md section 4.2.
func New(freqHz uint64, bus *message.Bus) *Service {
	s := &Service{bus: bus, freq: freqHz}
	heap.Init(&s.heap)
	heap.Push(&s.heap, entry{timeout: ^uint64(0), value: 0, taskID: 0, seq: s.nextSeq()})
	// seed the first preemption timer
	heap.Push(&s.heap, entry{timeout: Period, value: TaskTimerValue, taskID: TaskTimerTaskID, seq: s.nextSeq()})
	return s
}

func (s *Service) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// Frequency returns kTimerFreq, the configured ticks-per-second.
func (s *Service) Frequency() uint64 { return s.freq }

// AddTimer appends a new timeout entry to the heap.
func (s *Service) AddTimer(t Timer) {
	heap.Push(&s.heap, entry{timeout: t.TimeoutTicks, value: t.Value, taskID: t.TaskID, seq: s.nextSeq()})
}

// CurrentTick returns the monotonic tick counter.
func (s *Service) CurrentTick() uint64 { return s.tick }

// Tick increments the tick counter and pops every entry whose timeout has
// elapsed, delivering each as a TimerTimeout message to its owning task
// (or re-arming the preemption timer). It returns whether a preemption is
// due this tick, and the ids of tasks whose delivery reported shouldWake
// (message.Bus.Send's own contract: "the caller is responsible for waking
// the task's scheduler entry"). Service has no *sched.Manager of its own,
// so the actual Wakeup call is left to the caller — trap.HandleAPICTimer —
// mirroring how HandleXHCI already acts on Send's shouldWake return.
func (s *Service) Tick() (preempt bool, wake []uint64) {
	s.tick++

	for s.heap.Len() > 0 && s.heap[0].timeout <= s.tick {
		e := heap.Pop(&s.heap).(entry)

		if e.taskID == 0 {
			// sentinel; never actually fires since timeout is max-uint64,
			// but guard defensively and re-push it.
			heap.Push(&s.heap, e)
			break
		}

		if e.value == TaskTimerValue {
			heap.Push(&s.heap, entry{
				timeout: s.tick + Period,
				value:   TaskTimerValue,
				taskID:  TaskTimerTaskID,
				seq:     s.nextSeq(),
			})
			preempt = true
			continue
		}

		shouldWake, err := s.bus.Send(e.taskID, message.Message{
			Kind:    message.KindTimerTimeout,
			Timeout: e.timeout,
			Value:   e.value,
		})
		if err != nil {
			// task torn down since the timer was created; drop delivery.
			continue
		}
		if shouldWake {
			wake = append(wake, e.taskID)
		}
	}

	return preempt, wake
}
