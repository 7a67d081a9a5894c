package timer

import (
	"log/slog"
	"testing"

	"github.com/tinyrange/dk/internal/kernel/message"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestTickDeliversElapsedTimerInOrder(t *testing.T) {
	bus := message.NewBus(discardLogger())
	bus.Register(2)

	s := New(100, bus)
	s.AddTimer(Timer{TimeoutTicks: 3, Value: -5, TaskID: 2})
	s.AddTimer(Timer{TimeoutTicks: 3, Value: -6, TaskID: 2})

	for i := 0; i < 2; i++ {
		s.Tick()
	}
	if bus.Len(2) != 0 {
		t.Fatalf("timers should not fire before their tick")
	}

	s.Tick() // tick 3: both user timers elapse, in insertion order
	if got := bus.Len(2); got != 2 {
		t.Fatalf("mailbox length after tick 3 = %d, want 2", got)
	}

	first, _, _ := bus.Receive(2)
	second, _, _ := bus.Receive(2)
	if first.Value != -5 || second.Value != -6 {
		t.Fatalf("timers delivered out of insertion order: got %d, %d", first.Value, second.Value)
	}
}

func TestTickSignalsPreemptionOnPeriod(t *testing.T) {
	bus := message.NewBus(discardLogger())
	bus.Register(TaskTimerTaskID)

	s := New(100, bus)
	if preempt, _ := s.Tick(); !preempt {
		t.Fatalf("first tick should always signal preemption (Period=1)")
	}
	if preempt, _ := s.Tick(); !preempt {
		t.Fatalf("preemption timer should re-arm itself every Period ticks")
	}
}

func TestTickReportsWakeForSleepingTask(t *testing.T) {
	bus := message.NewBus(discardLogger())
	bus.Register(2)
	if err := bus.MarkSleeping(2); err != nil {
		t.Fatalf("MarkSleeping: %v", err)
	}

	s := New(100, bus)
	s.AddTimer(Timer{TimeoutTicks: 1, Value: -5, TaskID: 2})

	_, wake := s.Tick()
	if len(wake) != 1 || wake[0] != 2 {
		t.Fatalf("wake = %v, want [2]", wake)
	}
}

func TestCurrentTickMonotonic(t *testing.T) {
	bus := message.NewBus(discardLogger())
	bus.Register(TaskTimerTaskID)
	s := New(100, bus)

	for i := uint64(1); i <= 10; i++ {
		s.Tick()
		if s.CurrentTick() != i {
			t.Fatalf("CurrentTick() = %d, want %d", s.CurrentTick(), i)
		}
	}
}

func TestFrequency(t *testing.T) {
	bus := message.NewBus(discardLogger())
	s := New(250, bus)
	if s.Frequency() != 250 {
		t.Fatalf("Frequency() = %d, want 250", s.Frequency())
	}
}
