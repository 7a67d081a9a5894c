package sched

import (
	"log/slog"
	"testing"

	"github.com/tinyrange/dk/internal/kernel/arch"
	"github.com/tinyrange/dk/internal/kernel/message"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestHigherLevelPreemptsLower(t *testing.T) {
	bus := message.NewBus(discardLogger())
	m := New(discardLogger(), bus)

	low := m.NewTask()
	high := m.NewTask()

	m.Attach(low.ID, func(y *arch.Yielder) {
		y.Yield()
	})
	m.Attach(high.ID, func(y *arch.Yielder) {})

	if err := m.Wakeup(low.ID, 0); err != nil {
		t.Fatalf("Wakeup low: %v", err)
	}
	if err := m.SwitchTask(false); err != nil {
		t.Fatalf("SwitchTask: %v", err)
	}
	cur, _ := m.CurrentTaskID()
	if cur != low.ID {
		t.Fatalf("current task = %d, want low task %d", cur, low.ID)
	}

	if err := m.Wakeup(high.ID, MaxLevel); err != nil {
		t.Fatalf("Wakeup high: %v", err)
	}
	if err := m.SwitchTask(false); err != nil {
		t.Fatalf("SwitchTask: %v", err)
	}
	cur, _ = m.CurrentTaskID()
	if cur != high.ID {
		t.Fatalf("current task after waking a higher-level task = %d, want high task %d", cur, high.ID)
	}
}

func TestSleepRemovesFromRunQueue(t *testing.T) {
	bus := message.NewBus(discardLogger())
	m := New(discardLogger(), bus)

	a := m.NewTask()
	m.Attach(a.ID, func(y *arch.Yielder) { y.Yield() })
	if err := m.Wakeup(a.ID, 0); err != nil {
		t.Fatalf("Wakeup: %v", err)
	}
	if err := m.SwitchTask(false); err != nil {
		t.Fatalf("SwitchTask: %v", err)
	}

	if err := m.Sleep(a.ID); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if m.inRunQueue(a.ID) {
		t.Fatalf("task should not be in any run queue after Sleep")
	}
}

func TestFinishRecordsExitCodeAndWakesWaiter(t *testing.T) {
	bus := message.NewBus(discardLogger())
	m := New(discardLogger(), bus)

	target := m.NewTask()
	waiter := m.NewTask()
	m.Attach(target.ID, func(y *arch.Yielder) {})
	m.Attach(waiter.ID, func(y *arch.Yielder) {})

	if err := m.Wakeup(waiter.ID, 0); err != nil {
		t.Fatalf("Wakeup waiter: %v", err)
	}
	if err := m.SwitchTask(false); err != nil {
		t.Fatalf("SwitchTask: %v", err)
	}

	if _, done, err := m.WaitFinish(waiter.ID, target.ID); err != nil || done {
		t.Fatalf("WaitFinish on a live target: done=%v err=%v", done, err)
	}
	if m.inRunQueue(waiter.ID) {
		t.Fatalf("waiter should have been put to sleep by WaitFinish")
	}

	if err := m.Finish(target.ID, 42); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	code, ok := m.ExitCode(target.ID)
	if !ok || code != 42 {
		t.Fatalf("ExitCode = (%d, %v), want (42, true)", code, ok)
	}
	if !m.inRunQueue(waiter.ID) {
		t.Fatalf("waiter should have been woken by Finish")
	}
}

func TestWaitFinishOnAlreadyFinishedReturnsImmediately(t *testing.T) {
	bus := message.NewBus(discardLogger())
	m := New(discardLogger(), bus)

	target := m.NewTask()
	waiter := m.NewTask()
	m.Attach(target.ID, func(y *arch.Yielder) {})

	if err := m.Finish(target.ID, 7); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	code, done, err := m.WaitFinish(waiter.ID, target.ID)
	if err != nil || !done || code != 7 {
		t.Fatalf("WaitFinish on finished target = (%d, %v, %v), want (7, true, nil)", code, done, err)
	}
}
