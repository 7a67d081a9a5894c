package kctx

import (
	"log/slog"
	"testing"
	"time"

	"github.com/tinyrange/dk/internal/kernel/arch"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConfig() Config {
	return Config{TimerFrequencyHz: 1000, TotalFrames: 256, ScreenWidth: 80, ScreenHeight: 60}
}

func TestNewWiresEveryCollaborator(t *testing.T) {
	k := New(discardLogger(), testConfig())
	if k.Bus == nil || k.Timer == nil || k.Sched == nil || k.Frames == nil ||
		k.Layers == nil || k.Files == nil || k.Trap == nil || k.Syscall == nil || k.USB == nil {
		t.Fatalf("New left a collaborator unwired: %+v", k)
	}
}

func TestNewUserTaskAttachesAddressSpaceAndBody(t *testing.T) {
	k := New(discardLogger(), testConfig())

	ran := make(chan struct{})
	task, err := k.NewUserTask(func(y *arch.Yielder, kk *Kernel, taskID uint64) {
		close(ran)
	})
	if err != nil {
		t.Fatalf("NewUserTask: %v", err)
	}
	if task.AddressSpace == nil {
		t.Fatalf("NewUserTask should set up an address space")
	}

	if err := k.Sched.Wakeup(task.ID, 0); err != nil {
		t.Fatalf("Wakeup: %v", err)
	}
	if err := k.Sched.SwitchTask(false); err != nil {
		t.Fatalf("SwitchTask: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("task body never ran")
	}
}

func TestOpenTaskFDDelegatesToSyscallGateway(t *testing.T) {
	k := New(discardLogger(), testConfig())
	task := k.Sched.NewTask()

	// fd 1 (stdout) is pre-populated by syscall.NewGateway.
	fd, ok := k.openTaskFD(task.ID, 1)
	if !ok || fd == nil {
		t.Fatalf("openTaskFD(stdout) = (%v, %v), want a descriptor", fd, ok)
	}

	if _, ok := k.openTaskFD(task.ID, 99); ok {
		t.Fatalf("openTaskFD with an out-of-range fd should report false")
	}
}

func TestTickAdvancesTimerUnderLock(t *testing.T) {
	k := New(discardLogger(), testConfig())
	before := k.Timer.CurrentTick()
	if err := k.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if k.Timer.CurrentTick() != before+1 {
		t.Fatalf("CurrentTick after Tick = %d, want %d", k.Timer.CurrentTick(), before+1)
	}
}
