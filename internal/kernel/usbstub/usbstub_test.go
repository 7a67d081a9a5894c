package usbstub

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type countingSink struct {
	calls atomic.Int64
}

func (s *countingSink) HandleXHCI() error {
	s.calls.Add(1)
	return nil
}

func TestControllerRunRaisesInterruptsUntilCancelled(t *testing.T) {
	sink := &countingSink{}
	c := NewController(discardLogger(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 2*time.Millisecond)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after its context was cancelled")
	}

	if sink.calls.Load() == 0 {
		t.Fatalf("Run should have raised at least one interrupt before cancellation")
	}
}

type erroringSink struct{}

func (erroringSink) HandleXHCI() error { return errBoom }

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

func TestControllerRunSurvivesSinkErrors(t *testing.T) {
	c := NewController(discardLogger(), erroringSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 2*time.Millisecond)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after its context was cancelled, despite a failing sink")
	}
}
