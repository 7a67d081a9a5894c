// Package usbstub stands in for the out-of-scope xHCI/USB/PCI driver
// stack (spec.md section 1): it posts InterruptXHCI messages on a
// ticker, the same device-to-interrupt-sink shape the teacher's
// internal/devices/hpet package uses to drive its InterruptSink/SetIRQ
// path from a free-running hardware timer, generalized here from a
// one-shot HPET tick to a simulated USB controller doorbell.
package usbstub

import (
	"context"
	"log/slog"
	"time"
)

// Sink receives the edge-triggered xHCI interrupt; trap.Dispatcher
// implements this by posting InterruptXHCI to the USB driver task.
type Sink interface {
	HandleXHCI() error
}

// Controller simulates an xHCI host controller that raises its interrupt
// line at a fixed rate, matching the original's polling-free,
// interrupt-driven USB keyboard/mouse pipeline (spec.md section 1
// "xHCI/USB/PCI device drivers" listed as a collaborator, not specified
// here beyond the interrupt it raises).
type Controller struct {
	log  *slog.Logger
	sink Sink
}

func NewController(log *slog.Logger, sink Sink) *Controller {
	return &Controller{log: log, sink: sink}
}

// Run raises the xHCI interrupt every period until ctx is done,
// mirroring internal/devices/hpet's ticker-driven IRQ injection loop.
func (c *Controller) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sink.HandleXHCI(); err != nil {
				c.log.Warn("usbstub: interrupt delivery failed", "err", err)
			}
		}
	}
}
