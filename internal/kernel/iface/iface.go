// Package iface declares the abstract capabilities the kernel syscall
// gateway manipulates (spec.md section 4.7): file descriptors and the
// layered window compositor. Concrete implementations are collaborators
// (internal/kernel/vfs, internal/kernel/compositor); only their contract
// here matters to the rest of the kernel, following the spec's own design
// note: "represent as a capability set ... carried as a vtable-like
// record behind a handle; avoid class hierarchies."
package iface

// FileDescriptor is the capability set a syscall or the demand-paging
// layer uses to read from, write to, or memory-map a file-like object.
type FileDescriptor interface {
	Read(buf []byte) (n int, err error)
	Write(buf []byte) (n int, err error)
	Size() (int64, error)
	// Load fills buf (up to length bytes) from the byte range starting at
	// offset, zero-padding anything past end-of-file.
	Load(buf []byte, length int, offset int64) (n int, err error)
}

// LayerID identifies a compositor-managed rectangular surface.
type LayerID uint32

// Rect is a pixel rectangle in screen coordinates.
type Rect struct {
	X, Y, W, H int
}

// Layer is the handle a syscall holds after NewLayer/FindLayer; it lets
// the syscall gateway mutate a window's contents without depending on the
// compositor's internal representation.
type Layer interface {
	ID() LayerID
	WriteString(x, y int, s string, color uint32) error
	FillRectangle(x, y, w, h int, color uint32) error
	DrawLine(x0, y0, x1, y1 int, color uint32) error
	// Bounds reports the layer's current screen rectangle, so a caller that
	// removes it can heal the exposed region with DrawRect.
	Bounds() Rect
}

// LayerManager is the abstract compositor surface the kernel calls under
// the kernel lock (spec.md section 4.7): NewLayer, FindLayer, Move,
// Draw(id), Draw(rect), RemoveLayer, Activate. Draw(id) must be
// idempotent; RemoveLayer followed by Draw(rect) must heal the exposed
// region.
type LayerManager interface {
	NewLayer(w, h, x, y int, title string) Layer
	FindLayer(id LayerID) (Layer, bool)
	Move(id LayerID, x, y int) error
	Draw(id LayerID) error
	DrawRect(r Rect) error
	RemoveLayer(id LayerID) error
	Activate(id LayerID) error
}
