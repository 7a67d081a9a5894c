// Package compositor implements a concrete iface.LayerManager: an
// in-memory stack of rectangular layers over a shared pixel buffer. This
// is the collaborator spec.md section 1 calls "window compositor drawing
// routines" and keeps out of the kernel's own scope; it exists here only
// so the syscall gateway (C6) can be exercised end to end.
package compositor

import (
	"fmt"
	"sync"

	"github.com/tinyrange/dk/internal/kernel/iface"
)

type layer struct {
	id      iface.LayerID
	x, y    int
	w, h    int
	title   string
	pixels  []uint32 // w*h, row-major
}

func (l *layer) ID() iface.LayerID { return l.id }

func (l *layer) Bounds() iface.Rect {
	return iface.Rect{X: l.x, Y: l.y, W: l.w, H: l.h}
}

func (l *layer) WriteString(x, y int, s string, color uint32) error {
	for i, r := range s {
		px, py := x+i, y
		if px < 0 || px >= l.w || py < 0 || py >= l.h {
			continue
		}
		// a real font rasterizer is out of scope (spec.md section 1); each
		// rune fills one pixel with color, and the rune itself is not stored.
		_ = r
		l.pixels[py*l.w+px] = color
	}
	return nil
}

func (l *layer) FillRectangle(x, y, w, h int, color uint32) error {
	for dy := 0; dy < h; dy++ {
		py := y + dy
		if py < 0 || py >= l.h {
			continue
		}
		for dx := 0; dx < w; dx++ {
			px := x + dx
			if px < 0 || px >= l.w {
				continue
			}
			l.pixels[py*l.w+px] = color
		}
	}
	return nil
}

func (l *layer) DrawLine(x0, y0, x1, y1 int, color uint32) error {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := sign(x1-x0), sign(y1-y0)
	err := dx + dy
	x, y := x0, y0
	for {
		if x >= 0 && x < l.w && y >= 0 && y < l.h {
			l.pixels[y*l.w+x] = color
		}
		if x == x1 && y == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Manager is the concrete LayerManager. A single mutex stands in for "the
// kernel lock held" invariant the spec places on every call into it.
type Manager struct {
	mu       sync.Mutex
	layers   map[iface.LayerID]*layer
	order    []iface.LayerID // back-to-front z-order
	nextID   iface.LayerID
	screen   screen
}

type screen struct {
	w, h   int
	pixels []uint32
}

func New(screenW, screenH int) *Manager {
	return &Manager{
		layers: make(map[iface.LayerID]*layer),
		screen: screen{w: screenW, h: screenH, pixels: make([]uint32, screenW*screenH)},
		nextID: 1,
	}
}

func (m *Manager) NewLayer(w, h, x, y int, title string) iface.Layer {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := &layer{id: m.nextID, x: x, y: y, w: w, h: h, title: title, pixels: make([]uint32, w*h)}
	m.nextID++
	m.layers[l.id] = l
	m.order = append(m.order, l.id)
	return l
}

func (m *Manager) FindLayer(id iface.LayerID) (iface.Layer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[id]
	if !ok {
		return nil, false
	}
	return l, true
}

func (m *Manager) Move(id iface.LayerID, x, y int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[id]
	if !ok {
		return fmt.Errorf("compositor: no such layer %d", id)
	}
	l.x, l.y = x, y
	return nil
}

// Activate moves id to the front of the z-order (the last entry drawn).
func (m *Manager) Activate(id iface.LayerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.layers[id]; !ok {
		return fmt.Errorf("compositor: no such layer %d", id)
	}
	m.removeFromOrder(id)
	m.order = append(m.order, id)
	return nil
}

func (m *Manager) removeFromOrder(id iface.LayerID) {
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// Draw composites a single layer (and everything above it in z-order)
// onto the screen buffer. It is idempotent: drawing the same layer twice
// in a row with no intervening mutation produces the same screen pixels.
func (m *Manager) Draw(id iface.LayerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.layers[id]; !ok {
		return fmt.Errorf("compositor: no such layer %d", id)
	}
	start := m.indexOf(id)
	m.compositeFrom(start)
	return nil
}

// DrawRect recomposites every layer intersecting r from the back of the
// z-order forward, which is what heals the region exposed by RemoveLayer.
func (m *Manager) DrawRect(r iface.Rect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compositeRectFrom(0, r)
	return nil
}

func (m *Manager) indexOf(id iface.LayerID) int {
	for i, o := range m.order {
		if o == id {
			return i
		}
	}
	return 0
}

func (m *Manager) compositeFrom(startIdx int) {
	for i := startIdx; i < len(m.order); i++ {
		m.blit(m.layers[m.order[i]])
	}
}

func (m *Manager) compositeRectFrom(startIdx int, r iface.Rect) {
	for i := startIdx; i < len(m.order); i++ {
		m.blitRect(m.layers[m.order[i]], r)
	}
}

func (m *Manager) blit(l *layer) {
	m.blitRect(l, iface.Rect{X: l.x, Y: l.y, W: l.w, H: l.h})
}

func (m *Manager) blitRect(l *layer, r iface.Rect) {
	for sy := 0; sy < l.h; sy++ {
		py := l.y + sy
		if py < r.Y || py >= r.Y+r.H || py < 0 || py >= m.screen.h {
			continue
		}
		for sx := 0; sx < l.w; sx++ {
			px := l.x + sx
			if px < r.X || px >= r.X+r.W || px < 0 || px >= m.screen.w {
				continue
			}
			m.screen.pixels[py*m.screen.w+px] = l.pixels[sy*l.w+sx]
		}
	}
}

// RemoveLayer deletes the layer; callers must follow up with DrawRect over
// its former bounds to heal the exposed region, per spec.md section 4.7.
func (m *Manager) RemoveLayer(id iface.LayerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.layers[id]; !ok {
		return fmt.Errorf("compositor: no such layer %d", id)
	}
	m.removeFromOrder(id)
	delete(m.layers, id)
	return nil
}

// ScreenPixelAt reads back a composited screen pixel, for tests.
func (m *Manager) ScreenPixelAt(x, y int) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen.pixels[y*m.screen.w+x]
}

// LayerOrder returns the current back-to-front z-order, for tests.
func (m *Manager) LayerOrder() []iface.LayerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]iface.LayerID, len(m.order))
	copy(out, m.order)
	return out
}
