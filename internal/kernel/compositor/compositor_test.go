package compositor

import (
	"testing"

	"github.com/tinyrange/dk/internal/kernel/iface"
)

func TestDrawIsIdempotent(t *testing.T) {
	m := New(20, 20)
	l := m.NewLayer(10, 10, 2, 2, "a")
	l.FillRectangle(0, 0, 10, 10, 0xff0000)

	if err := m.Draw(l.ID()); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	first := m.ScreenPixelAt(5, 5)

	if err := m.Draw(l.ID()); err != nil {
		t.Fatalf("Draw (second): %v", err)
	}
	second := m.ScreenPixelAt(5, 5)

	if first != second {
		t.Fatalf("Draw is not idempotent: %#x then %#x", first, second)
	}
	if first != 0xff0000 {
		t.Fatalf("pixel = %#x, want 0xff0000", first)
	}
}

func TestRemoveLayerThenDrawRectHealsRegion(t *testing.T) {
	m := New(20, 20)
	back := m.NewLayer(20, 20, 0, 0, "back")
	back.FillRectangle(0, 0, 20, 20, 0x111111)
	if err := m.Draw(back.ID()); err != nil {
		t.Fatalf("Draw back: %v", err)
	}

	front := m.NewLayer(5, 5, 5, 5, "front")
	front.FillRectangle(0, 0, 5, 5, 0xffffff)
	if err := m.Draw(front.ID()); err != nil {
		t.Fatalf("Draw front: %v", err)
	}
	if got := m.ScreenPixelAt(6, 6); got != 0xffffff {
		t.Fatalf("front layer not composited: got %#x", got)
	}

	bounds := front.Bounds()
	if err := m.RemoveLayer(front.ID()); err != nil {
		t.Fatalf("RemoveLayer: %v", err)
	}
	if err := m.DrawRect(iface.Rect{X: bounds.X, Y: bounds.Y, W: bounds.W, H: bounds.H}); err != nil {
		t.Fatalf("DrawRect: %v", err)
	}

	if got := m.ScreenPixelAt(6, 6); got != 0x111111 {
		t.Fatalf("exposed region not healed to background: got %#x, want 0x111111", got)
	}
}

func TestActivateReordersZOrder(t *testing.T) {
	m := New(10, 10)
	a := m.NewLayer(10, 10, 0, 0, "a")
	b := m.NewLayer(10, 10, 0, 0, "b")

	order := m.LayerOrder()
	if order[0] != a.ID() || order[1] != b.ID() {
		t.Fatalf("initial z-order = %v, want [%d %d]", order, a.ID(), b.ID())
	}

	if err := m.Activate(a.ID()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	order = m.LayerOrder()
	if order[len(order)-1] != a.ID() {
		t.Fatalf("Activate did not move layer to front: %v", order)
	}
}

func TestFindLayerUnknown(t *testing.T) {
	m := New(10, 10)
	if _, ok := m.FindLayer(999); ok {
		t.Fatalf("FindLayer should report false for an unknown id")
	}
}
