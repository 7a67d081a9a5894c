package g4g

import (
	"encoding/binary"
	"testing"
)

// buildImage constructs a 4x2, 2-frame image where frame 0 is all Black
// and frame 1 is all White, to exercise ColorAt's bit-packing directly.
func buildImage(t *testing.T) Image {
	t.Helper()
	const w, h, frames = 4, 2, 2
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], w)
	binary.LittleEndian.PutUint32(header[4:8], h)
	binary.LittleEndian.PutUint64(header[8:16], frames)

	frameBytes := w * h / 4 // 2 bytes per frame
	data := append([]byte{}, header...)
	data = append(data, make([]byte, frameBytes)...)                 // frame 0: all zero -> Black
	data = append(data, []byte{0xff, 0xff}...)                        // frame 1: all 0b11 -> White

	img, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return img
}

func TestParseHeader(t *testing.T) {
	img := buildImage(t)
	if img.Header.Width != 4 || img.Header.Height != 2 || img.Header.FrameCount != 2 {
		t.Fatalf("Header = %+v, want {4 2 2}", img.Header)
	}
}

func TestColorAtEveryPixelPerFrame(t *testing.T) {
	img := buildImage(t)

	for x := 0; x < 4; x++ {
		for y := 0; y < 2; y++ {
			c, err := img.ColorAt(0, x, y)
			if err != nil {
				t.Fatalf("ColorAt(0,%d,%d): %v", x, y, err)
			}
			if c != Black {
				t.Fatalf("frame 0 pixel (%d,%d) = %v, want Black", x, y, c)
			}
		}
	}

	for x := 0; x < 4; x++ {
		for y := 0; y < 2; y++ {
			c, err := img.ColorAt(1, x, y)
			if err != nil {
				t.Fatalf("ColorAt(1,%d,%d): %v", x, y, err)
			}
			if c != White {
				t.Fatalf("frame 1 pixel (%d,%d) = %v, want White", x, y, c)
			}
		}
	}
}

func TestColorAtMixedPacking(t *testing.T) {
	// Single 2x2 frame: pixel order (x+y*w) 0,1,2,3 packed MSB-first into
	// one byte as DarkGray, LightGray, White, Black.
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], 2)
	binary.LittleEndian.PutUint32(header[4:8], 2)
	binary.LittleEndian.PutUint64(header[8:16], 1)

	b := byte(DarkGray)<<6 | byte(LightGray)<<4 | byte(White)<<2 | byte(Black)
	data := append(header, b)

	img, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	want := [][]Gray{{DarkGray, LightGray}, {White, Black}}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			c, err := img.ColorAt(0, x, y)
			if err != nil {
				t.Fatalf("ColorAt(0,%d,%d): %v", x, y, err)
			}
			if c != want[y][x] {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, c, want[y][x])
			}
		}
	}
}

func TestColorAtFrameOutOfRange(t *testing.T) {
	img := buildImage(t)
	if _, err := img.ColorAt(2, 0, 0); err == nil {
		t.Fatalf("ColorAt with an out-of-range frame should fail")
	}
}

func TestColorAtPixelOutOfBounds(t *testing.T) {
	img := buildImage(t)
	if _, err := img.ColorAt(0, 10, 10); err == nil {
		t.Fatalf("ColorAt with an out-of-bounds pixel should fail")
	}
}

func TestParseHeaderShort(t *testing.T) {
	if _, err := ParseHeader([]byte{1, 2, 3}); err == nil {
		t.Fatalf("ParseHeader on a short buffer should fail")
	}
}
