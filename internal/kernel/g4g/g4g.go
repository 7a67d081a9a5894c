// Package g4g decodes the grayscale-image animation format named in
// spec.md section 6. The format itself is not part of the kernel proper
// (it is read by a user app, apps/g4g/g4g.cpp, in original_source), but
// spec.md section 8 scenario 3 requires it to be testable, so it is
// supplemented here in the teacher's idiom.
package g4g

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed 16-byte header: uint32 width, uint32 height,
// uint64 frame count.
const HeaderSize = 16

// Gray is a palette index in {0=black, 1=dark gray, 2=light gray, 3=white}.
type Gray uint8

const (
	Black Gray = iota
	DarkGray
	LightGray
	White
)

// Palette maps a Gray index to its RGB value, per spec.md section 6.
var Palette = [4]uint32{
	Black:     0x000000,
	DarkGray:  0x666666,
	LightGray: 0xbbbbbb,
	White:     0xffffff,
}

// Header is the fixed G4G header at offset 0.
type Header struct {
	Width      uint32
	Height     uint32
	FrameCount uint64
}

// FrameBytes is the number of packed bytes occupied by one frame:
// width*height/4, since each byte packs four 2-bit pixels.
func (h Header) FrameBytes() int {
	return int(h.Width) * int(h.Height) / 4
}

// FrameOffset returns the byte offset of frame f's pixel data.
func (h Header) FrameOffset(f int) int64 {
	return HeaderSize + int64(f)*int64(h.FrameBytes())
}

// ParseHeader reads the 16-byte header from the start of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("g4g: short header, got %d bytes", len(data))
	}
	return Header{
		Width:      binary.LittleEndian.Uint32(data[0:4]),
		Height:     binary.LittleEndian.Uint32(data[4:8]),
		FrameCount: binary.LittleEndian.Uint64(data[8:16]),
	}, nil
}

// Image couples a header with its full payload for repeated ColorAt
// lookups.
type Image struct {
	Header Header
	Data   []byte
}

// Decode parses a complete G4G file.
func Decode(data []byte) (Image, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return Image{}, err
	}
	return Image{Header: h, Data: data}, nil
}

// ColorAt returns the palette index of pixel (x, y) in frame f, packed
// MSB-pixel-first at 2 bits per pixel (spec.md section 6).
func (img Image) ColorAt(f, x, y int) (Gray, error) {
	if f < 0 || uint64(f) >= img.Header.FrameCount {
		return 0, fmt.Errorf("g4g: frame %d out of range (have %d)", f, img.Header.FrameCount)
	}
	w, h := int(img.Header.Width), int(img.Header.Height)
	if x < 0 || x >= w || y < 0 || y >= h {
		return 0, fmt.Errorf("g4g: pixel (%d,%d) out of bounds (%dx%d)", x, y, w, h)
	}

	pix := x + y*w
	frameOff := img.Header.FrameOffset(f)
	byteOff := frameOff + int64(pix/4)
	if int(byteOff) >= len(img.Data) {
		return 0, fmt.Errorf("g4g: frame %d pixel data truncated", f)
	}

	b := img.Data[byteOff]
	shift := uint((3 - pix%4) * 2)
	return Gray((b >> shift) & 0b11), nil
}
