// SPDX-License-Identifier: GPL-2.0-or-later

package convert

// PixelFormat identifies a planar target layout.
type PixelFormat int

// Supported target layouts.
const (
	// 8-bit Y plane followed by half resolution U and V planes.
	PixelFormatYUV420 PixelFormat = iota

	// YUV420 plus a full resolution alpha plane, delivered as a
	// second gray-chroma frame.
	PixelFormatYUVA420
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatYUV420:
		return "yuv420p"
	case PixelFormatYUVA420:
		return "yuva420p"
	}
	return "unknown"
}

// Frame is a single planar picture. The chroma planes are half
// resolution, rounded up. All planes share the presentation timestamp.
type Frame struct {
	Width  int
	Height int
	PTS    int64

	Y []byte
	U []byte
	V []byte

	StrideY int
	StrideU int
	StrideV int
}

// NewFrame allocates a tightly packed frame.
func NewFrame(width int, height int) *Frame {
	chromaW := chromaDim(width)
	chromaH := chromaDim(height)

	return &Frame{
		Width:   width,
		Height:  height,
		Y:       make([]byte, width*height),
		U:       make([]byte, chromaW*chromaH),
		V:       make([]byte, chromaW*chromaH),
		StrideY: width,
		StrideU: chromaW,
		StrideV: chromaW,
	}
}

// NewGrayChromaFrame allocates a frame with both chroma planes
// filled with the neutral value 128. Used to carry the alpha plane
// as the luma of an otherwise gray picture.
func NewGrayChromaFrame(width int, height int) *Frame {
	frame := NewFrame(width, height)
	for i := range frame.U {
		frame.U[i] = 128
	}
	for i := range frame.V {
		frame.V[i] = 128
	}
	return frame
}

func chromaDim(d int) int {
	return (d + 1) / 2
}

// copyPlane copies rows of width bytes from a tightly packed source
// into a strided destination. Each row is clamped to the bytes
// remaining in both slices, so a short readback cannot overrun.
func copyPlane(dst []byte, dstStride int, src []byte, width int, height int) {
	for row := 0; row < height; row++ {
		srcStart := row * width
		dstStart := row * dstStride
		if srcStart >= len(src) || dstStart >= len(dst) {
			return
		}

		n := width
		if rem := len(src) - srcStart; rem < n {
			n = rem
		}
		if rem := len(dst) - dstStart; rem < n {
			n = rem
		}
		copy(dst[dstStart:dstStart+n], src[srcStart:srcStart+n])
	}
}
