// SPDX-License-Identifier: GPL-2.0-or-later

// Package audio buffers interleaved samples into fixed codec frames
// and encodes them with Opus.
package audio

// Framer accumulates arbitrarily sized blocks of interleaved samples
// and emits codec-frame sized chunks in input order. The sample
// position is implicit: frames come out exactly as they went in.
type Framer struct {
	frameSize int // Samples per channel.
	channels  int

	buf []float32
}

// NewFramer returns a framer emitting frames of
// frameSize samples per channel.
func NewFramer(frameSize int, channels int) *Framer {
	return &Framer{
		frameSize: frameSize,
		channels:  channels,
	}
}

// Push appends an interleaved block of samples.
func (f *Framer) Push(samples []float32) {
	f.buf = append(f.buf, samples...)
}

// PopFrame removes and returns exactly one codec frame,
// or false when less than a full frame is buffered.
func (f *Framer) PopFrame() ([]float32, bool) {
	n := f.frameSize * f.channels
	if len(f.buf) < n {
		return nil, false
	}

	frame := make([]float32, n)
	copy(frame, f.buf[:n])
	f.buf = f.buf[n:]
	return frame, true
}

// DrainFinal returns the trailing partial frame zero-padded to a full
// frame, or false when the buffer is empty. Must only be called after
// the last Push.
func (f *Framer) DrainFinal() ([]float32, bool) {
	if len(f.buf) == 0 {
		return nil, false
	}

	frame := make([]float32, f.frameSize*f.channels)
	copy(frame, f.buf)
	f.buf = nil
	return frame, true
}

// Pending returns the number of buffered samples.
func (f *Framer) Pending() int {
	return len(f.buf)
}
