// SPDX-License-Identifier: GPL-2.0-or-later

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	"moviewriter/pkg/config"

	"github.com/asticode/go-astiav"
)

// Opus parameters. The sample rate is fixed, the host is expected
// to mix at this rate while recording.
const (
	SampleRate       = 48000
	Channels         = 2
	DefaultFrameSize = 960 // 20ms at 48kHz.
	bitRate          = 128000
)

// Encoder errors.
var (
	ErrEncoderMissing = errors.New("opus encoder not available")
	ErrFrameSize      = errors.New("sample count does not match frame size")
)

// Encoder wraps an Opus codec context. Packet timestamps are
// sample-accurate: pts = frameIndex * frameSize.
type Encoder struct {
	codecCtx  *astiav.CodecContext
	frame     *astiav.Frame
	sampleBuf []byte

	frameSize  int
	frameCount int64
}

// NewEncoder opens an Opus encoder.
// globalHeader must match the output container.
func NewEncoder(quality config.Quality, globalHeader bool) (*Encoder, error) {
	codec := astiav.FindEncoder(astiav.CodecIDOpus)
	if codec == nil {
		return nil, ErrEncoderMissing
	}

	codecCtx := astiav.AllocCodecContext(codec)
	if codecCtx == nil {
		return nil, fmt.Errorf("could not alloc codec context")
	}

	codecCtx.SetSampleRate(SampleRate)
	codecCtx.SetSampleFormat(astiav.SampleFormatFlt)
	codecCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	codecCtx.SetTimeBase(astiav.NewRational(1, SampleRate))
	codecCtx.SetBitRate(bitRate)

	if globalHeader {
		codecCtx.SetFlags(codecCtx.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	opts.Set("application", "audio", 0)
	opts.Set("vbr", "on", 0)
	opts.Set("compression_level", strconv.Itoa(compressionLevel(quality)), 0)

	if err := codecCtx.Open(codec, opts); err != nil {
		codecCtx.Free()
		return nil, fmt.Errorf("could not open codec: %w", err)
	}

	frameSize := codecCtx.FrameSize()
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}

	frame := astiav.AllocFrame()
	frame.SetNbSamples(frameSize)
	frame.SetChannelLayout(astiav.ChannelLayoutStereo)
	frame.SetSampleFormat(astiav.SampleFormatFlt)
	frame.SetSampleRate(SampleRate)
	if err := frame.AllocBuffer(0); err != nil {
		frame.Free()
		codecCtx.Free()
		return nil, fmt.Errorf("could not alloc frame buffer: %w", err)
	}

	return &Encoder{
		codecCtx:  codecCtx,
		frame:     frame,
		sampleBuf: make([]byte, frameSize*Channels*4),
		frameSize: frameSize,
	}, nil
}

// Opus encoder effort by quality tier, 10 is fastest.
func compressionLevel(quality config.Quality) int {
	switch quality {
	case config.QualityBest:
		return 0
	case config.QualityGood:
		return 5
	case config.QualityRealtime:
		return 10
	}
	return 10
}

// FrameSize returns samples per channel in one codec frame.
func (e *Encoder) FrameSize() int {
	return e.frameSize
}

// TimeBase returns the encoder time base, 1/48000.
func (e *Encoder) TimeBase() astiav.Rational {
	return e.codecCtx.TimeBase()
}

// CodecContext exposes the context for muxer stream setup.
func (e *Encoder) CodecContext() *astiav.CodecContext {
	return e.codecCtx
}

// Encode encodes exactly one codec frame of interleaved samples.
func (e *Encoder) Encode(samples []float32) ([]*astiav.Packet, error) {
	if len(samples) != e.frameSize*Channels {
		return nil, fmt.Errorf("%w: got %v, want %v",
			ErrFrameSize, len(samples), e.frameSize*Channels)
	}

	for i, sample := range samples {
		binary.LittleEndian.PutUint32(e.sampleBuf[i*4:], math.Float32bits(sample))
	}

	if err := e.frame.MakeWritable(); err != nil {
		return nil, fmt.Errorf("could not make frame writable: %w", err)
	}
	if err := e.frame.Data().SetBytes(e.sampleBuf, 0); err != nil {
		return nil, fmt.Errorf("could not set frame data: %w", err)
	}
	e.frame.SetPts(e.frameCount * int64(e.frameSize))
	e.frameCount++

	if err := e.codecCtx.SendFrame(e.frame); err != nil {
		return nil, fmt.Errorf("could not send frame: %w", err)
	}
	return e.receivePackets()
}

// Flush drains the encoder. No more frames can be sent afterwards.
func (e *Encoder) Flush() ([]*astiav.Packet, error) {
	if err := e.codecCtx.SendFrame(nil); err != nil {
		return nil, fmt.Errorf("could not send flush frame: %w", err)
	}
	return e.receivePackets()
}

func (e *Encoder) receivePackets() ([]*astiav.Packet, error) {
	var packets []*astiav.Packet
	for {
		pkt := astiav.AllocPacket()
		err := e.codecCtx.ReceivePacket(pkt)
		if err != nil {
			pkt.Free()
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return packets, nil
			}
			for _, p := range packets {
				p.Free()
			}
			return nil, fmt.Errorf("could not receive packet: %w", err)
		}
		packets = append(packets, pkt)
	}
}

// Close frees the codec context.
func (e *Encoder) Close() {
	e.frame.Free()
	e.codecCtx.Free()
}
