// SPDX-License-Identifier: GPL-2.0-or-later

// Package encoder compresses planar frames with VP9 and muxes the
// resulting packets into a container through libavformat.
package encoder

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"moviewriter/pkg/config"
	"moviewriter/pkg/convert"

	"github.com/asticode/go-astiav"
)

// Timestamp resolution: one frame at fps f lands on pts f*1000.
const ptsPerFrame = 1000

// VideoEncoder errors.
var (
	ErrEncoderMissing = errors.New("vp9 encoder not available")
	ErrFrameMismatch  = errors.New("frame does not match encoder dimensions")
)

// VideoEncoder wraps a VP9 codec context for one stream.
type VideoEncoder struct {
	codecCtx *astiav.CodecContext
	frame    *astiav.Frame

	width  int
	height int
}

// NewVideoEncoder opens a VP9 encoder for the given picture size.
// threads must already be resolved, zero is not passed through.
func NewVideoEncoder(
	width int,
	height int,
	frameRate int,
	threads int,
	quality config.Quality,
	globalHeader bool,
) (*VideoEncoder, error) {
	codec := astiav.FindEncoder(astiav.CodecIDVp9)
	if codec == nil {
		return nil, ErrEncoderMissing
	}

	codecCtx := astiav.AllocCodecContext(codec)
	if codecCtx == nil {
		return nil, fmt.Errorf("could not alloc codec context")
	}

	codecCtx.SetWidth(width)
	codecCtx.SetHeight(height)
	codecCtx.SetPixelFormat(astiav.PixelFormatYuv420P)
	codecCtx.SetTimeBase(astiav.NewRational(1, frameRate*ptsPerFrame))
	codecCtx.SetFramerate(astiav.NewRational(frameRate, 1))

	if globalHeader {
		codecCtx.SetFlags(codecCtx.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	opts.Set("quality", string(quality), 0)
	opts.Set("deadline", string(quality), 0)
	opts.Set("cpu-used", "5", 0)
	opts.Set("speed", "5", 0)
	opts.Set("auto-alt-ref", "0", 0)
	opts.Set("lag-in-frames", "0", 0)
	opts.Set("row-mt", "1", 0)
	opts.Set("threads", strconv.Itoa(threads), 0)

	if err := codecCtx.Open(codec, opts); err != nil {
		codecCtx.Free()
		return nil, fmt.Errorf("could not open codec: %w", err)
	}

	frame := astiav.AllocFrame()
	frame.SetWidth(width)
	frame.SetHeight(height)
	frame.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := frame.AllocBuffer(1); err != nil {
		frame.Free()
		codecCtx.Free()
		return nil, fmt.Errorf("could not alloc frame buffer: %w", err)
	}

	return &VideoEncoder{
		codecCtx: codecCtx,
		frame:    frame,
		width:    width,
		height:   height,
	}, nil
}

// FrameToPTS converts a frame index to a presentation
// timestamp in the encoder time base.
func FrameToPTS(frameIndex int64, frameRate int) int64 {
	seconds := float64(frameIndex) / float64(frameRate)
	return int64(math.Round(seconds * float64(frameRate) * ptsPerFrame))
}

// TimeBase returns the encoder time base, 1/(fps*1000).
func (e *VideoEncoder) TimeBase() astiav.Rational {
	return e.codecCtx.TimeBase()
}

// CodecContext exposes the context for muxer stream setup.
func (e *VideoEncoder) CodecContext() *astiav.CodecContext {
	return e.codecCtx
}

// Encode encodes one planar frame.
// The caller owns the returned packets.
func (e *VideoEncoder) Encode(frame *convert.Frame) ([]*astiav.Packet, error) {
	if frame.Width != e.width || frame.Height != e.height {
		return nil, fmt.Errorf("%w: frame %vx%v, encoder %vx%v",
			ErrFrameMismatch, frame.Width, frame.Height, e.width, e.height)
	}

	if err := e.frame.MakeWritable(); err != nil {
		return nil, fmt.Errorf("could not make frame writable: %w", err)
	}
	if err := e.fillFrame(frame); err != nil {
		return nil, err
	}
	e.frame.SetPts(frame.PTS)

	if err := e.codecCtx.SendFrame(e.frame); err != nil {
		return nil, fmt.Errorf("could not send frame: %w", err)
	}
	return e.receivePackets()
}

// fillFrame copies the tightly packed planes into the libav frame.
func (e *VideoEncoder) fillFrame(frame *convert.Frame) error {
	packed := make([]byte, 0, len(frame.Y)+len(frame.U)+len(frame.V))
	packed = append(packed, frame.Y...)
	packed = append(packed, frame.U...)
	packed = append(packed, frame.V...)

	if err := e.frame.Data().SetBytes(packed, 1); err != nil {
		return fmt.Errorf("could not set frame data: %w", err)
	}
	return nil
}

// Flush drains the encoder. No more frames can be sent afterwards.
func (e *VideoEncoder) Flush() ([]*astiav.Packet, error) {
	if err := e.codecCtx.SendFrame(nil); err != nil {
		return nil, fmt.Errorf("could not send flush frame: %w", err)
	}
	return e.receivePackets()
}

func (e *VideoEncoder) receivePackets() ([]*astiav.Packet, error) {
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
func (e *VideoEncoder) Close() {
	e.frame.Free()
	e.codecCtx.Free()
}
