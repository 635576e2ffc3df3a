// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"fmt"
	"path/filepath"

	"moviewriter/pkg/audio"
	"moviewriter/pkg/config"
	"moviewriter/pkg/convert"
	"moviewriter/pkg/encoder"
	"moviewriter/pkg/log"

	"github.com/asticode/go-astiav"
)

// pipeline is the real recording pipeline: GPU conversion, VP9 and
// Opus encoders, one muxer. When the alpha channel is enabled a
// second VP9 stream carries the alpha plane as gray-chroma frames
// with the same timestamps as the primary stream.
type pipeline struct {
	logger *log.Logger
	id     string
	fps    int

	mux        *encoder.Muxer
	video      *encoder.VideoEncoder
	alphaVideo *encoder.VideoEncoder
	audioEnc   *audio.Encoder
	framer     *audio.Framer
	conv       *convert.Converter

	videoStream *astiav.Stream
	alphaStream *astiav.Stream
	audioStream *astiav.Stream

	frame      *convert.Frame
	alphaFrame *convert.Frame

	closed bool
}

// NewPipeline builds the full pipeline and writes the container
// header. On failure everything already acquired is released.
func NewPipeline(
	cfg *config.Config,
	threads int,
	logger *log.Logger,
	width int,
	height int,
	fps int,
	path string,
) (Pipeline, error) {
	p := &pipeline{
		logger: logger,
		id:     filepath.Base(path),
		fps:    fps,
	}
	if err := p.setup(cfg, threads, width, height, path); err != nil {
		p.Close()
		return nil, err
	}

	p.logger.Debug().Src("mux").Session(p.id).Msgf(
		"streams ready, alpha=%v audio=%v",
		p.alphaStream != nil, p.audioStream != nil)
	return p, nil
}

func (p *pipeline) setup(
	cfg *config.Config,
	threads int,
	width int,
	height int,
	path string,
) error {
	var err error
	p.mux, err = encoder.NewMuxer(path)
	if err != nil {
		return err
	}
	globalHeader := p.mux.GlobalHeader()

	p.video, err = encoder.NewVideoEncoder(
		width, height, p.fps, threads, cfg.Quality, globalHeader)
	if err != nil {
		return err
	}
	p.videoStream, err = p.mux.AddVideoStream(p.video.CodecContext())
	if err != nil {
		return err
	}

	if cfg.AlphaChannel {
		p.alphaVideo, err = encoder.NewVideoEncoder(
			width, height, p.fps, threads, cfg.Quality, globalHeader)
		if err != nil {
			return err
		}
		p.alphaStream, err = p.mux.AddVideoStream(p.alphaVideo.CodecContext())
		if err != nil {
			return err
		}
	}

	// The audio stream is tied to WebM, matching HandlesFile.
	if cfg.AudioEnabled && encoder.IsWebM(path) {
		p.audioEnc, err = audio.NewEncoder(cfg.Quality, globalHeader)
		if err != nil {
			return err
		}
		p.audioStream, err = p.mux.AddAudioStream(p.audioEnc.CodecContext())
		if err != nil {
			return err
		}
		p.framer = audio.NewFramer(p.audioEnc.FrameSize(), audio.Channels)
	}

	if err := p.mux.WriteHeader(); err != nil {
		return err
	}

	format := convert.PixelFormatYUV420
	if cfg.AlphaChannel {
		format = convert.PixelFormatYUVA420
	}
	p.conv, err = convert.NewConverter(format, width, height)
	if err != nil {
		return err
	}

	p.frame = convert.NewFrame(width, height)
	if cfg.AlphaChannel {
		p.alphaFrame = convert.NewGrayChromaFrame(width, height)
	}
	return nil
}

func (p *pipeline) WriteVideo(rgba []byte, frameIndex int64) error {
	pts := encoder.FrameToPTS(frameIndex, p.fps)
	p.frame.PTS = pts
	if p.alphaFrame != nil {
		p.alphaFrame.PTS = pts
	}

	if err := p.conv.Convert(rgba, p.frame, p.alphaFrame); err != nil {
		return fmt.Errorf("convert: %w", err)
	}

	if err := p.encodeAndMux(p.video, p.videoStream, p.frame); err != nil {
		return err
	}
	if p.alphaVideo != nil {
		if err := p.encodeAndMux(p.alphaVideo, p.alphaStream, p.alphaFrame); err != nil {
			return err
		}
	}
	return nil
}

func (p *pipeline) encodeAndMux(
	enc *encoder.VideoEncoder,
	stream *astiav.Stream,
	frame *convert.Frame,
) error {
	packets, err := enc.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return p.muxPackets(stream, enc.TimeBase(), packets)
}

func (p *pipeline) muxPackets(
	stream *astiav.Stream,
	timeBase astiav.Rational,
	packets []*astiav.Packet,
) error {
	for i, pkt := range packets {
		err := p.mux.WritePacket(stream, timeBase, pkt)
		pkt.Free()
		if err != nil {
			for _, rest := range packets[i+1:] {
				rest.Free()
			}
			return fmt.Errorf("mux: %w", err)
		}
	}
	return nil
}

func (p *pipeline) WriteAudio(samples []float32) error {
	if p.audioEnc == nil {
		return nil
	}

	p.framer.Push(samples)
	for {
		frame, ok := p.framer.PopFrame()
		if !ok {
			return nil
		}
		if err := p.encodeAudioFrame(frame); err != nil {
			return err
		}
	}
}

func (p *pipeline) encodeAudioFrame(frame []float32) error {
	packets, err := p.audioEnc.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return p.muxPackets(p.audioStream, p.audioEnc.TimeBase(), packets)
}

// Finish pads and flushes the audio, flushes the video, and writes
// the trailer. Best effort: the first error is returned but the
// trailer is still attempted.
func (p *pipeline) Finish() error {
	var firstErr error
	keep := func(err error) {
		if firstErr == nil && err != nil {
			firstErr = err
		}
	}

	if p.audioEnc != nil {
		// Full frames can pile up when a mid-session encode failed.
		for {
			frame, ok := p.framer.PopFrame()
			if !ok {
				break
			}
			keep(p.encodeAudioFrame(frame))
		}
		if frame, ok := p.framer.DrainFinal(); ok {
			keep(p.encodeAudioFrame(frame))
		}
	}

	flushVideo := func(enc *encoder.VideoEncoder, stream *astiav.Stream) {
		packets, err := enc.Flush()
		keep(err)
		if err == nil {
			keep(p.muxPackets(stream, enc.TimeBase(), packets))
		}
	}
	flushVideo(p.video, p.videoStream)
	if p.alphaVideo != nil {
		flushVideo(p.alphaVideo, p.alphaStream)
	}

	if p.audioEnc != nil {
		packets, err := p.audioEnc.Flush()
		keep(err)
		if err == nil {
			keep(p.muxPackets(p.audioStream, p.audioEnc.TimeBase(), packets))
		}
	}

	keep(p.mux.WriteTrailer())
	return firstErr
}

// Close releases everything in reverse acquisition order.
func (p *pipeline) Close() {
	if p.closed {
		return
	}
	p.closed = true

	if p.conv != nil {
		p.conv.Close()
	}
	if p.audioEnc != nil {
		p.audioEnc.Close()
	}
	if p.alphaVideo != nil {
		p.alphaVideo.Close()
	}
	if p.video != nil {
		p.video.Close()
	}
	if p.mux != nil {
		p.mux.Close()
	}
}
