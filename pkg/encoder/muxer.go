// SPDX-License-Identifier: GPL-2.0-or-later

package encoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/asticode/go-astiav"
)

// ErrHeaderWritten streams cannot be added after the header.
var ErrHeaderWritten = errors.New("container header already written")

// IsWebM reports whether path names a WebM file. Case-insensitive.
func IsWebM(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".webm")
}

// Muxer writes interleaved packets into one container file.
// The format is inferred from the path extension.
type Muxer struct {
	formatCtx *astiav.FormatContext
	ioCtx     *astiav.IOContext

	path          string
	headerWritten bool
}

// NewMuxer allocates the output context and opens the file.
func NewMuxer(path string) (*Muxer, error) {
	formatCtx, err := astiav.AllocOutputFormatContext(nil, "", path)
	if err != nil {
		return nil, fmt.Errorf("could not alloc output context: %w", err)
	}
	if formatCtx == nil {
		return nil, fmt.Errorf("could not alloc output context: %v", path)
	}

	ioCtx, err := astiav.OpenIOContext(
		path, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
	if err != nil {
		formatCtx.Free()
		return nil, fmt.Errorf("could not open output file: %w", err)
	}
	formatCtx.SetPb(ioCtx)

	return &Muxer{
		formatCtx: formatCtx,
		ioCtx:     ioCtx,
		path:      path,
	}, nil
}

// GlobalHeader reports whether the container wants codec
// parameters in the header instead of in-band.
func (m *Muxer) GlobalHeader() bool {
	return m.formatCtx.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader)
}

// Path returns the output file path.
func (m *Muxer) Path() string {
	return m.path
}

// AddVideoStream adds a stream with parameters copied from the codec
// context. Must be called before WriteHeader.
func (m *Muxer) AddVideoStream(codecCtx *astiav.CodecContext) (*astiav.Stream, error) {
	return m.addStream(codecCtx)
}

// AddAudioStream adds a stream with parameters copied from the codec
// context. Must be called before WriteHeader.
func (m *Muxer) AddAudioStream(codecCtx *astiav.CodecContext) (*astiav.Stream, error) {
	return m.addStream(codecCtx)
}

func (m *Muxer) addStream(codecCtx *astiav.CodecContext) (*astiav.Stream, error) {
	if m.headerWritten {
		return nil, ErrHeaderWritten
	}

	stream := m.formatCtx.NewStream(nil)
	if stream == nil {
		return nil, fmt.Errorf("could not create stream")
	}
	stream.SetTimeBase(codecCtx.TimeBase())

	if err := codecCtx.ToCodecParameters(stream.CodecParameters()); err != nil {
		return nil, fmt.Errorf("could not copy codec parameters: %w", err)
	}
	return stream, nil
}

// WriteHeader writes the container header. The stream layout is
// frozen afterwards.
func (m *Muxer) WriteHeader() error {
	if err := m.formatCtx.WriteHeader(nil); err != nil {
		return fmt.Errorf("could not write header: %w", err)
	}
	m.headerWritten = true
	return nil
}

// WritePacket rescales the packet from the encoder time base to the
// stream time base and writes it interleaved. The packet is consumed.
func (m *Muxer) WritePacket(
	stream *astiav.Stream,
	encoderTimeBase astiav.Rational,
	pkt *astiav.Packet,
) error {
	pkt.SetStreamIndex(stream.Index())
	pkt.RescaleTs(encoderTimeBase, stream.TimeBase())

	if err := m.formatCtx.WriteInterleavedFrame(pkt); err != nil {
		return fmt.Errorf("could not write packet: %w", err)
	}
	return nil
}

// WriteTrailer finalizes the container.
func (m *Muxer) WriteTrailer() error {
	if err := m.formatCtx.WriteTrailer(); err != nil {
		return fmt.Errorf("could not write trailer: %w", err)
	}
	return nil
}

// Close releases the io and format contexts. Safe to call twice.
func (m *Muxer) Close() {
	if m.ioCtx != nil {
		m.ioCtx.Close()
		m.ioCtx = nil
	}
	if m.formatCtx != nil {
		m.formatCtx.Free()
		m.formatCtx = nil
	}
}
