// SPDX-License-Identifier: GPL-2.0-or-later

package encoder

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"moviewriter/pkg/audio"
	"moviewriter/pkg/config"
	"moviewriter/pkg/convert"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
)

func TestFrameToPTS(t *testing.T) {
	cases := []struct {
		frameIndex int64
		frameRate  int
		expected   int64
	}{
		{0, 60, 0},
		{1, 60, 1000},
		{2, 60, 2000},
		{1, 24, 1000},
		{100, 30, 100000},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expected, FrameToPTS(tc.frameIndex, tc.frameRate))
	}
}

// Gates both HandlesFile and the audio stream, upper-case
// extensions must behave like lower-case ones.
func TestIsWebM(t *testing.T) {
	cases := []struct {
		path     string
		expected bool
	}{
		{"out.webm", true},
		{"OUT.WEBM", true},
		{"/tmp/Movie.WebM", true},
		{"out.avi", false},
		{"webm", false},
		{"", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expected, IsWebM(tc.path), tc.path)
	}
}

func newTestVideoEncoder(t *testing.T, width, height int, globalHeader bool) *VideoEncoder {
	t.Helper()

	enc, err := NewVideoEncoder(
		width, height, 30, 1, config.QualityRealtime, globalHeader)
	if errors.Is(err, ErrEncoderMissing) {
		t.Skip("vp9 encoder not available")
	}
	require.NoError(t, err)
	t.Cleanup(enc.Close)
	return enc
}

func grayFrame(width, height int, index int64) *convert.Frame {
	frame := convert.NewGrayChromaFrame(width, height)
	for i := range frame.Y {
		frame.Y[i] = byte(index * 20)
	}
	frame.PTS = FrameToPTS(index, 30)
	return frame
}

func TestVideoEncoder(t *testing.T) {
	t.Run("frameMismatch", func(t *testing.T) {
		enc := newTestVideoEncoder(t, 64, 64, false)

		_, err := enc.Encode(convert.NewFrame(32, 32))
		require.ErrorIs(t, err, ErrFrameMismatch)
	})
	t.Run("monotonicPts", func(t *testing.T) {
		enc := newTestVideoEncoder(t, 64, 64, false)

		var lastPts int64 = -1
		collect := func(pkts []*astiav.Packet) {
			for _, pkt := range pkts {
				require.Greater(t, pkt.Pts(), lastPts)
				lastPts = pkt.Pts()
				pkt.Free()
			}
		}

		for i := int64(0); i < 10; i++ {
			pkts, err := enc.Encode(grayFrame(64, 64, i))
			require.NoError(t, err)
			collect(pkts)
		}

		pkts, err := enc.Flush()
		require.NoError(t, err)
		collect(pkts)

		require.Equal(t, FrameToPTS(9, 30), lastPts)
	})
}

// Scenario: record ten video frames at 30fps with the matching
// amount of audio into a WebM file, then demux it back and verify
// the stream contents and that both streams end together.
func TestMuxer(t *testing.T) {
	const width, height = 64, 64
	const frameCount = 10
	const frameRate = 30

	path := filepath.Join(t.TempDir(), "out.webm")

	mux, err := NewMuxer(path)
	require.NoError(t, err)
	defer mux.Close()

	videoEnc := newTestVideoEncoder(t, width, height, mux.GlobalHeader())

	audioEnc, err := audio.NewEncoder(config.QualityRealtime, mux.GlobalHeader())
	if errors.Is(err, audio.ErrEncoderMissing) {
		t.Skip("opus encoder not available")
	}
	require.NoError(t, err)
	defer audioEnc.Close()

	videoStream, err := mux.AddVideoStream(videoEnc.CodecContext())
	require.NoError(t, err)
	audioStream, err := mux.AddAudioStream(audioEnc.CodecContext())
	require.NoError(t, err)

	require.NoError(t, mux.WriteHeader())

	t.Run("addStreamAfterHeader", func(t *testing.T) {
		_, err := mux.AddVideoStream(videoEnc.CodecContext())
		require.ErrorIs(t, err, ErrHeaderWritten)
	})

	writeAll := func(stream *astiav.Stream, tb astiav.Rational, pkts []*astiav.Packet) {
		for _, pkt := range pkts {
			require.NoError(t, mux.WritePacket(stream, tb, pkt))
			pkt.Free()
		}
	}

	framer := audio.NewFramer(audioEnc.FrameSize(), audio.Channels)
	encodeFrames := func() {
		for {
			frame, ok := framer.PopFrame()
			if !ok {
				return
			}
			pkts, err := audioEnc.Encode(frame)
			require.NoError(t, err)
			writeAll(audioStream, audioEnc.TimeBase(), pkts)
		}
	}

	// One tick of silence is not a whole number of audio frames, the
	// leftover accumulates and the final partial frame gets padded.
	silence := make([]float32, audio.SampleRate/frameRate*audio.Channels)
	for i := int64(0); i < frameCount; i++ {
		pkts, err := videoEnc.Encode(grayFrame(width, height, i))
		require.NoError(t, err)
		writeAll(videoStream, videoEnc.TimeBase(), pkts)

		framer.Push(silence)
		encodeFrames()
	}

	pkts, err := videoEnc.Flush()
	require.NoError(t, err)
	writeAll(videoStream, videoEnc.TimeBase(), pkts)

	if frame, ok := framer.DrainFinal(); ok {
		pkts, err := audioEnc.Encode(frame)
		require.NoError(t, err)
		writeAll(audioStream, audioEnc.TimeBase(), pkts)
	}

	pkts, err = audioEnc.Flush()
	require.NoError(t, err)
	writeAll(audioStream, audioEnc.TimeBase(), pkts)

	require.NoError(t, mux.WriteTrailer())
	mux.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))

	t.Run("demux", func(t *testing.T) {
		inputCtx := astiav.AllocFormatContext()
		require.NotNil(t, inputCtx)
		defer inputCtx.Free()

		require.NoError(t, inputCtx.OpenInput(path, nil, nil))
		defer inputCtx.CloseInput()
		require.NoError(t, inputCtx.FindStreamInfo(nil))

		require.Len(t, inputCtx.Streams(), 2)

		videoPackets := 0
		lastPts := map[int]int64{}
		pkt := astiav.AllocPacket()
		defer pkt.Free()
		for inputCtx.ReadFrame(pkt) == nil {
			if pkt.StreamIndex() == videoStream.Index() {
				videoPackets++
			}
			if pkt.Pts() > lastPts[pkt.StreamIndex()] {
				lastPts[pkt.StreamIndex()] = pkt.Pts()
			}
			pkt.Unref()
		}
		require.Equal(t, frameCount, videoPackets)

		seconds := func(stream *astiav.Stream) float64 {
			tb := stream.TimeBase()
			return float64(lastPts[stream.Index()]) *
				float64(tb.Num()) / float64(tb.Den())
		}

		audioFrameDur := float64(audioEnc.FrameSize()) / audio.SampleRate
		var videoEnd, audioEnd float64
		for _, stream := range inputCtx.Streams() {
			switch stream.Index() {
			case videoStream.Index():
				videoEnd = seconds(stream) + 1.0/frameRate
			case audioStream.Index():
				audioEnd = seconds(stream) + audioFrameDur
			}
		}

		// The padded final frame extends the audio to 17 whole frames.
		require.InDelta(t, 0.340, audioEnd, 0.001)
		// Both streams end within one audio frame of each other.
		require.InDelta(t, videoEnd, audioEnd, audioFrameDur)
	})
}
