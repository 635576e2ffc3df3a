// SPDX-License-Identifier: GPL-2.0-or-later

package audio

import (
	"errors"
	"testing"

	"moviewriter/pkg/config"

	"github.com/stretchr/testify/require"
)

func newTestEncoder(t *testing.T) *Encoder {
	t.Helper()

	e, err := NewEncoder(config.QualityRealtime, false)
	if errors.Is(err, ErrEncoderMissing) {
		t.Skip("opus encoder not available")
	}
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestEncoder(t *testing.T) {
	t.Run("silence", func(t *testing.T) {
		e := newTestEncoder(t)

		silence := make([]float32, e.FrameSize()*Channels)

		var lastPts int64 = -1
		var packets int
		for i := 0; i < 10; i++ {
			pkts, err := e.Encode(silence)
			require.NoError(t, err)

			for _, pkt := range pkts {
				require.Greater(t, pkt.Pts(), lastPts)
				lastPts = pkt.Pts()
				packets++
				pkt.Free()
			}
		}

		pkts, err := e.Flush()
		require.NoError(t, err)
		for _, pkt := range pkts {
			require.Greater(t, pkt.Pts(), lastPts)
			lastPts = pkt.Pts()
			packets++
			pkt.Free()
		}

		require.Greater(t, packets, 0)
	})
	t.Run("frameSizeMismatch", func(t *testing.T) {
		e := newTestEncoder(t)

		_, err := e.Encode(make([]float32, 3))
		require.ErrorIs(t, err, ErrFrameSize)
	})
	t.Run("samplePts", func(t *testing.T) {
		e := newTestEncoder(t)

		silence := make([]float32, e.FrameSize()*Channels)

		// First packet carries the pts of the first frame.
		var first *int64
		for i := 0; i < 5 && first == nil; i++ {
			pkts, err := e.Encode(silence)
			require.NoError(t, err)
			for _, pkt := range pkts {
				if first == nil {
					pts := pkt.Pts()
					first = &pts
				}
				pkt.Free()
			}
		}
		require.NotNil(t, first)
		require.Equal(t, int64(0), *first)
	})
}

func TestCompressionLevel(t *testing.T) {
	require.Equal(t, 10, compressionLevel(config.QualityRealtime))
	require.Equal(t, 5, compressionLevel(config.QualityGood))
	require.Equal(t, 0, compressionLevel(config.QualityBest))
	require.Equal(t, 10, compressionLevel(config.Quality("bogus")))
}
