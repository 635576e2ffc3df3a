// SPDX-License-Identifier: GPL-2.0-or-later

package convert

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewConverter(t *testing.T) {
	t.Run("unsupportedFormat", func(t *testing.T) {
		before := LiveResources()

		_, err := NewConverter(PixelFormat(99), 16, 16)
		require.ErrorIs(t, err, ErrUnsupportedFormat)
		require.Equal(t, before, LiveResources())
	})
	t.Run("invalidSize", func(t *testing.T) {
		before := LiveResources()

		_, err := NewConverter(PixelFormatYUV420, 0, 16)
		require.ErrorIs(t, err, ErrInvalidSize)
		require.Equal(t, before, LiveResources())
	})
}

// newTestConverter skips the test when no GPU device is available.
func newTestConverter(t *testing.T, format PixelFormat, width, height int) *Converter {
	t.Helper()

	c, err := NewConverter(format, width, height)
	if errors.Is(err, ErrNoDevice) {
		t.Skipf("no gpu device: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestConvert(t *testing.T) {
	t.Run("solidColor", func(t *testing.T) {
		const width, height = 32, 32
		c := newTestConverter(t, PixelFormatYUV420, width, height)

		// Opaque pure white. BT.601 full range puts
		// white at luma 255 with neutral chroma.
		rgba := make([]byte, width*height*4)
		for i := range rgba {
			rgba[i] = 255
		}

		frame := NewFrame(width, height)
		require.NoError(t, c.Convert(rgba, frame, nil))

		for _, v := range frame.Y {
			require.Equal(t, byte(255), v)
		}
		for _, v := range frame.U {
			require.InDelta(t, 128, int(v), 1)
		}
		for _, v := range frame.V {
			require.InDelta(t, 128, int(v), 1)
		}
	})
	t.Run("alphaPlane", func(t *testing.T) {
		const width, height = 16, 16
		c := newTestConverter(t, PixelFormatYUVA420, width, height)

		// Fully transparent black.
		rgba := make([]byte, width*height*4)

		frame := NewFrame(width, height)
		alphaFrame := NewGrayChromaFrame(width, height)
		require.NoError(t, c.Convert(rgba, frame, alphaFrame))

		for _, v := range alphaFrame.Y {
			require.Equal(t, byte(0), v)
		}
		// The gray chroma fill must survive conversion.
		for _, v := range alphaFrame.U {
			require.Equal(t, byte(128), v)
		}
	})
	t.Run("shortInput", func(t *testing.T) {
		c := newTestConverter(t, PixelFormatYUV420, 16, 16)

		err := c.Convert(make([]byte, 10), NewFrame(16, 16), nil)
		require.ErrorIs(t, err, ErrInvalidSize)
	})
	t.Run("convertAfterClose", func(t *testing.T) {
		c := newTestConverter(t, PixelFormatYUV420, 16, 16)
		c.Close()

		err := c.Convert(make([]byte, 16*16*4), NewFrame(16, 16), nil)
		require.ErrorIs(t, err, ErrClosed)
	})
	t.Run("closeTwice", func(t *testing.T) {
		c := newTestConverter(t, PixelFormatYUV420, 16, 16)

		before := LiveResources()
		c.Close()
		released := before - LiveResources()
		require.Greater(t, released, int64(0))

		// Second close must not release anything again.
		c.Close()
		require.Equal(t, before-released, LiveResources())
	})
}
