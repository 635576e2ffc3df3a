// Copyright 2020-2021 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogger() (func(), *Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := NewLogger(&sync.WaitGroup{})
	logger.Start(ctx)

	return cancel, logger
}

func TestLogger(t *testing.T) {
	t.Run("msg", func(t *testing.T) {
		cancel, logger := newTestLogger()
		defer cancel()

		feed, cancel2 := logger.Subscribe()
		defer cancel2()

		ts := time.Unix(1, 0)
		go logger.Error().
			Src("video").
			Session("rec1").
			Time(ts).
			Msg("test")

		actual := <-feed
		expected := Log{
			Level:   LevelError,
			Time:    UnixMillisecond(ts.UnixNano() / 1000),
			Msg:     "test",
			Src:     "video",
			Session: "rec1",
		}
		require.Equal(t, expected, actual)
	})
	t.Run("msgf", func(t *testing.T) {
		cancel, logger := newTestLogger()
		defer cancel()

		feed, cancel2 := logger.Subscribe()
		defer cancel2()

		go logger.Info().Src("audio").Msgf("skipped %v samples", 960)

		actual := <-feed
		require.Equal(t, "skipped 960 samples", actual.Msg)
		require.Equal(t, LevelInfo, actual.Level)
	})
	t.Run("levels", func(t *testing.T) {
		cancel, logger := newTestLogger()
		defer cancel()

		feed, cancel2 := logger.Subscribe()
		defer cancel2()

		go logger.Warn().Msg("")
		require.Equal(t, LevelWarning, (<-feed).Level)

		go logger.Debug().Msg("")
		require.Equal(t, LevelDebug, (<-feed).Level)
	})
	t.Run("unsubBeforeMsg", func(t *testing.T) {
		cancel, logger := newTestLogger()
		defer cancel()

		feed1, cancel1 := logger.Subscribe()
		feed2, cancel2 := logger.Subscribe()
		cancel2()

		go logger.Info().Msg("test")
		actual1 := <-feed1
		actual2 := <-feed2
		cancel1()

		require.Equal(t, "test", actual1.Msg)
		require.Equal(t, "", actual2.Msg)
	})
	t.Run("unsubAfterMsg", func(t *testing.T) {
		cancel, logger := newTestLogger()
		defer cancel()

		feed, cancel2 := logger.Subscribe()

		go logger.Info().Msg("test")
		go logger.Info().Msg("test")
		go logger.Info().Msg("test")
		time.Sleep(10 * time.Microsecond)
		cancel2()

		actual := <-feed
		require.Equal(t, "", actual.Msg)
	})
}
