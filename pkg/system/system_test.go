package system

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/require"
)

func TestThreadCount(t *testing.T) {
	t.Run("hint", func(t *testing.T) {
		s := New()
		require.Equal(t, 3, s.ThreadCount(3))
	})
	t.Run("auto", func(t *testing.T) {
		s := &System{
			cpuCount: func(bool) (int, error) { return 8, nil },
		}
		require.Equal(t, 8, s.ThreadCount(0))
	})
	t.Run("countErr", func(t *testing.T) {
		s := &System{
			cpuCount: func(bool) (int, error) { return 0, errors.New("mock") },
		}
		require.Equal(t, 1, s.ThreadCount(0))
	})
}

func TestSnapshot(t *testing.T) {
	t.Run("working", func(t *testing.T) {
		s := &System{
			cpuPercent: func(context.Context) ([]float64, error) {
				return []float64{11.1}, nil
			},
			ram: func() (*mem.VirtualMemoryStat, error) {
				return &mem.VirtualMemoryStat{UsedPercent: 22.2}, nil
			},
		}

		status, err := s.Snapshot(context.Background())
		require.NoError(t, err)
		require.Equal(t, Status{CPUUsage: 11, RAMUsage: 22}, status)
	})
	t.Run("cpuErr", func(t *testing.T) {
		s := &System{
			cpuPercent: func(context.Context) ([]float64, error) {
				return nil, errors.New("mock")
			},
		}
		_, err := s.Snapshot(context.Background())
		require.Error(t, err)
	})
	t.Run("ramErr", func(t *testing.T) {
		s := &System{
			cpuPercent: func(context.Context) ([]float64, error) {
				return []float64{0}, nil
			},
			ram: func() (*mem.VirtualMemoryStat, error) {
				return nil, errors.New("mock")
			},
		}
		_, err := s.Snapshot(context.Background())
		require.Error(t, err)
	})
}
