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

// Package system resolves the codec thread hint and samples host usage.
package system

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status stores a host usage snapshot.
type Status struct {
	CPUUsage int `json:"cpuUsage"`
	RAMUsage int `json:"ramUsage"`
}

type cpuCountFunc func(bool) (int, error)
type cpuPercentFunc func(context.Context) ([]float64, error)
type ramFunc func() (*mem.VirtualMemoryStat, error)

// System .
type System struct {
	cpuCount   cpuCountFunc
	cpuPercent cpuPercentFunc
	ram        ramFunc
}

// New returns new System.
func New() *System {
	return &System{
		cpuCount: cpu.Counts,
		cpuPercent: func(ctx context.Context) ([]float64, error) {
			return cpu.PercentWithContext(ctx, 0, false)
		},
		ram: mem.VirtualMemory,
	}
}

// ThreadCount resolves the configured codec thread hint.
// Zero means auto and resolves to the physical core count.
// Falls back to a single thread if the core count cannot be read.
func (s *System) ThreadCount(hint int) int {
	if hint > 0 {
		return hint
	}
	count, err := s.cpuCount(false)
	if err != nil || count < 1 {
		return 1
	}
	return count
}

// Snapshot returns current cpu and ram usage.
func (s *System) Snapshot(ctx context.Context) (Status, error) {
	cpuUsage, err := s.cpuPercent(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("could not get cpu usage: %w", err)
	}
	ramUsage, err := s.ram()
	if err != nil {
		return Status{}, fmt.Errorf("could not get ram usage: %w", err)
	}

	return Status{
		CPUUsage: int(cpuUsage[0]),
		RAMUsage: int(ramUsage.UsedPercent),
	}, nil
}
