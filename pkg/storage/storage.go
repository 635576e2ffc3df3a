// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package storage prepares the output location and guards free disk space.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"moviewriter/pkg/log"

	"github.com/shirou/gopsutil/v3/disk"
)

// Recording refused when the target volume has less free space than this.
const DefaultMinFreeSpace = 100 * int64(megabyte)

// ErrDiskFull not enough free space on the target volume.
var ErrDiskFull = errors.New("not enough free space on target volume")

type usageFunc func(string) (*disk.UsageStat, error)

// Manager checks the output location before a session starts.
type Manager struct {
	minFreeSpace int64
	usage        usageFunc

	logger *log.Logger
}

// NewManager returns new manager.
func NewManager(logger *log.Logger) *Manager {
	return &Manager{
		minFreeSpace: DefaultMinFreeSpace,
		usage:        disk.Usage,

		logger: logger,
	}
}

// Prepare creates the directory that will hold the output file.
func (m *Manager) Prepare(outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o700); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create output directory: %v: %w", dir, err)
	}
	return nil
}

// CheckFreeSpace returns ErrDiskFull when the volume holding
// outputPath has less free space than the configured minimum.
func (m *Manager) CheckFreeSpace(outputPath string) error {
	usage, err := m.usage(filepath.Dir(outputPath))
	if err != nil {
		return fmt.Errorf("disk usage: %w", err)
	}

	if int64(usage.Free) < m.minFreeSpace {
		m.logger.Error().Src("storage").Msgf(
			"%v free on target volume, need %v",
			formatDiskUsage(float64(usage.Free)),
			formatDiskUsage(float64(m.minFreeSpace)),
		)
		return ErrDiskFull
	}

	m.logger.Debug().Src("storage").Msgf(
		"%v free on target volume", formatDiskUsage(float64(usage.Free)))
	return nil
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatDiskUsage(used float64) string {
	switch {
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	case used < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	case used < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", used/gigabyte)
	case used < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", used/gigabyte)
	case used < 10*terabyte:
		return fmt.Sprintf("%.2fTB", used/terabyte)
	case used < 100*terabyte:
		return fmt.Sprintf("%.1fTB", used/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", used/terabyte)
	}
}

// RecordingData is saved next to the output file with a ".json" extension.
type RecordingData struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	FrameCount int64     `json:"frameCount"`
	FrameRate  int       `json:"frameRate"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Quality    string    `json:"quality"`

	// Messages of level warning or worse logged during the session.
	Warnings []string `json:"warnings,omitempty"`
}

// SaveRecordingData writes the metadata sidecar for a finished recording.
func SaveRecordingData(videoPath string, data RecordingData) error {
	rawData, _ := json.MarshalIndent(data, "", "    ")

	dataPath := videoPath + ".json"
	if err := os.WriteFile(dataPath, rawData, 0o600); err != nil {
		return fmt.Errorf("write metadata file: %v: %w", dataPath, err)
	}
	return nil
}
