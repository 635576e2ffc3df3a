// Copyright 2020-2022 The OS-NVR Authors.
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

// Package config holds the encoder settings consumed at session start.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Quality selects the encoder speed versus quality tradeoff.
type Quality string

// Quality tiers, slowest first.
const (
	QualityBest     Quality = "best"
	QualityGood     Quality = "good"
	QualityRealtime Quality = "realtime"
)

// Config are the encoder settings. Read-only once a session has started.
type Config struct {
	// Codec threads. 0 resolves to the machine core count.
	ThreadCount int

	Quality      Quality
	AlphaChannel bool
	AudioEnabled bool
}

type rawConfig struct {
	ThreadCount  *int    `yaml:"threadCount"`
	Quality      *string `yaml:"quality"`
	AlphaChannel *bool   `yaml:"alphaChannel"`
	AudioEnabled *bool   `yaml:"audioEnabled"`
}

// ErrNegativeThreadCount .
var ErrNegativeThreadCount = fmt.Errorf("threadCount cannot be negative")

// NewConfig parses settings from the raw yaml document.
// Absent values default, unknown quality strings fall back to realtime.
func NewConfig(rawYAML []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(rawYAML, &raw); err != nil {
		return nil, fmt.Errorf("could not unmarshal settings: %w", err)
	}

	config := defaultConfig()

	if raw.ThreadCount != nil {
		if *raw.ThreadCount < 0 {
			return nil, ErrNegativeThreadCount
		}
		config.ThreadCount = *raw.ThreadCount
	}
	if raw.Quality != nil {
		config.Quality = parseQuality(*raw.Quality)
	}
	if raw.AlphaChannel != nil {
		config.AlphaChannel = *raw.AlphaChannel
	}
	if raw.AudioEnabled != nil {
		config.AudioEnabled = *raw.AudioEnabled
	}

	return &config, nil
}

// LoadConfig reads settings from path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	rawYAML, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config := defaultConfig()
			return &config, nil
		}
		return nil, fmt.Errorf("could not read settings file: %w", err)
	}
	return NewConfig(rawYAML)
}

func defaultConfig() Config {
	return Config{
		ThreadCount:  0,
		Quality:      QualityRealtime,
		AlphaChannel: false,
		AudioEnabled: true,
	}
}

func parseQuality(raw string) Quality {
	switch Quality(raw) {
	case QualityBest:
		return QualityBest
	case QualityGood:
		return QualityGood
	case QualityRealtime:
		return QualityRealtime
	}
	return QualityRealtime
}
