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

// Package moviewriter records rendered frames from a host application
// into a compressed container file in real time.
package moviewriter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"moviewriter/pkg/audio"
	"moviewriter/pkg/config"
	"moviewriter/pkg/encoder"
	"moviewriter/pkg/log"
	"moviewriter/pkg/session"
	"moviewriter/pkg/storage"
	"moviewriter/pkg/system"
)

// Status codes returned across the host boundary. Structured error
// detail never crosses it, details go to the logger.
type Status int

// Host-facing status codes.
const (
	StatusOK Status = iota
	StatusUnconfigured
	StatusCantCreate
	StatusFileCantWrite
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnconfigured:
		return "unconfigured"
	case StatusCantCreate:
		return "cantCreate"
	case StatusFileCantWrite:
		return "fileCantWrite"
	}
	return "unknown"
}

// Writer is the host-facing recorder. One recording at a time, all
// calls from the same goroutine.
type Writer struct {
	cfg    *config.Config
	logger *log.Logger
	logDB  *log.DB

	storage *storage.Manager
	sys     *system.System
	session *session.Session

	path      string
	frameRate int
}

// NewWriter returns a writer with the given settings.
func NewWriter(cfg *config.Config, logger *log.Logger) *Writer {
	return &Writer{
		cfg:     cfg,
		logger:  logger,
		storage: storage.NewManager(logger),
		sys:     system.New(),
	}
}

// HandlesFile reports whether the writer can record to path.
func (w *Writer) HandlesFile(path string) bool {
	return encoder.IsWebM(path)
}

// AudioMixRate returns the sample rate the host must mix at
// while recording, or zero when audio is disabled.
func (w *Writer) AudioMixRate() int {
	if !w.cfg.AudioEnabled {
		return 0
	}
	return audio.SampleRate
}

// AudioChannels returns the expected channel count per audio block.
func (w *Writer) AudioChannels() int {
	if !w.cfg.AudioEnabled {
		return 0
	}
	return audio.Channels
}

// Begin starts a recording to path. Encoders are not created until
// the first frame arrives.
func (w *Writer) Begin(width int, height int, frameRate int, path string) Status {
	if w.session != nil && w.session.State() != session.StateClosed {
		w.logger.Error().Src("app").Msg("begin called while recording")
		return StatusCantCreate
	}

	if err := w.storage.Prepare(path); err != nil {
		w.logger.Error().Src("storage").Msgf("could not prepare output: %v", err)
		return StatusCantCreate
	}
	if err := w.storage.CheckFreeSpace(path); err != nil {
		w.logger.Error().Src("storage").Msgf("refusing to record: %v", err)
		return StatusCantCreate
	}

	threads := w.sys.ThreadCount(w.cfg.ThreadCount)
	w.session = session.New(w.cfg, threads, w.logger)
	w.path = path
	w.frameRate = frameRate

	if err := w.session.Begin(width, height, frameRate, path); err != nil {
		w.session = nil
		return StatusCantCreate
	}
	return StatusOK
}

// WriteFrame records one tick: a frame of interleaved RGBA pixels
// and the audio samples mixed since the last tick.
func (w *Writer) WriteFrame(width int, height int, rgba []byte, samples []int32) Status {
	if w.session == nil {
		return StatusUnconfigured
	}

	err := w.session.WriteFrame(width, height, rgba, normalizeSamples(samples))
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, session.ErrNotConfigured):
		return StatusUnconfigured
	case errors.Is(err, session.ErrCreate):
		return StatusCantCreate
	default:
		return StatusFileCantWrite
	}
}

// End finalizes the recording and writes the metadata sidecar.
// Safe to call more than once.
func (w *Writer) End() {
	if w.session == nil {
		return
	}

	frameCount := w.session.FrameCount()
	start := w.session.StartTime()
	width, height := w.session.Dimensions()

	err := w.session.End()

	if err == nil && frameCount > 0 {
		data := storage.RecordingData{
			Start:      start,
			End:        time.Now(),
			FrameCount: frameCount,
			FrameRate:  w.frameRate,
			Width:      width,
			Height:     height,
			Quality:    string(w.cfg.Quality),
			Warnings:   w.sessionWarnings(),
		}
		if err := storage.SaveRecordingData(w.path, data); err != nil {
			w.logger.Error().Src("storage").Msgf("could not save metadata: %v", err)
		}
	}

	if status, err := w.sys.Snapshot(context.Background()); err == nil {
		w.logger.Debug().Src("app").Msgf(
			"cpu %v%% ram %v%%", status.CPUUsage, status.RAMUsage)
	}
}

// sessionWarnings returns the messages of level warning or worse
// that were logged during the current session.
func (w *Writer) sessionWarnings() []string {
	if w.logDB == nil {
		return nil
	}

	logs, err := w.logDB.SessionLogs(filepath.Base(w.path), log.LevelWarning)
	if err != nil {
		w.logger.Error().Src("app").Msgf("could not query session logs: %v", err)
		return nil
	}

	var warnings []string
	for _, l := range logs {
		warnings = append(warnings, l.Msg)
	}
	return warnings
}

// normalizeSamples converts interleaved signed 32-bit samples to
// float. The minimum maps to exactly -1.
func normalizeSamples(samples []int32) []float32 {
	if samples == nil {
		return nil
	}
	out := make([]float32, len(samples))
	for i, sample := range samples {
		if sample == math.MinInt32 {
			out[i] = -1
			continue
		}
		out[i] = float32(float64(sample) / float64(math.MaxInt32))
	}
	return out
}

// App bundles a writer with its logger and log database.
type App struct {
	WG     *sync.WaitGroup
	Logger *log.Logger
	LogDB  *log.DB
	Writer *Writer
}

// NewApp loads settings from configDir and wires up the writer.
// The log database lives next to the settings file.
func NewApp(configDir string) (*App, error) {
	cfg, err := config.LoadConfig(filepath.Join(configDir, "settings.yaml"))
	if err != nil {
		return nil, fmt.Errorf("could not load settings: %w", err)
	}

	wg := &sync.WaitGroup{}
	logger := log.NewLogger(wg)
	logDB := log.NewDB(filepath.Join(configDir, "logs.db"), wg)

	writer := NewWriter(cfg, logger)
	writer.logDB = logDB

	return &App{
		WG:     wg,
		Logger: logger,
		LogDB:  logDB,
		Writer: writer,
	}, nil
}

// Run starts the logger and log database and blocks until ctx is
// canceled and the background goroutines have drained.
func (app *App) Run(ctx context.Context) error {
	if err := app.Logger.Start(ctx); err != nil {
		return fmt.Errorf("could not start logger: %w", err)
	}
	go app.Logger.LogToStdout(ctx)

	if err := app.LogDB.Init(ctx); err != nil {
		// Continue even if the log database is corrupt.
		time.Sleep(10 * time.Millisecond)
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go app.LogDB.SaveLogs(ctx, app.Logger)
	}

	app.Logger.Info().Src("app").Msg("ready")

	<-ctx.Done()
	app.WG.Wait()
	return nil
}
