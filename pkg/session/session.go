// SPDX-License-Identifier: GPL-2.0-or-later

// Package session drives one recording from begin to close.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"moviewriter/pkg/config"
	"moviewriter/pkg/log"
)

// State of a session.
type State int

// A session moves strictly forward through these states, except that
// a failed first frame keeps it in StateConfiguring for a retry.
const (
	StateIdle State = iota
	StateConfiguring
	StateRecording
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session errors.
var (
	ErrNotConfigured = errors.New("session has not begun")
	ErrBadState      = errors.New("invalid session state")
	ErrCreate        = errors.New("could not create recording pipeline")
	ErrWrite         = errors.New("could not write to recording")
)

// Pipeline turns raw frames and audio blocks into muxed packets.
type Pipeline interface {
	WriteVideo(rgba []byte, frameIndex int64) error
	WriteAudio(samples []float32) error
	Finish() error
	Close()
}

type newPipelineFunc func(width int, height int) (Pipeline, error)

// Session owns one recording. All methods must be called from the
// same goroutine, the frame path never blocks on internal workers.
type Session struct {
	cfg     *config.Config
	threads int
	logger  *log.Logger

	state State
	fps   int
	path  string
	id    string

	// Pipeline construction is deferred to the first frame so the
	// frame's actual dimensions override the nominal ones. Mock point.
	newPipeline newPipelineFunc
	pipeline    Pipeline

	width  int
	height int

	frameCount     int64
	startTime      time.Time
	totalFrameTime time.Duration
}

// New returns an idle session. threads must already be resolved.
func New(cfg *config.Config, threads int, logger *log.Logger) *Session {
	s := &Session{
		cfg:     cfg,
		threads: threads,
		logger:  logger,
		state:   StateIdle,
	}
	s.newPipeline = func(width int, height int) (Pipeline, error) {
		return NewPipeline(s.cfg, s.threads, s.logger, width, height, s.fps, s.path)
	}
	return s
}

// Begin stores the recording parameters. Nothing is created until
// the first frame arrives.
func (s *Session) Begin(width int, height int, frameRate int, path string) error {
	if s.state != StateIdle {
		return fmt.Errorf("%w: begin in state %v", ErrBadState, s.state)
	}
	if frameRate <= 0 {
		return fmt.Errorf("%w: frame rate %v", ErrCreate, frameRate)
	}
	if path == "" {
		return fmt.Errorf("%w: empty output path", ErrCreate)
	}

	s.width = width
	s.height = height
	s.fps = frameRate
	s.path = path
	s.id = filepath.Base(path)
	s.startTime = time.Now()
	s.state = StateConfiguring

	s.logger.Info().Src("session").Session(s.id).
		Msgf("begin %vx%v at %v fps", width, height, frameRate)
	return nil
}

// WriteFrame records one tick: the video frame, then every complete
// audio frame accumulated since the last tick. An audio failure is
// logged and skipped, video continues.
func (s *Session) WriteFrame(width int, height int, rgba []byte, samples []float32) error {
	switch s.state {
	case StateIdle:
		return ErrNotConfigured
	case StateConfiguring:
	case StateRecording:
	default:
		return fmt.Errorf("%w: write in state %v", ErrBadState, s.state)
	}

	if s.state == StateConfiguring {
		// The first frame's dimensions win over the nominal ones.
		pipeline, err := s.newPipeline(width, height)
		if err != nil {
			s.logger.Error().Src("session").Session(s.id).
				Msgf("could not start recording: %v", err)
			return fmt.Errorf("%w: %v", ErrCreate, err)
		}
		s.pipeline = pipeline
		s.width = width
		s.height = height
		s.state = StateRecording

		s.logger.Info().Src("session").Session(s.id).
			Msgf("recording %vx%v to %v", width, height, s.path)
	}

	tick := time.Now()

	if err := s.pipeline.WriteVideo(rgba, s.frameCount); err != nil {
		s.logger.Error().Src("video").Session(s.id).
			Msgf("could not write frame %v: %v", s.frameCount, err)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	s.frameCount++

	if len(samples) != 0 {
		if err := s.pipeline.WriteAudio(samples); err != nil {
			s.logger.Error().Src("audio").Session(s.id).
				Msgf("skipping audio block: %v", err)
		}
	}

	s.totalFrameTime += time.Since(tick)
	return nil
}

// End finalizes the recording. Safe to call more than once.
func (s *Session) End() error {
	switch s.state {
	case StateIdle, StateClosed:
		return nil
	case StateConfiguring:
		// Begun but no frame ever arrived, nothing was created.
		s.state = StateClosed
		s.logger.Info().Src("session").Session(s.id).Msg("ended with no frames")
		return nil
	}

	s.state = StateFinalizing

	err := s.pipeline.Finish()
	if err != nil {
		s.logger.Error().Src("session").Session(s.id).
			Msgf("could not finalize recording: %v", err)
	}
	s.pipeline.Close()
	s.state = StateClosed

	s.logger.Info().Src("session").Session(s.id).Msgf(
		"recording finished, %v frames in %v, %v avg frame time",
		s.frameCount,
		time.Since(s.startTime).Round(time.Millisecond),
		s.AverageFrameTime().Round(time.Microsecond),
	)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// FrameCount returns the number of video frames written.
func (s *Session) FrameCount() int64 {
	return s.frameCount
}

// Dimensions returns the recorded picture size.
func (s *Session) Dimensions() (int, int) {
	return s.width, s.height
}

// StartTime returns the time Begin was called.
func (s *Session) StartTime() time.Time {
	return s.startTime
}

// AverageFrameTime returns the mean time spent in WriteFrame.
func (s *Session) AverageFrameTime() time.Duration {
	if s.frameCount == 0 {
		return 0
	}
	return s.totalFrameTime / time.Duration(s.frameCount)
}
