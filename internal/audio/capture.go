/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// The capture process lifecycle (startup probe, interrupt then kill on stop)
// follows the ffmpeg capture in github.com/shivros/coldmic.

// Package audio captures microphone PCM and plays synthesized replies
// through external ffmpeg tools.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/logging"
)

const (
	// ffmpeg must still be running this long after launch to count as started
	startupGrace = 300 * time.Millisecond
	// time allowed between SIGINT and SIGKILL on stop
	stopGrace = 1500 * time.Millisecond
	// bytes of ffmpeg stderr kept for error reports
	stderrTailBytes = 4096
)

// FFmpegCapture streams microphone PCM audio using ffmpeg
type FFmpegCapture struct {
	cfg        config.CaptureConfig
	sampleRate int
}

// NewFFmpegCapture creates a capture source producing s16le PCM at sampleRate
func NewFFmpegCapture(cfg config.CaptureConfig, sampleRate int) *FFmpegCapture {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Driver == "" {
		cfg.Driver = "pulse"
	}
	if cfg.Device == "" {
		cfg.Device = "default"
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 3200
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &FFmpegCapture{cfg: cfg, sampleRate: sampleRate}
}

// FrameBytes is the size of each frame returned by ReadFrame
func (c *FFmpegCapture) FrameBytes() int {
	return c.cfg.ChunkBytes
}

func (c *FFmpegCapture) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.cfg.Driver,
		"-i", c.cfg.Device,
		"-ac", strconv.Itoa(c.cfg.Channels),
		"-ar", strconv.Itoa(c.sampleRate),
		"-f", "s16le",
		"-",
	}
}

// Start launches ffmpeg and returns once it has survived startup
func (c *FFmpegCapture) Start(ctx context.Context) (*CaptureSession, error) {
	cmd := exec.CommandContext(ctx, c.cfg.FFmpegPath, c.args()...)
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &CaptureSession{
		cmd:        cmd,
		stdout:     stdout,
		stderr:     stderr,
		frameBytes: c.cfg.ChunkBytes,
		exited:     make(chan struct{}),
	}
	go s.reap()

	timer := time.NewTimer(startupGrace)
	defer timer.Stop()

	select {
	case <-s.exited:
		if s.exitErr != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", s.exitErr, stderr.String())
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-timer.C:
	}

	logging.Component("capture").Info("Microphone capture started",
		zap.String("driver", c.cfg.Driver),
		zap.String("device", c.cfg.Device),
		zap.Int("sample_rate", c.sampleRate),
		zap.Int("frame_bytes", c.cfg.ChunkBytes),
	)
	return s, nil
}

// CaptureSession is a running ffmpeg capture process
type CaptureSession struct {
	cmd        *exec.Cmd
	stdout     io.ReadCloser
	stderr     *tailBuffer
	frameBytes int

	// exitErr is written once before exited is closed
	exited  chan struct{}
	exitErr error

	stopOnce sync.Once
	stopErr  error
}

func (s *CaptureSession) reap() {
	s.exitErr = s.cmd.Wait()
	close(s.exited)
}

// ReadFrame blocks until one full frame has been read into a new slice
func (s *CaptureSession) ReadFrame() ([]byte, error) {
	frame := make([]byte, s.frameBytes)
	if _, err := io.ReadFull(s.stdout, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Stop interrupts ffmpeg, killing it if it does not exit within stopGrace
func (s *CaptureSession) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.terminate()
		if s.stopErr != nil {
			if tail := s.stderr.String(); tail != "" {
				s.stopErr = fmt.Errorf("%w: %s", s.stopErr, tail)
			}
		}
	})
	return s.stopErr
}

func (s *CaptureSession) terminate() error {
	_ = s.cmd.Process.Signal(os.Interrupt)

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()

	select {
	case <-s.exited:
	case <-timer.C:
		logging.LogWarn("ffmpeg ignored interrupt, killing",
			zap.String("component", "capture"),
			zap.Int("pid", s.cmd.Process.Pid),
		)
		_ = s.cmd.Process.Kill()
		<-s.exited
	}

	// exiting on a signal is the normal way out
	var exitErr *exec.ExitError
	if s.exitErr != nil && !errors.As(s.exitErr, &exitErr) {
		return s.exitErr
	}

	// Wait already closed the pipe
	if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
