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

// Package assistant wires capture, transcription, the capture-window state
// machine and the response worker together for the lifetime of the process.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/logging"
	"github.com/loqalabs/loqa-listen/internal/metrics"
	"github.com/loqalabs/loqa-listen/internal/wake"
)

// ErrSessionEnded is returned by Run when the transcription session ends
// without a shutdown request
var ErrSessionEnded = errors.New("transcription session ended")

// FrameSource yields fixed-size PCM frames until stopped
type FrameSource interface {
	ReadFrame() ([]byte, error)
	Stop() error
}

// Session is the live transcription connection
type Session interface {
	wake.MetricsSource
	SendAudio(frame []byte) error
	Events() <-chan events.TranscriptEvent
	Wait() error
	Close() error
}

// Machine consumes transcript events
type Machine interface {
	AttachSession(src wake.MetricsSource)
	Run(ctx context.Context, in <-chan events.TranscriptEvent)
}

// Worker runs the response pipeline off the event flow
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Busy() bool
}

// Options configures a Controller
type Options struct {
	Dial    func(ctx context.Context) (Session, error)
	Capture func(ctx context.Context) (FrameSource, error)
	Machine Machine
	Worker  Worker
	// Greet runs once before capture starts; nil skips the greeting
	Greet   func(ctx context.Context)
	Metrics *metrics.Metrics

	// SuspendCapture drops frames while the worker is busy
	SuspendCapture bool
	ShutdownGrace  time.Duration
}

// Controller owns the process lifecycle
type Controller struct {
	opts   Options
	logger *zap.Logger
}

// New creates a controller
func New(opts Options) *Controller {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	return &Controller{opts: opts, logger: logging.Component("assistant")}
}

// Run listens until ctx is cancelled or the session ends. The session is
// always closed and capture always stopped before Run returns. A shutdown
// via ctx returns nil.
func (c *Controller) Run(ctx context.Context) error {
	session, err := c.opts.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to open transcription session: %w", err)
	}
	c.opts.Machine.AttachSession(session)

	if err := c.opts.Worker.Start(ctx); err != nil {
		c.closeSession(session)
		return fmt.Errorf("failed to start response worker: %w", err)
	}

	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		c.opts.Machine.Run(ctx, session.Events())
	}()

	if c.opts.Greet != nil {
		c.opts.Greet(ctx)
	}

	source, err := c.opts.Capture(ctx)
	if err != nil {
		c.teardown(nil, session, machineDone)
		return fmt.Errorf("failed to start audio capture: %w", err)
	}

	pumpDone := make(chan error, 1)
	go c.pump(source, session, pumpDone)

	c.logger.Info("Listening for trigger phrases")

	var runErr error
	select {
	case <-ctx.Done():
		c.logger.Info("Shutdown requested")
	case <-machineDone:
		runErr = ErrSessionEnded
		if err := session.Wait(); err != nil {
			runErr = fmt.Errorf("%w: %w", ErrSessionEnded, err)
		}
	case err := <-pumpDone:
		pumpDone = nil
		if err != nil {
			runErr = fmt.Errorf("%w: %w", ErrSessionEnded, err)
		} else {
			runErr = fmt.Errorf("audio capture stopped unexpectedly")
		}
	}

	c.teardown(source, session, machineDone)
	if pumpDone != nil {
		<-pumpDone
	}
	return runErr
}

func (c *Controller) teardown(source FrameSource, session Session, machineDone <-chan struct{}) {
	if source != nil {
		if err := source.Stop(); err != nil {
			logging.LogWarn("Audio capture did not stop cleanly", zap.Error(err))
		}
	}

	c.closeSession(session)
	<-machineDone

	graceCtx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownGrace)
	defer cancel()
	if err := c.opts.Worker.Stop(graceCtx); err != nil {
		logging.LogWarn("Response worker did not finish within the grace period", zap.Error(err))
	}
}

func (c *Controller) closeSession(session Session) {
	if err := session.Close(); err != nil {
		logging.LogWarn("Transcription session closed with error", zap.Error(err))
	}
}

// pump forwards frames to the session. While the worker is busy and
// suspension is enabled, frames are read and counted but not sent. It
// returns the send error that ended it, or nil when capture stopped.
func (c *Controller) pump(source FrameSource, session Session, done chan<- error) {
	var (
		suspended bool
		dropped   int
	)

	for {
		frame, err := source.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logging.LogError(err, "Audio capture error")
			}
			done <- nil
			return
		}

		if c.opts.SuspendCapture && c.opts.Worker.Busy() {
			if !suspended {
				suspended = true
				c.logger.Info("Capture suspended while responding")
			}
			dropped++
			c.opts.Metrics.RecordFrameDropped()
			continue
		}
		if suspended {
			suspended = false
			c.logger.Info("Capture resumed", zap.Int("frames_dropped", dropped))
			dropped = 0
		}

		if err := session.SendAudio(frame); err != nil {
			logging.LogError(err, "Failed to stream audio")
			done <- err
			return
		}
		c.opts.Metrics.RecordFrameSent()
	}
}
