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

package assistant

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/metrics"
	"github.com/loqalabs/loqa-listen/internal/wake"
)

type fakeSession struct {
	events chan events.TranscriptEvent

	mu     sync.Mutex
	frames int
	closed bool
	once   sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan events.TranscriptEvent, 16)}
}

func (s *fakeSession) SendAudio([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.frames++
	return nil
}

func (s *fakeSession) Events() <-chan events.TranscriptEvent { return s.events }
func (s *fakeSession) Wait() error                           { return nil }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.endStream()
	return nil
}

// endStream simulates the server closing the connection
func (s *fakeSession) endStream() {
	s.once.Do(func() { close(s.events) })
}

func (s *fakeSession) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) LastResponseID() string             { return "" }
func (s *fakeSession) LastFirstTextDelay() time.Duration  { return 0 }
func (s *fakeSession) LastFirstAudioDelay() time.Duration { return 0 }

type fakeSource struct {
	stop    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{stop: make(chan struct{})}
}

func (s *fakeSource) ReadFrame() ([]byte, error) {
	select {
	case <-s.stop:
		return nil, io.EOF
	case <-time.After(time.Millisecond):
		return make([]byte, 3200), nil
	}
}

func (s *fakeSource) Stop() error {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.stop)
	})
	return nil
}

type fakeWorker struct {
	busy    atomic.Bool
	started atomic.Bool
	stopped atomic.Bool

	mu         sync.Mutex
	utterances []events.Utterance
}

func (w *fakeWorker) Start(context.Context) error { w.started.Store(true); return nil }
func (w *fakeWorker) Stop(context.Context) error  { w.stopped.Store(true); return nil }
func (w *fakeWorker) Busy() bool                  { return w.busy.Load() }

func (w *fakeWorker) Submit(u events.Utterance) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.utterances = append(w.utterances, u)
	return true
}

func (w *fakeWorker) submitted() []events.Utterance {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]events.Utterance(nil), w.utterances...)
}

type fixture struct {
	session *fakeSession
	source  *fakeSource
	worker  *fakeWorker
	metrics *metrics.Metrics
	greeted atomic.Int32
	ctrl    *Controller
}

func newFixture(t *testing.T, suspend bool) *fixture {
	t.Helper()

	f := &fixture{
		session: newFakeSession(),
		source:  newFakeSource(),
		worker:  &fakeWorker{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}

	machine := wake.New(wake.Options{
		Triggers:  []string{"你好小度"},
		Window:    100 * time.Millisecond,
		Delimiter: "。",
		Sink:      f.worker,
		Metrics:   f.metrics,
	})

	f.ctrl = New(Options{
		Dial:           func(context.Context) (Session, error) { return f.session, nil },
		Capture:        func(context.Context) (FrameSource, error) { return f.source, nil },
		Machine:        machine,
		Worker:         f.worker,
		Greet:          func(context.Context) { f.greeted.Add(1) },
		Metrics:        f.metrics,
		SuspendCapture: suspend,
		ShutdownGrace:  time.Second,
	})
	return f
}

func runAsync(ctx context.Context, c *Controller) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestController_ShutdownOnCancel(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())

	done := runAsync(ctx, f.ctrl)
	require.Eventually(t, func() bool { return f.session.sent() > 5 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitErr(t, done))

	assert.True(t, f.session.isClosed())
	assert.True(t, f.source.stopped.Load())
	assert.True(t, f.worker.started.Load())
	assert.True(t, f.worker.stopped.Load())
	assert.Equal(t, int32(1), f.greeted.Load())
	assert.Greater(t, testutil.ToFloat64(f.metrics.FramesSent), float64(0))
}

func TestController_SuspendsCaptureWhileBusy(t *testing.T) {
	f := newFixture(t, true)
	f.worker.busy.Store(true)
	ctx, cancel := context.WithCancel(context.Background())

	done := runAsync(ctx, f.ctrl)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.FramesDropped) > 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.session.sent())

	f.worker.busy.Store(false)
	require.Eventually(t, func() bool { return f.session.sent() > 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitErr(t, done))
}

func TestController_ForwardsWhenSuspendDisabled(t *testing.T) {
	f := newFixture(t, false)
	f.worker.busy.Store(true)
	ctx, cancel := context.WithCancel(context.Background())

	done := runAsync(ctx, f.ctrl)
	require.Eventually(t, func() bool { return f.session.sent() > 5 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.FramesDropped))
}

func TestController_HandsOffUtterance(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := runAsync(ctx, f.ctrl)

	f.session.events <- events.SessionCreated("sess_1")
	f.session.events <- events.FinalText("你好小度")
	f.session.events <- events.FinalText("帮我查询")
	f.session.events <- events.FinalText("天气预报")

	require.Eventually(t, func() bool { return len(f.worker.submitted()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "帮我查询。天气预报。", f.worker.submitted()[0].Text)

	cancel()
	require.NoError(t, waitErr(t, done))
}

func TestController_SessionEnded(t *testing.T) {
	f := newFixture(t, true)

	done := runAsync(context.Background(), f.ctrl)
	require.Eventually(t, func() bool { return f.session.sent() > 0 }, 2*time.Second, 5*time.Millisecond)

	f.session.events <- events.Closed(1011, "server error")
	f.session.endStream()

	err := waitErr(t, done)
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.True(t, f.source.stopped.Load())
	assert.True(t, f.worker.stopped.Load())
}

func TestController_StartupFailures(t *testing.T) {
	t.Run("dial", func(t *testing.T) {
		f := newFixture(t, true)
		f.ctrl.opts.Dial = func(context.Context) (Session, error) { return nil, errors.New("401") }

		err := f.ctrl.Run(context.Background())
		assert.ErrorContains(t, err, "transcription session")
		assert.False(t, f.worker.started.Load())
	})

	t.Run("capture", func(t *testing.T) {
		f := newFixture(t, true)
		f.ctrl.opts.Capture = func(context.Context) (FrameSource, error) { return nil, errors.New("no device") }

		err := f.ctrl.Run(context.Background())
		assert.ErrorContains(t, err, "audio capture")
		assert.True(t, f.session.isClosed())
		assert.True(t, f.worker.stopped.Load())
	})
}
