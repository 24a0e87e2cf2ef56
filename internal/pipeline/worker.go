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

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/logging"
	"github.com/loqalabs/loqa-listen/internal/metrics"
)

// Speaker runs the voice path for one utterance
type Speaker interface {
	Speak(ctx context.Context, u events.Utterance) Outcome
}

// Worker runs utterances through a Speaker one at a time, off the
// transcription event flow. The queue is bounded; Submit never blocks.
type Worker struct {
	speaker Speaker
	queue   chan events.Utterance
	metrics *metrics.Metrics

	pending atomic.Int32

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker creates a worker with room for queueSize waiting utterances
func NewWorker(speaker Speaker, queueSize int, m *metrics.Metrics) *Worker {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Worker{
		speaker: speaker,
		queue:   make(chan events.Utterance, queueSize),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine. In-flight runs are not cancelled by
// ctx; they are only cut short when Stop's grace period runs out.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("worker already started")
	}
	w.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel

	go w.loop(runCtx)
	return nil
}

// Submit queues u. It returns false when the queue is full or the worker
// has stopped.
func (w *Worker) Submit(u events.Utterance) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return false
	}

	w.pending.Add(1)
	w.metrics.SetPipelineBusy(true)
	select {
	case w.queue <- u:
		logging.LogPipelineStage(u.ID, "queued", zap.Int("text_length", len([]rune(u.Text))))
		return true
	default:
		w.release()
		w.metrics.RecordUtteranceDropped()
		return false
	}
}

// Busy reports whether an utterance is queued or being spoken
func (w *Worker) Busy() bool {
	return w.pending.Load() > 0
}

// Stop refuses new work and waits for queued utterances to finish. When ctx
// expires first, the in-flight run is cancelled and ctx's error returned.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	started := w.started
	close(w.queue)
	w.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-w.done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	for u := range w.queue {
		w.run(ctx, u)
	}
}

func (w *Worker) run(ctx context.Context, u events.Utterance) {
	defer w.release()
	defer func() {
		if r := recover(); r != nil {
			w.metrics.RecordHandlerPanic()
			logging.Component("pipeline").Error("Recovered from panic in pipeline run",
				zap.String("utterance_id", u.ID),
				zap.Any("panic", r))
		}
	}()

	// A cancelled worker drains the queue without speaking
	if ctx.Err() != nil {
		logging.LogPipelineStage(u.ID, "skipped", zap.Error(ctx.Err()))
		return
	}

	w.speaker.Speak(ctx, u)
}

func (w *Worker) release() {
	if w.pending.Add(-1) == 0 {
		w.metrics.SetPipelineBusy(false)
	}
}
