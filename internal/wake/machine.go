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

// Package wake watches final transcripts for trigger phrases and gathers the
// speech that follows into one utterance per capture window.
package wake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/logging"
	"github.com/loqalabs/loqa-listen/internal/metrics"
)

// State of the capture window
type State int

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// summaryEntries caps how many collected texts the close summary logs
const summaryEntries = 5

// Acknowledger signals the user that a trigger was heard
type Acknowledger interface {
	Acknowledge(ctx context.Context) <-chan struct{}
}

// UtteranceSink receives finalized utterances. Submit must not block; it
// reports false when the utterance was not accepted.
type UtteranceSink interface {
	Submit(u events.Utterance) bool
}

// MetricsSource exposes the session's post-hoc response metrics
type MetricsSource interface {
	LastResponseID() string
	LastFirstTextDelay() time.Duration
	LastFirstAudioDelay() time.Duration
}

// SessionObserver is told when the transcription session opens and closes
type SessionObserver interface {
	SessionOpened(sessionID string)
	SessionClosed(code int, reason string)
}

// Publisher emits assistant lifecycle events
type Publisher interface {
	Publish(ctx context.Context, event *events.AssistantEvent) error
}

// Spool round-trips collected texts through transient storage
type Spool interface {
	RoundTrip(texts []string) ([]string, error)
}

// Options configures a Machine. Sink is required; the rest may be nil.
type Options struct {
	Triggers  []string
	Window    time.Duration
	Delimiter string

	Sink      UtteranceSink
	Ack       Acknowledger
	Observer  SessionObserver
	Publisher Publisher
	Spool     Spool
	Metrics   *metrics.Metrics

	// Now defaults to time.Now
	Now func() time.Time
}

// Machine is the capture-window state machine. Handle is meant to be
// called from a single goroutine; State may be read from any goroutine.
type Machine struct {
	triggers  TriggerSet
	window    time.Duration
	delimiter string

	sink      UtteranceSink
	ack       Acknowledger
	observer  SessionObserver
	publisher Publisher
	spool     Spool
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.Mutex
	state    State
	openedAt time.Time
	trigger  string
	segments []events.Segment
	session  MetricsSource
	ctx      context.Context
}

// New creates a machine in the Idle state
func New(opts Options) *Machine {
	if opts.Window <= 0 {
		opts.Window = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Machine{
		triggers:  NewTriggerSet(opts.Triggers),
		window:    opts.Window,
		delimiter: opts.Delimiter,
		sink:      opts.Sink,
		ack:       opts.Ack,
		observer:  opts.Observer,
		publisher: opts.Publisher,
		spool:     opts.Spool,
		metrics:   opts.Metrics,
		now:       opts.Now,
		logger:    logging.Component("wake"),
		state:     StateIdle,
		ctx:       context.Background(),
	}
}

// AttachSession completes two-phase wiring: the session is created with the
// machine as its consumer, then handed back here for metrics lookups.
func (m *Machine) AttachSession(src MetricsSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = src
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Collected returns a copy of the texts gathered by the open window
func (m *Machine) Collected() []events.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.Segment(nil), m.segments...)
}

// Deadline returns when the open window expires
func (m *Machine) Deadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRecording {
		return time.Time{}, false
	}
	return m.openedAt.Add(m.window), true
}

// Handle dispatches one event. A panic while handling is logged and
// swallowed so the event stream keeps flowing.
func (m *Machine) Handle(ev events.TranscriptEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecordHandlerPanic()
			m.logger.Error("Recovered from panic in event handler",
				zap.String("event_kind", ev.Kind.String()),
				zap.Any("panic", r),
			)
		}
	}()

	m.metrics.RecordTranscriptEvent(ev.Kind.String())

	switch ev.Kind {
	case events.KindSessionCreated:
		logging.LogTranscriptEvent(ev.Kind.String(), "Transcription session created",
			zap.String("session_id", ev.SessionID))
		if m.observer != nil {
			m.observer.SessionOpened(ev.SessionID)
		}
	case events.KindPartialText:
		m.logger.Debug("Partial transcript", zap.String("text", ev.Text))
	case events.KindFinalText:
		logging.LogTranscriptEvent(ev.Kind.String(), "Final transcript", zap.String("text", ev.Text))
		m.onFinalText(ev.Text)
	case events.KindSpeechStarted:
		m.logger.Debug("Speech started")
	case events.KindSpeechStopped:
		m.logger.Debug("Speech stopped")
	case events.KindResponseDone:
		m.onResponseDone(ev.Metrics)
	case events.KindClosed:
		logging.LogTranscriptEvent(ev.Kind.String(), "Transcription session closed",
			zap.Int("code", ev.CloseCode),
			zap.String("reason", ev.CloseReason))
		if m.observer != nil {
			m.observer.SessionClosed(ev.CloseCode, ev.CloseReason)
		}
		m.publish(events.NewAssistantEvent(events.TypeSessionClosed, ""))
	default:
		m.logger.Warn("Unknown transcript event kind", zap.Int("kind", int(ev.Kind)))
	}
}

// Tick closes the window if it has run for the full duration
func (m *Machine) Tick() {
	m.mu.Lock()
	expired := m.expiredLocked()
	m.mu.Unlock()

	if expired {
		m.closeWindow()
	}
}

// Run consumes events until the channel closes or ctx is done, closing
// each window on a timer as well as on event arrival.
func (m *Machine) Run(ctx context.Context, in <-chan events.TranscriptEvent) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	rearm := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if deadline, ok := m.Deadline(); ok {
			timer = time.NewTimer(deadline.Sub(m.now()))
			timerC = timer.C
		}
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			m.Handle(ev)
			rearm()
		case <-timerC:
			timer, timerC = nil, nil
			m.Tick()
			rearm()
		}
	}
}

func (m *Machine) onFinalText(text string) {
	now := m.now()

	m.mu.Lock()
	switch m.state {
	case StateIdle:
		trigger, ok := m.triggers.Match(text)
		if !ok {
			m.mu.Unlock()
			return
		}
		m.state = StateRecording
		m.openedAt = now
		m.trigger = trigger
		m.segments = nil
		ctx := m.ctx
		m.mu.Unlock()

		m.metrics.RecordWindowOpened()
		logging.LogWindowEvent("opened",
			zap.String("trigger", trigger),
			zap.Duration("window", m.window))
		if m.ack != nil {
			m.ack.Acknowledge(ctx)
		}
		ev := events.NewAssistantEvent(events.TypeTriggerDetected, "")
		ev.Trigger = trigger
		m.publish(ev)
		return

	case StateRecording:
		if _, ok := m.triggers.Match(text); ok {
			m.metrics.RecordTriggerIgnored()
		}
		m.segments = append(m.segments, events.Segment{At: now, Text: text})
		expired := m.expiredLocked()
		m.mu.Unlock()

		if expired {
			m.closeWindow()
		}
		return

	default:
		m.mu.Unlock()
	}
}

func (m *Machine) expiredLocked() bool {
	return m.state == StateRecording && m.now().Sub(m.openedAt) >= m.window
}

// closeWindow finalizes the open window and hands the utterance off
func (m *Machine) closeWindow() {
	closedAt := m.now()

	m.mu.Lock()
	if m.state != StateRecording {
		m.mu.Unlock()
		return
	}
	segments := m.segments
	openedAt := m.openedAt
	trigger := m.trigger
	m.state = StateIdle
	m.segments = nil
	m.openedAt = time.Time{}
	m.trigger = ""
	m.mu.Unlock()

	segments = m.spoolSegments(segments)
	m.logSummary(trigger, segments, openedAt, closedAt)

	if len(segments) == 0 {
		m.metrics.RecordWindowClosed("empty", 0)
		logging.LogWindowEvent("closed_empty", zap.Duration("elapsed", closedAt.Sub(openedAt)))
		return
	}

	utterance := events.NewUtterance(segments, m.delimiter, openedAt, closedAt)
	if strings.TrimSpace(utterance.Text) == "" {
		m.metrics.RecordWindowClosed("empty", len(segments))
		return
	}

	if m.sink == nil || !m.sink.Submit(utterance) {
		m.metrics.RecordWindowClosed("dropped", len(segments))
		logging.LogWarn("Utterance dropped, response pipeline is busy",
			zap.String("utterance_id", utterance.ID))
		return
	}

	m.metrics.RecordWindowClosed("handed_off", len(segments))
	ev := events.NewAssistantEvent(events.TypeUtteranceFinalized, utterance.ID)
	ev.TextLength = len([]rune(utterance.Text))
	ev.DurationMS = utterance.Duration().Milliseconds()
	m.publish(ev)
}

// spoolSegments passes texts through the transient file. On failure the
// in-memory texts are used unchanged.
func (m *Machine) spoolSegments(segments []events.Segment) []events.Segment {
	if m.spool == nil || len(segments) == 0 {
		return segments
	}

	texts := make([]string, len(segments))
	for i, s := range segments {
		texts[i] = s.Text
	}

	lines, err := m.spool.RoundTrip(texts)
	if err != nil {
		logging.LogError(err, "Transcript spool failed, using in-memory text")
		return segments
	}
	if len(lines) != len(segments) {
		logging.LogWarn("Transcript spool returned a different line count",
			zap.Int("want", len(segments)),
			zap.Int("got", len(lines)))
		return segments
	}

	out := make([]events.Segment, len(segments))
	for i, s := range segments {
		out[i] = events.Segment{At: s.At, Text: lines[i]}
	}
	return out
}

func (m *Machine) logSummary(trigger string, segments []events.Segment, openedAt, closedAt time.Time) {
	fields := []zap.Field{
		zap.String("trigger", trigger),
		zap.Int("segments", len(segments)),
		zap.Duration("elapsed", closedAt.Sub(openedAt)),
	}

	for i, s := range segments {
		if i == summaryEntries {
			break
		}
		fields = append(fields, zap.String(fmt.Sprintf("segment_%d", i+1),
			fmt.Sprintf("[%s] %s", s.At.Format("15:04:05.000"), s.Text)))
	}

	logging.LogWindowEvent("closed", fields...)
}

func (m *Machine) onResponseDone(rm events.ResponseMetrics) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	// Prefer the session's accessors once wired; the event payload covers
	// the window before AttachSession runs.
	if session != nil {
		rm = events.ResponseMetrics{
			ResponseID:      session.LastResponseID(),
			FirstTextDelay:  session.LastFirstTextDelay(),
			FirstAudioDelay: session.LastFirstAudioDelay(),
		}
	}

	m.metrics.RecordFirstTextDelay(rm.FirstTextDelay)
	logging.LogTranscriptEvent(events.KindResponseDone.String(), "Response done",
		zap.String("response_id", rm.ResponseID),
		zap.Duration("first_text_delay", rm.FirstTextDelay),
		zap.Duration("first_audio_delay", rm.FirstAudioDelay))
}

func (m *Machine) publish(ev *events.AssistantEvent) {
	if m.publisher == nil {
		return
	}
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	if err := m.publisher.Publish(ctx, ev); err != nil {
		logging.LogWarn("Failed to publish assistant event",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}
