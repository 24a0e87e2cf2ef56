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

// Package transcription implements the realtime speech recognition session
// over the DashScope realtime websocket API.
package transcription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/logging"
	"github.com/loqalabs/loqa-listen/internal/metrics"
)

// ErrTransport marks connection drops and malformed server events
var ErrTransport = errors.New("transcription transport error")

const closedEventTimeout = 250 * time.Millisecond

// ErrSessionClosed is returned when audio is sent after Close
var ErrSessionClosed = errors.New("transcription session closed")

// Session is an open realtime recognition connection. Audio goes in through
// SendAudio; typed events come out of Events in the order the server sent them.
type Session struct {
	conn    *websocket.Conn
	metrics *metrics.Metrics

	events chan events.TranscriptEvent
	audio  chan []byte
	stop   chan struct{}
	done   chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeOnce sync.Once

	statsMu         sync.Mutex
	speechStoppedAt time.Time
	awaitingText    bool
	awaitingAudio   bool
	lastResponseID  string
	firstTextDelay  time.Duration
	firstAudioDelay time.Duration
}

// Dial opens a session and sends the initial session.update
func Dial(ctx context.Context, cfg config.TranscriptionConfig, apiKey string, m *metrics.Metrics) (*Session, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("DASHSCOPE_API_KEY is not configured")
	}

	wsURL, err := buildRealtimeURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.DialTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %v", ErrTransport, cfg.URL, err)
	}

	backlog := cfg.EventBacklog
	if backlog <= 0 {
		backlog = 64
	}

	s := &Session{
		conn:    conn,
		metrics: m,
		events:  make(chan events.TranscriptEvent, backlog),
		audio:   make(chan []byte, 32),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := s.writeJSON(sessionUpdate(cfg)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to configure session: %v", ErrTransport, err)
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
		_ = conn.Close()
	}()

	logging.Component("transcription").Info("🎙️ Transcription session connected",
		zap.String("url", cfg.URL),
		zap.String("model", cfg.Model),
		zap.String("language", cfg.Language),
		zap.Int("sample_rate", cfg.SampleRate),
	)

	return s, nil
}

// SendAudio queues one PCM frame for delivery
func (s *Session) SendAudio(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}

	copied := append([]byte(nil), frame...)
	select {
	case <-s.stop:
		return ErrSessionClosed
	default:
	}

	select {
	case s.audio <- copied:
		return nil
	case <-s.stop:
		return ErrSessionClosed
	case <-s.done:
		if err := s.waitErr(); err != nil {
			return err
		}
		return ErrSessionClosed
	}
}

// Events returns the server event stream. It is closed after the final
// Closed event once the connection ends.
func (s *Session) Events() <-chan events.TranscriptEvent {
	return s.events
}

// Wait blocks until the connection has ended
func (s *Session) Wait() error {
	<-s.done
	return s.waitErr()
}

// Close ends the session and waits for both loops to exit
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
	<-s.done
	return s.waitErr()
}

// LastResponseID returns the id of the most recent completed response
func (s *Session) LastResponseID() string {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.lastResponseID
}

// LastFirstTextDelay returns the delay from end of speech to first text
func (s *Session) LastFirstTextDelay() time.Duration {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.firstTextDelay
}

// LastFirstAudioDelay returns the delay from end of speech to first audio
// delta. Text-only sessions report zero.
func (s *Session) LastFirstAudioDelay() time.Duration {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.firstAudioDelay
}

func (s *Session) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	if isExpectedClose(err) {
		return
	}

	select {
	case <-s.stop:
		// closed locally; read errors after that are expected
		return
	default:
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case frame := <-s.audio:
			msg := clientEvent{
				EventID: "event_" + uuid.NewString(),
				Type:    "input_audio_buffer.append",
				Audio:   base64.StdEncoding.EncodeToString(frame),
			}
			if err := s.writeJSON(msg); err != nil {
				s.setErr(fmt.Errorf("%w: failed to send audio: %w", ErrTransport, err))
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			s.setErr(fmt.Errorf("%w: failed to read server event: %w", ErrTransport, err))
			s.emitClosed(events.Closed(code, reason))
			// unblock writeLoop
			s.closeOnce.Do(func() { close(s.stop) })
			return
		}

		ev, ok, err := s.decode(payload)
		if err != nil {
			s.metrics.RecordTransportError()
			logging.LogError(err, "Skipping transcription event",
				zap.String("component", "transcription"),
				zap.Int("payload_bytes", len(payload)),
			)
			continue
		}
		if ok {
			s.emit(ev)
		}
	}
}

// emit delivers an event without dropping it unless the session is stopping
func (s *Session) emit(ev events.TranscriptEvent) {
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

// emitClosed gives the consumer a bounded chance to observe the close even
// when the session is being torn down locally.
func (s *Session) emitClosed(ev events.TranscriptEvent) {
	select {
	case s.events <- ev:
	case <-time.After(closedEventTimeout):
	}
}

// decode maps one server payload to a TranscriptEvent. ok is false for
// server events the listener does not consume.
func (s *Session) decode(payload []byte) (events.TranscriptEvent, bool, error) {
	var msg serverEvent
	if err := json.Unmarshal(payload, &msg); err != nil {
		return events.TranscriptEvent{}, false, fmt.Errorf("%w: malformed event: %v", ErrTransport, err)
	}

	now := time.Now()

	switch msg.Type {
	case "session.created":
		return events.SessionCreated(msg.Session.ID), true, nil
	case "conversation.item.input_audio_transcription.text":
		s.markText(now)
		return events.PartialText(msg.Text + msg.Stash), true, nil
	case "conversation.item.input_audio_transcription.completed":
		s.markText(now)
		return events.FinalText(msg.Transcript), true, nil
	case "input_audio_buffer.speech_started":
		return events.SpeechStarted(), true, nil
	case "input_audio_buffer.speech_stopped":
		s.statsMu.Lock()
		s.speechStoppedAt = now
		s.awaitingText = true
		s.awaitingAudio = true
		s.statsMu.Unlock()
		return events.SpeechStopped(), true, nil
	case "response.audio.delta":
		s.statsMu.Lock()
		if s.awaitingAudio {
			s.firstAudioDelay = now.Sub(s.speechStoppedAt)
			s.awaitingAudio = false
		}
		s.statsMu.Unlock()
		return events.TranscriptEvent{}, false, nil
	case "response.done":
		s.statsMu.Lock()
		s.lastResponseID = msg.Response.ID
		m := events.ResponseMetrics{
			ResponseID:      s.lastResponseID,
			FirstTextDelay:  s.firstTextDelay,
			FirstAudioDelay: s.firstAudioDelay,
		}
		s.statsMu.Unlock()
		return events.ResponseDone(m), true, nil
	case "error":
		return events.TranscriptEvent{}, false, fmt.Errorf("%w: server error %s: %s", ErrTransport, msg.Error.Code, msg.Error.Message)
	default:
		return events.TranscriptEvent{}, false, nil
	}
}

func (s *Session) markText(now time.Time) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if s.awaitingText {
		s.firstTextDelay = now.Sub(s.speechStoppedAt)
		s.awaitingText = false
	}
}

// isExpectedClose reports whether err carries a close frame the server sends
// when it ends a session on purpose.
func isExpectedClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}

func closeDetails(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func buildRealtimeURL(cfg config.TranscriptionConfig) (string, error) {
	base := strings.TrimSpace(cfg.URL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	realtimeURL, err := url.Parse(base)
	if err != nil || realtimeURL.Host == "" {
		return "", fmt.Errorf("invalid transcription URL %q", cfg.URL)
	}

	query := realtimeURL.Query()
	query.Set("model", cfg.Model)
	realtimeURL.RawQuery = query.Encode()
	return realtimeURL.String(), nil
}
