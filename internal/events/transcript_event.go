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

package events

import (
	"fmt"
	"time"
)

// Kind enumerates the events a transcription session can emit
type Kind int

const (
	KindSessionCreated Kind = iota
	KindPartialText
	KindFinalText
	KindSpeechStarted
	KindSpeechStopped
	KindResponseDone
	KindClosed
)

// String returns the snake_case name used in logs and metric labels
func (k Kind) String() string {
	switch k {
	case KindSessionCreated:
		return "session_created"
	case KindPartialText:
		return "partial_text"
	case KindFinalText:
		return "final_text"
	case KindSpeechStarted:
		return "speech_started"
	case KindSpeechStopped:
		return "speech_stopped"
	case KindResponseDone:
		return "response_done"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ResponseMetrics are the per-response timings reported by the session
type ResponseMetrics struct {
	ResponseID      string
	FirstTextDelay  time.Duration
	FirstAudioDelay time.Duration
}

// TranscriptEvent is one server event from a transcription session.
// Only the fields relevant to Kind are populated.
type TranscriptEvent struct {
	Kind       Kind
	ReceivedAt time.Time

	SessionID   string          // KindSessionCreated
	Text        string          // KindPartialText, KindFinalText
	Metrics     ResponseMetrics // KindResponseDone
	CloseCode   int             // KindClosed
	CloseReason string          // KindClosed
}

func SessionCreated(sessionID string) TranscriptEvent {
	return TranscriptEvent{Kind: KindSessionCreated, SessionID: sessionID, ReceivedAt: time.Now()}
}

func PartialText(text string) TranscriptEvent {
	return TranscriptEvent{Kind: KindPartialText, Text: text, ReceivedAt: time.Now()}
}

func FinalText(text string) TranscriptEvent {
	return TranscriptEvent{Kind: KindFinalText, Text: text, ReceivedAt: time.Now()}
}

func SpeechStarted() TranscriptEvent {
	return TranscriptEvent{Kind: KindSpeechStarted, ReceivedAt: time.Now()}
}

func SpeechStopped() TranscriptEvent {
	return TranscriptEvent{Kind: KindSpeechStopped, ReceivedAt: time.Now()}
}

func ResponseDone(metrics ResponseMetrics) TranscriptEvent {
	return TranscriptEvent{Kind: KindResponseDone, Metrics: metrics, ReceivedAt: time.Now()}
}

func Closed(code int, reason string) TranscriptEvent {
	return TranscriptEvent{Kind: KindClosed, CloseCode: code, CloseReason: reason, ReceivedAt: time.Now()}
}

// String returns a human-readable representation of the event
func (e TranscriptEvent) String() string {
	switch e.Kind {
	case KindSessionCreated:
		return fmt.Sprintf("SessionCreated{ID: %s}", e.SessionID)
	case KindPartialText, KindFinalText:
		return fmt.Sprintf("%s{Text: %q}", e.Kind, e.Text)
	case KindResponseDone:
		return fmt.Sprintf("ResponseDone{ID: %s, FirstText: %s}", e.Metrics.ResponseID, e.Metrics.FirstTextDelay)
	case KindClosed:
		return fmt.Sprintf("Closed{Code: %d, Reason: %q}", e.CloseCode, e.CloseReason)
	default:
		return e.Kind.String()
	}
}
