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

	"github.com/google/uuid"
)

// AssistantEventType names a lifecycle milestone of the assistant
type AssistantEventType string

const (
	TypeTriggerDetected    AssistantEventType = "trigger_detected"
	TypeUtteranceFinalized AssistantEventType = "utterance_finalized"
	TypeResponseReady      AssistantEventType = "response_ready"
	TypePipelineFailed     AssistantEventType = "pipeline_failed"
	TypeSessionClosed      AssistantEventType = "session_closed"
)

// AssistantEvent is the record published to the event bus. It carries
// identifiers and timings only; transcript text is never published.
type AssistantEvent struct {
	UUID        string             `json:"uuid"`
	Type        AssistantEventType `json:"type"`
	UtteranceID string             `json:"utterance_id,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Trigger     string             `json:"trigger,omitempty"`
	Stage       string             `json:"stage,omitempty"`
	DurationMS  int64              `json:"duration_ms,omitempty"`
	TextLength  int                `json:"text_length,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// NewAssistantEvent creates an event with a generated UUID and current timestamp
func NewAssistantEvent(eventType AssistantEventType, utteranceID string) *AssistantEvent {
	return &AssistantEvent{
		UUID:        uuid.NewString(),
		Type:        eventType,
		UtteranceID: utteranceID,
		Timestamp:   time.Now(),
	}
}

// SetError marks the event with a failure message
func (ae *AssistantEvent) SetError(stage string, err error) {
	ae.Stage = stage
	ae.Error = err.Error()
}

// IsValid performs basic validation on the event
func (ae *AssistantEvent) IsValid() error {
	if ae.UUID == "" {
		return fmt.Errorf("UUID is required")
	}
	if ae.Type == "" {
		return fmt.Errorf("type is required")
	}
	if ae.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// String returns a human-readable representation of the event
func (ae *AssistantEvent) String() string {
	return fmt.Sprintf("AssistantEvent{UUID: %s, Type: %s, Utterance: %s, Error: %q}",
		ae.UUID, ae.Type, ae.UtteranceID, ae.Error)
}
