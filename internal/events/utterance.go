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
	"strings"
	"time"

	"github.com/google/uuid"
)

// Segment is one final transcript collected inside a capture window
type Segment struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Utterance is the text captured by one window, ready for the response pipeline
type Utterance struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at"`
}

// NewUtterance joins segment texts, terminating each with delimiter
func NewUtterance(segments []Segment, delimiter string, openedAt, closedAt time.Time) Utterance {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(s.Text)
		b.WriteString(delimiter)
	}

	return Utterance{
		ID:       uuid.NewString(),
		Text:     b.String(),
		Segments: segments,
		OpenedAt: openedAt,
		ClosedAt: closedAt,
	}
}

// IsValid performs basic validation on the utterance
func (u Utterance) IsValid() error {
	if u.ID == "" {
		return fmt.Errorf("ID is required")
	}
	if strings.TrimSpace(u.Text) == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

// Duration returns how long the window was open
func (u Utterance) Duration() time.Duration {
	return u.ClosedAt.Sub(u.OpenedAt)
}
