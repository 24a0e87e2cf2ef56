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

package transcription

import (
	"github.com/google/uuid"

	"github.com/loqalabs/loqa-listen/internal/config"
)

type clientEvent struct {
	EventID string         `json:"event_id"`
	Type    string         `json:"type"`
	Audio   string         `json:"audio,omitempty"`
	Session *sessionParams `json:"session,omitempty"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	InputAudioFormat        string              `json:"input_audio_format"`
	SampleRate              int                 `json:"sample_rate"`
	InputAudioTranscription transcriptionParams `json:"input_audio_transcription"`
	TurnDetection           *turnDetection      `json:"turn_detection"`
}

type transcriptionParams struct {
	Language string `json:"language"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type serverEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	Stash      string `json:"stash"`
	Session    struct {
		ID string `json:"id"`
	} `json:"session"`
	Response struct {
		ID string `json:"id"`
	} `json:"response"`
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func sessionUpdate(cfg config.TranscriptionConfig) clientEvent {
	return clientEvent{
		EventID: "event_" + uuid.NewString(),
		Type:    "session.update",
		Session: &sessionParams{
			Modalities:       []string{"text"},
			InputAudioFormat: cfg.InputFormat,
			SampleRate:       cfg.SampleRate,
			InputAudioTranscription: transcriptionParams{
				Language: cfg.Language,
			},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         0.2,
				SilenceDurationMS: 800,
			},
		},
	}
}
