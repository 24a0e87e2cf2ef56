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

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/logging"
)

// ErrSynthesisDownload is returned when the synthesized audio cannot be fetched
var ErrSynthesisDownload = errors.New("synthesis download failed")

// SynthesisRequest holds one text-to-speech request. Empty fields fall back
// to the configured defaults.
type SynthesisRequest struct {
	Text     string
	Voice    string
	Language string
}

// SynthesisResult describes a remotely hosted audio file
type SynthesisResult struct {
	AudioURL  string
	AudioID   string
	RequestID string
	ExpiresAt time.Time
}

// SpeechSynthesizer turns text into a downloadable audio resource
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)
}

type synthesisPayload struct {
	Model string         `json:"model"`
	Input synthesisInput `json:"input"`
}

type synthesisInput struct {
	Text         string `json:"text"`
	Voice        string `json:"voice"`
	LanguageType string `json:"language_type,omitempty"`
}

type synthesisResponse struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Output    struct {
		Audio struct {
			URL       string `json:"url"`
			ID        string `json:"id"`
			ExpiresAt int64  `json:"expires_at"`
		} `json:"audio"`
	} `json:"output"`
}

// DashScopeSynthesizer calls the DashScope multimodal generation API
type DashScopeSynthesizer struct {
	baseURL   string
	apiKey    string
	config    config.SynthesisConfig
	client    *http.Client
	semaphore chan struct{} // Limits concurrent requests
}

// NewDashScopeSynthesizer creates a synthesizer for the native DashScope API
func NewDashScopeSynthesizer(cfg config.SynthesisConfig, ds config.DashScopeConfig) (*DashScopeSynthesizer, error) {
	if ds.HTTPURL == "" {
		return nil, fmt.Errorf("DashScope HTTP URL cannot be empty")
	}
	if ds.APIKey == "" {
		return nil, fmt.Errorf("DashScope API key cannot be empty")
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	logging.LogTTSOperation("client_initialized",
		zap.String("model", cfg.Model),
		zap.String("voice", cfg.Voice),
		zap.Int("max_concurrent", maxConcurrent),
	)

	return &DashScopeSynthesizer{
		baseURL:   strings.TrimSuffix(ds.HTTPURL, "/"),
		apiKey:    ds.APIKey,
		config:    cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		semaphore: make(chan struct{}, maxConcurrent),
	}, nil
}

// Synthesize requests speech for req.Text and returns the audio URL
func (s *DashScopeSynthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	// Acquire semaphore slot for concurrency control
	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("synthesis queue full, request timed out")
	}

	voice := orDefault(req.Voice, s.config.Voice)
	language := orDefault(req.Language, s.config.Language)

	body, err := json.Marshal(synthesisPayload{
		Model: s.config.Model,
		Input: synthesisInput{Text: req.Text, Voice: voice, LanguageType: language},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	logging.LogTTSOperation("synthesis_start",
		zap.String("voice", voice),
		zap.Int("text_length", len([]rune(req.Text))),
	)
	startTime := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/services/aigc/multimodal-generation/generation", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		logging.LogError(err, "Synthesis HTTP request failed", zap.String("voice", voice))
		return nil, fmt.Errorf("synthesis HTTP request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Warning: failed to close response body: %v", err)
		}
	}()

	var out synthesisResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("synthesis request failed with status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to decode synthesis response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logging.LogWarn("Synthesis request rejected",
			zap.Int("status_code", resp.StatusCode),
			zap.String("code", out.Code),
			zap.String("message", out.Message),
		)
		return nil, fmt.Errorf("synthesis request failed with status %d: %s %s", resp.StatusCode, out.Code, out.Message)
	}
	if out.Output.Audio.URL == "" {
		return nil, fmt.Errorf("synthesis response carried no audio URL (request %s)", out.RequestID)
	}

	logging.LogTTSOperation("synthesis_complete",
		zap.String("voice", voice),
		zap.String("request_id", out.RequestID),
		zap.Duration("processing_time", time.Since(startTime)),
	)

	result := &SynthesisResult{
		AudioURL:  out.Output.Audio.URL,
		AudioID:   out.Output.Audio.ID,
		RequestID: out.RequestID,
	}
	if out.Output.Audio.ExpiresAt > 0 {
		result.ExpiresAt = time.Unix(out.Output.Audio.ExpiresAt, 0)
	}
	return result, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
