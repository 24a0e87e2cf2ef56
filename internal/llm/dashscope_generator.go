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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/logging"
)

// chatMessage is one message of an OpenAI-compatible chat request
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model             string        `json:"model"`
	Messages          []chatMessage `json:"messages"`
	Stream            bool          `json:"stream"`
	IncrementalOutput bool          `json:"incremental_output,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// DashScopeGenerator streams chat completions from the DashScope
// OpenAI-compatible endpoint
type DashScopeGenerator struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewDashScopeGenerator creates a generator for the compatible-mode API
func NewDashScopeGenerator(cfg config.GenerationConfig, ds config.DashScopeConfig) (*DashScopeGenerator, error) {
	if ds.CompatibleURL == "" {
		return nil, fmt.Errorf("DashScope compatible URL cannot be empty")
	}
	if ds.APIKey == "" {
		return nil, fmt.Errorf("DashScope API key cannot be empty")
	}

	return &DashScopeGenerator{
		baseURL: strings.TrimSuffix(ds.CompatibleURL, "/"),
		apiKey:  ds.APIKey,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		// Streaming responses are bounded by the request context, not a client timeout
		client: &http.Client{},
	}, nil
}

// Name returns the provider name
func (g *DashScopeGenerator) Name() string {
	return "dashscope"
}

// Generate streams the completion for prompt
func (g *DashScopeGenerator) Generate(ctx context.Context, prompt Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}

		resp, err := g.createStreamingRequest(ctx, prompt)
		if err != nil {
			yield("", err)
			return
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				log.Printf("Warning: failed to close response body: %v", err)
			}
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}

			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}

			content, err := parseChatChunk(payload)
			if err != nil {
				yield("", err)
				return
			}
			if content == "" {
				continue
			}
			if !yield(content, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("error reading completion stream: %w", err))
		}
	}
}

func (g *DashScopeGenerator) createStreamingRequest(ctx context.Context, prompt Prompt) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.UserText()},
		},
		Stream:            true,
		IncrementalOutput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		logging.LogError(err, "Completion request failed", zap.String("model", g.model))
		return nil, fmt.Errorf("completion request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := resp.Body.Close(); err != nil {
			log.Printf("Warning: failed to close response body: %v", err)
		}
		logging.LogWarn("Completion request rejected",
			zap.Int("status_code", resp.StatusCode),
			zap.String("response_body", string(msg)),
		)
		return nil, fmt.Errorf("completion request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return resp, nil
}

func parseChatChunk(payload string) (string, error) {
	var chunk chatChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", fmt.Errorf("malformed completion chunk: %w", err)
	}
	if chunk.Error != nil {
		return "", fmt.Errorf("completion stream error %s: %s", chunk.Error.Code, chunk.Error.Message)
	}

	var b strings.Builder
	for _, choice := range chunk.Choices {
		b.WriteString(choice.Delta.Content)
	}
	return b.String(), nil
}
