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

// Package pipeline turns a finalized utterance into spoken audio:
// text generation, speech synthesis, download and playback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/llm"
	"github.com/loqalabs/loqa-listen/internal/logging"
	"github.com/loqalabs/loqa-listen/internal/metrics"
	"github.com/loqalabs/loqa-listen/internal/storage"
)

// Pipeline stage names used in logs, metrics and published events
const (
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
	StageDownload   = "download"
	StagePlayback   = "playback"
	StageDiscard    = "discard"
)

// Fetcher downloads synthesized audio
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*llm.Download, error)
}

// Publisher emits assistant lifecycle events
type Publisher interface {
	Publish(ctx context.Context, event *events.AssistantEvent) error
}

// Options configures an Orchestrator
type Options struct {
	Generator   llm.TextGenerator
	Synthesizer llm.SpeechSynthesizer
	Fetcher     Fetcher
	Artifacts   *storage.Artifacts
	Player      audio.Player
	Publisher   Publisher
	Metrics     *metrics.Metrics

	SystemPrompt string
	Persona      string
	// DiscardAfterPlay removes voice-path artifacts once played
	DiscardAfterPlay bool
}

// Outcome reports how one voice-path run ended. Stage and Err are set when
// a stage failed.
type Outcome struct {
	UtteranceID string
	Reply       string
	Artifact    *storage.Artifact
	Played      bool
	Stage       string
	Err         error
	Duration    time.Duration
}

// OK reports whether the run reached playback without failing
func (o Outcome) OK() bool {
	return o.Err == nil && o.Played
}

// Orchestrator chains generation, synthesis, download and playback
type Orchestrator struct {
	generator   llm.TextGenerator
	synthesizer llm.SpeechSynthesizer
	fetcher     Fetcher
	artifacts   *storage.Artifacts
	player      audio.Player
	publisher   Publisher
	metrics     *metrics.Metrics

	systemPrompt string
	persona      string
	discard      bool
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{
		generator:    opts.Generator,
		synthesizer:  opts.Synthesizer,
		fetcher:      opts.Fetcher,
		artifacts:    opts.Artifacts,
		player:       opts.Player,
		publisher:    opts.Publisher,
		metrics:      opts.Metrics,
		systemPrompt: opts.SystemPrompt,
		persona:      opts.Persona,
		discard:      opts.DiscardAfterPlay,
	}
}

// StageError records which stage of a run failed
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Respond generates a reply to text, synthesizes it and stores the audio.
// The artifact is retained; the caller decides when to discard it.
func (o *Orchestrator) Respond(ctx context.Context, source, utteranceID, text string) (*storage.Artifact, string, error) {
	var reply string
	err := o.stage(ctx, utteranceID, StageGenerate, func(ctx context.Context) error {
		var err error
		reply, err = llm.Collect(o.generator.Generate(ctx, llm.Prompt{
			System:  o.systemPrompt,
			Persona: o.persona,
			Text:    text,
		}))
		if err == nil && strings.TrimSpace(reply) == "" {
			err = fmt.Errorf("generator %s returned an empty reply", o.generator.Name())
		}
		return err
	}, zap.Int("text_length", len([]rune(text))))
	if err != nil {
		return nil, "", err
	}

	artifact, err := o.synthesizeToArtifact(ctx, source, utteranceID, reply)
	if err != nil {
		return nil, reply, err
	}
	return artifact, reply, nil
}

// Speak runs the voice-triggered path for u. Every failure is logged and
// reported in the outcome; nothing is propagated.
func (o *Orchestrator) Speak(ctx context.Context, u events.Utterance) Outcome {
	start := time.Now()
	outcome := Outcome{UtteranceID: u.ID}

	artifact, reply, err := o.Respond(ctx, storage.SourceVoice, u.ID, u.Text)
	outcome.Reply = reply
	outcome.Artifact = artifact
	if err == nil {
		outcome.Played, err = o.playAndRelease(ctx, u.ID, artifact)
	}

	return o.finish(ctx, outcome, start, storage.SourceVoice, err)
}

// Greet speaks fixed text without text generation
func (o *Orchestrator) Greet(ctx context.Context, text string) Outcome {
	start := time.Now()
	outcome := Outcome{Reply: text}

	artifact, err := o.synthesizeToArtifact(ctx, storage.SourceGreeting, "", text)
	outcome.Artifact = artifact
	if err == nil {
		outcome.Played, err = o.playAndRelease(ctx, "", artifact)
	}

	return o.finish(ctx, outcome, start, storage.SourceGreeting, err)
}

func (o *Orchestrator) synthesizeToArtifact(ctx context.Context, source, utteranceID, text string) (*storage.Artifact, error) {
	var result *llm.SynthesisResult
	err := o.stage(ctx, utteranceID, StageSynthesize, func(ctx context.Context) error {
		var err error
		result, err = o.synthesizer.Synthesize(ctx, llm.SynthesisRequest{Text: text})
		return err
	}, zap.Int("text_length", len([]rune(text))))
	if err != nil {
		return nil, err
	}

	var artifact *storage.Artifact
	err = o.stage(ctx, utteranceID, StageDownload, func(ctx context.Context) error {
		dl, err := o.fetcher.Fetch(ctx, result.AudioURL)
		if err != nil {
			return err
		}
		defer func() {
			if err := dl.Body.Close(); err != nil {
				logging.LogWarn("Failed to close download body", zap.Error(err))
			}
		}()

		artifact, err = o.artifacts.Save(ctx, dl.Body, source, utteranceID,
			audioExtension(dl.ContentType, result.AudioURL), len([]rune(text)))
		return err
	}, zap.String("request_id", result.RequestID))
	if err != nil {
		return nil, err
	}

	return artifact, nil
}

// playAndRelease plays the artifact and discards it when the policy says
// so. A failed discard is logged only.
func (o *Orchestrator) playAndRelease(ctx context.Context, utteranceID string, artifact *storage.Artifact) (bool, error) {
	playErr := o.stage(ctx, utteranceID, StagePlayback, func(ctx context.Context) error {
		return o.player.Play(ctx, artifact.Path)
	}, zap.String("path", artifact.Path))

	if o.discard {
		// Discard runs even when playback failed or ctx was cancelled
		_ = o.stage(context.WithoutCancel(ctx), utteranceID, StageDiscard, func(ctx context.Context) error {
			return o.artifacts.Discard(ctx, artifact)
		}, zap.String("artifact_id", artifact.ID))
	}

	return playErr == nil, playErr
}

func (o *Orchestrator) stage(ctx context.Context, utteranceID, name string, fn func(context.Context) error, fields ...zap.Field) error {
	start := time.Now()
	logging.LogPipelineStage(utteranceID, name, append(fields, zap.String("status", "started"))...)

	err := fn(ctx)
	elapsed := time.Since(start)
	o.metrics.RecordStage(name, elapsed, err)

	if err != nil {
		logging.LogError(err, "Pipeline stage failed",
			zap.String("utterance_id", utteranceID),
			zap.String("stage", name),
			zap.Duration("elapsed", elapsed),
		)
		return &StageError{Stage: name, Err: err}
	}

	logging.LogPipelineStage(utteranceID, name,
		zap.String("status", "completed"),
		zap.Duration("elapsed", elapsed))
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, outcome Outcome, start time.Time, source string, err error) Outcome {
	outcome.Duration = time.Since(start)

	var ev *events.AssistantEvent
	if err != nil {
		outcome.Err = err
		var se *StageError
		if errors.As(err, &se) {
			outcome.Stage = se.Stage
		}
		ev = events.NewAssistantEvent(events.TypePipelineFailed, outcome.UtteranceID)
		ev.SetError(outcome.Stage, err)
	} else {
		ev = events.NewAssistantEvent(events.TypeResponseReady, outcome.UtteranceID)
		ev.TextLength = len([]rune(outcome.Reply))
	}
	ev.DurationMS = outcome.Duration.Milliseconds()

	o.metrics.RecordPipelineRun(source, err == nil)
	logging.LogPipelineStage(outcome.UtteranceID, "finished",
		zap.String("source", source),
		zap.Bool("played", outcome.Played),
		zap.String("failed_stage", outcome.Stage),
		zap.Duration("elapsed", outcome.Duration))

	if o.publisher != nil {
		if perr := o.publisher.Publish(context.WithoutCancel(ctx), ev); perr != nil {
			logging.LogWarn("Failed to publish assistant event",
				zap.String("type", string(ev.Type)),
				zap.Error(perr))
		}
	}
	return outcome
}

// audioExtension picks a file extension from the content type, falling back
// to the URL path and then to .wav
func audioExtension(contentType, rawURL string) string {
	switch strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/flac":
		return ".flac"
	}

	if u, err := url.Parse(rawURL); err == nil {
		switch ext := strings.ToLower(path.Ext(u.Path)); ext {
		case ".wav", ".mp3", ".ogg", ".flac", ".pcm":
			return ext
		}
	}
	return ".wav"
}
