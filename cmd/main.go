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

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/assistant"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/llm"
	"github.com/loqalabs/loqa-listen/internal/logging"
	"github.com/loqalabs/loqa-listen/internal/messaging"
	"github.com/loqalabs/loqa-listen/internal/metrics"
	"github.com/loqalabs/loqa-listen/internal/pipeline"
	"github.com/loqalabs/loqa-listen/internal/server"
	"github.com/loqalabs/loqa-listen/internal/storage"
	"github.com/loqalabs/loqa-listen/internal/transcription"
	"github.com/loqalabs/loqa-listen/internal/wake"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	if err := logging.InitializeWithConfig(logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.LogError(err, "loqa-listen stopped")
		logging.Close()
		os.Exit(1)
	}

	logging.Sugar.Infow("👋 loqa-listen stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.Artifacts.DBPath})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Checkpoint(); err != nil {
			logging.LogWarn("Failed to checkpoint database", zap.Error(err))
		}
		if err := db.Close(); err != nil {
			logging.LogWarn("Failed to close database", zap.Error(err))
		}
	}()

	artifacts, err := storage.NewArtifacts(cfg.Artifacts.Dir, storage.NewArtifactStore(db), m)
	if err != nil {
		return err
	}
	go artifacts.RunSweeper(ctx, cfg.Artifacts.SweepInterval, cfg.Artifacts.Retention)

	bus := messaging.NewNATSService(cfg.NATS)
	if err := bus.Connect(); err != nil {
		// The event bus is optional; keep running without it
		logging.LogWarn("NATS unavailable, assistant events will not be published", zap.Error(err))
	}
	defer bus.Close()

	generator, err := newGenerator(ctx, cfg)
	if err != nil {
		return err
	}
	synthesizer, err := llm.NewDashScopeSynthesizer(cfg.Synthesis, cfg.DashScope)
	if err != nil {
		return err
	}

	player := audio.NewCommandPlayer(cfg.Playback.PlayerPath)
	orchestrator := pipeline.NewOrchestrator(pipeline.Options{
		Generator:        generator,
		Synthesizer:      synthesizer,
		Fetcher:          llm.NewDownloader(cfg.Synthesis.Timeout),
		Artifacts:        artifacts,
		Player:           player,
		Publisher:        bus,
		Metrics:          m,
		SystemPrompt:     cfg.Generation.SystemPrompt,
		Persona:          cfg.Generation.Persona,
		DiscardAfterPlay: cfg.Playback.DiscardAfterPlay,
	})
	worker := pipeline.NewWorker(orchestrator, cfg.Pipeline.QueueSize, m)

	health := server.NewHealth(m)
	if cfg.Server.GRPCPort > 0 {
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort))
		if _, err := health.Serve(addr); err != nil {
			return err
		}
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		health.Stop(stopCtx)
	}()

	if cfg.Server.HTTPEnabled {
		srv := server.New(cfg.Server, orchestrator, health, prometheus.DefaultGatherer, m)
		srv.AddHealthCheck("database", db.HealthCheck)
		srv.AddHealthCheck("event_bus", bus.HealthCheck)
		srv.ServeArtifacts(artifacts)
		go func() {
			if err := srv.Start(); err != nil {
				logging.LogError(err, "HTTP server failed")
			}
		}()
		defer func() {
			if err := srv.Stop(context.Background()); err != nil {
				logging.LogWarn("HTTP server shutdown failed", zap.Error(err))
			}
		}()
	}

	machine := wake.New(wake.Options{
		Triggers:  cfg.Wake.Triggers,
		Window:    cfg.Wake.Window,
		Delimiter: cfg.Wake.Delimiter,
		Sink:      worker,
		Ack:       audio.NewCue(player, cfg.Wake.AckSound),
		Observer:  health,
		Publisher: bus,
		Spool:     storage.NewTranscriptSpool(cfg.Wake.SpoolDir),
		Metrics:   m,
	})

	capture := audio.NewFFmpegCapture(cfg.Capture, cfg.Transcription.SampleRate)

	var greet func(context.Context)
	if cfg.Pipeline.GreetingEnabled && cfg.Pipeline.Greeting != "" {
		greet = func(ctx context.Context) {
			orchestrator.Greet(ctx, cfg.Pipeline.Greeting)
		}
	}

	controller := assistant.New(assistant.Options{
		Dial: func(ctx context.Context) (assistant.Session, error) {
			return transcription.Dial(ctx, cfg.Transcription, cfg.DashScope.APIKey, m)
		},
		Capture: func(ctx context.Context) (assistant.FrameSource, error) {
			return capture.Start(ctx)
		},
		Machine:        machine,
		Worker:         worker,
		Greet:          greet,
		Metrics:        m,
		SuspendCapture: cfg.Pipeline.SuspendCapture,
		ShutdownGrace:  cfg.Pipeline.ShutdownGrace,
	})

	logging.Sugar.Infow("🚀 loqa-listen starting",
		"http_port", cfg.Server.Port,
		"grpc_port", cfg.Server.GRPCPort,
		"triggers", cfg.Wake.Triggers,
		"window", cfg.Wake.Window,
		"generator", generator.Name(),
		"db_path", db.GetPath(),
		"artifact_dir", artifacts.Dir(),
	)

	if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newGenerator(ctx context.Context, cfg *config.Config) (llm.TextGenerator, error) {
	switch cfg.Generation.Provider {
	case "gemini":
		return llm.NewGeminiGenerator(ctx, cfg.Generation, "")
	case "dashscope", "":
		return llm.NewDashScopeGenerator(cfg.Generation, cfg.DashScope)
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Generation.Provider)
	}
}
