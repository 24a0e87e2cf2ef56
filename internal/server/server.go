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

// Package server exposes the HTTP endpoints: the direct audio download
// entry point into the response pipeline, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/logging"
	"github.com/loqalabs/loqa-listen/internal/metrics"
	"github.com/loqalabs/loqa-listen/internal/storage"
)

const (
	// DefaultQueryText is used when the request carries no text parameter
	DefaultQueryText = "输入询问文本："
	// DownloadFilename is the attachment name of served audio
	DownloadFilename = "generated_audio.wav"
)

// Responder generates and stores a spoken reply
type Responder interface {
	Respond(ctx context.Context, source, utteranceID, text string) (*storage.Artifact, string, error)
}

// ArtifactLookup finds a retained artifact by id
type ArtifactLookup interface {
	Lookup(ctx context.Context, id string) (*storage.Artifact, error)
}

// HealthCheck reports on a dependency. details are included in the /health
// body; a non-nil error marks the service degraded.
type HealthCheck func(ctx context.Context) (details any, err error)

// Server is the HTTP front of the listener
type Server struct {
	cfg       config.ServerConfig
	mux       *http.ServeMux
	server    *http.Server
	responder Responder
	health    *Health
	gatherer  prometheus.Gatherer
	metrics   *metrics.Metrics
	started   time.Time

	checkNames []string
	checks     map[string]HealthCheck
}

// New creates a server. gatherer backs /metrics; nil uses the default registry.
func New(cfg config.ServerConfig, responder Responder, h *Health, gatherer prometheus.Gatherer, m *metrics.Metrics) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		responder: responder,
		health:    h,
		gatherer:  gatherer,
		metrics:   m,
		started:   time.Now(),
		checks:    make(map[string]HealthCheck),
	}

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.routes()
	return s
}

// AddHealthCheck reports name under /health. Call before Start.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	if _, ok := s.checks[name]; !ok {
		s.checkNames = append(s.checkNames, name)
	}
	s.checks[name] = check
}

// ServeArtifacts exposes retained artifacts at /artifacts/{id}, the id sent
// in the X-Artifact-Id header of /get-audio-direct. Call before Start.
func (s *Server) ServeArtifacts(lookup ArtifactLookup) {
	s.mux.HandleFunc("GET /artifacts/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.handleArtifact(w, r, lookup)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves HTTP until Stop is called
func (s *Server) Start() error {
	logging.Component("server").Info("HTTP server starting", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logging.Component("server").Info("HTTP server shut down")
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/get-audio-direct", s.handleAudioDirect)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}
	if s.health != nil {
		session := s.health.Status()
		health["transcription"] = session
		if !session.Connected {
			health["status"] = "degraded"
		}
	}

	if len(s.checkNames) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		deps := make(map[string]any, len(s.checkNames))
		for _, name := range s.checkNames {
			details, err := s.checks[name](ctx)
			dep := map[string]any{"status": "ok"}
			if details != nil {
				dep["details"] = details
			}
			if err != nil {
				dep["status"] = "error"
				dep["error"] = err.Error()
				health["status"] = "degraded"
			}
			deps[name] = dep
		}
		health["dependencies"] = deps
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		logging.LogError(err, "Failed to write health response")
	}
}

// handleAudioDirect runs generation and synthesis for the text query
// parameter and returns the audio as an attachment. The artifact is
// retained for the sweeper.
func (s *Server) handleAudioDirect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	text := r.URL.Query().Get("text")
	if text == "" {
		text = DefaultQueryText
	}

	artifact, _, err := s.responder.Respond(r.Context(), storage.SourceHTTP, "", text)
	s.metrics.RecordPipelineRun(storage.SourceHTTP, err == nil)
	if err != nil {
		logging.LogError(err, "Direct audio request failed", zap.Int("text_length", len([]rune(text))))
		http.Error(w, "failed to generate audio", http.StatusBadGateway)
		return
	}

	s.serveArtifact(w, r, artifact)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request, lookup ArtifactLookup) {
	artifact, err := lookup.Lookup(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrArtifactNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		logging.LogError(err, "Artifact lookup failed", zap.String("artifact_id", r.PathValue("id")))
		http.Error(w, "artifact lookup failed", http.StatusInternalServerError)
		return
	}
	s.serveArtifact(w, r, artifact)
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, artifact *storage.Artifact) {
	f, err := os.Open(artifact.Path)
	if errors.Is(err, os.ErrNotExist) {
		logging.LogWarn("Artifact file missing", zap.String("artifact_id", artifact.ID))
		http.Error(w, "generated audio unavailable", http.StatusGone)
		return
	}
	if err != nil {
		logging.LogError(err, "Failed to open artifact", zap.String("artifact_id", artifact.ID))
		http.Error(w, "generated audio unavailable", http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			logging.LogWarn("Failed to close artifact", zap.Error(err))
		}
	}()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", DownloadFilename))
	w.Header().Set("X-Artifact-Id", artifact.ID)
	http.ServeContent(w, r, DownloadFilename, artifact.CreatedAt, f)
}
