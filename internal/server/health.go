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

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/loqalabs/loqa-listen/internal/logging"
	"github.com/loqalabs/loqa-listen/internal/metrics"
)

// TranscriptionService is the health service name that follows the
// transcription session
const TranscriptionService = "loqa.listen.Transcription"

// SessionStatus is a snapshot of the transcription session as seen by health checks
type SessionStatus struct {
	Connected   bool      `json:"connected"`
	SessionID   string    `json:"session_id,omitempty"`
	Since       time.Time `json:"since"`
	CloseCode   int       `json:"close_code,omitempty"`
	CloseReason string    `json:"close_reason,omitempty"`
}

// Health tracks the transcription session and exposes it over the
// standard gRPC health protocol. It is notified by the capture-window
// state machine as sessions open and close.
type Health struct {
	health  *health.Server
	metrics *metrics.Metrics

	mu     sync.RWMutex
	status SessionStatus

	grpcServer *grpc.Server
	listener   net.Listener
}

// NewHealth creates a health tracker; the transcription service starts NOT_SERVING
func NewHealth(m *metrics.Metrics) *Health {
	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(TranscriptionService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	return &Health{
		health:  hs,
		metrics: m,
		status:  SessionStatus{Since: time.Now()},
	}
}

// SessionOpened marks the transcription service SERVING
func (h *Health) SessionOpened(sessionID string) {
	h.mu.Lock()
	h.status = SessionStatus{Connected: true, SessionID: sessionID, Since: time.Now()}
	h.mu.Unlock()

	h.health.SetServingStatus(TranscriptionService, grpc_health_v1.HealthCheckResponse_SERVING)
	h.metrics.SetSessionConnected(true)
}

// SessionClosed marks the transcription service NOT_SERVING
func (h *Health) SessionClosed(code int, reason string) {
	h.mu.Lock()
	h.status = SessionStatus{
		SessionID:   h.status.SessionID,
		Since:       time.Now(),
		CloseCode:   code,
		CloseReason: reason,
	}
	h.mu.Unlock()

	h.health.SetServingStatus(TranscriptionService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	h.metrics.SetSessionConnected(false)
}

// Status returns the current session snapshot
func (h *Health) Status() SessionStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Serve starts the gRPC health endpoint on addr and returns the bound address
func (h *Health) Serve(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for gRPC health: %w", err)
	}

	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, h.health)

	h.mu.Lock()
	h.grpcServer = srv
	h.listener = lis
	h.mu.Unlock()

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logging.LogError(err, "gRPC health server failed")
		}
	}()

	logging.Component("server").Info("gRPC health service listening", zap.String("addr", lis.Addr().String()))
	return lis.Addr(), nil
}

// Stop marks every service NOT_SERVING and stops the gRPC server
func (h *Health) Stop(ctx context.Context) {
	h.health.Shutdown()

	h.mu.Lock()
	srv := h.grpcServer
	h.grpcServer = nil
	h.mu.Unlock()

	if srv == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
}
