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

// Package messaging publishes assistant lifecycle events over NATS.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/logging"
)

// conn is the subset of *nats.Conn the service publishes through
type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Close()
}

// NATSService publishes AssistantEvents on <prefix>.<type>. With no URL
// configured it runs disabled and only logs what it would have sent.
type NATSService struct {
	url           string
	prefix        string
	maxReconnect  int
	reconnectWait time.Duration

	mu   sync.RWMutex
	conn conn
	raw  *nats.Conn
}

// NewNATSService creates a new NATS service instance
func NewNATSService(cfg config.NATSConfig) *NATSService {
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "loqa.listen"
	}
	return &NATSService{
		url:           cfg.URL,
		prefix:        prefix,
		maxReconnect:  cfg.MaxReconnect,
		reconnectWait: cfg.ReconnectWait,
	}
}

// Enabled reports whether a server URL is configured
func (ns *NATSService) Enabled() bool {
	return ns.url != ""
}

// Connect establishes connection to NATS server. It is a no-op when the
// service is disabled.
func (ns *NATSService) Connect() error {
	if !ns.Enabled() {
		logging.LogNATSEvent(ns.prefix, "disabled")
		return nil
	}

	logging.LogNATSEvent(ns.url, "connecting")

	opts := []nats.Option{
		nats.Name("loqa-listen"),
		nats.ReconnectWait(ns.reconnectWait),
		nats.MaxReconnects(ns.maxReconnect),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.LogWarn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(nc.ConnectedUrl(), "reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(ns.url, "closed")
		}),
	}

	nc, err := nats.Connect(ns.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.mu.Lock()
	ns.conn = nc
	ns.raw = nc
	ns.mu.Unlock()

	logging.LogNATSEvent(nc.ConnectedUrl(), "connected")
	return nil
}

// Subject returns the subject an event type is published on
func (ns *NATSService) Subject(t events.AssistantEventType) string {
	return ns.prefix + "." + string(t)
}

// Publish sends ev. Disabled services log the event and return nil.
func (ns *NATSService) Publish(ctx context.Context, ev *events.AssistantEvent) error {
	if err := ev.IsValid(); err != nil {
		return fmt.Errorf("invalid assistant event: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := ns.Subject(ev.Type)

	ns.mu.RLock()
	c := ns.conn
	ns.mu.RUnlock()

	if c == nil {
		if ns.Enabled() {
			return fmt.Errorf("NATS connection not established")
		}
		logging.LogNATSEvent(subject, "skipped",
			zap.String("event_uuid", ev.UUID),
			zap.String("utterance_id", ev.UtteranceID))
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal assistant event: %w", err)
	}

	if err := c.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	logging.LogNATSEvent(subject, "published",
		zap.String("event_uuid", ev.UUID),
		zap.String("utterance_id", ev.UtteranceID))
	return nil
}

// Close closes the NATS connection
func (ns *NATSService) Close() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.conn != nil {
		ns.conn.Close()
		ns.conn = nil
		ns.raw = nil
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.conn != nil && ns.conn.IsConnected()
}

// GetStats returns connection statistics
func (ns *NATSService) GetStats() nats.Statistics {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	if ns.raw != nil {
		return ns.raw.Stats()
	}
	return nats.Statistics{}
}

// HealthCheck reports bus connectivity and traffic. A disabled bus is healthy.
func (ns *NATSService) HealthCheck(context.Context) (any, error) {
	if !ns.Enabled() {
		return map[string]any{"enabled": false}, nil
	}

	stats := ns.GetStats()
	connected := ns.IsConnected()
	details := map[string]any{
		"enabled":    true,
		"connected":  connected,
		"out_msgs":   stats.OutMsgs,
		"reconnects": stats.Reconnects,
	}
	if !connected {
		return details, fmt.Errorf("not connected to NATS at %s", ns.url)
	}
	return details, nil
}
