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

// Package metrics provides Prometheus metrics for the listener.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "loqa_listen"

// Metrics holds all Prometheus metrics for the listener. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Transcription metrics
	TranscriptEvents  *prometheus.CounterVec
	TransportErrors   prometheus.Counter
	FirstTextDelay    prometheus.Histogram
	SessionsConnected prometheus.Gauge

	// Capture window metrics
	WindowsOpened   prometheus.Counter
	WindowsClosed   *prometheus.CounterVec
	TriggersIgnored prometheus.Counter
	WindowSegments  prometheus.Histogram
	HandlerPanics   prometheus.Counter

	// Pipeline metrics
	PipelineRuns      *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	StageFailures     *prometheus.CounterVec
	UtterancesDropped prometheus.Counter
	PipelineBusy      prometheus.Gauge

	// Capture metrics
	FramesSent    prometheus.Counter
	FramesDropped prometheus.Counter

	// Artifact metrics
	ArtifactsSwept prometheus.Counter
}

// New creates and registers all metrics with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TranscriptEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_events_total",
			Help:      "Transcription session events received, by kind",
		}, []string{"kind"}),
		TransportErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Malformed or error events received from the transcription session",
		}),
		FirstTextDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_text_delay_seconds",
			Help:      "Delay between end of speech and first transcript text",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 2, 5},
		}),
		SessionsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_connected",
			Help:      "1 while a transcription session is open",
		}),
		WindowsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_opened_total",
			Help:      "Capture windows opened by a trigger phrase",
		}),
		WindowsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_closed_total",
			Help:      "Capture windows closed, by outcome",
		}, []string{"outcome"}),
		TriggersIgnored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_ignored_total",
			Help:      "Trigger phrases seen while a window was already open",
		}),
		WindowSegments: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "window_segments",
			Help:      "Final transcripts collected per capture window",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Event handler panics recovered by the state machine",
		}),
		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Response pipeline runs, by entry point and result",
		}, []string{"source", "result"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each response pipeline stage",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_failures_total",
			Help:      "Response pipeline stage failures",
		}, []string{"stage"}),
		UtterancesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_dropped_total",
			Help:      "Utterances rejected because the pipeline queue was full",
		}),
		PipelineBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_busy",
			Help:      "1 while the response pipeline is running",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_sent_total",
			Help:      "Audio frames forwarded to the transcription session",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_dropped_total",
			Help:      "Audio frames discarded while capture was suspended",
		}),
		ArtifactsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_swept_total",
			Help:      "Retained synthesis artifacts removed after their retention period",
		}),
	}
}

// RecordTranscriptEvent records a session event by kind
func (m *Metrics) RecordTranscriptEvent(kind string) {
	if m == nil {
		return
	}
	m.TranscriptEvents.WithLabelValues(kind).Inc()
}

// RecordTransportError records a malformed or error event
func (m *Metrics) RecordTransportError() {
	if m == nil {
		return
	}
	m.TransportErrors.Inc()
}

// RecordFirstTextDelay records the latency reported with a completed response
func (m *Metrics) RecordFirstTextDelay(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.FirstTextDelay.Observe(d.Seconds())
}

// SetSessionConnected tracks whether a session is open
func (m *Metrics) SetSessionConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.SessionsConnected.Set(1)
		return
	}
	m.SessionsConnected.Set(0)
}

// RecordWindowOpened records a trigger that opened a window
func (m *Metrics) RecordWindowOpened() {
	if m == nil {
		return
	}
	m.WindowsOpened.Inc()
}

// RecordWindowClosed records a closed window and how many segments it held
func (m *Metrics) RecordWindowClosed(outcome string, segments int) {
	if m == nil {
		return
	}
	m.WindowsClosed.WithLabelValues(outcome).Inc()
	m.WindowSegments.Observe(float64(segments))
}

// RecordTriggerIgnored records a trigger seen during an open window
func (m *Metrics) RecordTriggerIgnored() {
	if m == nil {
		return
	}
	m.TriggersIgnored.Inc()
}

// RecordHandlerPanic records a recovered handler panic
func (m *Metrics) RecordHandlerPanic() {
	if m == nil {
		return
	}
	m.HandlerPanics.Inc()
}

// RecordPipelineRun records a finished pipeline run
func (m *Metrics) RecordPipelineRun(source string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.PipelineRuns.WithLabelValues(source, result).Inc()
}

// RecordStage records a stage duration and, if err is non-nil, a failure
func (m *Metrics) RecordStage(stage string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if err != nil {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

// RecordUtteranceDropped records an utterance rejected by a full queue
func (m *Metrics) RecordUtteranceDropped() {
	if m == nil {
		return
	}
	m.UtterancesDropped.Inc()
}

// SetPipelineBusy tracks whether the pipeline worker is running
func (m *Metrics) SetPipelineBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.PipelineBusy.Set(1)
		return
	}
	m.PipelineBusy.Set(0)
}

// RecordFrameSent records a frame forwarded to the session
func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// RecordFrameDropped records a frame discarded during suspension
func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordArtifactsSwept records artifacts removed by the retention sweeper
func (m *Metrics) RecordArtifactsSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ArtifactsSwept.Add(float64(n))
}
