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

package logging

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// keepGlobals restores the package loggers when the test ends
func keepGlobals(t *testing.T) {
	t.Helper()
	prevLogger, prevSugar, prevHelpers := Logger, Sugar, helpers
	t.Cleanup(func() {
		Logger, Sugar, helpers = prevLogger, prevSugar, prevHelpers
	})
}

func TestInitializeWithConfig_Levels(t *testing.T) {
	tests := []struct {
		name      string
		config    LogConfig
		wantDebug bool
		wantInfo  bool
	}{
		{name: "listener default", config: LogConfig{Level: "info", Format: "console"}, wantInfo: true},
		{name: "debug json", config: LogConfig{Level: "debug", Format: "json"}, wantDebug: true, wantInfo: true},
		{name: "upper case warn", config: LogConfig{Level: "WARN", Format: "JSON"}},
		{name: "unknown level falls back to info", config: LogConfig{Level: "chatty", Format: "console"}, wantInfo: true},
		{name: "empty config", config: LogConfig{}, wantInfo: true},
		{name: "unknown format", config: LogConfig{Level: "error", Format: "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keepGlobals(t)

			if err := InitializeWithConfig(tt.config); err != nil {
				t.Fatalf("InitializeWithConfig() error = %v", err)
			}
			if Logger == nil || Sugar == nil || helpers == nil {
				t.Fatal("loggers should be installed after initialization")
			}

			core := Logger.Core()
			if got := core.Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := core.Enabled(zapcore.InfoLevel); got != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", got, tt.wantInfo)
			}
			if !core.Enabled(zapcore.ErrorLevel) {
				t.Error("errors must always be enabled")
			}
		})
	}
}

func TestUse_Restores(t *testing.T) {
	keepGlobals(t)
	Use(nil)

	core, recorded := observer.New(zapcore.InfoLevel)
	restore := Use(zap.New(core))
	LogWarn("microphone busy")
	restore()

	if Logger != nil || Sugar != nil || helpers != nil {
		t.Fatal("restore should reinstate the previous (nil) loggers")
	}
	LogWarn("dropped after restore")

	if recorded.Len() != 1 {
		t.Fatalf("recorded %d entries, want 1", recorded.Len())
	}
}

func TestHelpers_NoopWithoutLogger(t *testing.T) {
	keepGlobals(t)
	Use(nil)

	LogTranscriptEvent("final_text", "Final transcript")
	LogWindowEvent("opened")
	LogPipelineStage("utt-1", "generate")
	LogNATSEvent("loqa.listen.response_ready", "published")
	LogDatabaseOperation("INSERT", "artifacts")
	LogTTSOperation("synthesize")
	LogError(errors.New("boom"), "failed")
	LogWarn("careful")
	Close()

	if Component("capture") == nil {
		t.Fatal("Component should return a no-op logger, not nil")
	}
}

func TestHelpers_TagEntries(t *testing.T) {
	keepGlobals(t)
	core, recorded := observer.New(zapcore.DebugLevel)
	Use(zap.New(core))

	tests := []struct {
		name      string
		log       func()
		level     zapcore.Level
		message   string
		wantField map[string]any
	}{
		{
			name:    "transcript event",
			log:     func() { LogTranscriptEvent("final_text", "Final transcript", zap.String("text", "你好小度")) },
			level:   zapcore.InfoLevel,
			message: "Final transcript",
			wantField: map[string]any{
				"component": "transcription", "event_kind": "final_text", "text": "你好小度",
			},
		},
		{
			name:      "window opened",
			log:       func() { LogWindowEvent("opened", zap.String("trigger", "小爱同学")) },
			level:     zapcore.InfoLevel,
			message:   "Capture window",
			wantField: map[string]any{"component": "wake", "transition": "opened", "trigger": "小爱同学"},
		},
		{
			name:    "pipeline stage",
			log:     func() { LogPipelineStage("utt-123", "download", zap.Int("bytes", 2048)) },
			level:   zapcore.InfoLevel,
			message: "Pipeline stage",
			wantField: map[string]any{
				"component": "pipeline", "utterance_id": "utt-123", "stage": "download", "bytes": int64(2048),
			},
		},
		{
			name:    "bus publish",
			log:     func() { LogNATSEvent("loqa.listen.trigger_detected", "published") },
			level:   zapcore.InfoLevel,
			message: "NATS event",
			wantField: map[string]any{
				"component": "messaging", "subject": "loqa.listen.trigger_detected", "action": "published",
			},
		},
		{
			name:      "registry insert is debug",
			log:       func() { LogDatabaseOperation("INSERT", "artifacts") },
			level:     zapcore.DebugLevel,
			message:   "Database operation",
			wantField: map[string]any{"component": "database", "operation": "INSERT", "table": "artifacts"},
		},
		{
			name:      "synthesis",
			log:       func() { LogTTSOperation("synthesize", zap.String("voice", "Cherry")) },
			level:     zapcore.InfoLevel,
			message:   "TTS operation",
			wantField: map[string]any{"component": "tts", "operation": "synthesize", "voice": "Cherry"},
		},
		{
			name:      "error",
			log:       func() { LogError(errors.New("status 500"), "Download failed", zap.String("stage", "download")) },
			level:     zapcore.ErrorLevel,
			message:   "Download failed",
			wantField: map[string]any{"error": "status 500", "stage": "download"},
		},
		{
			name:      "component logger",
			log:       func() { Component("capture").Info("Capture suspended") },
			level:     zapcore.InfoLevel,
			message:   "Capture suspended",
			wantField: map[string]any{"component": "capture"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.log()

			entries := recorded.TakeAll()
			if len(entries) != 1 {
				t.Fatalf("recorded %d entries, want 1", len(entries))
			}
			entry := entries[0]
			if entry.Level != tt.level {
				t.Errorf("level = %v, want %v", entry.Level, tt.level)
			}
			if entry.Message != tt.message {
				t.Errorf("message = %q, want %q", entry.Message, tt.message)
			}
			fields := entry.ContextMap()
			for key, want := range tt.wantField {
				if fields[key] != want {
					t.Errorf("field %s = %v, want %v", key, fields[key], want)
				}
			}
		})
	}
}

func TestHelpers_ReportCallerSite(t *testing.T) {
	keepGlobals(t)
	core, recorded := observer.New(zapcore.InfoLevel)
	Use(zap.New(core, zap.AddCaller()))

	LogWindowEvent("closed")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("recorded %d entries, want 1", len(entries))
	}
	if got := filepath.Base(entries[0].Caller.File); got != "logger_test.go" {
		t.Errorf("caller file = %q, want the calling test file", got)
	}
}
