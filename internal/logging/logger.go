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

// Package logging holds the process-wide zap logger and the structured
// helpers each listener component logs through. Every helper is a no-op
// until a logger is installed, so packages can log freely under test.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// helpers reports the caller of the Log* function, not emit
	helpers *zap.Logger
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json", "console"
}

// InitializeWithConfig builds the global logger. Unknown formats fall back
// to console output and unknown levels to info.
func InitializeWithConfig(config LogConfig) error {
	zapConfig := zap.NewDevelopmentConfig()
	if strings.EqualFold(config.Format, "json") {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = parseLevel(config.Level)

	logger, err := zapConfig.Build(zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		return err
	}
	Use(logger)

	Sugar.Infow("🚀 Structured logging initialized",
		"level", zapConfig.Level.String(),
		"format", strings.ToLower(config.Format),
	)
	return nil
}

// Use installs l as the global logger and returns a func restoring the
// previous one.
func Use(l *zap.Logger) (restore func()) {
	prevLogger, prevSugar, prevHelpers := Logger, Sugar, helpers
	Logger, Sugar, helpers = l, nil, nil
	if l != nil {
		Sugar = l.Sugar()
		helpers = l.WithOptions(zap.AddCallerSkip(2))
	}
	return func() {
		Logger, Sugar, helpers = prevLogger, prevSugar, prevHelpers
	}
}

func parseLevel(level string) zap.AtomicLevel {
	parsed, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return parsed
}

// Close flushes buffered entries. Sync errors on stdout/stderr are expected
// on some platforms and ignored.
func Close() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Component returns a child logger tagged with the component name, or a
// no-op logger before a logger is installed.
func Component(name string) *zap.Logger {
	if Logger == nil {
		return zap.NewNop()
	}
	return Logger.With(zap.String("component", name))
}

// emit writes one entry carrying the helper's tags ahead of caller fields
func emit(level zapcore.Level, message string, tags []zap.Field, fields []zap.Field) {
	if helpers == nil {
		return
	}
	if ce := helpers.Check(level, message); ce != nil {
		ce.Write(append(tags, fields...)...)
	}
}

// LogTranscriptEvent logs a transcription session event
func LogTranscriptEvent(kind, message string, fields ...zap.Field) {
	emit(zapcore.InfoLevel, message, []zap.Field{
		zap.String("component", "transcription"),
		zap.String("event_kind", kind),
	}, fields)
}

// LogWindowEvent logs capture window transitions
func LogWindowEvent(transition string, fields ...zap.Field) {
	emit(zapcore.InfoLevel, "Capture window", []zap.Field{
		zap.String("component", "wake"),
		zap.String("transition", transition),
	}, fields)
}

// LogPipelineStage logs a stage of the response pipeline
func LogPipelineStage(utteranceID, stage string, fields ...zap.Field) {
	emit(zapcore.InfoLevel, "Pipeline stage", []zap.Field{
		zap.String("component", "pipeline"),
		zap.String("utterance_id", utteranceID),
		zap.String("stage", stage),
	}, fields)
}

// LogNATSEvent logs assistant event bus activity
func LogNATSEvent(subject, action string, fields ...zap.Field) {
	emit(zapcore.InfoLevel, "NATS event", []zap.Field{
		zap.String("component", "messaging"),
		zap.String("subject", subject),
		zap.String("action", action),
	}, fields)
}

// LogDatabaseOperation logs artifact registry operations
func LogDatabaseOperation(operation, table string, fields ...zap.Field) {
	emit(zapcore.DebugLevel, "Database operation", []zap.Field{
		zap.String("component", "database"),
		zap.String("operation", operation),
		zap.String("table", table),
	}, fields)
}

// LogTTSOperation logs speech synthesis and download operations
func LogTTSOperation(operation string, fields ...zap.Field) {
	emit(zapcore.InfoLevel, "TTS operation", []zap.Field{
		zap.String("component", "tts"),
		zap.String("operation", operation),
	}, fields)
}

// LogError logs err with context
func LogError(err error, message string, fields ...zap.Field) {
	emit(zapcore.ErrorLevel, message, []zap.Field{zap.Error(err)}, fields)
}

// LogWarn logs a warning with context
func LogWarn(message string, fields ...zap.Field) {
	emit(zapcore.WarnLevel, message, nil, fields)
}
