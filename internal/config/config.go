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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default wake phrases recognised in final transcripts
var DefaultTriggers = []string{"你好小度", "小爱同学", "天猫精灵", "你好，小度。"}

const (
	DefaultSystemPrompt = "你是一个小萌妹"
	DefaultPersona      = "你是小度” 是 18 岁台湾高中生，软萌台湾腔，爱收集小物件、有奶茶先吸珍珠等癖好，对话带生活场景，互动软萌不生硬：注意不要加括号和表情符号表示情感，字数控制在100以内"
	DefaultGreeting     = "你好呀,你有什么问题嘛？"
)

// Config holds all configuration for the Loqa listener
type Config struct {
	Server        ServerConfig
	DashScope     DashScopeConfig
	Transcription TranscriptionConfig
	Capture       CaptureConfig
	Wake          WakeConfig
	Generation    GenerationConfig
	Synthesis     SynthesisConfig
	Playback      PlaybackConfig
	Artifacts     ArtifactsConfig
	Pipeline      PipelineConfig
	Logging       LoggingConfig
	NATS          NATSConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string
	Port         int
	GRPCPort     int // 0 disables the gRPC health service
	HTTPEnabled  bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DashScopeConfig holds credentials and base URLs for the DashScope APIs
type DashScopeConfig struct {
	APIKey        string
	HTTPURL       string // native API, used for speech synthesis
	CompatibleURL string // OpenAI-compatible API, used for text generation
}

// TranscriptionConfig holds realtime recognition session configuration
type TranscriptionConfig struct {
	URL          string
	Model        string
	Language     string
	SampleRate   int
	InputFormat  string
	DialTimeout  time.Duration
	EventBacklog int
}

// CaptureConfig holds microphone capture configuration
type CaptureConfig struct {
	FFmpegPath string
	Driver     string // ffmpeg input format, e.g. "pulse" or "alsa"
	Device     string
	Channels   int
	ChunkBytes int
}

// WakeConfig holds trigger detection and capture window configuration
type WakeConfig struct {
	Triggers  []string
	Window    time.Duration
	Delimiter string
	AckSound  string
	SpoolDir  string
}

// GenerationConfig holds text generation configuration
type GenerationConfig struct {
	Provider     string // "dashscope" or "gemini"
	Model        string
	SystemPrompt string
	Persona      string
	Timeout      time.Duration
	GeminiAPIKey string
	GeminiModel  string
}

// SynthesisConfig holds speech synthesis configuration
type SynthesisConfig struct {
	Model         string
	Voice         string
	Language      string
	Timeout       time.Duration
	MaxConcurrent int
}

// PlaybackConfig holds local playback configuration
type PlaybackConfig struct {
	PlayerPath       string
	DiscardAfterPlay bool
}

// ArtifactsConfig holds synthesized audio storage configuration
type ArtifactsConfig struct {
	Dir           string
	DBPath        string
	Retention     time.Duration
	SweepInterval time.Duration
}

// PipelineConfig holds orchestrator worker configuration
type PipelineConfig struct {
	QueueSize       int
	SuspendCapture  bool
	GreetingEnabled bool
	Greeting        string
	ShutdownGrace   time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// NATSConfig holds NATS messaging configuration
type NATSConfig struct {
	URL           string // empty disables publishing
	SubjectPrefix string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// Load loads configuration from environment variables with defaults.
// Values from the file named by LOQA_CONFIG_FILE sit between the two.
func Load() (*Config, error) {
	file, err := loadFile(os.Getenv("LOQA_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("LOQA_HOST", "0.0.0.0"),
			Port:         getEnvInt("LOQA_PORT", 8000),
			GRPCPort:     getEnvInt("LOQA_GRPC_PORT", 50051),
			HTTPEnabled:  getEnvBool("LOQA_HTTP_ENABLED", true),
			ReadTimeout:  getEnvDuration("LOQA_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("LOQA_WRITE_TIMEOUT", 120*time.Second),
		},
		DashScope: DashScopeConfig{
			APIKey:        getEnvString("DASHSCOPE_API_KEY", ""),
			HTTPURL:       getEnvString("DASHSCOPE_HTTP_URL", "https://dashscope.aliyuncs.com/api/v1"),
			CompatibleURL: getEnvString("DASHSCOPE_COMPATIBLE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
		},
		Transcription: TranscriptionConfig{
			URL:          getEnvString("TRANSCRIPTION_URL", "wss://dashscope.aliyuncs.com/api-ws/v1/realtime"),
			Model:        getEnvString("TRANSCRIPTION_MODEL", "qwen3-asr-flash-realtime"),
			Language:     getEnvString("TRANSCRIPTION_LANGUAGE", "zh"),
			SampleRate:   getEnvInt("AUDIO_SAMPLE_RATE", 16000),
			InputFormat:  getEnvString("AUDIO_INPUT_FORMAT", "pcm"),
			DialTimeout:  getEnvDuration("TRANSCRIPTION_DIAL_TIMEOUT", 10*time.Second),
			EventBacklog: getEnvInt("TRANSCRIPTION_EVENT_BACKLOG", 64),
		},
		Capture: CaptureConfig{
			FFmpegPath: getEnvString("CAPTURE_FFMPEG", "ffmpeg"),
			Driver:     getEnvString("CAPTURE_DRIVER", "pulse"),
			Device:     getEnvString("CAPTURE_DEVICE", "default"),
			Channels:   getEnvInt("CAPTURE_CHANNELS", 1),
			ChunkBytes: getEnvInt("CAPTURE_CHUNK_BYTES", 3200),
		},
		Wake: WakeConfig{
			Triggers:  getEnvList("WAKE_TRIGGERS", orList(file.Triggers, DefaultTriggers)),
			Window:    getEnvDuration("WAKE_WINDOW", 2*time.Second),
			Delimiter: getEnvString("WAKE_DELIMITER", "。"),
			AckSound:  getEnvString("WAKE_ACK_SOUND", "hello.wav"),
			SpoolDir:  getEnvString("WAKE_SPOOL_DIR", os.TempDir()),
		},
		Generation: GenerationConfig{
			Provider:     getEnvString("GENERATION_PROVIDER", "dashscope"),
			Model:        getEnvString("GENERATION_MODEL", "qwen-plus"),
			SystemPrompt: getEnvString("GENERATION_SYSTEM_PROMPT", orString(file.SystemPrompt, DefaultSystemPrompt)),
			Persona:      getEnvString("GENERATION_PERSONA", orString(file.Persona, DefaultPersona)),
			Timeout:      getEnvDuration("GENERATION_TIMEOUT", 60*time.Second),
			GeminiAPIKey: getEnvString("GEMINI_API_KEY", ""),
			GeminiModel:  getEnvString("GEMINI_MODEL", "gemini-2.0-flash"),
		},
		Synthesis: SynthesisConfig{
			Model:         getEnvString("SYNTHESIS_MODEL", "qwen3-tts-flash"),
			Voice:         getEnvString("SYNTHESIS_VOICE", "Cherry"),
			Language:      getEnvString("SYNTHESIS_LANGUAGE", "Chinese"),
			Timeout:       getEnvDuration("SYNTHESIS_TIMEOUT", 30*time.Second),
			MaxConcurrent: getEnvInt("SYNTHESIS_MAX_CONCURRENT", 2),
		},
		Playback: PlaybackConfig{
			PlayerPath:       getEnvString("PLAYBACK_PLAYER", "ffplay"),
			DiscardAfterPlay: getEnvBool("PLAYBACK_DISCARD", true),
		},
		Artifacts: ArtifactsConfig{
			Dir:           getEnvString("ARTIFACT_DIR", "./data/audio"),
			DBPath:        getEnvString("DB_PATH", "./data/loqa-listen.db"),
			Retention:     getEnvDuration("ARTIFACT_RETENTION", time.Hour),
			SweepInterval: getEnvDuration("ARTIFACT_SWEEP_INTERVAL", 5*time.Minute),
		},
		Pipeline: PipelineConfig{
			QueueSize:       getEnvInt("PIPELINE_QUEUE_SIZE", 1),
			SuspendCapture:  getEnvBool("PIPELINE_SUSPEND_CAPTURE", true),
			GreetingEnabled: getEnvBool("PIPELINE_GREETING_ENABLED", true),
			Greeting:        getEnvString("PIPELINE_GREETING", orString(file.Greeting, DefaultGreeting)),
			ShutdownGrace:   getEnvDuration("PIPELINE_SHUTDOWN_GRACE", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "console"),
		},
		NATS: NATSConfig{
			URL:           getEnvString("NATS_URL", ""),
			SubjectPrefix: getEnvString("NATS_SUBJECT_PREFIX", "loqa.listen"),
			MaxReconnect:  getEnvInt("NATS_MAX_RECONNECT", -1),
			ReconnectWait: getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}

	if c.DashScope.APIKey == "" {
		return fmt.Errorf("DASHSCOPE_API_KEY must be provided")
	}

	if c.Transcription.URL == "" {
		return fmt.Errorf("transcription URL must be provided")
	}

	if c.Transcription.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive: %d", c.Transcription.SampleRate)
	}

	if c.Capture.ChunkBytes <= 0 || c.Capture.ChunkBytes%2 != 0 {
		return fmt.Errorf("capture chunk size must be a positive even number: %d", c.Capture.ChunkBytes)
	}

	if len(c.Wake.Triggers) == 0 {
		return fmt.Errorf("at least one wake trigger must be configured")
	}

	if c.Wake.Window <= 0 {
		return fmt.Errorf("wake window must be positive: %s", c.Wake.Window)
	}

	switch c.Generation.Provider {
	case "dashscope":
	case "gemini":
		if c.Generation.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY must be provided for the gemini provider")
		}
	default:
		return fmt.Errorf("unknown generation provider: %q", c.Generation.Provider)
	}

	if c.Synthesis.MaxConcurrent <= 0 {
		return fmt.Errorf("synthesis max concurrent must be positive: %d", c.Synthesis.MaxConcurrent)
	}

	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline queue size must be positive: %d", c.Pipeline.QueueSize)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping blanks
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func orString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func orList(value, fallback []string) []string {
	if len(value) > 0 {
		return value
	}
	return fallback
}
