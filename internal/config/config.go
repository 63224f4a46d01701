// Package config loads service configuration from environment variables,
// optionally layered on top of a YAML file named by CONFIG_FILE.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration is the complete service configuration.
type Configuration struct {
	Service       ServiceConfig       `yaml:"service"`
	Audio         AudioConfig         `yaml:"audio"`
	STT           STTConfig           `yaml:"stt"`
	Stream        StreamConfig        `yaml:"stream"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig holds listener and request handling settings.
type ServiceConfig struct {
	Principal     string `yaml:"principal"`
	HTTPPort      string `yaml:"http_port"`
	GRPCPort      string `yaml:"grpc_port"`
	MaxConcurrent int64  `yaml:"max_concurrent"`
	MaxUploadSize int64  `yaml:"max_upload_bytes"` // 0 = unlimited
}

// AudioConfig controls the normalizer.
type AudioConfig struct {
	FFmpegPath   string  `yaml:"ffmpeg_path"`
	SampleRateHz int     `yaml:"sample_rate_hz"`
	TargetPeakDB float64 `yaml:"target_peak_db"`
	TempDir      string  `yaml:"temp_dir"`
	DefaultExt   string  `yaml:"default_ext"`
	FormatHint   string  `yaml:"format_hint"`
}

// STTConfig selects and configures the transcription engine.
type STTConfig struct {
	Provider string `yaml:"provider"` // whisper, google, mock

	// whisper (OpenAI-compatible HTTP server)
	Endpoint   string        `yaml:"endpoint"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`

	// google
	LanguageCode string `yaml:"language_code"`

	Decode DecodeConfig `yaml:"decode"`
}

// DecodeConfig mirrors the engine decode options.
type DecodeConfig struct {
	Language                  string        `yaml:"language"`
	BeamSize                  int           `yaml:"beam_size"`
	WordTimestamps            bool          `yaml:"word_timestamps"`
	VADFilter                 bool          `yaml:"vad_filter"`
	MinSpeechDuration         time.Duration `yaml:"min_speech_duration"`
	MaxSpeechDuration         time.Duration `yaml:"max_speech_duration"` // 0 = unbounded
	MinSilenceDuration        time.Duration `yaml:"min_silence_duration"`
	SpeechPad                 time.Duration `yaml:"speech_pad"`
	WindowSizeSamples         int           `yaml:"window_size_samples"`
	Temperature               float64       `yaml:"temperature"`
	CompressionRatioThreshold float64       `yaml:"compression_ratio_threshold"`
	ConditionOnPreviousText   bool          `yaml:"condition_on_previous_text"`
	InitialPrompt             string        `yaml:"initial_prompt"`
}

// StreamConfig controls attribution and emission.
type StreamConfig struct {
	PaceDelay time.Duration `yaml:"pace_delay"`
	TurnGap   time.Duration `yaml:"turn_gap"`
}

// KafkaConfig holds the optional transcript event mirror.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	TopicSegment  string   `yaml:"topic_segment"`
	TopicComplete string   `yaml:"topic_complete"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Principal:     "svc-transcript-stream",
			HTTPPort:      "8000",
			GRPCPort:      "50051",
			MaxConcurrent: 4,
		},
		Audio: AudioConfig{
			FFmpegPath:   "ffmpeg",
			SampleRateHz: 16000,
			TargetPeakDB: -0.1,
			DefaultExt:   ".m4a",
			FormatHint:   "mp4",
		},
		STT: STTConfig{
			Provider:     "mock",
			Endpoint:     "http://localhost:8080/v1/audio/transcriptions",
			Model:        "Systran/faster-whisper-base",
			Timeout:      10 * time.Minute,
			MaxRetries:   2,
			LanguageCode: "en-US",
			Decode: DecodeConfig{
				BeamSize:                  5,
				WordTimestamps:            true,
				VADFilter:                 true,
				MinSpeechDuration:         100 * time.Millisecond,
				MinSilenceDuration:        100 * time.Millisecond,
				SpeechPad:                 100 * time.Millisecond,
				WindowSizeSamples:         1024,
				Temperature:               0.0,
				CompressionRatioThreshold: 2.4,
				ConditionOnPreviousText:   true,
				InitialPrompt:             "The following is a transcription of clear speech:",
			},
		},
		Stream: StreamConfig{
			PaceDelay: 100 * time.Millisecond,
			TurnGap:   500 * time.Millisecond,
		},
		Kafka: KafkaConfig{
			TopicSegment:  "transcript.segment",
			TopicComplete: "transcript.complete",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: ":9090",
		},
	}
}

// Load builds the configuration: defaults, then CONFIG_FILE (if set), then
// environment variables. Invalid values fall back to what was already set.
func Load() *Configuration {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			// Env still applies; the caller validates the result.
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
	}
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file on top of the defaults, then applies env and validates.
func LoadFile(path string) (*Configuration, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Configuration) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Configuration) applyEnv() {
	c.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", c.Service.Principal)
	c.Service.HTTPPort = envOrDefault("HTTP_PORT", c.Service.HTTPPort)
	c.Service.GRPCPort = envOrDefault("GRPC_PORT", c.Service.GRPCPort)
	c.Service.MaxConcurrent = envInt64("MAX_CONCURRENT_TRANSCRIPTIONS", c.Service.MaxConcurrent)
	c.Service.MaxUploadSize = envInt64("MAX_UPLOAD_BYTES", c.Service.MaxUploadSize)

	c.Audio.FFmpegPath = envOrDefault("FFMPEG_PATH", c.Audio.FFmpegPath)
	c.Audio.SampleRateHz = envInt("AUDIO_SAMPLE_RATE_HZ", c.Audio.SampleRateHz)
	c.Audio.TargetPeakDB = envFloat("AUDIO_TARGET_PEAK_DB", c.Audio.TargetPeakDB)
	c.Audio.TempDir = envOrDefault("AUDIO_TEMP_DIR", c.Audio.TempDir)
	c.Audio.FormatHint = envOrDefault("AUDIO_FORMAT_HINT", c.Audio.FormatHint)

	c.STT.Provider = envOrDefault("STT_PROVIDER", c.STT.Provider)
	c.STT.Endpoint = envOrDefault("STT_ENDPOINT", c.STT.Endpoint)
	c.STT.APIKey = envOrDefault("STT_API_KEY", c.STT.APIKey)
	c.STT.Model = envOrDefault("STT_MODEL", c.STT.Model)
	c.STT.Timeout = envDuration("STT_TIMEOUT", c.STT.Timeout)
	c.STT.MaxRetries = envInt("STT_MAX_RETRIES", c.STT.MaxRetries)
	c.STT.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", c.STT.LanguageCode)

	d := &c.STT.Decode
	d.Language = envOrDefault("STT_LANGUAGE", d.Language)
	d.BeamSize = envInt("STT_BEAM_SIZE", d.BeamSize)
	d.WordTimestamps = envBool("STT_WORD_TIMESTAMPS", d.WordTimestamps)
	d.VADFilter = envBool("STT_VAD_FILTER", d.VADFilter)
	d.MinSpeechDuration = envDuration("STT_VAD_MIN_SPEECH", d.MinSpeechDuration)
	d.MaxSpeechDuration = envDuration("STT_VAD_MAX_SPEECH", d.MaxSpeechDuration)
	d.MinSilenceDuration = envDuration("STT_VAD_MIN_SILENCE", d.MinSilenceDuration)
	d.SpeechPad = envDuration("STT_VAD_SPEECH_PAD", d.SpeechPad)
	d.WindowSizeSamples = envInt("STT_VAD_WINDOW_SAMPLES", d.WindowSizeSamples)
	d.Temperature = envFloat("STT_TEMPERATURE", d.Temperature)
	d.CompressionRatioThreshold = envFloat("STT_COMPRESSION_RATIO_THRESHOLD", d.CompressionRatioThreshold)
	d.ConditionOnPreviousText = envBool("STT_CONDITION_ON_PREVIOUS_TEXT", d.ConditionOnPreviousText)
	d.InitialPrompt = envOrDefault("STT_INITIAL_PROMPT", d.InitialPrompt)

	c.Stream.PaceDelay = envDuration("STREAM_PACE_DELAY", c.Stream.PaceDelay)
	c.Stream.TurnGap = envDuration("STREAM_TURN_GAP", c.Stream.TurnGap)

	c.Kafka.Enabled = envBool("KAFKA_ENABLED", c.Kafka.Enabled)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	c.Kafka.TopicSegment = envOrDefault("KAFKA_TOPIC_SEGMENT", c.Kafka.TopicSegment)
	c.Kafka.TopicComplete = envOrDefault("KAFKA_TOPIC_COMPLETE", c.Kafka.TopicComplete)

	c.Observability.LogLevel = envOrDefault("LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = envOrDefault("LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.MetricsAddr = envOrDefault("METRICS_ADDR", c.Observability.MetricsAddr)
}

// Validate checks the configuration for values the service cannot run with.
func (c *Configuration) Validate() error {
	if c.Service.HTTPPort == "" {
		return fmt.Errorf("service: http_port cannot be empty")
	}
	if c.Service.MaxConcurrent < 1 {
		return fmt.Errorf("service: max_concurrent must be at least 1, got %d", c.Service.MaxConcurrent)
	}
	if c.Service.MaxUploadSize < 0 {
		return fmt.Errorf("service: max_upload_bytes cannot be negative, got %d", c.Service.MaxUploadSize)
	}
	if c.Audio.SampleRateHz < 8000 || c.Audio.SampleRateHz > 48000 {
		return fmt.Errorf("audio: sample_rate_hz must be between 8000 and 48000, got %d", c.Audio.SampleRateHz)
	}
	if c.Audio.TargetPeakDB > 0 {
		return fmt.Errorf("audio: target_peak_db must be <= 0, got %f", c.Audio.TargetPeakDB)
	}
	switch c.STT.Provider {
	case "mock", "google":
	case "whisper":
		if c.STT.Endpoint == "" {
			return fmt.Errorf("stt: endpoint cannot be empty for the whisper provider")
		}
	default:
		return fmt.Errorf("stt: provider must be one of [whisper, google, mock], got '%s'", c.STT.Provider)
	}
	if c.STT.MaxRetries < 0 {
		return fmt.Errorf("stt: max_retries cannot be negative, got %d", c.STT.MaxRetries)
	}
	if c.STT.Decode.BeamSize < 1 {
		return fmt.Errorf("stt: beam_size must be at least 1, got %d", c.STT.Decode.BeamSize)
	}
	if c.STT.Decode.Temperature < 0 || c.STT.Decode.Temperature > 1 {
		return fmt.Errorf("stt: temperature must be between 0 and 1, got %f", c.STT.Decode.Temperature)
	}
	if c.Stream.PaceDelay < 0 {
		return fmt.Errorf("stream: pace_delay cannot be negative, got %v", c.Stream.PaceDelay)
	}
	if c.Stream.TurnGap <= 0 {
		return fmt.Errorf("stream: turn_gap must be positive, got %v", c.Stream.TurnGap)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka: brokers required when enabled")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Observability.LogLevel] {
		return fmt.Errorf("observability: log_level must be one of [debug, info, warn, error], got '%s'", c.Observability.LogLevel)
	}
	return nil
}

// MaxSpeechSeconds returns the VAD max speech duration in seconds,
// +Inf when unbounded.
func (d DecodeConfig) MaxSpeechSeconds() float64 {
	if d.MaxSpeechDuration <= 0 {
		return math.Inf(1)
	}
	return d.MaxSpeechDuration.Seconds()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
