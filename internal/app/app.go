// Package app wires the process-wide components of the service.
package app

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"transcript-stream-service/internal/config"
	"transcript-stream-service/internal/events"
	"transcript-stream-service/internal/observability/logging"
	"transcript-stream-service/internal/observability/metrics"
	"transcript-stream-service/internal/pipeline"
	"transcript-stream-service/internal/service/audio"
	"transcript-stream-service/internal/service/stt"
	"transcript-stream-service/internal/service/stt/google"
	"transcript-stream-service/internal/service/stt/mock"
	"transcript-stream-service/internal/service/stt/whisper"
	"transcript-stream-service/internal/stream"
)

// Application holds process-wide state for the service. Everything here is
// created once at startup and shared read-only by all invocations.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration
	Metrics     *metrics.Metrics
	Engine      stt.Engine
	Publisher   *events.Publisher
	Pipeline    *pipeline.Pipeline
	Limiter     *semaphore.Weighted

	ready atomic.Bool
}

// Option customizes construction, mainly for tests.
type Option func(*options)

type options struct {
	engine  stt.Engine
	metrics *metrics.Metrics
	runner  audio.Runner
}

// WithEngine uses e instead of the configured provider.
func WithEngine(e stt.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithMetrics uses m instead of metrics.DefaultMetrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRunner runs ffmpeg through r.
func WithRunner(r audio.Runner) Option {
	return func(o *options) { o.runner = r }
}

// New constructs the Application from the provided configuration.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Application, error) {
	o := options{metrics: metrics.DefaultMetrics}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Application{Cfg: cfg, Metrics: o.metrics}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	engine := o.engine
	if engine == nil {
		var err error
		engine, err = NewEngine(ctx, cfg.STT, o.metrics)
		if err != nil {
			return nil, fmt.Errorf("create %s engine: %w", cfg.STT.Provider, err)
		}
	}
	a.Engine = engine

	normalizer := audio.NewNormalizer(audio.Config{
		FFmpegPath:   cfg.Audio.FFmpegPath,
		SampleRateHz: cfg.Audio.SampleRateHz,
		TargetPeakDB: cfg.Audio.TargetPeakDB,
		DefaultExt:   cfg.Audio.DefaultExt,
		FormatHint:   cfg.Audio.FormatHint,
	}, o.runner, o.metrics)

	a.Publisher = events.New(&events.Config{
		Enabled:       cfg.Kafka.Enabled,
		Brokers:       cfg.Kafka.Brokers,
		TopicSegment:  cfg.Kafka.TopicSegment,
		TopicComplete: cfg.Kafka.TopicComplete,
		Principal:     cfg.Service.Principal,
	}, o.metrics)

	var mirror stream.Mirror
	if a.Publisher.Enabled() {
		mirror = a.Publisher
	}

	a.Pipeline = pipeline.New(pipeline.Config{
		TempDir: cfg.Audio.TempDir,
		Decode:  stt.DecodeOptionsFromConfig(cfg.STT.Decode),
		TurnGap: cfg.Stream.TurnGap,
		Pace:    cfg.Stream.PaceDelay,
	}, normalizer, engine, mirror, o.metrics)

	a.Limiter = semaphore.NewWeighted(cfg.Service.MaxConcurrent)

	appLogger.Info().
		Str("engine", engine.Name()).
		Int64("maxConcurrent", cfg.Service.MaxConcurrent).
		Int("sampleRateHz", normalizer.SampleRate()).
		Bool("kafkaEnabled", a.Publisher.Enabled()).
		Msg("Transcript stream service application created")
	return a, nil
}

// NewEngine builds the transcription engine named by cfg.Provider.
func NewEngine(ctx context.Context, cfg config.STTConfig, m *metrics.Metrics) (stt.Engine, error) {
	switch cfg.Provider {
	case "whisper":
		return whisper.New(whisper.Config{
			Endpoint:   cfg.Endpoint,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}, m)
	case "google":
		return google.New(ctx, google.Config{LanguageCode: cfg.LanguageCode}, m)
	case "mock", "":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
	}
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	logging.Init(logging.Config{
		Level:  a.Cfg.Observability.LogLevel,
		Format: a.Cfg.Observability.LogFormat,
	})
	a.Logger = logging.WithComponent("application")

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("logFormat", a.Cfg.Observability.LogFormat).
		Msg("Logger setup completed")
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	if path, err := exec.LookPath(a.Cfg.Audio.FFmpegPath); err != nil {
		startLogger.Warn().
			Err(err).
			Str("ffmpeg", a.Cfg.Audio.FFmpegPath).
			Msg("ffmpeg not found, every upload will fail to decode")
	} else {
		startLogger.Info().Str("ffmpeg", path).Msg("Found ffmpeg")
	}

	a.StartupTime = time.Now().UTC()
	a.ready.Store(true)
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Transcript stream service starting")

	return nil
}

// Ready reports whether the service accepts uploads.
func (a *Application) Ready() bool {
	return a.ready.Load()
}

// Shutdown stops accepting work and releases the engine and publisher.
func (a *Application) Shutdown() {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	a.ready.Store(false)
	if c, ok := a.Engine.(io.Closer); ok {
		if err := c.Close(); err != nil {
			shutdownLogger.Error().Err(err).Msg("Error closing engine")
		}
	}
	if err := a.Publisher.Close(); err != nil {
		shutdownLogger.Error().Err(err).Msg("Error closing publisher")
	}

	shutdownLogger.Info().Msg("Transcript stream service shutting down")
}
