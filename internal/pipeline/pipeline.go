// Package pipeline runs one transcription invocation end to end:
// normalize the upload, transcribe it, attribute turns and stream the events,
// then remove every temporary file whatever the outcome.
package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"transcript-stream-service/internal/observability/logging"
	"transcript-stream-service/internal/observability/metrics"
	"transcript-stream-service/internal/schema"
	"transcript-stream-service/internal/service/audio"
	"transcript-stream-service/internal/service/cleanup"
	"transcript-stream-service/internal/service/segment"
	"transcript-stream-service/internal/service/stt"
	"transcript-stream-service/internal/stream"
)

// Normalizer converts an upload to the canonical waveform.
type Normalizer interface {
	Normalize(ctx context.Context, upload io.Reader, filename string, scratch audio.Scratch) (*audio.Waveform, error)
}

// Upload is the client's audio file.
type Upload struct {
	Filename string
	Body     io.Reader
}

// Result summarizes a finished invocation.
type Result struct {
	ID       string
	State    State
	Segments int // segment frames written
	Dropped  int // segments not written (blank or invalid)
	Err      *Failure
}

// Config holds per-invocation settings.
type Config struct {
	TempDir string
	Decode  stt.DecodeOptions
	TurnGap time.Duration
	Pace    time.Duration
}

// Pipeline holds the process-wide dependencies. It is immutable after
// construction and shared by all invocations.
type Pipeline struct {
	cfg        Config
	normalizer Normalizer
	engine     stt.Engine
	validator  *schema.Validator
	mirror     stream.Mirror
	metrics    *metrics.Metrics
	newID      func() string
}

// New creates a pipeline. mirror may be nil.
func New(cfg Config, normalizer Normalizer, engine stt.Engine, mirror stream.Mirror, m *metrics.Metrics) *Pipeline {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Pipeline{
		cfg:        cfg,
		normalizer: normalizer,
		engine:     engine,
		validator:  schema.New(logging.WithComponent("schema")),
		mirror:     mirror,
		metrics:    m,
		newID:      uuid.NewString,
	}
}

// Engine returns the transcription engine.
func (p *Pipeline) Engine() stt.Engine {
	return p.engine
}

// Run processes one upload, writing events to w. Frames written before a
// failure stay delivered; the completion marker is only written on success.
// Temporary files are removed before Run returns, on every path.
func (p *Pipeline) Run(ctx context.Context, up Upload, w stream.FrameWriter) Result {
	id := p.newID()
	logger := logging.WithInvocation(id, up.Filename)
	ctx = logger.WithContext(ctx)

	lc := NewLifecycle(id)
	res := Result{ID: id}
	start := time.Now()
	p.metrics.RecordInvocationStart()

	scratch := cleanup.New(p.cfg.TempDir, logger, p.metrics)
	defer func() {
		scratch.Cleanup()

		stage := ""
		if f := lc.Failure(); f != nil {
			stage = f.Stage.Label()
		}
		p.metrics.RecordInvocationEnd(lc.State().Label(), stage, time.Since(start).Seconds())
	}()

	fail := func(err error) Result {
		f, _ := lc.Fail(err)
		res.State = StateFailed
		res.Err = f

		level, msg := zerolog.ErrorLevel, "Transcription failed"
		if errors.Is(err, context.Canceled) {
			level, msg = zerolog.InfoLevel, "Client disconnected"
		}
		logger.WithLevel(level).
			Err(err).
			Str("stage", f.Stage.Label()).
			Int("segments", res.Segments).
			Dur("elapsed", time.Since(start)).
			Msg(msg)
		return res
	}

	logger.Info().Msg("Transcription started")

	lc.Advance(StateNormalizing)
	wf, err := p.normalizer.Normalize(ctx, up.Body, up.Filename, scratch)
	if err != nil {
		return fail(err)
	}

	lc.Advance(StateTranscribing)
	engineCtx := logging.WithEngine(id, p.engine.Name()).WithContext(ctx)
	s, err := p.engine.Transcribe(engineCtx, wf.Path, p.cfg.Decode)
	if err != nil {
		return fail(err)
	}
	defer s.Close()

	lc.Advance(StateStreaming)
	attributor := segment.NewAttributor(p.cfg.TurnGap)
	emitter := stream.NewEmitter(w, p.validator, p.mirror, stream.Config{
		InvocationID: id,
		Filename:     up.Filename,
		Pace:         p.cfg.Pace,
	}, p.metrics)

	for {
		seg, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(err)
		}

		turns := attributor.Turns()
		attributed, ok := attributor.Attribute(seg)
		if attributor.Turns() != turns {
			p.metrics.RecordSpeakerTurn()
		}
		if !ok {
			res.Dropped++
			p.metrics.RecordSegmentDropped("empty")
			continue
		}

		err = emitter.EmitSegment(ctx, attributed)
		res.Segments = emitter.Segments()
		if errors.Is(err, schema.ErrInvalidEvent) {
			res.Dropped++
			p.metrics.RecordSegmentDropped("invalid")
			logger.Warn().
				Err(err).
				Float64("start", seg.Start).
				Float64("end", seg.End).
				Msg("Dropped invalid segment")
			continue
		}
		if err != nil {
			return fail(err)
		}
	}

	if err := emitter.EmitComplete(ctx); err != nil {
		return fail(err)
	}
	lc.Advance(StateCompleted)
	res.State = StateCompleted

	info := s.Info()
	zerolog.Ctx(ctx).Info().
		Int("segments", res.Segments).
		Int("dropped", res.Dropped).
		Int("turns", attributor.Turns()).
		Str("language", info.Language).
		Float64("audioSeconds", wf.Info.Duration().Seconds()).
		Dur("elapsed", time.Since(start)).
		Msg("Transcription completed")

	return res
}
