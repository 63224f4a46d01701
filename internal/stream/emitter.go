// Package stream serializes transcript events into frames for a client, one
// frame per event, in the order they were produced.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"transcript-stream-service/internal/models"
	"transcript-stream-service/internal/observability/metrics"
	"transcript-stream-service/internal/schema"
)

// DefaultPace is the delay after each segment frame.
const DefaultPace = 100 * time.Millisecond

// ErrCompleted is returned when emitting after the completion marker.
var ErrCompleted = errors.New("stream: completion marker already emitted")

// FrameWriter delivers one serialized event to the client. It blocks until
// the frame is handed to the transport, which throttles the producer.
type FrameWriter interface {
	WriteFrame(data []byte) error
}

// Mirror receives a copy of every emitted event.
type Mirror interface {
	Publish(ctx context.Context, env models.TranscriptPublished) error
}

// Config identifies the invocation and sets the pacing delay.
type Config struct {
	InvocationID string
	Filename     string
	Pace         time.Duration // 0 disables pacing
}

// Emitter writes the events of one invocation. Not safe for concurrent use.
type Emitter struct {
	cfg       Config
	w         FrameWriter
	validator *schema.Validator
	mirror    Mirror
	metrics   *metrics.Metrics
	now       func() time.Time

	seq       int
	segments  int
	completed bool
}

// NewEmitter creates an emitter. mirror may be nil.
func NewEmitter(w FrameWriter, v *schema.Validator, mirror Mirror, cfg Config, m *metrics.Metrics) *Emitter {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Emitter{
		cfg:       cfg,
		w:         w,
		validator: v,
		mirror:    mirror,
		metrics:   m,
		now:       time.Now,
	}
}

// EmitSegment writes one attributed segment and then waits for the pacing
// delay. An event that fails validation is rejected with an error wrapping
// schema.ErrInvalidEvent and nothing is written.
func (e *Emitter) EmitSegment(ctx context.Context, seg models.AttributedSegment) error {
	if err := e.emit(ctx, models.SegmentEvent(seg), models.EventTypeSegment); err != nil {
		return err
	}
	e.segments++
	e.metrics.RecordSegmentEmitted()

	zerolog.Ctx(ctx).Debug().
		Str("speaker", seg.Speaker.String()).
		Float64("start", seg.Start).
		Float64("end", seg.End).
		Str("text", seg.Text).
		Msg("Emitted segment")

	return e.pace(ctx)
}

// EmitComplete writes the terminal marker. It may be written once.
func (e *Emitter) EmitComplete(ctx context.Context) error {
	if err := e.emit(ctx, models.CompleteEvent(), models.EventTypeComplete); err != nil {
		return err
	}
	e.completed = true
	return nil
}

// Segments returns the number of segment frames written.
func (e *Emitter) Segments() int {
	return e.segments
}

// Completed reports whether the completion marker was written.
func (e *Emitter) Completed() bool {
	return e.completed
}

func (e *Emitter) emit(ctx context.Context, event models.TranscriptEvent, eventType string) error {
	if e.completed {
		return ErrCompleted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.validator != nil {
		if err := e.validator.Validate(event); err != nil {
			return err
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := e.w.WriteFrame(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	e.seq++

	if e.mirror != nil {
		env := models.TranscriptPublished{
			EventType:    eventType,
			InvocationID: e.cfg.InvocationID,
			Filename:     e.cfg.Filename,
			Sequence:     e.seq,
			Timestamp:    e.now().UnixMilli(),
			Event:        event,
		}
		if err := e.mirror.Publish(ctx, env); err != nil {
			zerolog.Ctx(ctx).Warn().
				Err(err).
				Int("sequence", e.seq).
				Msg("Failed to mirror transcript event")
		}
	}
	return nil
}

func (e *Emitter) pace(ctx context.Context) error {
	if e.cfg.Pace <= 0 {
		return nil
	}
	timer := time.NewTimer(e.cfg.Pace)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
