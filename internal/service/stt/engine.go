// Package stt defines the transcription engine contract shared by the
// whisper, google and mock engines.
package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"transcript-stream-service/internal/config"
	"transcript-stream-service/internal/models"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stt: stream closed")

// Info describes the recognized audio.
type Info struct {
	Language            string
	LanguageProbability float64
	Duration            time.Duration // zero when the engine did not report it
}

// VADOptions configures voice activity detection ahead of decoding.
type VADOptions struct {
	MinSpeechDuration  time.Duration
	MaxSpeechDuration  time.Duration // 0 = unbounded
	MinSilenceDuration time.Duration
	SpeechPad          time.Duration
	WindowSizeSamples  int
}

// MaxSpeechSeconds returns the speech chunk limit, +Inf when unbounded.
func (v VADOptions) MaxSpeechSeconds() float64 {
	if v.MaxSpeechDuration <= 0 {
		return math.Inf(1)
	}
	return v.MaxSpeechDuration.Seconds()
}

// DecodeOptions are passed explicitly on every Transcribe call.
type DecodeOptions struct {
	Language                  string // empty = auto-detect
	BeamSize                  int
	WordTimestamps            bool
	VADFilter                 bool
	VAD                       VADOptions
	Temperature               float64
	CompressionRatioThreshold float64
	ConditionOnPreviousText   bool
	InitialPrompt             string
}

// DefaultDecodeOptions returns the decode options used when none are configured.
func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptionsFromConfig(config.Default().STT.Decode)
}

// DecodeOptionsFromConfig converts the configured decode settings.
func DecodeOptionsFromConfig(c config.DecodeConfig) DecodeOptions {
	return DecodeOptions{
		Language:       c.Language,
		BeamSize:       c.BeamSize,
		WordTimestamps: c.WordTimestamps,
		VADFilter:      c.VADFilter,
		VAD: VADOptions{
			MinSpeechDuration:  c.MinSpeechDuration,
			MaxSpeechDuration:  c.MaxSpeechDuration,
			MinSilenceDuration: c.MinSilenceDuration,
			SpeechPad:          c.SpeechPad,
			WindowSizeSamples:  c.WindowSizeSamples,
		},
		Temperature:               c.Temperature,
		CompressionRatioThreshold: c.CompressionRatioThreshold,
		ConditionOnPreviousText:   c.ConditionOnPreviousText,
		InitialPrompt:             c.InitialPrompt,
	}
}

// Stream is a lazy, forward-only sequence of recognized segments.
type Stream interface {
	// Next returns the next segment, or io.EOF when the audio is exhausted.
	// Any other error is a *TranscriptionError and ends the stream.
	Next(ctx context.Context) (models.Segment, error)

	// Info describes the audio. Fields may be zero until the first segment.
	Info() Info

	// Close releases the underlying request or buffers.
	Close() error
}

// Engine recognizes speech in a canonical waveform.
// Implementations are safe for concurrent use and hold no per-call state.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, wavPath string, opts DecodeOptions) (Stream, error)
}

// TranscriptionError is a fatal engine failure. Segments already produced
// stay valid; nothing after the failure is recovered.
type TranscriptionError struct {
	Engine string
	Op     string
	Err    error
}

// NewError wraps err as a TranscriptionError. Context errors and existing
// TranscriptionErrors pass through unchanged.
func NewError(engine, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var te *TranscriptionError
	if errors.As(err, &te) {
		return err
	}
	return &TranscriptionError{Engine: engine, Op: op, Err: err}
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Engine, e.Op, e.Err)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}

// SliceStream serves segments that were recognized up front.
type SliceStream struct {
	info     Info
	segments []models.Segment
	pos      int
	closed   bool
}

// NewSliceStream returns a stream over segs.
func NewSliceStream(info Info, segs []models.Segment) *SliceStream {
	return &SliceStream{info: info, segments: segs}
}

func (s *SliceStream) Next(ctx context.Context) (models.Segment, error) {
	if s.closed {
		return models.Segment{}, ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return models.Segment{}, err
	}
	if s.pos >= len(s.segments) {
		return models.Segment{}, io.EOF
	}
	seg := s.segments[s.pos]
	s.pos++
	return seg, nil
}

func (s *SliceStream) Info() Info {
	return s.info
}

func (s *SliceStream) Close() error {
	s.closed = true
	s.segments = nil
	return nil
}
