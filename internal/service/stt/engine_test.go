package stt

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"transcript-stream-service/internal/models"
)

func TestDefaultDecodeOptions(t *testing.T) {
	opts := DefaultDecodeOptions()

	if opts.BeamSize != 5 {
		t.Errorf("expected beam size 5, got %d", opts.BeamSize)
	}
	if !opts.WordTimestamps || !opts.VADFilter || !opts.ConditionOnPreviousText {
		t.Errorf("expected word timestamps, vad and conditioning enabled: %+v", opts)
	}
	if opts.VAD.MinSpeechDuration != 100*time.Millisecond || opts.VAD.WindowSizeSamples != 1024 {
		t.Errorf("unexpected vad options: %+v", opts.VAD)
	}
	if !math.IsInf(opts.VAD.MaxSpeechSeconds(), 1) {
		t.Errorf("expected unbounded max speech, got %v", opts.VAD.MaxSpeechSeconds())
	}
	if opts.CompressionRatioThreshold != 2.4 || opts.Temperature != 0 {
		t.Errorf("unexpected thresholds: %+v", opts)
	}
	if opts.Language != "" {
		t.Errorf("expected auto language, got %q", opts.Language)
	}
}

func TestNewError(t *testing.T) {
	base := errors.New("boom")

	err := NewError("whisper", "request", base)
	var te *TranscriptionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TranscriptionError, got %T", err)
	}
	if te.Engine != "whisper" || !errors.Is(err, base) {
		t.Errorf("unexpected error: %+v", te)
	}
	if err.Error() != "whisper request: boom" {
		t.Errorf("unexpected message: %s", err.Error())
	}

	if NewError("whisper", "decode", err) != err {
		t.Error("expected existing TranscriptionError to pass through")
	}
	if got := NewError("whisper", "request", context.Canceled); got != context.Canceled {
		t.Errorf("expected context.Canceled to pass through, got %v", got)
	}
	if NewError("whisper", "request", nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestSliceStream(t *testing.T) {
	segs := []models.Segment{
		{Start: 0, End: 1, Text: "one"},
		{Start: 1, End: 2, Text: "two"},
	}
	s := NewSliceStream(Info{Language: "en"}, segs)
	ctx := context.Background()

	for i, want := range segs {
		got, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("segment %d: unexpected error: %v", i, err)
		}
		if got != want {
			t.Errorf("segment %d: got %+v, want %+v", i, got, want)
		}
	}
	if _, err := s.Next(ctx); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
	if s.Info().Language != "en" {
		t.Errorf("expected info preserved, got %+v", s.Info())
	}

	s.Close()
	if _, err := s.Next(ctx); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}

func TestSliceStream_RespectsContext(t *testing.T) {
	s := NewSliceStream(Info{}, []models.Segment{{Text: "x"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
