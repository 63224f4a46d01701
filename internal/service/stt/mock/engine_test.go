package mock

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"transcript-stream-service/internal/models"
	"transcript-stream-service/internal/service/stt"
)

func drain(t *testing.T, s stt.Stream) ([]models.Segment, error) {
	t.Helper()
	var out []models.Segment
	for {
		seg, err := s.Next(context.Background())
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, seg)
	}
}

func TestEngine_ReplaysDefaultScript(t *testing.T) {
	e := New()
	s, err := e.Transcribe(context.Background(), "/tmp/a.wav", stt.DefaultDecodeOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	got, err := drain(t, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != len(DefaultScript) {
		t.Fatalf("expected %d segments, got %d", len(DefaultScript), len(got))
	}
	for i := range got {
		if got[i] != DefaultScript[i] {
			t.Errorf("segment %d: got %+v, want %+v", i, got[i], DefaultScript[i])
		}
	}
	if s.Info().Duration != 9900*time.Millisecond {
		t.Errorf("expected duration from last segment, got %v", s.Info().Duration)
	}
	if e.Name() != "mock" {
		t.Errorf("unexpected name %s", e.Name())
	}
}

func TestEngine_RecordsCalls(t *testing.T) {
	e := NewScripted()
	opts := stt.DefaultDecodeOptions()
	opts.Language = "en"

	e.Transcribe(context.Background(), "/tmp/one.wav", opts)
	e.Transcribe(context.Background(), "/tmp/two.wav", opts)

	calls := e.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[1].WavPath != "/tmp/two.wav" || calls[1].Opts.Language != "en" {
		t.Errorf("unexpected call %+v", calls[1])
	}
}

func TestEngine_StartError(t *testing.T) {
	e := NewScripted(models.Segment{Text: "x"})
	e.StartErr = errors.New("model not loaded")

	_, err := e.Transcribe(context.Background(), "/tmp/a.wav", stt.DefaultDecodeOptions())
	var te *stt.TranscriptionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TranscriptionError, got %v", err)
	}
}

func TestEngine_FailAt(t *testing.T) {
	e := NewScripted(
		models.Segment{Start: 0, End: 1, Text: "one"},
		models.Segment{Start: 1, End: 2, Text: "two"},
		models.Segment{Start: 2, End: 3, Text: "three"},
	)
	e.FailAt = 1
	e.FailErr = errors.New("out of memory")

	s, _ := e.Transcribe(context.Background(), "/tmp/a.wav", stt.DefaultDecodeOptions())
	got, err := drain(t, s)

	var te *stt.TranscriptionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TranscriptionError, got %v", err)
	}
	if len(got) != 1 || got[0].Text != "one" {
		t.Errorf("expected only the first segment before failure, got %+v", got)
	}
	if _, err := s.Next(context.Background()); err != io.EOF {
		t.Errorf("expected io.EOF after failure, got %v", err)
	}
}

func TestEngine_DelayHonoursCancellation(t *testing.T) {
	e := NewScripted(models.Segment{Text: "slow"})
	e.Delay = time.Hour

	s, _ := e.Transcribe(context.Background(), "/tmp/a.wav", stt.DefaultDecodeOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestEngine_Close(t *testing.T) {
	s, _ := New().Transcribe(context.Background(), "/tmp/a.wav", stt.DefaultDecodeOptions())
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, stt.ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}
