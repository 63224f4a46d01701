// Package mock provides a scripted transcription engine for local runs and
// tests without a speech backend. It replays a fixed list of segments with an
// optional per-segment delay and can inject failures at a chosen position.
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"transcript-stream-service/internal/models"
	"transcript-stream-service/internal/service/stt"
)

const engineName = "mock"

// DefaultScript is a short two-party exchange with turn-taking pauses.
var DefaultScript = []models.Segment{
	{Start: 0.0, End: 2.1, Text: " I want to cancel my subscription"},
	{Start: 2.9, End: 4.4, Text: " Can you help me with my account"},
	{Start: 4.6, End: 6.3, Text: " I've been waiting for over an hour"},
	{Start: 7.4, End: 8.2, Text: " Yes please go ahead"},
	{Start: 9.0, End: 9.9, Text: " Thank you very much"},
}

// Call records one Transcribe invocation.
type Call struct {
	WavPath string
	Opts    stt.DecodeOptions
}

// Engine implements stt.Engine with scripted segments.
// Configure it before use; Transcribe is safe for concurrent use.
type Engine struct {
	Segments []models.Segment
	Info     stt.Info
	Delay    time.Duration // before every segment

	// StartErr fails Transcribe itself.
	StartErr error
	// FailAt makes Next fail with FailErr instead of returning segment FailAt.
	// Negative disables the failure.
	FailAt  int
	FailErr error

	mu    sync.Mutex
	calls []Call
}

// New returns an engine replaying DefaultScript.
func New() *Engine {
	return NewScripted(DefaultScript...)
}

// NewScripted returns an engine replaying segs.
func NewScripted(segs ...models.Segment) *Engine {
	return &Engine{
		Segments: segs,
		Info:     stt.Info{Language: "en", LanguageProbability: 1},
		FailAt:   -1,
	}
}

// Name returns the engine identifier.
func (e *Engine) Name() string {
	return engineName
}

// Calls returns the recorded Transcribe calls.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Transcribe starts replaying the script.
func (e *Engine) Transcribe(ctx context.Context, wavPath string, opts stt.DecodeOptions) (stt.Stream, error) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{WavPath: wavPath, Opts: opts})
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.StartErr != nil {
		return nil, stt.NewError(engineName, "start", e.StartErr)
	}

	info := e.Info
	if info.Duration == 0 && len(e.Segments) > 0 {
		last := e.Segments[len(e.Segments)-1]
		info.Duration = time.Duration(last.End * float64(time.Second))
	}
	return &stream{engine: e, info: info}, nil
}

type stream struct {
	engine *Engine
	info   stt.Info
	pos    int
	closed bool
	failed bool
}

func (s *stream) Info() stt.Info {
	return s.info
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}

func (s *stream) Next(ctx context.Context) (models.Segment, error) {
	if s.closed {
		return models.Segment{}, stt.ErrStreamClosed
	}
	if s.failed || s.pos >= len(s.engine.Segments) {
		return models.Segment{}, io.EOF
	}

	if d := s.engine.Delay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return models.Segment{}, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return models.Segment{}, err
	}

	if s.pos == s.engine.FailAt {
		s.failed = true
		return models.Segment{}, stt.NewError(engineName, "decode", s.engine.FailErr)
	}

	seg := s.engine.Segments[s.pos]
	s.pos++
	return seg, nil
}
