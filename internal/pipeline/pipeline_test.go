package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"transcript-stream-service/internal/models"
	"transcript-stream-service/internal/observability/metrics"
	"transcript-stream-service/internal/service/audio"
	"transcript-stream-service/internal/service/stt"
	"transcript-stream-service/internal/service/stt/mock"
)

// fakeNormalizer stores the upload and a derived file in the scratch, like
// the real normalizer, without running ffmpeg.
type fakeNormalizer struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (n *fakeNormalizer) Normalize(ctx context.Context, r io.Reader, filename string, scratch audio.Scratch) (*audio.Waveform, error) {
	f, err := scratch.CreateTemp("upload-*.m4a")
	if err != nil {
		return nil, err
	}
	size, _ := io.Copy(f, r)
	f.Close()

	wav := f.Name() + ".wav"
	scratch.Track(wav)

	n.mu.Lock()
	n.paths = append(n.paths, f.Name(), wav)
	n.mu.Unlock()

	if n.err != nil {
		return nil, n.err
	}

	data, _ := audio.EncodeWAV(make([]int16, 16000), 16000)
	if err := os.WriteFile(wav, data, 0o600); err != nil {
		return nil, err
	}
	info, _ := audio.ParseWAVHeader(strings.NewReader(string(data)))
	return &audio.Waveform{UploadPath: f.Name(), Path: wav, UploadBytes: size, Info: info}, nil
}

func (n *fakeNormalizer) assertCleaned(t *testing.T) {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.paths) == 0 {
		t.Fatal("normalizer was never called")
	}
	for _, p := range n.paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("temporary file %s still exists", p)
		}
	}
}

type frameRecorder struct {
	frames []string
	err    error
	after  func(n int)
}

func (r *frameRecorder) WriteFrame(data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, string(data))
	if r.after != nil {
		r.after(len(r.frames))
	}
	return nil
}

func newPipeline(t *testing.T, n Normalizer, e stt.Engine) (*Pipeline, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	p := New(Config{TempDir: t.TempDir(), Decode: stt.DefaultDecodeOptions()}, n, e, nil, m)
	p.newID = func() string { return "inv-test" }
	return p, m
}

func upload() Upload {
	return Upload{Filename: "call.m4a", Body: strings.NewReader("fake audio")}
}

func TestRun_StreamsAttributedSegments(t *testing.T) {
	norm := &fakeNormalizer{}
	engine := mock.NewScripted(
		models.Segment{Start: 0.0, End: 0.2, Text: " one"},
		models.Segment{Start: 0.3, End: 0.4, Text: " two"},
		models.Segment{Start: 1.2, End: 1.25, Text: " three"},
		models.Segment{Start: 1.3, End: 1.5, Text: " four"},
	)
	p, m := newPipeline(t, norm, engine)
	w := &frameRecorder{}

	res := p.Run(context.Background(), upload(), w)

	if res.State != StateCompleted || res.Err != nil {
		t.Fatalf("expected completion, got %v (%v)", res.State, res.Err)
	}
	if res.ID != "inv-test" || res.Segments != 4 || res.Dropped != 0 {
		t.Errorf("unexpected result %+v", res)
	}

	want := []string{
		`{"speaker":"Speaker 1","text":"one","start":0,"end":0.2,"complete":false}`,
		`{"speaker":"Speaker 1","text":"two","start":0.3,"end":0.4,"complete":false}`,
		`{"speaker":"Speaker 2","text":"three","start":1.2,"end":1.25,"complete":false}`,
		`{"speaker":"Speaker 2","text":"four","start":1.3,"end":1.5,"complete":false}`,
		`{"complete":true}`,
	}
	if len(w.frames) != len(want) {
		t.Fatalf("expected %d frames, got %d: %v", len(want), len(w.frames), w.frames)
	}
	for i := range want {
		if w.frames[i] != want[i] {
			t.Errorf("frame %d:\n got  %s\n want %s", i, w.frames[i], want[i])
		}
	}

	calls := engine.Calls()
	if len(calls) != 1 || !strings.HasSuffix(calls[0].WavPath, ".m4a.wav") {
		t.Errorf("engine must receive the canonical waveform, got %+v", calls)
	}
	norm.assertCleaned(t)

	if got := testutil.ToFloat64(m.SpeakerTurns); got != 1 {
		t.Errorf("expected 1 speaker turn recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.InvocationsOutcome.WithLabelValues("completed", "")); got != 1 {
		t.Errorf("expected completed outcome recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.InvocationsActive); got != 0 {
		t.Errorf("expected no active invocations, got %v", got)
	}
}

func TestRun_SilentClipOnlyCompletes(t *testing.T) {
	norm := &fakeNormalizer{}
	p, _ := newPipeline(t, norm, mock.NewScripted())
	w := &frameRecorder{}

	res := p.Run(context.Background(), upload(), w)

	if res.State != StateCompleted {
		t.Fatalf("expected completion, got %v (%v)", res.State, res.Err)
	}
	if len(w.frames) != 1 || w.frames[0] != `{"complete":true}` {
		t.Errorf("expected only the completion marker, got %v", w.frames)
	}
	norm.assertCleaned(t)
}

func TestRun_DropsBlankAndInvalidSegments(t *testing.T) {
	norm := &fakeNormalizer{}
	engine := mock.NewScripted(
		models.Segment{Start: 0, End: 1, Text: "kept"},
		models.Segment{Start: 2, End: 2.5, Text: "   "},
		models.Segment{Start: 3, End: 4, Text: "yo"},
		models.Segment{Start: 6, End: 5, Text: "backwards"},
		models.Segment{Start: 5.2, End: 6, Text: "also kept"},
	)
	p, m := newPipeline(t, norm, engine)
	w := &frameRecorder{}

	res := p.Run(context.Background(), upload(), w)

	if res.State != StateCompleted {
		t.Fatalf("expected completion, got %v (%v)", res.State, res.Err)
	}
	if res.Segments != 3 || res.Dropped != 2 {
		t.Errorf("expected 3 written and 2 dropped, got %+v", res)
	}

	// The blank flips to Speaker 2 without moving the last end, so "yo" flips
	// back. The rejected segment still takes part in attribution.
	want := []string{
		`{"speaker":"Speaker 1","text":"kept","start":0,"end":1,"complete":false}`,
		`{"speaker":"Speaker 1","text":"yo","start":3,"end":4,"complete":false}`,
		`{"speaker":"Speaker 2","text":"also kept","start":5.2,"end":6,"complete":false}`,
		`{"complete":true}`,
	}
	if len(w.frames) != len(want) {
		t.Fatalf("expected %d frames, got %v", len(want), w.frames)
	}
	for i := range want {
		if w.frames[i] != want[i] {
			t.Errorf("frame %d:\n got  %s\n want %s", i, w.frames[i], want[i])
		}
	}

	if got := testutil.ToFloat64(m.SegmentsDropped.WithLabelValues("empty")); got != 1 {
		t.Errorf("expected 1 empty drop, got %v", got)
	}
	if got := testutil.ToFloat64(m.SegmentsDropped.WithLabelValues("invalid")); got != 1 {
		t.Errorf("expected 1 invalid drop, got %v", got)
	}
	if got := testutil.ToFloat64(m.SpeakerTurns); got != 3 {
		t.Errorf("expected 3 speaker turns, got %v", got)
	}
}

func TestRun_DecodeFailureWritesNothing(t *testing.T) {
	norm := &fakeNormalizer{err: &audio.DecodeError{Detail: "Invalid data found when processing input"}}
	engine := mock.New()
	p, m := newPipeline(t, norm, engine)
	w := &frameRecorder{}

	res := p.Run(context.Background(), upload(), w)

	if res.State != StateFailed || res.Err == nil {
		t.Fatalf("expected failure, got %v", res.State)
	}
	if res.Err.Stage != StateNormalizing {
		t.Errorf("expected normalizing stage, got %v", res.Err.Stage)
	}
	var de *audio.DecodeError
	if !errors.As(res.Err, &de) {
		t.Errorf("expected DecodeError cause, got %v", res.Err)
	}
	if len(w.frames) != 0 {
		t.Errorf("expected no frames, got %v", w.frames)
	}
	if len(engine.Calls()) != 0 {
		t.Error("engine must not run after a decode failure")
	}
	norm.assertCleaned(t)
	if got := testutil.ToFloat64(m.InvocationsOutcome.WithLabelValues("failed", "normalizing")); got != 1 {
		t.Errorf("expected failed outcome recorded, got %v", got)
	}
}

func TestRun_EngineStartFailure(t *testing.T) {
	norm := &fakeNormalizer{}
	engine := mock.New()
	engine.StartErr = errors.New("model not loaded")
	p, _ := newPipeline(t, norm, engine)
	w := &frameRecorder{}

	res := p.Run(context.Background(), upload(), w)

	if res.State != StateFailed || res.Err.Stage != StateTranscribing {
		t.Fatalf("expected failure while transcribing, got %v", res.Err)
	}
	var te *stt.TranscriptionError
	if !errors.As(res.Err, &te) {
		t.Errorf("expected TranscriptionError cause, got %v", res.Err)
	}
	if len(w.frames) != 0 {
		t.Errorf("expected no frames, got %v", w.frames)
	}
	norm.assertCleaned(t)
}

func TestRun_EngineFailureMidStream(t *testing.T) {
	norm := &fakeNormalizer{}
	engine := mock.NewScripted(
		models.Segment{Start: 0, End: 1, Text: "one"},
		models.Segment{Start: 1, End: 2, Text: "two"},
		models.Segment{Start: 2, End: 3, Text: "three"},
	)
	engine.FailAt = 2
	engine.FailErr = errors.New("decoder crashed")
	p, _ := newPipeline(t, norm, engine)
	w := &frameRecorder{}

	res := p.Run(context.Background(), upload(), w)

	if res.State != StateFailed || res.Err.Stage != StateStreaming {
		t.Fatalf("expected failure while streaming, got %v", res.Err)
	}
	if len(w.frames) != 2 {
		t.Fatalf("expected the two segments before the failure, got %v", w.frames)
	}
	for _, f := range w.frames {
		if strings.Contains(f, `"complete":true`) {
			t.Error("failed stream must not carry the completion marker")
		}
	}
	if res.Segments != 2 {
		t.Errorf("expected 2 segments counted, got %d", res.Segments)
	}
	norm.assertCleaned(t)
}

func TestRun_ClientDisconnect(t *testing.T) {
	norm := &fakeNormalizer{}
	p, _ := newPipeline(t, norm, mock.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &frameRecorder{after: func(n int) {
		if n == 1 {
			cancel()
		}
	}}

	res := p.Run(ctx, upload(), w)

	if res.State != StateFailed {
		t.Fatalf("expected failure, got %v", res.State)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", res.Err)
	}
	if len(w.frames) != 1 {
		t.Errorf("expected no frames after disconnect, got %v", w.frames)
	}
	norm.assertCleaned(t)
}

func TestRun_FrameWriteFailure(t *testing.T) {
	norm := &fakeNormalizer{}
	p, _ := newPipeline(t, norm, mock.New())
	w := &frameRecorder{err: errors.New("broken pipe")}

	res := p.Run(context.Background(), upload(), w)

	if res.State != StateFailed || res.Err.Stage != StateStreaming {
		t.Fatalf("expected streaming failure, got %v", res.Err)
	}
	norm.assertCleaned(t)
}

type panickingEngine struct{}

func (panickingEngine) Name() string { return "panic" }

func (panickingEngine) Transcribe(ctx context.Context, wavPath string, opts stt.DecodeOptions) (stt.Stream, error) {
	panic("engine bug")
}

func TestRun_CleanupRunsOnPanic(t *testing.T) {
	norm := &fakeNormalizer{}
	p, _ := newPipeline(t, norm, panickingEngine{})

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		p.Run(context.Background(), upload(), &frameRecorder{})
	}()

	norm.assertCleaned(t)
}

func TestRun_ConcurrentInvocationsAreIsolated(t *testing.T) {
	norm := &fakeNormalizer{}
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	p := New(Config{TempDir: t.TempDir()}, norm, mock.New(), nil, m)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	recorders := make([]*frameRecorder, 8)
	for i := range results {
		recorders[i] = &frameRecorder{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Run(context.Background(), upload(), recorders[i])
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	for i, res := range results {
		if res.State != StateCompleted {
			t.Errorf("invocation %d: expected completion, got %v", i, res.Err)
		}
		if ids[res.ID] {
			t.Errorf("duplicate invocation ID %s", res.ID)
		}
		ids[res.ID] = true
		if len(recorders[i].frames) != len(mock.DefaultScript)+1 {
			t.Errorf("invocation %d: expected %d frames, got %d", i, len(mock.DefaultScript)+1, len(recorders[i].frames))
		}
	}
	norm.assertCleaned(t)
}
