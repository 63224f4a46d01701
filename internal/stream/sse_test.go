package stream

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSSEWriter_CommitsHeadersOnFirstFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)

	if w.Started() {
		t.Fatal("headers must not be committed before the first frame")
	}
	if err := w.WriteFrame([]byte(`{"complete":true}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.Started() {
		t.Error("expected headers committed")
	}

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", res.StatusCode)
	}
	for header, want := range map[string]string{
		"Content-Type":  "text/event-stream",
		"Cache-Control": "no-cache",
		"Connection":    "keep-alive",
	} {
		if got := res.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if !rec.Flushed {
		t.Error("expected frame to be flushed")
	}
}

func TestSSEWriter_FrameFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)

	w.WriteFrame([]byte(`{"a":1}`))
	w.WriteFrame([]byte(`{"complete":true}`))

	want := "data: {\"a\":1}\n\ndata: {\"complete\":true}\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

type noFlushWriter struct {
	header http.Header
}

func (w *noFlushWriter) Header() http.Header { return w.header }
func (w *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *noFlushWriter) WriteHeader(int) {}

func TestSSEWriter_RequiresFlusher(t *testing.T) {
	w := NewSSEWriter(&noFlushWriter{header: http.Header{}})
	if err := w.WriteFrame([]byte("{}")); err != ErrStreamingUnsupported {
		t.Errorf("expected ErrStreamingUnsupported, got %v", err)
	}
}
