// Package whisper transcribes canonical waveforms with an OpenAI-compatible
// faster-whisper server (POST /v1/audio/transcriptions, verbose_json).
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"transcript-stream-service/internal/models"
	"transcript-stream-service/internal/observability/metrics"
	"transcript-stream-service/internal/service/stt"
)

const engineName = "whisper"

// Config holds the server location and retry policy.
type Config struct {
	Endpoint     string
	APIKey       string
	Model        string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration // first retry delay, doubled per attempt
	MaxBackoff   time.Duration
	HTTPClient   *http.Client
}

// Engine implements stt.Engine over HTTP.
type Engine struct {
	cfg     Config
	client  *http.Client
	metrics *metrics.Metrics
}

// New creates a whisper engine.
func New(cfg Config, m *metrics.Metrics) (*Engine, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("whisper: endpoint cannot be empty")
	}
	if cfg.Model == "" {
		return nil, errors.New("whisper: model cannot be empty")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		// The timeout bounds the whole response, including the segment body.
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Engine{cfg: cfg, client: client, metrics: m}, nil
}

// Name returns the engine identifier.
func (e *Engine) Name() string {
	return engineName
}

// Transcribe uploads the waveform and returns a stream that decodes the
// segments array as the response body arrives. Retries only happen before
// the response is accepted, so no segment is ever produced twice.
func (e *Engine) Transcribe(ctx context.Context, wavPath string, opts stt.DecodeOptions) (stt.Stream, error) {
	logger := zerolog.Ctx(ctx)

	body, contentType, err := e.buildForm(wavPath, opts)
	if err != nil {
		e.metrics.RecordEngineError(engineName, "request")
		return nil, stt.NewError(engineName, "build request", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.metrics.RecordEngineRetry(engineName)
			wait := e.backoff(attempt)
			logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("Retrying transcription request")

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := e.doRequest(ctx, body, contentType)
		if err == nil {
			e.metrics.RecordEngineLatency(engineName, "first_byte", time.Since(start).Seconds())
			return newStream(resp.Body, e.metrics), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	e.metrics.RecordEngineError(engineName, "request")
	return nil, stt.NewError(engineName, "request", lastErr)
}

func (e *Engine) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return e.cfg.MaxBackoff
	}
	d := e.cfg.RetryBackoff << (attempt - 1)
	if d <= 0 || d > e.cfg.MaxBackoff {
		return e.cfg.MaxBackoff
	}
	return d
}

// statusError is a non-2xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

func (e *Engine) doRequest(ctx context.Context, body []byte, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &statusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	return resp, nil
}

// buildForm writes the multipart request. Fields the OpenAI API does not know
// are read by faster-whisper servers and ignored elsewhere.
func (e *Engine) buildForm(wavPath string, opts stt.DecodeOptions) ([]byte, string, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"model", e.cfg.Model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
		{"temperature", strconv.FormatFloat(opts.Temperature, 'f', -1, 64)},
		{"beam_size", strconv.Itoa(opts.BeamSize)},
		{"compression_ratio_threshold", strconv.FormatFloat(opts.CompressionRatioThreshold, 'f', -1, 64)},
		{"condition_on_previous_text", strconv.FormatBool(opts.ConditionOnPreviousText)},
		{"vad_filter", strconv.FormatBool(opts.VADFilter)},
	}
	if opts.WordTimestamps {
		fields = append(fields, [2]string{"timestamp_granularities[]", "word"})
	}
	if opts.Language != "" {
		fields = append(fields, [2]string{"language", opts.Language})
	}
	if opts.InitialPrompt != "" {
		fields = append(fields, [2]string{"prompt", opts.InitialPrompt})
	}
	if opts.VADFilter {
		vad, err := json.Marshal(vadParameters(opts.VAD))
		if err != nil {
			return nil, "", err
		}
		fields = append(fields, [2]string{"vad_parameters", string(vad)})
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}

	fw, err := mw.CreateFormFile("file", filepath.Base(wavPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

type wireVAD struct {
	MinSpeechDurationMs  int64    `json:"min_speech_duration_ms"`
	MaxSpeechDurationS   *float64 `json:"max_speech_duration_s,omitempty"`
	MinSilenceDurationMs int64    `json:"min_silence_duration_ms"`
	SpeechPadMs          int64    `json:"speech_pad_ms"`
	WindowSizeSamples    int      `json:"window_size_samples"`
}

// vadParameters omits the max speech duration when unbounded; JSON has no infinity.
func vadParameters(v stt.VADOptions) wireVAD {
	w := wireVAD{
		MinSpeechDurationMs:  v.MinSpeechDuration.Milliseconds(),
		MinSilenceDurationMs: v.MinSilenceDuration.Milliseconds(),
		SpeechPadMs:          v.SpeechPad.Milliseconds(),
		WindowSizeSamples:    v.WindowSizeSamples,
	}
	if v.MaxSpeechDuration > 0 {
		s := v.MaxSpeechDuration.Seconds()
		w.MaxSpeechDurationS = &s
	}
	return w
}

// wireSegment is one element of the verbose_json segments array.
type wireSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type phase int

const (
	phaseObject phase = iota
	phaseSegments
	phaseDone
)

// stream walks the verbose_json object with a token decoder, yielding one
// segment per Next call without buffering the whole response.
type stream struct {
	body    io.ReadCloser
	dec     *json.Decoder
	info    stt.Info
	phase   phase
	started bool
	closed  bool
	metrics *metrics.Metrics
}

func newStream(body io.ReadCloser, m *metrics.Metrics) *stream {
	return &stream{body: body, dec: json.NewDecoder(body), metrics: m}
}

func (s *stream) Info() stt.Info {
	return s.info
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

func (s *stream) Next(ctx context.Context) (models.Segment, error) {
	if s.closed {
		return models.Segment{}, stt.ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return models.Segment{}, err
	}
	seg, err := s.next()
	if err != nil && err != io.EOF {
		s.phase = phaseDone
		if ctx.Err() != nil {
			return models.Segment{}, ctx.Err()
		}
		s.metrics.RecordEngineError(engineName, "decode")
		return models.Segment{}, stt.NewError(engineName, "decode", err)
	}
	return seg, err
}

func (s *stream) next() (models.Segment, error) {
	if s.phase == phaseDone {
		return models.Segment{}, io.EOF
	}
	if !s.started {
		if err := s.expectDelim('{'); err != nil {
			return models.Segment{}, err
		}
		s.started = true
	}

	for {
		switch s.phase {
		case phaseSegments:
			if s.dec.More() {
				var ws wireSegment
				if err := s.dec.Decode(&ws); err != nil {
					return models.Segment{}, fmt.Errorf("segment: %w", err)
				}
				return models.Segment{Start: ws.Start, End: ws.End, Text: ws.Text}, nil
			}
			if err := s.expectDelim(']'); err != nil {
				return models.Segment{}, err
			}
			s.phase = phaseObject

		case phaseObject:
			if !s.dec.More() {
				if err := s.expectDelim('}'); err != nil {
					return models.Segment{}, err
				}
				s.phase = phaseDone
				return models.Segment{}, io.EOF
			}
			if err := s.field(); err != nil {
				return models.Segment{}, err
			}

		default:
			return models.Segment{}, io.EOF
		}
	}
}

// field consumes one key of the top-level object.
func (s *stream) field() error {
	tok, err := s.dec.Token()
	if err != nil {
		return err
	}
	key, ok := tok.(string)
	if !ok {
		return fmt.Errorf("unexpected token %v", tok)
	}

	switch key {
	case "language":
		var lang *string
		if err := s.dec.Decode(&lang); err != nil {
			return fmt.Errorf("language: %w", err)
		}
		if lang != nil {
			s.info.Language = *lang
		}
	case "language_probability":
		if err := s.dec.Decode(&s.info.LanguageProbability); err != nil {
			return fmt.Errorf("language_probability: %w", err)
		}
	case "duration":
		var secs *float64
		if err := s.dec.Decode(&secs); err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		if secs == nil {
			// not reported; Info.Duration stays zero
			return nil
		}
		if *secs < 0 {
			return fmt.Errorf("duration: negative value %v", *secs)
		}
		s.info.Duration = time.Duration(*secs * float64(time.Second))
	case "segments":
		tok, err := s.dec.Token()
		if err != nil {
			return err
		}
		if tok == nil {
			return nil
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return fmt.Errorf("segments: expected array, got %v", tok)
		}
		s.phase = phaseSegments
	default:
		var skip json.RawMessage
		if err := s.dec.Decode(&skip); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (s *stream) expectDelim(want json.Delim) error {
	tok, err := s.dec.Token()
	if err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
