// Package google provides a Google Cloud Speech-to-Text engine.
package google

import (
	"context"
	"os"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/durationpb"

	"transcript-stream-service/internal/models"
	"transcript-stream-service/internal/observability/metrics"
	"transcript-stream-service/internal/service/audio"
	"transcript-stream-service/internal/service/stt"
)

const engineName = "google"

// Config holds recognition settings.
type Config struct {
	LanguageCode string // used when the decode options leave the language on auto
	Model        string // optional recognition model, e.g. "latest_long"
}

// DefaultConfig returns the default recognition settings.
func DefaultConfig() Config {
	return Config{LanguageCode: "en-US"}
}

// RecognizeFunc runs a long-running recognition to completion.
type RecognizeFunc func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)

// Engine implements stt.Engine with LongRunningRecognize.
type Engine struct {
	cfg       Config
	recognize RecognizeFunc
	closer    func() error
	metrics   *metrics.Metrics
}

// New creates a Google engine.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config, m *metrics.Metrics) (*Engine, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	recognize := func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
		op, err := c.LongRunningRecognize(ctx, req)
		if err != nil {
			return nil, err
		}
		return op.Wait(ctx)
	}
	e := NewWithRecognizer(cfg, recognize, m)
	e.closer = c.Close
	return e, nil
}

// NewWithRecognizer creates an engine around an arbitrary recognizer.
func NewWithRecognizer(cfg Config, recognize RecognizeFunc, m *metrics.Metrics) *Engine {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = DefaultConfig().LanguageCode
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Engine{cfg: cfg, recognize: recognize, metrics: m}
}

// Name returns the engine identifier.
func (e *Engine) Name() string {
	return engineName
}

// Close releases the client connection.
func (e *Engine) Close() error {
	if e.closer != nil {
		return e.closer()
	}
	return nil
}

// Transcribe sends the waveform inline and waits for the operation. The
// results are then served one segment at a time.
func (e *Engine) Transcribe(ctx context.Context, wavPath string, opts stt.DecodeOptions) (stt.Stream, error) {
	info, err := audio.ReadWAVInfo(wavPath)
	if err != nil {
		e.metrics.RecordEngineError(engineName, "request")
		return nil, stt.NewError(engineName, "read waveform", err)
	}
	content, err := os.ReadFile(wavPath)
	if err != nil {
		e.metrics.RecordEngineError(engineName, "request")
		return nil, stt.NewError(engineName, "read waveform", err)
	}

	req := e.buildRequest(content, int32(info.SampleRate), opts)

	zerolog.Ctx(ctx).Debug().
		Str("languageCode", req.Config.LanguageCode).
		Int32("sampleRateHz", req.Config.SampleRateHertz).
		Int("bytes", len(content)).
		Msg("Starting long-running recognition")

	start := time.Now()
	resp, err := e.recognize(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.metrics.RecordEngineError(engineName, "recognize")
		return nil, stt.NewError(engineName, "recognize", err)
	}
	e.metrics.RecordEngineLatency(engineName, "recognize", time.Since(start).Seconds())

	segs := segmentsFromResults(resp.GetResults())
	return stt.NewSliceStream(responseInfo(resp, info), segs), nil
}

func (e *Engine) buildRequest(content []byte, sampleRate int32, opts stt.DecodeOptions) *speechpb.LongRunningRecognizeRequest {
	lang := opts.Language
	if lang == "" {
		lang = e.cfg.LanguageCode
	}
	return &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            sampleRate,
			AudioChannelCount:          1,
			LanguageCode:               lang,
			EnableWordTimeOffsets:      true,
			EnableAutomaticPunctuation: true,
			Model:                      e.cfg.Model,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: content},
		},
	}
}

// segmentsFromResults maps each final result to one segment: start is the
// first word offset, end is the result end offset.
func segmentsFromResults(results []*speechpb.SpeechRecognitionResult) []models.Segment {
	segs := make([]models.Segment, 0, len(results))
	var prevEnd float64
	for _, r := range results {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		alt := alts[0]
		words := alt.GetWords()

		start := prevEnd
		end := seconds(r.GetResultEndTime())
		if len(words) > 0 {
			start = seconds(words[0].GetStartTime())
			if r.GetResultEndTime() == nil {
				end = seconds(words[len(words)-1].GetEndTime())
			}
		}
		if end < start {
			end = start
		}

		segs = append(segs, models.Segment{Start: start, End: end, Text: alt.GetTranscript()})
		prevEnd = end
	}
	return segs
}

func seconds(d *durationpb.Duration) float64 {
	if d == nil {
		return 0
	}
	return d.AsDuration().Seconds()
}

func responseInfo(resp *speechpb.LongRunningRecognizeResponse, wav audio.WAVInfo) stt.Info {
	info := stt.Info{Duration: wav.Duration()}
	for _, r := range resp.GetResults() {
		if r.GetLanguageCode() != "" {
			info.Language = r.GetLanguageCode()
			break
		}
	}
	return info
}

var _ stt.Engine = (*Engine)(nil)
