// Package audio turns uploaded recordings of any container into the canonical
// waveform the transcription engine consumes: mono, 16-bit linear PCM WAV at a
// fixed sample rate, peak normalized.
package audio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"transcript-stream-service/internal/observability/metrics"
)

// silenceFloorDB is the peak below which the input is treated as digital silence.
const silenceFloorDB = -90.0

// Runner executes an external command and returns its stderr.
type Runner func(ctx context.Context, name string, args ...string) (stderr []byte, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// Scratch receives the temporary files created during normalization.
type Scratch interface {
	CreateTemp(pattern string) (*os.File, error)
	Track(path string)
}

// Config holds normalizer settings.
type Config struct {
	FFmpegPath   string
	SampleRateHz int
	TargetPeakDB float64
	DefaultExt   string
	FormatHint   string
}

// DecodeError reports an upload that ffmpeg could not read, even with an
// explicit container hint.
type DecodeError struct {
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	return "audio decode failed: " + e.Detail
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Waveform is a canonical waveform on disk plus the upload it came from.
// Both files stay on disk; the invocation's scratch removes them.
type Waveform struct {
	UploadPath  string
	Path        string
	UploadBytes int64
	Info        WAVInfo
	PeakDB      float64
	GainDB      float64
	FormatHint  string // non-empty when the explicit retry was needed
}

// Normalizer decodes, peak-normalizes, downmixes and resamples uploads with ffmpeg.
type Normalizer struct {
	cfg     Config
	run     Runner
	metrics *metrics.Metrics
}

// NewNormalizer creates a normalizer. A nil runner uses ExecRunner.
func NewNormalizer(cfg Config, run Runner, m *metrics.Metrics) *Normalizer {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = 16000
	}
	if cfg.DefaultExt == "" {
		cfg.DefaultExt = ".m4a"
	}
	if cfg.FormatHint == "" {
		cfg.FormatHint = "mp4"
	}
	if run == nil {
		run = ExecRunner
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Normalizer{cfg: cfg, run: run, metrics: m}
}

// SampleRate returns the canonical sample rate.
func (n *Normalizer) SampleRate() int {
	return n.cfg.SampleRateHz
}

// Normalize persists the upload and converts it to the canonical waveform.
// On failure after the upload was written, a *DecodeError is returned when the
// decoder rejected the input.
func (n *Normalizer) Normalize(ctx context.Context, upload io.Reader, filename string, scratch Scratch) (*Waveform, error) {
	start := time.Now()
	logger := zerolog.Ctx(ctx)

	ext := uploadExt(filename, n.cfg.DefaultExt)
	f, err := scratch.CreateTemp("upload-*" + ext)
	if err != nil {
		n.metrics.RecordNormalizeFailure("io")
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	written, err := io.Copy(f, upload)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		n.metrics.RecordNormalizeFailure("io")
		return nil, fmt.Errorf("store upload: %w", err)
	}

	wf := &Waveform{
		UploadPath:  f.Name(),
		Path:        f.Name() + ".wav",
		UploadBytes: written,
	}
	scratch.Track(wf.Path)

	logger.Debug().
		Str("uploadPath", wf.UploadPath).
		Int64("bytes", written).
		Msg("Saved upload")

	firstErr := n.convert(ctx, wf, "")
	if firstErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		hint := formatHint(ext, n.cfg.FormatHint)
		logger.Info().
			Str("detail", decoderDetail(firstErr)).
			Str("formatHint", hint).
			Msg("Container auto-detection failed, retrying with explicit format")

		if err := n.convert(ctx, wf, hint); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			n.metrics.RecordNormalizeFailure("decode")
			return nil, &DecodeError{
				Detail: strings.ReplaceAll(decoderDetail(err), wf.UploadPath, filepath.Base(filename)),
				Err:    err,
			}
		}
		wf.FormatHint = hint
	}

	info, err := ReadWAVInfo(wf.Path)
	if err != nil {
		n.metrics.RecordNormalizeFailure("format")
		return nil, fmt.Errorf("read canonical waveform: %w", err)
	}
	if !info.IsCanonical(n.cfg.SampleRateHz) {
		n.metrics.RecordNormalizeFailure("format")
		return nil, fmt.Errorf("unexpected canonical format: %d Hz, %d channels, %d bits",
			info.SampleRate, info.Channels, info.BitsPerSample)
	}
	wf.Info = info

	n.metrics.RecordNormalize(written, info.Duration().Seconds(), time.Since(start).Seconds())
	logger.Info().
		Str("wavPath", wf.Path).
		Float64("durationSeconds", info.Duration().Seconds()).
		Float64("peakDb", wf.PeakDB).
		Float64("gainDb", wf.GainDB).
		Msg("Converted to canonical waveform")

	return wf, nil
}

// ffmpegError keeps ffmpeg's stderr next to the exit error.
type ffmpegError struct {
	stderr []byte
	err    error
}

func (e *ffmpegError) Error() string {
	return fmt.Sprintf("ffmpeg: %v: %s", e.err, lastLines(e.stderr, 1))
}

func (e *ffmpegError) Unwrap() error {
	return e.err
}

func decoderDetail(err error) string {
	var fe *ffmpegError
	if errors.As(err, &fe) {
		if detail := lastLines(fe.stderr, 2); detail != "" {
			return detail
		}
		return fe.err.Error()
	}
	return err.Error()
}

// convert runs the measurement pass then the conversion pass. Gain is applied
// ahead of resampling in the same filter graph.
func (n *Normalizer) convert(ctx context.Context, wf *Waveform, hint string) error {
	input := inputArgs(wf.UploadPath, hint)

	measureArgs := append([]string{"-hide_banner", "-nostats"}, input...)
	measureArgs = append(measureArgs, "-vn", "-sn", "-dn", "-af", "volumedetect", "-f", "null", "-")
	stderr, err := n.run(ctx, n.cfg.FFmpegPath, measureArgs...)
	if err != nil {
		return &ffmpegError{stderr: stderr, err: err}
	}
	peak, ok := parseMaxVolume(stderr)
	if !ok {
		return &ffmpegError{stderr: stderr, err: errors.New("no audio samples decoded")}
	}
	gain := peakGain(peak, n.cfg.TargetPeakDB)

	filter := fmt.Sprintf("volume=%.2fdB,aresample=%d", gain, n.cfg.SampleRateHz)
	convertArgs := append([]string{"-hide_banner", "-nostats", "-y"}, input...)
	convertArgs = append(convertArgs,
		"-vn", "-sn", "-dn",
		"-af", filter,
		"-ac", "1",
		"-ar", strconv.Itoa(n.cfg.SampleRateHz),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		wf.Path,
	)
	if stderr, err := n.run(ctx, n.cfg.FFmpegPath, convertArgs...); err != nil {
		return &ffmpegError{stderr: stderr, err: err}
	}

	wf.PeakDB = peak
	wf.GainDB = gain
	return nil
}

func inputArgs(path, hint string) []string {
	if hint == "" {
		return []string{"-i", path}
	}
	return []string{"-f", hint, "-i", path}
}

var maxVolumeRe = regexp.MustCompile(`max_volume:\s*(-?inf|-?[0-9.]+)\s*dB`)

// parseMaxVolume extracts the volumedetect peak from ffmpeg's stderr.
func parseMaxVolume(stderr []byte) (float64, bool) {
	m := maxVolumeRe.FindSubmatch(stderr)
	if m == nil {
		return 0, false
	}
	if strings.HasSuffix(string(m[1]), "inf") {
		return math.Inf(-1), true
	}
	v, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// peakGain returns the gain that brings peak to target. Silence is left alone.
func peakGain(peakDB, targetDB float64) float64 {
	if math.IsInf(peakDB, -1) || peakDB <= silenceFloorDB {
		return 0
	}
	return targetDB - peakDB
}

var extRe = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// uploadExt keeps the declared container extension as a decoder hint.
func uploadExt(filename, def string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !extRe.MatchString(ext) {
		return def
	}
	return ext
}

var demuxers = map[string]string{
	".m4a":  "mp4",
	".m4b":  "mp4",
	".mp4":  "mp4",
	".mov":  "mov",
	".3gp":  "3gp",
	".aac":  "aac",
	".mp3":  "mp3",
	".ogg":  "ogg",
	".oga":  "ogg",
	".opus": "ogg",
	".webm": "webm",
	".mkv":  "matroska",
	".wav":  "wav",
	".flac": "flac",
	".amr":  "amr",
}

// formatHint maps an extension to an explicit ffmpeg demuxer.
func formatHint(ext, def string) string {
	if f, ok := demuxers[ext]; ok {
		return f
	}
	return def
}

// lastLines returns the last n non-empty lines of ffmpeg output, joined.
func lastLines(out []byte, n int) string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "; ")
}
