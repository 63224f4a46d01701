// Package http exposes the transcription pipeline over HTTP: a multipart
// upload in, a server-sent event stream out.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"transcript-stream-service/internal/app"
	"transcript-stream-service/internal/observability/logging"
	"transcript-stream-service/internal/pipeline"
	"transcript-stream-service/internal/service/audio"
	"transcript-stream-service/internal/stream"
)

// uploadField is the multipart form field carrying the audio file.
const uploadField = "file"

// TranscribeHandler serves POST /transcribe.
type TranscribeHandler struct {
	app    *app.Application
	logger zerolog.Logger
}

// NewTranscribeHandler creates the upload handler.
func NewTranscribeHandler(a *app.Application) *TranscribeHandler {
	return &TranscribeHandler{app: a, logger: logging.WithComponent("http")}
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Detail: detail})
}

func (h *TranscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With().
		Str("requestId", middleware.GetReqID(ctx)).
		Logger()

	if limit := h.app.Cfg.Service.MaxUploadSize; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	part, err := filePart(r)
	if err != nil {
		logger.Warn().Err(err).Msg("Rejected upload")
		detail := "Invalid multipart upload: " + err.Error()
		if errors.Is(err, errNoFile) {
			detail = "No file provided"
		}
		writeError(w, http.StatusBadRequest, detail)
		return
	}
	defer part.Close()

	waitStart := time.Now()
	if err := h.app.Limiter.Acquire(ctx, 1); err != nil {
		h.app.Metrics.RecordConcurrencyWait(time.Since(waitStart).Seconds())
		logger.Warn().Err(err).Msg("Gave up waiting for a transcription slot")
		writeError(w, http.StatusServiceUnavailable, "Server busy, try again later")
		return
	}
	defer h.app.Limiter.Release(1)
	h.app.Metrics.RecordConcurrencyWait(time.Since(waitStart).Seconds())

	filename := part.FileName()
	if filename == "" {
		filename = "upload"
	}

	sse := stream.NewSSEWriter(w)
	res := h.app.Pipeline.Run(ctx, pipeline.Upload{Filename: filename, Body: part}, sse)
	if res.Err == nil || sse.Started() {
		// Once frames are out the only signal left is the missing completion marker.
		return
	}

	code, detail := errorStatus(res.Err)
	if code == 0 {
		return
	}
	writeError(w, code, detail)
}

var errNoFile = errors.New("missing \"" + uploadField + "\" field")

// filePart advances the multipart body to the upload field.
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errNoFile
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == uploadField {
			return part, nil
		}
		part.Close()
	}
}

// errorStatus maps a failure that happened before the first frame to an HTTP
// response. A zero code means the client is gone and nothing should be written.
func errorStatus(f *pipeline.Failure) (int, string) {
	var decodeErr *audio.DecodeError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(f, context.Canceled):
		return 0, ""
	case errors.As(f, &tooLarge):
		return http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit)
	case errors.As(f, &decodeErr):
		return http.StatusBadRequest, "Error processing audio: " + decodeErr.Detail
	case f.Stage == pipeline.StateNormalizing:
		return http.StatusInternalServerError, "Error processing audio: " + f.Err.Error()
	default:
		return http.StatusInternalServerError, "Transcription error: " + f.Err.Error()
	}
}
