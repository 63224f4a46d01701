package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"transcript-stream-service/internal/models"
	"transcript-stream-service/internal/schema"
)

func main() {
	audioFile := flag.String("audio", "../../testdata/sample.m4a", "Path to an audio file in any container ffmpeg reads")
	serverURL := flag.String("server", "http://localhost:8000", "Transcript stream service base URL")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall request timeout")
	validate := flag.Bool("validate", true, "Check every streamed record against the wire format")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	// Stream the multipart body instead of buffering the whole file.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(*audioFile))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(*serverURL, "/")+"/transcribe", pr)
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	log.Printf("Uploading %s to %s", *audioFile, *serverURL)
	startTime := time.Now()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Upload failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		log.Fatalf("Server rejected upload (%s): %s", resp.Status, e.Detail)
	}

	validator := schema.New(zerolog.Nop())
	var segments int
	completed := false

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := []byte(strings.TrimPrefix(line, "data: "))

		if *validate {
			if err := validator.ValidateRecord(data); err != nil {
				log.Fatalf("Invalid record %s: %v", data, err)
			}
		}

		var event models.TranscriptEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Fatalf("Failed to decode record %s: %v", data, err)
		}
		if event.Complete {
			completed = true
			continue
		}
		segments++
		seg := event.Segment
		fmt.Printf("[%7.2f - %7.2f] %s: %s\n", seg.Start, seg.End, seg.Speaker, seg.Text)
	}
	if err := sc.Err(); err != nil {
		log.Fatalf("Stream read failed: %v", err)
	}

	if !completed {
		log.Fatalf("Stream ended without completion after %d segments", segments)
	}
	log.Printf("Transcript completed: %d segments in %v", segments, time.Since(startTime).Round(time.Millisecond))
}
