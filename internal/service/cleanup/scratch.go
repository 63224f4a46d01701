// Package cleanup tracks the temporary files of one pipeline invocation and
// removes them when the invocation ends.
package cleanup

import (
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"transcript-stream-service/internal/observability/metrics"
)

// Scratch owns temporary files for a single invocation.
// Cleanup removes everything tracked; failures are logged and counted, never returned.
type Scratch struct {
	dir     string
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	paths   []string
	cleaned bool
}

// New creates a scratch area rooted at dir (os.TempDir when empty).
func New(dir string, logger zerolog.Logger, m *metrics.Metrics) *Scratch {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Scratch{dir: dir, logger: logger, metrics: m}
}

// CreateTemp creates and tracks a new temporary file. The caller closes it.
func (s *Scratch) CreateTemp(pattern string) (*os.File, error) {
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return nil, err
	}
	s.Track(f.Name())
	return f, nil
}

// Track registers a path for removal. Paths may not exist yet.
func (s *Scratch) Track(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
}

// Paths returns the tracked paths in registration order.
func (s *Scratch) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Cleanup removes every tracked path, newest first. Idempotent.
// Returns the number of paths that could not be removed.
func (s *Scratch) Cleanup() int {
	s.mu.Lock()
	paths := s.paths
	s.paths = nil
	s.cleaned = true
	s.mu.Unlock()

	failed := 0
	for i := len(paths) - 1; i >= 0; i-- {
		err := os.Remove(paths[i])
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		failed++
		s.metrics.RecordCleanupError()
		s.logger.Warn().
			Err(err).
			Str("path", paths[i]).
			Msg("Failed to remove temporary file")
	}

	s.logger.Debug().
		Int("removed", len(paths)-failed).
		Int("failed", failed).
		Msg("Temporary files cleaned up")
	return failed
}

// Cleaned reports whether Cleanup has run.
func (s *Scratch) Cleaned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleaned
}
