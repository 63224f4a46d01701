// Package schema checks transcript events before they reach a client.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"transcript-stream-service/internal/models"
)

// ErrInvalidEvent is wrapped by every validation failure.
var ErrInvalidEvent = errors.New("invalid transcript event")

var segmentKeys = []string{"speaker", "text", "start", "end", "complete"}

// Validator enforces the transcript record contract.
type Validator struct {
	logger zerolog.Logger
}

// New creates a validator.
func New(logger zerolog.Logger) *Validator {
	return &Validator{logger: logger}
}

// Validate checks an event before serialization.
func (v *Validator) Validate(event models.TranscriptEvent) error {
	if event.Complete {
		if event.Segment != nil {
			return v.fail("completion marker carries a segment")
		}
		return nil
	}

	seg := event.Segment
	if seg == nil {
		return v.fail("event has neither segment nor completion")
	}
	if !seg.Speaker.Valid() {
		return v.fail("unknown speaker %d", int(seg.Speaker))
	}
	if strings.TrimSpace(seg.Text) == "" {
		return v.fail("empty text")
	}
	if !finite(seg.Start) || !finite(seg.End) {
		return v.fail("non-finite timestamps %v..%v", seg.Start, seg.End)
	}
	if seg.Start < 0 {
		return v.fail("negative start %v", seg.Start)
	}
	if seg.End < seg.Start {
		return v.fail("end %v before start %v", seg.End, seg.Start)
	}
	return nil
}

// ValidateRecord checks a serialized record: the exact key set of its shape,
// then the event it decodes to.
func (v *Validator) ValidateRecord(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return v.fail("not a JSON object: %v", err)
	}

	var complete bool
	if raw, ok := fields["complete"]; !ok {
		return v.fail("missing complete flag")
	} else if err := json.Unmarshal(raw, &complete); err != nil {
		return v.fail("complete flag is not a boolean")
	}

	if complete {
		if len(fields) != 1 {
			return v.fail("completion marker has %d fields", len(fields))
		}
		return nil
	}

	if len(fields) != len(segmentKeys) {
		return v.fail("segment record has %d fields, want %d", len(fields), len(segmentKeys))
	}
	for _, k := range segmentKeys {
		if _, ok := fields[k]; !ok {
			return v.fail("segment record missing %q", k)
		}
	}

	var event models.TranscriptEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return v.fail("decode: %v", err)
	}
	return v.Validate(event)
}

func (v *Validator) fail(format string, args ...any) error {
	err := fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
	v.logger.Debug().Err(err).Msg("Schema validation failed")
	return err
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
