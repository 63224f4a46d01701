// Package models defines the data structures for transcript events.
package models

import (
	"encoding/json"
	"fmt"
)

// Speaker is the turn label assigned by the pause heuristic.
// It says nothing about who is actually talking.
type Speaker int

const (
	SpeakerA Speaker = iota
	SpeakerB
)

// String returns the wire label of the speaker.
func (s Speaker) String() string {
	switch s {
	case SpeakerA:
		return "Speaker 1"
	case SpeakerB:
		return "Speaker 2"
	default:
		return fmt.Sprintf("Speaker(%d)", int(s))
	}
}

// Other returns the opposite speaker.
func (s Speaker) Other() Speaker {
	if s == SpeakerA {
		return SpeakerB
	}
	return SpeakerA
}

// Valid reports whether s is one of the two known labels.
func (s Speaker) Valid() bool {
	return s == SpeakerA || s == SpeakerB
}

// MarshalJSON encodes the speaker as its wire label.
func (s Speaker) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid speaker %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a wire label.
func (s *Speaker) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	switch label {
	case SpeakerA.String():
		*s = SpeakerA
	case SpeakerB.String():
		*s = SpeakerB
	default:
		return fmt.Errorf("unknown speaker label %q", label)
	}
	return nil
}

// Segment is one recognized span of speech, times in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// AttributedSegment is a Segment labelled with a speaker turn.
type AttributedSegment struct {
	Segment
	Speaker Speaker `json:"speaker"`
}

// TranscriptEvent is the unit written to the output stream: either an
// attributed segment or the terminal completion marker.
type TranscriptEvent struct {
	Segment  *AttributedSegment
	Complete bool
}

// SegmentEvent wraps an attributed segment.
func SegmentEvent(seg AttributedSegment) TranscriptEvent {
	return TranscriptEvent{Segment: &seg}
}

// CompleteEvent returns the terminal marker.
func CompleteEvent() TranscriptEvent {
	return TranscriptEvent{Complete: true}
}

type segmentRecord struct {
	Speaker  Speaker `json:"speaker"`
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Complete bool    `json:"complete"`
}

type completeRecord struct {
	Complete bool `json:"complete"`
}

// MarshalJSON produces {"speaker","text","start","end","complete":false}
// for segments and {"complete":true} for the terminal marker.
func (e TranscriptEvent) MarshalJSON() ([]byte, error) {
	if e.Complete {
		return json.Marshal(completeRecord{Complete: true})
	}
	if e.Segment == nil {
		return nil, fmt.Errorf("transcript event has neither segment nor completion")
	}
	return json.Marshal(segmentRecord{
		Speaker: e.Segment.Speaker,
		Text:    e.Segment.Text,
		Start:   e.Segment.Start,
		End:     e.Segment.End,
	})
}

// UnmarshalJSON accepts both record shapes.
func (e *TranscriptEvent) UnmarshalJSON(data []byte) error {
	var probe struct {
		Complete bool `json:"complete"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Complete {
		*e = CompleteEvent()
		return nil
	}
	var rec segmentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	*e = SegmentEvent(AttributedSegment{
		Segment: Segment{Start: rec.Start, End: rec.End, Text: rec.Text},
		Speaker: rec.Speaker,
	})
	return nil
}

// TranscriptPublished is the envelope mirrored to the event bus.
type TranscriptPublished struct {
	EventType    string          `json:"eventType"`
	InvocationID string          `json:"invocationId"`
	Filename     string          `json:"filename"`
	Sequence     int             `json:"sequence"`
	Timestamp    int64           `json:"timestamp"`
	Event        TranscriptEvent `json:"event"`
}

const (
	EventTypeSegment  = "transcript.segment"
	EventTypeComplete = "transcript.complete"
)
