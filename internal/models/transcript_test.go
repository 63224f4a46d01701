package models

import (
	"encoding/json"
	"testing"
)

func TestTranscriptEvent_MarshalSegment(t *testing.T) {
	ev := SegmentEvent(AttributedSegment{
		Segment: Segment{Start: 1.5, End: 2.25, Text: "hello there"},
		Speaker: SpeakerB,
	})

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := `{"speaker":"Speaker 2","text":"hello there","start":1.5,"end":2.25,"complete":false}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestTranscriptEvent_MarshalComplete(t *testing.T) {
	data, err := json.Marshal(CompleteEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"complete":true}` {
		t.Errorf("expected terminal marker, got %s", data)
	}
}

func TestTranscriptEvent_MarshalEmpty(t *testing.T) {
	if _, err := json.Marshal(TranscriptEvent{}); err == nil {
		t.Error("expected error for event without payload")
	}
}

func TestTranscriptEvent_Unmarshal(t *testing.T) {
	var ev TranscriptEvent
	if err := json.Unmarshal([]byte(`{"speaker":"Speaker 1","text":"hi","start":0,"end":0.4,"complete":false}`), &ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Complete || ev.Segment == nil {
		t.Fatalf("expected segment event, got %+v", ev)
	}
	if ev.Segment.Speaker != SpeakerA || ev.Segment.Text != "hi" || ev.Segment.End != 0.4 {
		t.Errorf("unexpected segment: %+v", ev.Segment)
	}

	if err := json.Unmarshal([]byte(`{"complete":true}`), &ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ev.Complete || ev.Segment != nil {
		t.Errorf("expected complete event, got %+v", ev)
	}
}

func TestSpeaker(t *testing.T) {
	if SpeakerA.Other() != SpeakerB || SpeakerB.Other() != SpeakerA {
		t.Error("Other should flip between the two speakers")
	}
	if Speaker(7).Valid() {
		t.Error("unexpected valid speaker")
	}
	if _, err := json.Marshal(Speaker(7)); err == nil {
		t.Error("expected error marshalling unknown speaker")
	}
	var s Speaker
	if err := json.Unmarshal([]byte(`"Speaker 3"`), &s); err == nil {
		t.Error("expected error for unknown label")
	}
}
