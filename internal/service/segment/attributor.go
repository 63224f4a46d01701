// Package segment labels recognized segments with conversational turns.
//
// A pause longer than the turn gap between the end of the previous segment and
// the start of the next one is taken as a change of speaker. The labels only
// alternate; they do not identify anyone.
package segment

import (
	"strings"
	"time"

	"transcript-stream-service/internal/models"
)

// DefaultTurnGap is the silence that starts a new turn.
const DefaultTurnGap = 500 * time.Millisecond

// State is the running attribution state of one invocation.
type State struct {
	Current models.Speaker
	LastEnd float64 // seconds
}

// Attributor assigns speakers to segments in recognition order.
// It belongs to a single invocation and is not safe for concurrent use.
type Attributor struct {
	gap   float64
	state State
	turns int
}

// NewAttributor starts at SpeakerA with the last end time at zero.
// A non-positive gap uses DefaultTurnGap.
func NewAttributor(gap time.Duration) *Attributor {
	if gap <= 0 {
		gap = DefaultTurnGap
	}
	return &Attributor{
		gap:   gap.Seconds(),
		state: State{Current: models.SpeakerA},
	}
}

// Attribute labels seg. The pause check runs for every segment, so a blank
// one can still flip the speaker. Segments whose trimmed text is empty are
// then dropped: the second return is false and the last end time stays put.
func (a *Attributor) Attribute(seg models.Segment) (models.AttributedSegment, bool) {
	if seg.Start-a.state.LastEnd > a.gap {
		a.state.Current = a.state.Current.Other()
		a.turns++
	}

	text := strings.TrimSpace(seg.Text)
	if text == "" {
		return models.AttributedSegment{}, false
	}
	a.state.LastEnd = seg.End

	seg.Text = text
	return models.AttributedSegment{Segment: seg, Speaker: a.state.Current}, true
}

// State returns the current attribution state.
func (a *Attributor) State() State {
	return a.state
}

// Turns returns how many speaker changes have been made.
func (a *Attributor) Turns() int {
	return a.turns
}
