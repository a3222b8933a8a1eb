package branch

import (
	"sync/atomic"
	"time"

	"github.com/TobiSchelling/StoryForge/internal/choices"
)

// State is the lifecycle position of a Draft.
type State int32

const (
	Previewing State = iota
	// Committing holds the draft while its chapter is written. A failed
	// write returns it to Previewing.
	Committing
	Committed
	Discarded
)

func (s State) String() string {
	switch s {
	case Previewing:
		return "previewing"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

// Draft is a generated chapter that exists only in memory until it is
// committed or discarded. Its content never changes after preview.
type Draft struct {
	ID                  string
	StoryID             string
	SourceChapterID     int64
	SourceChapterNumber int
	SourceChoice        choices.Payload
	TargetChapterNumber int
	Content             string
	Summary             string
	Choices             []choices.Payload
	RejectedChoices     int
	CreatedAt           time.Time

	state atomic.Int32
}

// State reports where the draft is in its lifecycle.
func (d *Draft) State() State {
	return State(d.state.Load())
}

// transition moves the draft from one state to another. It reports false if
// the draft was not in from.
func (d *Draft) transition(from, to State) bool {
	return d.state.CompareAndSwap(int32(from), int32(to))
}
