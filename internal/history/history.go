// Package history collects the choice state of every active chapter of a
// story, tolerating per-chapter read failures.
package history

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/StoryForge/internal/database"
	"github.com/TobiSchelling/StoryForge/internal/retry"
)

// ChapterLister lists the active path of a story.
type ChapterLister interface {
	ListActive(ctx context.Context, storyID string) ([]database.Chapter, error)
}

// ChoiceReader reads the choices of one chapter version.
type ChoiceReader interface {
	Get(ctx context.Context, chapterID int64) ([]database.Choice, error)
}

// Entry is the choice state of one active chapter.
type Entry struct {
	ChapterNumber int
	ChapterID     int64
	Choices       []database.Choice
	Selected      *database.Choice
	// Inferred is set when no choice is flagged selected but the next active
	// chapter records which choice produced it.
	Inferred bool
}

// History is ordered by chapter number. Failed lists the chapter numbers
// whose choices could not be read.
type History struct {
	StoryID string
	Entries []Entry
	Failed  []int
}

// Entry returns the entry for a chapter number.
func (h *History) Entry(chapterNumber int) (Entry, bool) {
	for _, e := range h.Entries {
		if e.ChapterNumber == chapterNumber {
			return e, true
		}
	}
	return Entry{}, false
}

// Aggregator fetches choice history.
type Aggregator struct {
	chapters    ChapterLister
	choices     ChoiceReader
	policy      retry.Policy
	concurrency int
}

// NewAggregator creates an Aggregator. concurrency bounds parallel reads.
func NewAggregator(chapters ChapterLister, choices ChoiceReader, policy retry.Policy, concurrency int) *Aggregator {
	if concurrency < 1 {
		concurrency = 4
	}
	if policy.MaxTries == 0 {
		policy = retry.DefaultPolicy
	}
	return &Aggregator{chapters: chapters, choices: choices, policy: policy, concurrency: concurrency}
}

// Fetch returns the choice state of every active chapter. A chapter whose
// choices cannot be read after retries is reported in Failed instead of
// failing the call. Only a failure to list the chapters themselves is
// returned as an error.
func (a *Aggregator) Fetch(ctx context.Context, storyID string) (*History, error) {
	active, err := a.chapters.ListActive(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("listing active chapters of %s: %w", storyID, err)
	}

	results := make([]*Entry, len(active))
	var mu sync.Mutex
	var failed []int

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, ch := range active {
		g.Go(func() error {
			cs, err := retry.Read(ctx, a.policy, "reading choices", func() ([]database.Choice, error) {
				return a.choices.Get(ctx, ch.ID)
			})
			if err != nil {
				log.Printf("Choices of story %s chapter %d unavailable: %v", storyID, ch.ChapterNumber, err)
				mu.Lock()
				failed = append(failed, ch.ChapterNumber)
				mu.Unlock()
				return nil
			}
			results[i] = &Entry{ChapterNumber: ch.ChapterNumber, ChapterID: ch.ID, Choices: cs}
			return nil
		})
	}
	g.Wait()

	h := &History{StoryID: storyID, Failed: failed}
	sort.Ints(h.Failed)
	for i, e := range results {
		if e == nil {
			continue
		}
		var next *database.Chapter
		if i+1 < len(active) && active[i+1].ChapterNumber == e.ChapterNumber+1 {
			next = &active[i+1]
		}
		normalizeSelection(e, next)
		h.Entries = append(h.Entries, *e)
	}
	return h, nil
}

// normalizeSelection picks the selected choice of an entry. If several are
// flagged the most recently selected wins; if none is flagged the source
// choice recorded on the next chapter is used.
func normalizeSelection(e *Entry, next *database.Chapter) {
	for i := range e.Choices {
		c := &e.Choices[i]
		if !c.IsSelected {
			continue
		}
		if e.Selected == nil || selectedAfter(c, e.Selected) {
			e.Selected = c
		}
	}
	if e.Selected != nil || next == nil || next.SourceChoiceID == nil {
		return
	}
	for i := range e.Choices {
		if e.Choices[i].ID == *next.SourceChoiceID {
			e.Selected = &e.Choices[i]
			e.Inferred = true
			return
		}
	}
}

func selectedAfter(a, b *database.Choice) bool {
	if a.SelectedAt == nil {
		return false
	}
	if b.SelectedAt == nil {
		return true
	}
	return a.SelectedAt.After(*b.SelectedAt)
}
