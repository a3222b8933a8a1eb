package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/TobiSchelling/StoryForge/internal/chapters"
	"github.com/TobiSchelling/StoryForge/internal/choices"
	"github.com/TobiSchelling/StoryForge/internal/database"
	"github.com/TobiSchelling/StoryForge/internal/retry"
)

type failingReader struct {
	inner   ChoiceReader
	failFor map[int64]bool
}

func (f *failingReader) Get(ctx context.Context, chapterID int64) ([]database.Choice, error) {
	if f.failFor[chapterID] {
		return nil, errors.New("connection reset")
	}
	return f.inner.Get(ctx, chapterID)
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *database.DB, story string, n int, choiceIDs ...string) *database.Chapter {
	t.Helper()
	ctx := context.Background()
	ch, err := db.CreateChapterVersion(ctx, database.NewChapter{StoryID: story, ChapterNumber: n, Content: "text"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var ps []choices.Payload
	for _, id := range choiceIDs {
		ps = append(ps, choices.Payload{ID: id, Title: id, Description: id, Impact: "low", Type: "action"})
	}
	if len(ps) > 0 {
		if _, err := choices.NewRegistry(db).Attach(ctx, ch.ID, ps); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	return ch
}

var fast = retry.Policy{MaxTries: 2, InitialInterval: time.Millisecond, MaxElapsed: time.Second}

func TestFetchOrderedWithSelection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ch1 := seed(t, db, "s", 1, "a", "b")
	seed(t, db, "s", 2, "c", "d")
	seed(t, db, "s", 3)
	db.MarkChoiceSelected(ctx, ch1.ID, "b")

	agg := NewAggregator(chapters.NewStore(db, retry.None), choices.NewRegistry(db), fast, 2)
	h, err := agg.Fetch(ctx, "s")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(h.Entries) != 3 || len(h.Failed) != 0 {
		t.Fatalf("expected 3 entries and no failures, got %d / %v", len(h.Entries), h.Failed)
	}
	for i, e := range h.Entries {
		if e.ChapterNumber != i+1 {
			t.Errorf("expected chapter %d at %d, got %d", i+1, i, e.ChapterNumber)
		}
	}
	if h.Entries[0].Selected == nil || h.Entries[0].Selected.ID != "b" {
		t.Error("expected b selected on chapter 1")
	}
	if h.Entries[1].Selected != nil {
		t.Error("expected nothing selected on chapter 2")
	}
}

func TestFetchPartialFailure(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db, "s", 1, "a")
	ch2 := seed(t, db, "s", 2, "b")
	seed(t, db, "s", 3, "c")

	reader := &failingReader{inner: choices.NewRegistry(db), failFor: map[int64]bool{ch2.ID: true}}
	agg := NewAggregator(chapters.NewStore(db, retry.None), reader, fast, 4)

	h, err := agg.Fetch(ctx, "s")
	if err != nil {
		t.Fatalf("expected partial result, got error %v", err)
	}
	if len(h.Failed) != 1 || h.Failed[0] != 2 {
		t.Errorf("expected failed=[2], got %v", h.Failed)
	}
	if len(h.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(h.Entries))
	}
	if _, ok := h.Entry(2); ok {
		t.Error("expected no entry for the failed chapter")
	}
	if e, ok := h.Entry(3); !ok || len(e.Choices) != 1 {
		t.Error("expected chapter 3 entry with its choice")
	}
}

func TestFetchOnlyActiveSlots(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db, "s", 1, "a")
	seed(t, db, "s", 2, "b")
	db.CreateChapterVersion(ctx, database.NewChapter{StoryID: "s", ChapterNumber: 1, Content: "rewrite", SupersedeLater: true})

	agg := NewAggregator(chapters.NewStore(db, retry.None), choices.NewRegistry(db), fast, 1)
	h, err := agg.Fetch(ctx, "s")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(h.Entries) != 1 || len(h.Entries[0].Choices) != 0 {
		t.Errorf("expected only the new chapter 1 with no choices, got %+v", h.Entries)
	}
}

func TestNormalizeSelectionInfersFromNextChapter(t *testing.T) {
	src := "b"
	e := &Entry{ChapterNumber: 1, Choices: []database.Choice{{ID: "a"}, {ID: "b"}}}
	normalizeSelection(e, &database.Chapter{ChapterNumber: 2, SourceChoiceID: &src})
	if e.Selected == nil || e.Selected.ID != "b" || !e.Inferred {
		t.Errorf("expected inferred selection b, got %+v", e.Selected)
	}
}

func TestNormalizeSelectionLatestWins(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	e := &Entry{Choices: []database.Choice{
		{ID: "a", IsSelected: true, SelectedAt: &late},
		{ID: "b", IsSelected: true, SelectedAt: &early},
	}}
	normalizeSelection(e, nil)
	if e.Selected == nil || e.Selected.ID != "a" || e.Inferred {
		t.Errorf("expected a selected, got %+v", e.Selected)
	}
}

func TestFetchEmptyStory(t *testing.T) {
	db := openTestDB(t)
	agg := NewAggregator(chapters.NewStore(db, retry.None), choices.NewRegistry(db), fast, 2)
	h, err := agg.Fetch(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(h.Entries) != 0 || len(h.Failed) != 0 {
		t.Errorf("expected empty history, got %+v", h)
	}
}
