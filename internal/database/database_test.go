package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createVersion(t *testing.T, db *DB, story string, n int, content string) *Chapter {
	t.Helper()
	ch, err := db.CreateChapterVersion(context.Background(), NewChapter{
		StoryID: story, ChapterNumber: n, Content: content,
	})
	if err != nil {
		t.Fatalf("failed to create chapter %d: %v", n, err)
	}
	return ch
}

func activeCount(t *testing.T, db *DB, story string, n int) int {
	t.Helper()
	versions, err := db.ListChapterVersions(context.Background(), story, n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	count := 0
	for _, v := range versions {
		if v.IsActive {
			count++
		}
	}
	return count
}

func TestCreateChapterVersionNumbering(t *testing.T) {
	db := openTestDB(t)
	v1 := createVersion(t, db, "story-a", 1, "Once upon a time")
	v2 := createVersion(t, db, "story-a", 1, "A different start entirely")
	other := createVersion(t, db, "story-b", 1, "Elsewhere")

	if v1.VersionNumber != 1 || v2.VersionNumber != 2 {
		t.Errorf("expected versions 1 and 2, got %d and %d", v1.VersionNumber, v2.VersionNumber)
	}
	if other.VersionNumber != 1 {
		t.Errorf("expected other story to start at version 1, got %d", other.VersionNumber)
	}
	if v1.WordCount != 4 {
		t.Errorf("expected word_count 4, got %d", v1.WordCount)
	}
	if got := activeCount(t, db, "story-a", 1); got != 1 {
		t.Errorf("expected exactly 1 active version, got %d", got)
	}

	versions, _ := db.ListChapterVersions(context.Background(), "story-a", 1)
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].VersionNumber != 2 || !versions[0].IsActive {
		t.Error("expected newest version first and active")
	}
}

func TestListActiveChaptersOrdered(t *testing.T) {
	db := openTestDB(t)
	createVersion(t, db, "s", 2, "two")
	createVersion(t, db, "s", 1, "one")
	createVersion(t, db, "s", 3, "three")
	createVersion(t, db, "s", 2, "two again")

	active, err := db.ListActiveChapters(context.Background(), "s")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 active chapters, got %d", len(active))
	}
	for i, ch := range active {
		if ch.ChapterNumber != i+1 {
			t.Errorf("expected chapter %d at index %d, got %d", i+1, i, ch.ChapterNumber)
		}
	}
	if active[1].Content != "two again" {
		t.Errorf("expected latest version of slot 2, got %q", active[1].Content)
	}
}

func TestSupersedeLaterSlots(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	createVersion(t, db, "s", 1, "one")
	createVersion(t, db, "s", 2, "two")
	createVersion(t, db, "s", 3, "three")

	_, err := db.CreateChapterVersion(ctx, NewChapter{
		StoryID: "s", ChapterNumber: 2, Content: "two rewritten", SupersedeLater: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	active, _ := db.ListActiveChapters(ctx, "s")
	if len(active) != 2 {
		t.Fatalf("expected 2 active chapters after supersede, got %d", len(active))
	}
	versions, _ := db.ListChapterVersions(ctx, "s", 3)
	if len(versions) != 1 || versions[0].IsActive {
		t.Error("expected slot 3 retained but inactive")
	}
}

func TestActivateChapterVersion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	v1 := createVersion(t, db, "s", 1, "first")
	createVersion(t, db, "s", 1, "second")

	if err := db.ActivateChapterVersion(ctx, "s", 1, v1.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	active, _ := db.GetActiveChapter(ctx, "s", 1)
	if active == nil || active.ID != v1.ID {
		t.Error("expected version 1 to be active after rollback")
	}
	if got := activeCount(t, db, "s", 1); got != 1 {
		t.Errorf("expected exactly 1 active version, got %d", got)
	}

	// Re-activating the active version is a no-op.
	if err := db.ActivateChapterVersion(ctx, "s", 1, v1.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestActivateWrongSlotNotFound(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	createVersion(t, db, "s", 1, "first")
	ch2 := createVersion(t, db, "s", 2, "second")

	err := db.ActivateChapterVersion(ctx, "s", 1, ch2.ID)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	err = db.ActivateChapterVersion(ctx, "other", 2, ch2.ID)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected NOT_FOUND for foreign story, got %v", err)
	}
}

func TestChoiceLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ch := createVersion(t, db, "s", 1, "start")

	choices := []Choice{
		{ID: "x", Title: "Go left", Description: "Into the woods", Impact: ImpactLow, Type: "action"},
		{ID: "y", Title: "Go right", Description: "Toward the river", Impact: ImpactHigh, Type: "action"},
	}
	n, err := db.InsertChoices(ctx, ch.ID, choices)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 inserted, got %d", n)
	}

	// Retried attachment does not duplicate.
	n, err = db.InsertChoices(ctx, ch.ID, choices)
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 inserted on retry, got %d", n)
	}

	if err := db.MarkChoiceSelected(ctx, ch.ID, "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.MarkChoiceSelected(ctx, ch.ID, "y"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := db.GetChoices(ctx, ch.ID)
	if len(got) != 2 {
		t.Fatalf("expected 2 choices, got %d", len(got))
	}
	if got[0].ID != "x" || got[1].ID != "y" {
		t.Errorf("expected creation order x, y; got %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].IsSelected || got[0].SelectedAt != nil {
		t.Error("expected x to be unselected")
	}
	if !got[1].IsSelected || got[1].SelectedAt == nil {
		t.Error("expected y to be selected with a timestamp")
	}
}

func TestMarkChoiceSelectedInvalid(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ch1 := createVersion(t, db, "s", 1, "one")
	ch2 := createVersion(t, db, "s", 2, "two")
	db.InsertChoices(ctx, ch1.ID, []Choice{{ID: "x", Title: "t", Description: "d", Impact: ImpactLow, Type: "action"}})

	err := db.MarkChoiceSelected(ctx, ch2.ID, "x")
	if !errors.Is(err, apperr.ErrInvalidChoice) {
		t.Errorf("expected INVALID_CHOICE for choice on another chapter, got %v", err)
	}
}

func TestInsertChoicesUnknownChapter(t *testing.T) {
	db := openTestDB(t)
	_, err := db.InsertChoices(context.Background(), 999, []Choice{{ID: "x", Impact: ImpactLow}})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestListStoriesAndStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	createVersion(t, db, "a", 1, "one")
	createVersion(t, db, "a", 1, "one again")
	createVersion(t, db, "b", 1, "other")

	stories, err := db.ListStories(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stories) != 2 {
		t.Fatalf("expected 2 stories, got %d", len(stories))
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Stories != 2 || stats.ChapterVersions != 3 || stats.ActiveChapters != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
