package archive

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/TobiSchelling/StoryForge/internal/database"
)

type dbSource struct{ db *database.DB }

func (s dbSource) ListAll(ctx context.Context, story string) ([]database.Chapter, error) {
	return s.db.ListAllVersions(ctx, story)
}

func (s dbSource) ListActive(ctx context.Context, story string) ([]database.Chapter, error) {
	return s.db.ListActiveChapters(ctx, story)
}

func (s dbSource) Get(ctx context.Context, id int64) ([]database.Choice, error) {
	return s.db.GetChoices(ctx, id)
}

func TestExport(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	ch1, _ := db.CreateChapterVersion(ctx, database.NewChapter{StoryID: "s", ChapterNumber: 1, Content: "Once."})
	db.InsertChoices(ctx, ch1.ID, []database.Choice{{ID: "x", Title: "X", Description: "d", Impact: database.ImpactLow, Type: "action"}})
	db.MarkChoiceSelected(ctx, ch1.ID, "x")
	db.CreateChapterVersion(ctx, database.NewChapter{StoryID: "s", ChapterNumber: 2, Content: "Then.", SourceChoiceID: "x", SourceChoiceTitle: "X"})
	db.CreateChapterVersion(ctx, database.NewChapter{StoryID: "s", ChapterNumber: 2, Content: "Instead.", SourceChoiceID: "x", SourceChoiceTitle: "X"})

	src := dbSource{db}
	dir := filepath.Join(t.TempDir(), "archive")
	res, err := NewExporter(src, src, "").Export(ctx, "s", dir)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.Commits != 4 {
		t.Errorf("expected 4 commits, got %d", res.Commits)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Name().Short() != "main" || head.Hash().String() != res.Head {
		t.Errorf("expected HEAD on main at %s, got %s at %s", res.Head, head.Name(), head.Hash())
	}
	if _, err := repo.Reference(plumbing.Master, false); err == nil {
		t.Error("expected no master branch in the archive")
	}
	branches, _ := repo.Branches()
	names := 0
	branches.ForEach(func(*plumbing.Reference) error {
		names++
		return nil
	})
	if names != 1 {
		t.Errorf("expected only the main branch, got %d branches", names)
	}

	iter, _ := repo.Log(&git.LogOptions{From: head.Hash()})
	count := 0
	iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	})
	if count != 4 {
		t.Errorf("expected 4 commits in log, got %d", count)
	}

	commit, _ := repo.CommitObject(head.Hash())
	f, err := commit.File("chapters/002/v001.md")
	if err != nil {
		t.Fatalf("expected superseded version kept in history: %v", err)
	}
	body, _ := f.Contents()
	if !strings.Contains(body, "Then.") {
		t.Errorf("unexpected chapter file %q", body)
	}

	mf, err := commit.File("active.json")
	if err != nil {
		t.Fatalf("active.json: %v", err)
	}
	raw, _ := mf.Contents()
	var entries []pathEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		t.Fatalf("decode active.json: %v", err)
	}
	if len(entries) != 2 || entries[1].VersionNumber != 2 || !entries[0].Choices[0].Selected {
		t.Errorf("unexpected active path %+v", entries)
	}

	if _, err := NewExporter(src, src, "").Export(ctx, "s", dir); err == nil {
		t.Error("expected error exporting into an existing repository")
	}
}

func TestExportEmptyStory(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	defer db.Close()
	src := dbSource{db}
	if _, err := NewExporter(src, src, "").Export(context.Background(), "none", t.TempDir()); err == nil {
		t.Error("expected error for story without chapters")
	}
}
