// Package archive exports the full version history of a story as a git
// repository: one commit per chapter version, then one for the active path.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/TobiSchelling/StoryForge/internal/database"
)

// Source supplies the chapters and choices of a story.
type Source interface {
	ListAll(ctx context.Context, storyID string) ([]database.Chapter, error)
	ListActive(ctx context.Context, storyID string) ([]database.Chapter, error)
}

// ChoiceReader reads the choices of one chapter version.
type ChoiceReader interface {
	Get(ctx context.Context, chapterID int64) ([]database.Choice, error)
}

// Result summarizes an export.
type Result struct {
	Path    string
	Commits int
	Head    string
}

type pathEntry struct {
	ChapterNumber  int            `json:"chapter_number"`
	VersionNumber  int            `json:"version_number"`
	File           string         `json:"file"`
	SourceChoiceID string         `json:"source_choice_id,omitempty"`
	Choices        []choiceRecord `json:"choices"`
}

type choiceRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Impact   string `json:"impact"`
	Selected bool   `json:"selected"`
}

// Exporter writes story archives.
type Exporter struct {
	chapters Source
	choices  ChoiceReader
	author   string
}

// NewExporter creates an Exporter that signs commits as author.
func NewExporter(chapters Source, choices ChoiceReader, author string) *Exporter {
	if author == "" {
		author = "StoryForge"
	}
	return &Exporter{chapters: chapters, choices: choices, author: author}
}

// Export initializes a repository at dir, which must not already hold one.
func (e *Exporter) Export(ctx context.Context, storyID, dir string) (*Result, error) {
	all, err := e.chapters.ListAll(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("story %s has no chapters", storyID)
	}
	active, err := e.chapters.ListActive(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("listing active chapters: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryAlreadyExists) {
			return nil, fmt.Errorf("%s already contains a git repository", dir)
		}
		return nil, fmt.Errorf("init repo: %w", err)
	}
	// PlainInit leaves HEAD on an unborn master; commits must land on main.
	main := plumbing.NewBranchReferenceName("main")
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, main)); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}

	res := &Result{Path: dir}
	var head plumbing.Hash
	for _, ch := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := versionFile(ch)
		if err := writeFile(dir, name, renderChapter(ch)); err != nil {
			return nil, err
		}
		if _, err := worktree.Add(name); err != nil {
			return nil, fmt.Errorf("git add %s: %w", name, err)
		}
		msg := fmt.Sprintf("Chapter %d version %d", ch.ChapterNumber, ch.VersionNumber)
		if ch.SourceChoiceTitle != nil {
			msg += fmt.Sprintf("\n\nChosen: %s", *ch.SourceChoiceTitle)
		}
		if head, err = e.commit(worktree, msg, ch.CreatedAt); err != nil {
			return nil, err
		}
		res.Commits++
	}

	manifest, err := e.activePath(ctx, active)
	if err != nil {
		return nil, err
	}
	if err := writeFile(dir, "active.json", manifest); err != nil {
		return nil, err
	}
	if _, err := worktree.Add("active.json"); err != nil {
		return nil, fmt.Errorf("git add active.json: %w", err)
	}
	if head, err = e.commit(worktree, fmt.Sprintf("Active path of %s (%d chapters)", storyID, len(active)), time.Now()); err != nil {
		return nil, err
	}
	res.Commits++
	res.Head = head.String()
	return res, nil
}

func (e *Exporter) activePath(ctx context.Context, active []database.Chapter) ([]byte, error) {
	entries := make([]pathEntry, 0, len(active))
	for _, ch := range active {
		cs, err := e.choices.Get(ctx, ch.ID)
		if err != nil {
			return nil, fmt.Errorf("reading choices of chapter %d: %w", ch.ChapterNumber, err)
		}
		pe := pathEntry{
			ChapterNumber: ch.ChapterNumber,
			VersionNumber: ch.VersionNumber,
			File:          versionFile(ch),
			Choices:       make([]choiceRecord, 0, len(cs)),
		}
		if ch.SourceChoiceID != nil {
			pe.SourceChoiceID = *ch.SourceChoiceID
		}
		for _, c := range cs {
			pe.Choices = append(pe.Choices, choiceRecord{ID: c.ID, Title: c.Title, Impact: string(c.Impact), Selected: c.IsSelected})
		}
		entries = append(entries, pe)
	}
	payload, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal active path: %w", err)
	}
	return append(payload, '\n'), nil
}

func (e *Exporter) commit(worktree *git.Worktree, msg string, when time.Time) (plumbing.Hash, error) {
	hash, err := worktree.Commit(msg, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  e.author,
			Email: "archive@storyforge.local",
			When:  when,
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit: %w", err)
	}
	return hash, nil
}
func versionFile(ch database.Chapter) string {
	return fmt.Sprintf("chapters/%03d/v%03d.md", ch.ChapterNumber, ch.VersionNumber)
}

func renderChapter(ch database.Chapter) []byte {
	out := fmt.Sprintf("# Chapter %d (version %d)\n\n", ch.ChapterNumber, ch.VersionNumber)
	if ch.Summary != "" {
		out += "> " + ch.Summary + "\n\n"
	}
	return []byte(out + ch.Content + "\n")
}

func writeFile(root, name string, data []byte) error {
	path := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(name), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
