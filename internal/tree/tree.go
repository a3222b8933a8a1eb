// Package tree projects the active path of a story into nodes and edges for
// visualization.
package tree

import (
	"context"
	"fmt"
	"sort"

	"github.com/TobiSchelling/StoryForge/internal/database"
)

// Node is one active chapter.
type Node struct {
	ID            string `json:"id"`
	Slot          string `json:"slot"`
	ChapterID     int64  `json:"chapter_id"`
	ChapterNumber int    `json:"chapter_number"`
	VersionNumber int    `json:"version_number"`
	Content       string `json:"content"`
	Summary       string `json:"summary,omitempty"`
	WordCount     int    `json:"word_count"`
}

// Edge is one choice offered by an active chapter. Target is empty for a
// choice the reader has not taken.
type Edge struct {
	ID                  string `json:"id"`
	Source              string `json:"source"`
	Target              string `json:"target,omitempty"`
	TargetChapterNumber int    `json:"target_chapter_number,omitempty"`
	ChoiceID            string `json:"choice_id"`
	Title               string `json:"title"`
	Description         string `json:"description"`
	Impact              string `json:"impact"`
	Type                string `json:"type"`
	Selected            bool   `json:"selected"`
}

// Tree is the projection of a story.
type Tree struct {
	StoryID string `json:"story_id"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// ChapterLister lists the active path of a story.
type ChapterLister interface {
	ListActive(ctx context.Context, storyID string) ([]database.Chapter, error)
}

// ChoiceReader reads the choices of one chapter version.
type ChoiceReader interface {
	Get(ctx context.Context, chapterID int64) ([]database.Choice, error)
}

// Builder reads a story and projects it.
type Builder struct {
	chapters ChapterLister
	choices  ChoiceReader
}

// NewBuilder creates a Builder.
func NewBuilder(chapters ChapterLister, choices ChoiceReader) *Builder {
	return &Builder{chapters: chapters, choices: choices}
}

// Build reads the active chapters of a story with their choices and projects
// them. Any read failure fails the build; a partial tree is never returned.
func (b *Builder) Build(ctx context.Context, storyID string) (*Tree, error) {
	active, err := b.chapters.ListActive(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("listing active chapters: %w", err)
	}
	byChapter := make(map[int64][]database.Choice, len(active))
	for _, ch := range active {
		cs, err := b.choices.Get(ctx, ch.ID)
		if err != nil {
			return nil, fmt.Errorf("reading choices of chapter %d: %w", ch.ChapterNumber, err)
		}
		byChapter[ch.ID] = cs
	}
	return Project(storyID, active, byChapter), nil
}

// Project is the pure projection: one node per active chapter ordered by
// chapter number, and one edge per choice ordered by chapter number then
// choice creation order. A selected choice points at the next active chapter
// in slot order when there is one, even across a gap in chapter numbers.
func Project(storyID string, active []database.Chapter, byChapter map[int64][]database.Choice) *Tree {
	chs := make([]database.Chapter, len(active))
	copy(chs, active)
	sort.SliceStable(chs, func(i, j int) bool { return chs[i].ChapterNumber < chs[j].ChapterNumber })

	t := &Tree{StoryID: storyID, Nodes: []Node{}, Edges: []Edge{}}
	for _, ch := range chs {
		id := nodeID(ch)
		t.Nodes = append(t.Nodes, Node{
			ID:            id,
			Slot:          fmt.Sprintf("slot-%d", ch.ChapterNumber),
			ChapterID:     ch.ID,
			ChapterNumber: ch.ChapterNumber,
			VersionNumber: ch.VersionNumber,
			Content:       ch.Content,
			Summary:       ch.Summary,
			WordCount:     ch.WordCount,
		})
	}

	for i, ch := range chs {
		cs := make([]database.Choice, len(byChapter[ch.ID]))
		copy(cs, byChapter[ch.ID])
		sort.SliceStable(cs, func(i, j int) bool { return cs[i].Ordinal < cs[j].Ordinal })

		for _, c := range cs {
			e := Edge{
				ID:          fmt.Sprintf("%s/%s", nodeID(ch), c.ID),
				Source:      nodeID(ch),
				ChoiceID:    c.ID,
				Title:       c.Title,
				Description: c.Description,
				Impact:      string(c.Impact),
				Type:        c.Type,
				Selected:    c.IsSelected,
			}
			if c.IsSelected && i+1 < len(chs) {
				next := chs[i+1]
				e.Target = nodeID(next)
				e.TargetChapterNumber = next.ChapterNumber
			}
			t.Edges = append(t.Edges, e)
		}
	}
	return t
}

func nodeID(ch database.Chapter) string {
	return fmt.Sprintf("ch%d-v%d", ch.ChapterNumber, ch.VersionNumber)
}
