package server

import (
	"time"

	"github.com/TobiSchelling/StoryForge/internal/branch"
	"github.com/TobiSchelling/StoryForge/internal/choices"
	"github.com/TobiSchelling/StoryForge/internal/database"
	"github.com/TobiSchelling/StoryForge/internal/history"
	"github.com/TobiSchelling/StoryForge/internal/session"
)

type chapterView struct {
	ID                int64     `json:"id"`
	StoryID           string    `json:"story_id"`
	ChapterNumber     int       `json:"chapter_number"`
	VersionNumber     int       `json:"version_number"`
	Content           string    `json:"content"`
	Summary           string    `json:"summary,omitempty"`
	WordCount         int       `json:"word_count"`
	IsActive          bool      `json:"is_active"`
	SourceChoiceID    string    `json:"source_choice_id,omitempty"`
	SourceChoiceTitle string    `json:"source_choice_title,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type choiceView struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Impact      string     `json:"impact"`
	Type        string     `json:"type"`
	IsSelected  bool       `json:"is_selected"`
	SelectedAt  *time.Time `json:"selected_at,omitempty"`
}

type draftView struct {
	ID                  string            `json:"id"`
	StoryID             string            `json:"story_id"`
	State               string            `json:"state"`
	SourceChapterID     int64             `json:"source_chapter_id"`
	SourceChapterNumber int               `json:"source_chapter_number"`
	SourceChoice        choices.Payload   `json:"source_choice"`
	TargetChapterNumber int               `json:"target_chapter_number"`
	Content             string            `json:"content"`
	Summary             string            `json:"summary,omitempty"`
	Choices             []choices.Payload `json:"choices"`
	RejectedChoices     int               `json:"rejected_choices"`
	CreatedAt           time.Time         `json:"created_at"`
}

type commitView struct {
	Chapter         chapterView       `json:"chapter"`
	SourceChapterID int64             `json:"source_chapter_id,omitempty"`
	SourceChoiceID  string            `json:"source_choice_id,omitempty"`
	SourceSelected  bool              `json:"source_selected"`
	AttachedChoices int               `json:"attached_choices"`
	PendingChoices  []choices.Payload `json:"pending_choices,omitempty"`
	Degraded        bool              `json:"degraded"`
	LinkErrors      []string          `json:"link_errors,omitempty"`
}

type entryView struct {
	ChapterNumber int          `json:"chapter_number"`
	ChapterID     int64        `json:"chapter_id"`
	Choices       []choiceView `json:"choices"`
	SelectedID    string       `json:"selected_choice_id,omitempty"`
	Inferred      bool         `json:"inferred,omitempty"`
}

type historyView struct {
	StoryID string      `json:"story_id"`
	Entries []entryView `json:"entries"`
	Failed  []int       `json:"failed,omitempty"`
}

type sessionView struct {
	StoryID    string        `json:"story_id"`
	Epoch      uint64        `json:"epoch"`
	Draft      *draftView    `json:"draft,omitempty"`
	Active     []chapterView `json:"active"`
	History    *historyView  `json:"history,omitempty"`
	LastCommit *commitView   `json:"last_commit,omitempty"`
}

type storyView struct {
	StoryID        string    `json:"story_id"`
	ActiveChapters int       `json:"active_chapters"`
	TotalVersions  int       `json:"total_versions"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toChapterView(ch database.Chapter) chapterView {
	v := chapterView{
		ID:            ch.ID,
		StoryID:       ch.StoryID,
		ChapterNumber: ch.ChapterNumber,
		VersionNumber: ch.VersionNumber,
		Content:       ch.Content,
		Summary:       ch.Summary,
		WordCount:     ch.WordCount,
		IsActive:      ch.IsActive,
		CreatedAt:     ch.CreatedAt,
	}
	if ch.SourceChoiceID != nil {
		v.SourceChoiceID = *ch.SourceChoiceID
	}
	if ch.SourceChoiceTitle != nil {
		v.SourceChoiceTitle = *ch.SourceChoiceTitle
	}
	return v
}

func toChapterViews(chs []database.Chapter) []chapterView {
	out := make([]chapterView, 0, len(chs))
	for _, ch := range chs {
		out = append(out, toChapterView(ch))
	}
	return out
}

func toChoiceViews(cs []database.Choice) []choiceView {
	out := make([]choiceView, 0, len(cs))
	for _, c := range cs {
		out = append(out, choiceView{
			ID:          c.ID,
			Title:       c.Title,
			Description: c.Description,
			Impact:      string(c.Impact),
			Type:        c.Type,
			IsSelected:  c.IsSelected,
			SelectedAt:  c.SelectedAt,
		})
	}
	return out
}

func toDraftView(d *branch.Draft) *draftView {
	if d == nil {
		return nil
	}
	cs := d.Choices
	if cs == nil {
		cs = []choices.Payload{}
	}
	return &draftView{
		ID:                  d.ID,
		StoryID:             d.StoryID,
		State:               d.State().String(),
		SourceChapterID:     d.SourceChapterID,
		SourceChapterNumber: d.SourceChapterNumber,
		SourceChoice:        d.SourceChoice,
		TargetChapterNumber: d.TargetChapterNumber,
		Content:             d.Content,
		Summary:             d.Summary,
		Choices:             cs,
		RejectedChoices:     d.RejectedChoices,
		CreatedAt:           d.CreatedAt,
	}
}

func toCommitView(r *branch.CommitResult) *commitView {
	if r == nil || r.Chapter == nil {
		return nil
	}
	return &commitView{
		Chapter:         toChapterView(*r.Chapter),
		SourceChapterID: r.SourceChapterID,
		SourceChoiceID:  r.SourceChoiceID,
		SourceSelected:  r.SourceSelected,
		AttachedChoices: r.AttachedChoices,
		PendingChoices:  r.PendingChoices,
		Degraded:        r.Degraded,
		LinkErrors:      r.LinkErrors,
	}
}

func toHistoryView(h *history.History) *historyView {
	if h == nil {
		return nil
	}
	v := &historyView{StoryID: h.StoryID, Entries: make([]entryView, 0, len(h.Entries)), Failed: h.Failed}
	for _, e := range h.Entries {
		ev := entryView{
			ChapterNumber: e.ChapterNumber,
			ChapterID:     e.ChapterID,
			Choices:       toChoiceViews(e.Choices),
			Inferred:      e.Inferred,
		}
		if e.Selected != nil {
			ev.SelectedID = e.Selected.ID
		}
		v.Entries = append(v.Entries, ev)
	}
	return v
}

func toSessionView(v session.View) sessionView {
	return sessionView{
		StoryID:    v.StoryID,
		Epoch:      v.Epoch,
		Draft:      toDraftView(v.Draft),
		Active:     toChapterViews(v.Active),
		History:    toHistoryView(v.History),
		LastCommit: toCommitView(v.LastCommit),
	}
}
