package database

import "time"

// Impact grades how strongly a choice changes the story.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Valid reports whether i is one of the known impact levels.
func (i Impact) Valid() bool {
	switch i {
	case ImpactLow, ImpactMedium, ImpactHigh:
		return true
	}
	return false
}

// Chapter is one version of a chapter slot.
type Chapter struct {
	ID                int64
	StoryID           string
	ChapterNumber     int
	VersionNumber     int
	Content           string
	Summary           string
	WordCount         int
	IsActive          bool
	SourceChoiceID    *string
	SourceChoiceTitle *string
	CreatedAt         time.Time
}

// NewChapter describes a chapter version to create.
type NewChapter struct {
	StoryID           string
	ChapterNumber     int
	Content           string
	Summary           string
	SourceChoiceID    string
	SourceChoiceTitle string
	// SupersedeLater also removes active status from every slot after
	// ChapterNumber, as happens when the story is rewritten from that point.
	SupersedeLater bool
}

// Choice is a reader-facing option attached to one chapter version.
type Choice struct {
	ID          string
	ChapterID   int64
	Ordinal     int
	Title       string
	Description string
	Impact      Impact
	Type        string
	IsSelected  bool
	SelectedAt  *time.Time
	CreatedAt   time.Time
}

// StorySummary aggregates the chapter rows of one story.
type StorySummary struct {
	StoryID        string
	ActiveChapters int
	TotalVersions  int
	UpdatedAt      time.Time
}

// Stats contains aggregate database statistics.
type Stats struct {
	Stories         int
	ChapterVersions int
	ActiveChapters  int
	Choices         int
	SelectedChoices int
}
