// Package choices attaches reader-facing choices to chapter versions and
// tracks which one the reader took.
package choices

import (
	"context"
	"strings"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
	"github.com/TobiSchelling/StoryForge/internal/database"
)

// Payload is a choice as it arrives from a generator or an API client.
// ChoiceID is accepted as a synonym for ID and folded into it by Normalize.
type Payload struct {
	ID          string `json:"id,omitempty"`
	ChoiceID    string `json:"choice_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Impact      string `json:"impact"`
	Type        string `json:"type"`
}

// Normalize resolves the canonical identifier and checks every required
// field. The returned Payload has ChoiceID cleared.
func Normalize(p Payload) (Payload, error) {
	id := strings.TrimSpace(p.ID)
	synonym := strings.TrimSpace(p.ChoiceID)
	switch {
	case id == "" && synonym == "":
		return Payload{}, apperr.New(apperr.CodeInvalidChoice, "choice %q has no id", p.Title)
	case id != "" && synonym != "" && id != synonym:
		return Payload{}, apperr.New(apperr.CodeInvalidChoice,
			"choice carries conflicting ids %q and %q", id, synonym)
	case id == "":
		id = synonym
	}

	out := Payload{
		ID:          id,
		Title:       strings.TrimSpace(p.Title),
		Description: strings.TrimSpace(p.Description),
		Impact:      strings.ToLower(strings.TrimSpace(p.Impact)),
		Type:        strings.TrimSpace(p.Type),
	}
	if err := Validate(out); err != nil {
		return Payload{}, err
	}
	return out, nil
}

// Validate checks the content fields of a choice.
func Validate(p Payload) error {
	if p.Title == "" {
		return apperr.New(apperr.CodeInvalidChoice, "choice %s is missing a title", p.ID)
	}
	if p.Description == "" {
		return apperr.New(apperr.CodeInvalidChoice, "choice %s is missing a description", p.ID)
	}
	if !database.Impact(p.Impact).Valid() {
		return apperr.New(apperr.CodeInvalidChoice, "choice %s has invalid impact %q", p.ID, p.Impact)
	}
	if p.Type == "" {
		return apperr.New(apperr.CodeInvalidChoice, "choice %s is missing a type", p.ID)
	}
	return nil
}

// Registry stores choices per chapter version.
type Registry struct {
	db *database.DB
}

// NewRegistry creates a Registry backed by db.
func NewRegistry(db *database.DB) *Registry {
	return &Registry{db: db}
}

// Attach normalizes payloads and stores them on a chapter version. The whole
// call is rejected if any payload is invalid or two payloads share an id.
// Re-attaching ids already stored is a no-op, so Attach is safe to retry.
func (r *Registry) Attach(ctx context.Context, chapterID int64, payloads []Payload) (int, error) {
	seen := make(map[string]bool, len(payloads))
	rows := make([]database.Choice, 0, len(payloads))
	for _, p := range payloads {
		n, err := Normalize(p)
		if err != nil {
			return 0, err
		}
		if seen[n.ID] {
			return 0, apperr.New(apperr.CodeInvalidChoice, "duplicate choice id %q", n.ID)
		}
		seen[n.ID] = true
		rows = append(rows, database.Choice{
			ID:          n.ID,
			Title:       n.Title,
			Description: n.Description,
			Impact:      database.Impact(n.Impact),
			Type:        n.Type,
		})
	}
	return r.db.InsertChoices(ctx, chapterID, rows)
}

// MarkSelected records that the reader took choiceID on chapterID.
func (r *Registry) MarkSelected(ctx context.Context, chapterID int64, choiceID string) error {
	return r.db.MarkChoiceSelected(ctx, chapterID, choiceID)
}

// Get returns the choices of a chapter version in creation order.
func (r *Registry) Get(ctx context.Context, chapterID int64) ([]database.Choice, error) {
	return r.db.GetChoices(ctx, chapterID)
}

// Find returns one choice of a chapter version. It fails with INVALID_CHOICE
// when the choice is not attached to that chapter.
func (r *Registry) Find(ctx context.Context, chapterID int64, choiceID string) (*database.Choice, error) {
	all, err := r.db.GetChoices(ctx, chapterID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePersistenceFailure, err, "reading choices of chapter %d", chapterID)
	}
	for i := range all {
		if all[i].ID == choiceID {
			return &all[i], nil
		}
	}
	return nil, apperr.New(apperr.CodeInvalidChoice,
		"choice %q is not attached to chapter %d", choiceID, chapterID)
}

// Selected returns the selected choice among cs, or nil.
func Selected(cs []database.Choice) *database.Choice {
	for i := range cs {
		if cs[i].IsSelected {
			return &cs[i]
		}
	}
	return nil
}
