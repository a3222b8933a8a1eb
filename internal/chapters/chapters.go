// Package chapters manages the versions stored in each chapter slot of a story.
package chapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
	"github.com/TobiSchelling/StoryForge/internal/database"
	"github.com/TobiSchelling/StoryForge/internal/retry"
)

// Store reads and writes chapter versions. Reads are retried with backoff;
// writes go through the Activator exactly once.
type Store struct {
	db        *database.DB
	activator *Activator
	policy    retry.Policy
}

// NewStore creates a Store. A zero policy falls back to retry.DefaultPolicy.
func NewStore(db *database.DB, policy retry.Policy) *Store {
	if policy.MaxTries == 0 {
		policy = retry.DefaultPolicy
	}
	return &Store{db: db, activator: NewActivator(db), policy: policy}
}

// Activator returns the activator guarding this store's slots.
func (s *Store) Activator() *Activator {
	return s.activator
}

// Create stores the next version of a slot and activates it.
func (s *Store) Create(ctx context.Context, nc database.NewChapter) (*database.Chapter, error) {
	if err := checkSlot(nc.StoryID, nc.ChapterNumber); err != nil {
		return nil, err
	}
	if strings.TrimSpace(nc.Content) == "" {
		return nil, apperr.New(apperr.CodeGenerationFailure,
			"refusing to store empty content for story %s chapter %d", nc.StoryID, nc.ChapterNumber)
	}
	ch, err := s.activator.Create(ctx, nc)
	if err != nil {
		return nil, fmt.Errorf("creating story %s chapter %d: %w", nc.StoryID, nc.ChapterNumber, err)
	}
	return ch, nil
}

// ListActive returns the active path of a story ordered by chapter number.
func (s *Store) ListActive(ctx context.Context, storyID string) ([]database.Chapter, error) {
	return retry.Read(ctx, s.policy, "listing active chapters", func() ([]database.Chapter, error) {
		return s.db.ListActiveChapters(ctx, storyID)
	})
}

// ListVersions returns every version of a slot, newest first.
func (s *Store) ListVersions(ctx context.Context, storyID string, chapterNumber int) ([]database.Chapter, error) {
	return retry.Read(ctx, s.policy, "listing chapter versions", func() ([]database.Chapter, error) {
		return s.db.ListChapterVersions(ctx, storyID, chapterNumber)
	})
}

// ListAll returns every version of every slot of a story in creation order.
func (s *Store) ListAll(ctx context.Context, storyID string) ([]database.Chapter, error) {
	return retry.Read(ctx, s.policy, "listing story versions", func() ([]database.Chapter, error) {
		return s.db.ListAllVersions(ctx, storyID)
	})
}

// Get returns a chapter version by id, or NOT_FOUND.
func (s *Store) Get(ctx context.Context, chapterID int64) (*database.Chapter, error) {
	ch, err := retry.Read(ctx, s.policy, "reading chapter", func() (*database.Chapter, error) {
		return s.db.GetChapter(ctx, chapterID)
	})
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, apperr.New(apperr.CodeNotFound, "chapter %d not found", chapterID)
	}
	return ch, nil
}

// GetActive returns the active version of a slot, or NOT_FOUND.
func (s *Store) GetActive(ctx context.Context, storyID string, chapterNumber int) (*database.Chapter, error) {
	ch, err := retry.Read(ctx, s.policy, "reading active chapter", func() (*database.Chapter, error) {
		return s.db.GetActiveChapter(ctx, storyID, chapterNumber)
	})
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, apperr.New(apperr.CodeNotFound,
			"story %s has no active chapter %d", storyID, chapterNumber)
	}
	return ch, nil
}

// Activate switches the active version of a slot. It is never retried.
func (s *Store) Activate(ctx context.Context, storyID string, chapterNumber int, chapterID int64) error {
	return s.activator.Switch(ctx, storyID, chapterNumber, chapterID)
}
