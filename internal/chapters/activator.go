package chapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
	"github.com/TobiSchelling/StoryForge/internal/database"
)

type slotKey struct {
	story string
	n     int
}

// Activator is the only path that changes which version of a slot is active.
// Writes to one slot are serialized; a second writer arriving while the slot
// is held fails with CONCURRENT_MODIFICATION instead of queuing behind it.
type Activator struct {
	db *database.DB

	mu    sync.Mutex
	slots map[slotKey]*sync.Mutex
}

// NewActivator creates an Activator over db.
func NewActivator(db *database.DB) *Activator {
	return &Activator{db: db, slots: make(map[slotKey]*sync.Mutex)}
}

func (a *Activator) acquire(story string, n int) (func(), error) {
	a.mu.Lock()
	key := slotKey{story, n}
	m, ok := a.slots[key]
	if !ok {
		m = &sync.Mutex{}
		a.slots[key] = m
	}
	a.mu.Unlock()

	if !m.TryLock() {
		return nil, apperr.New(apperr.CodeConcurrentModification,
			"story %s chapter %d is being modified", story, n)
	}
	return m.Unlock, nil
}

// Create stores a new version and makes it the active one of its slot.
func (a *Activator) Create(ctx context.Context, nc database.NewChapter) (*database.Chapter, error) {
	release, err := a.acquire(nc.StoryID, nc.ChapterNumber)
	if err != nil {
		return nil, err
	}
	defer release()
	return a.db.CreateChapterVersion(ctx, nc)
}

// Switch makes an existing version the active one of its slot. Later slots are
// left as they are.
func (a *Activator) Switch(ctx context.Context, storyID string, chapterNumber int, chapterID int64) error {
	if err := checkSlot(storyID, chapterNumber); err != nil {
		return err
	}
	release, err := a.acquire(storyID, chapterNumber)
	if err != nil {
		return err
	}
	defer release()
	if err := a.db.ActivateChapterVersion(ctx, storyID, chapterNumber, chapterID); err != nil {
		return fmt.Errorf("switching story %s chapter %d: %w", storyID, chapterNumber, err)
	}
	return nil
}

func checkSlot(storyID string, chapterNumber int) error {
	if storyID == "" {
		return apperr.New(apperr.CodeNotFound, "story id is empty")
	}
	if chapterNumber < 1 {
		return apperr.New(apperr.CodeNotFound, "chapter number %d is out of range", chapterNumber)
	}
	return nil
}
