// Package inflight enforces at most one running preview or commit per story.
package inflight

import (
	"context"
	"sync"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
)

// Guard hands out per-story exclusive slots. Acquire never waits: a story
// that is already busy yields a BUSY error.
type Guard interface {
	Acquire(ctx context.Context, storyID, op string) (release func(), err error)
}

// MemoryGuard keeps slots in process memory.
type MemoryGuard struct {
	mu   sync.Mutex
	busy map[string]string
}

// NewMemoryGuard creates an empty in-process guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{busy: make(map[string]string)}
}

// Acquire claims storyID for op.
func (g *MemoryGuard) Acquire(_ context.Context, storyID, op string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if holder, ok := g.busy[storyID]; ok {
		return nil, apperr.New(apperr.CodeBusy, "story %s is busy with %s", storyID, holder)
	}
	g.busy[storyID] = op

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.busy, storyID)
			g.mu.Unlock()
		})
	}, nil
}
