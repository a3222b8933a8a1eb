// Package branch drives the preview, commit and branch workflow that adds new
// chapter versions to a story.
package branch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
	"github.com/TobiSchelling/StoryForge/internal/chapters"
	"github.com/TobiSchelling/StoryForge/internal/choices"
	"github.com/TobiSchelling/StoryForge/internal/database"
	"github.com/TobiSchelling/StoryForge/internal/generate"
	"github.com/TobiSchelling/StoryForge/internal/inflight"
)

// CommitResult describes a persisted chapter version and whether its links
// to the choice graph were all written. When Degraded is true the chapter is
// stored and active, and RetryLinks can finish the remaining work.
type CommitResult struct {
	Chapter         *database.Chapter
	SourceChapterID int64
	SourceChoiceID  string
	SourceSelected  bool
	PendingChoices  []choices.Payload
	AttachedChoices int
	Degraded        bool
	LinkErrors      []string
}

// Clone returns a copy that shares nothing mutable with r.
func (r *CommitResult) Clone() *CommitResult {
	c := *r
	if r.Chapter != nil {
		ch := *r.Chapter
		c.Chapter = &ch
	}
	c.PendingChoices = append([]choices.Payload(nil), r.PendingChoices...)
	c.LinkErrors = append([]string(nil), r.LinkErrors...)
	return &c
}

// ChoiceLinker stores and selects choices. *choices.Registry implements it.
type ChoiceLinker interface {
	Attach(ctx context.Context, chapterID int64, payloads []choices.Payload) (int, error)
	MarkSelected(ctx context.Context, chapterID int64, choiceID string) error
	Find(ctx context.Context, chapterID int64, choiceID string) (*database.Choice, error)
}

// Manager owns the drafts of every story and performs all writes that add
// chapter versions.
type Manager struct {
	store     *chapters.Store
	registry  ChoiceLinker
	generator generate.Generator
	guard     inflight.Guard
	now       func() time.Time

	mu      sync.Mutex
	current map[string]*Draft
}

// NewManager wires a Manager. A nil guard defaults to an in-memory guard.
func NewManager(store *chapters.Store, registry ChoiceLinker, gen generate.Generator, guard inflight.Guard) *Manager {
	if guard == nil {
		guard = inflight.NewMemoryGuard()
	}
	return &Manager{
		store:     store,
		registry:  registry,
		generator: gen,
		guard:     guard,
		now:       time.Now,
		current:   make(map[string]*Draft),
	}
}

// Start generates chapter 1 of a story from a premise and commits it. Calling
// Start on an existing story adds a new version of chapter 1 and supersedes
// every later slot.
func (m *Manager) Start(ctx context.Context, storyID, premise string) (*CommitResult, error) {
	if storyID == "" {
		return nil, apperr.New(apperr.CodeNotFound, "story id is empty")
	}
	release, err := m.guard.Acquire(ctx, storyID, "start")
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := m.generate(ctx, generate.Request{StoryID: storyID, ChapterNumber: 1, Premise: premise})
	if err != nil {
		return nil, err
	}
	m.dropDraft(storyID, "story restarted")

	ch, err := m.store.Create(ctx, database.NewChapter{
		StoryID:        storyID,
		ChapterNumber:  1,
		Content:        resp.Content,
		Summary:        resp.Summary,
		SupersedeLater: true,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Started story %s with chapter 1 v%d", storyID, ch.VersionNumber)

	result := &CommitResult{Chapter: ch, SourceSelected: true, PendingChoices: resp.Choices}
	m.link(ctx, result)
	return result, nil
}

// Preview generates the chapter that would follow choiceID on the active
// version of chapterNumber. Nothing is stored. A previous draft of the same
// story that was never committed is discarded.
func (m *Manager) Preview(ctx context.Context, storyID string, chapterNumber int, choiceID string) (*Draft, error) {
	release, err := m.guard.Acquire(ctx, storyID, "preview")
	if err != nil {
		return nil, err
	}
	defer release()

	source, choice, err := m.resolveSource(ctx, storyID, chapterNumber, choiceID)
	if err != nil {
		return nil, err
	}

	resp, err := m.generate(ctx, generate.Request{
		StoryID:       storyID,
		ChapterNumber: chapterNumber + 1,
		PriorContent:  source.Content,
		Choice:        &choice,
	})
	if err != nil {
		return nil, err
	}

	d := &Draft{
		ID:                  uuid.NewString(),
		StoryID:             storyID,
		SourceChapterID:     source.ID,
		SourceChapterNumber: chapterNumber,
		SourceChoice:        choice,
		TargetChapterNumber: chapterNumber + 1,
		Content:             resp.Content,
		Summary:             resp.Summary,
		Choices:             resp.Choices,
		RejectedChoices:     len(resp.Rejected),
		CreatedAt:           m.now(),
	}

	m.mu.Lock()
	if prev := m.current[storyID]; prev != nil && prev.transition(Previewing, Discarded) {
		log.Printf("Discarded draft %s of story %s, replaced by a new preview", prev.ID, storyID)
	}
	m.current[storyID] = d
	m.mu.Unlock()

	log.Printf("Previewed story %s chapter %d from choice %q (draft %s)", storyID, d.TargetChapterNumber, choice.ID, d.ID)
	return d, nil
}

// Draft returns the current draft of a story by id. It fails with
// STALE_DRAFT when the id is not the story's current draft.
func (m *Manager) Draft(storyID, draftID string) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.current[storyID]
	if d == nil || d.ID != draftID {
		return nil, apperr.New(apperr.CodeStaleDraft, "draft %s is not the current draft of story %s", draftID, storyID)
	}
	return d, nil
}

// CurrentDraft returns the story's uncommitted draft, or nil.
func (m *Manager) CurrentDraft(storyID string) *Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[storyID]
}

// Commit persists a draft as the next version of its target slot, attaches
// the draft's choices and marks the source choice selected. If storing the
// chapter fails nothing changes and the draft stays committable. If only the
// links fail the result is Degraded.
func (m *Manager) Commit(ctx context.Context, d *Draft) (*CommitResult, error) {
	if d == nil {
		return nil, apperr.New(apperr.CodeNotFound, "no draft to commit")
	}
	release, err := m.guard.Acquire(ctx, d.StoryID, "commit")
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.beginCommit(d); err != nil {
		return nil, err
	}

	source, err := m.store.GetActive(ctx, d.StoryID, d.SourceChapterNumber)
	if err != nil {
		d.transition(Committing, Previewing)
		return nil, fmt.Errorf("reading source chapter: %w", err)
	}
	if source.ID != d.SourceChapterID {
		d.transition(Committing, Previewing)
		m.discardIfCurrent(d, "source chapter changed")
		return nil, apperr.New(apperr.CodeStaleDraft,
			"chapter %d of story %s changed since draft %s was previewed", d.SourceChapterNumber, d.StoryID, d.ID)
	}

	ch, err := m.store.Create(ctx, database.NewChapter{
		StoryID:           d.StoryID,
		ChapterNumber:     d.TargetChapterNumber,
		Content:           d.Content,
		Summary:           d.Summary,
		SourceChoiceID:    d.SourceChoice.ID,
		SourceChoiceTitle: d.SourceChoice.Title,
		SupersedeLater:    true,
	})
	if err != nil {
		d.transition(Committing, Previewing)
		return nil, err
	}

	m.mu.Lock()
	d.transition(Committing, Committed)
	if m.current[d.StoryID] == d {
		delete(m.current, d.StoryID)
	}
	m.mu.Unlock()

	result := &CommitResult{
		Chapter:         ch,
		SourceChapterID: d.SourceChapterID,
		SourceChoiceID:  d.SourceChoice.ID,
		PendingChoices:  d.Choices,
	}
	m.link(ctx, result)
	log.Printf("Committed draft %s as story %s chapter %d v%d", d.ID, d.StoryID, ch.ChapterNumber, ch.VersionNumber)
	return result, nil
}

// Discard drops a draft without touching storage. Discarding a draft twice
// is a no-op. A draft whose commit is under way fails with BUSY, and a
// committed draft fails with STALE_DRAFT.
func (m *Manager) Discard(d *Draft) error {
	if d == nil {
		return nil
	}
	switch m.discardIfCurrent(d, "discarded by user") {
	case Committing:
		return apperr.New(apperr.CodeBusy, "draft %s is being committed", d.ID)
	case Committed:
		return apperr.New(apperr.CodeStaleDraft, "draft %s is already committed", d.ID)
	}
	return nil
}

// BranchFromOlderChoice rewrites the story from an earlier decision: it
// generates a new version of slot chapterNumber+1 from choiceID and commits it
// immediately. Every later slot loses its active version but keeps its
// history.
func (m *Manager) BranchFromOlderChoice(ctx context.Context, storyID string, chapterNumber int, choiceID string) (*CommitResult, error) {
	release, err := m.guard.Acquire(ctx, storyID, "branch")
	if err != nil {
		return nil, err
	}
	defer release()

	source, choice, err := m.resolveSource(ctx, storyID, chapterNumber, choiceID)
	if err != nil {
		return nil, err
	}

	resp, err := m.generate(ctx, generate.Request{
		StoryID:       storyID,
		ChapterNumber: chapterNumber + 1,
		PriorContent:  source.Content,
		Choice:        &choice,
	})
	if err != nil {
		return nil, err
	}
	m.dropDraft(storyID, "story branched")

	ch, err := m.store.Create(ctx, database.NewChapter{
		StoryID:           storyID,
		ChapterNumber:     chapterNumber + 1,
		Content:           resp.Content,
		Summary:           resp.Summary,
		SourceChoiceID:    choice.ID,
		SourceChoiceTitle: choice.Title,
		SupersedeLater:    true,
	})
	if err != nil {
		return nil, err
	}

	result := &CommitResult{
		Chapter:         ch,
		SourceChapterID: source.ID,
		SourceChoiceID:  choice.ID,
		PendingChoices:  resp.Choices,
	}
	m.link(ctx, result)
	log.Printf("Branched story %s at chapter %d via %q into chapter %d v%d",
		storyID, chapterNumber, choice.ID, ch.ChapterNumber, ch.VersionNumber)
	return result, nil
}

// RetryLinks finishes a degraded commit without creating another chapter
// version. It returns nil once every link is in place.
func (m *Manager) RetryLinks(ctx context.Context, result *CommitResult) error {
	if result == nil || result.Chapter == nil {
		return apperr.New(apperr.CodeNotFound, "no commit to repair")
	}
	if !result.Degraded {
		return nil
	}
	release, err := m.guard.Acquire(ctx, result.Chapter.StoryID, "retry-links")
	if err != nil {
		return err
	}
	defer release()

	m.link(ctx, result)
	if result.Degraded {
		return apperr.New(apperr.CodePersistenceFailure,
			"chapter %d still has unlinked choices: %v", result.Chapter.ID, result.LinkErrors)
	}
	log.Printf("Repaired links of story %s chapter %d v%d",
		result.Chapter.StoryID, result.Chapter.ChapterNumber, result.Chapter.VersionNumber)
	return nil
}

// SwitchVersion manually activates a historical version of a slot.
func (m *Manager) SwitchVersion(ctx context.Context, storyID string, chapterNumber int, chapterID int64) error {
	release, err := m.guard.Acquire(ctx, storyID, "activate")
	if err != nil {
		return err
	}
	defer release()

	if err := m.store.Activate(ctx, storyID, chapterNumber, chapterID); err != nil {
		return err
	}
	log.Printf("Activated chapter %d as story %s chapter %d", chapterID, storyID, chapterNumber)
	return nil
}

// link writes whatever links of result are still missing and records what
// failed. Choice attachment is idempotent, so already-attached choices are
// skipped on repeat.
func (m *Manager) link(ctx context.Context, result *CommitResult) {
	result.LinkErrors = nil

	if len(result.PendingChoices) > 0 {
		n, err := m.registry.Attach(ctx, result.Chapter.ID, result.PendingChoices)
		if err != nil {
			result.LinkErrors = append(result.LinkErrors, "attach choices: "+err.Error())
		} else {
			result.AttachedChoices += n
			result.PendingChoices = nil
		}
	}

	if !result.SourceSelected && result.SourceChoiceID != "" {
		if err := m.registry.MarkSelected(ctx, result.SourceChapterID, result.SourceChoiceID); err != nil {
			result.LinkErrors = append(result.LinkErrors, "select source choice: "+err.Error())
		} else {
			result.SourceSelected = true
		}
	}

	result.Degraded = len(result.LinkErrors) > 0
	if result.Degraded {
		log.Printf("Chapter %d stored with missing links: %v", result.Chapter.ID, result.LinkErrors)
	}
}

func (m *Manager) resolveSource(ctx context.Context, storyID string, chapterNumber int, choiceID string) (*database.Chapter, choices.Payload, error) {
	source, err := m.store.GetActive(ctx, storyID, chapterNumber)
	if err != nil {
		return nil, choices.Payload{}, err
	}
	c, err := m.registry.Find(ctx, source.ID, choiceID)
	if err != nil {
		return nil, choices.Payload{}, err
	}
	return source, choices.Payload{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		Impact:      string(c.Impact),
		Type:        c.Type,
	}, nil
}

func (m *Manager) generate(ctx context.Context, req generate.Request) (*generate.Response, error) {
	if m.generator == nil {
		return nil, apperr.New(apperr.CodeGenerationFailure, "no generator configured")
	}
	resp, err := m.generator.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StoryID != req.StoryID {
		return nil, apperr.New(apperr.CodeStoryIsolationViolation,
			"generation for story %s returned content tagged %s", req.StoryID, resp.StoryID)
	}
	return resp, nil
}

// beginCommit claims the draft for a commit. From here until the commit
// finishes the draft cannot be discarded.
func (m *Manager) beginCommit(d *Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current[d.StoryID] != d && d.State() == Previewing {
		return apperr.New(apperr.CodeStaleDraft, "draft %s was superseded", d.ID)
	}
	if !d.transition(Previewing, Committing) {
		return apperr.New(apperr.CodeStaleDraft, "draft %s is %s", d.ID, d.State())
	}
	return nil
}

// discardIfCurrent discards a previewing draft and reports the state the
// draft is left in.
func (m *Manager) discardIfCurrent(d *Draft, reason string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.transition(Previewing, Discarded) {
		log.Printf("Discarded draft %s of story %s: %s", d.ID, d.StoryID, reason)
	}
	st := d.State()
	if st == Discarded && m.current[d.StoryID] == d {
		delete(m.current, d.StoryID)
	}
	return st
}

func (m *Manager) dropDraft(storyID, reason string) {
	m.mu.Lock()
	d := m.current[storyID]
	m.mu.Unlock()
	if d != nil {
		m.discardIfCurrent(d, reason)
	}
}
