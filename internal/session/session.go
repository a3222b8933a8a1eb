// Package session scopes drafts and cached reads to the one story a client is
// working on, and drops responses that arrive after the client moved on.
package session

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
	"github.com/TobiSchelling/StoryForge/internal/branch"
	"github.com/TobiSchelling/StoryForge/internal/database"
	"github.com/TobiSchelling/StoryForge/internal/history"
)

// Brancher performs the writes a session issues. *branch.Manager implements it.
type Brancher interface {
	Start(ctx context.Context, storyID, premise string) (*branch.CommitResult, error)
	Preview(ctx context.Context, storyID string, chapterNumber int, choiceID string) (*branch.Draft, error)
	Commit(ctx context.Context, d *branch.Draft) (*branch.CommitResult, error)
	Discard(d *branch.Draft) error
	BranchFromOlderChoice(ctx context.Context, storyID string, chapterNumber int, choiceID string) (*branch.CommitResult, error)
	RetryLinks(ctx context.Context, result *branch.CommitResult) error
	SwitchVersion(ctx context.Context, storyID string, chapterNumber int, chapterID int64) error
}

// ActiveLister lists the active chapters of a story.
type ActiveLister interface {
	ListActive(ctx context.Context, storyID string) ([]database.Chapter, error)
}

// HistoryFetcher reads the choice history of a story.
type HistoryFetcher interface {
	Fetch(ctx context.Context, storyID string) (*history.History, error)
}

// state is never modified after it is published; every change installs a
// new value.
type state struct {
	storyID string
	epoch   uint64
	ctx     context.Context
	cancel  context.CancelFunc

	draft      *branch.Draft
	active     []database.Chapter
	history    *history.History
	lastCommit *branch.CommitResult
}

// View is a read-only copy of the session state.
type View struct {
	StoryID    string
	Epoch      uint64
	Draft      *branch.Draft
	Active     []database.Chapter
	History    *history.History
	LastCommit *branch.CommitResult
}

// Session holds the state of one client.
type Session struct {
	branches Brancher
	chapters ActiveLister
	history  HistoryFetcher

	cur    atomic.Pointer[state]
	epochs atomic.Uint64
}

// New creates a session with no story selected.
func New(branches Brancher, chapters ActiveLister, hist HistoryFetcher) *Session {
	s := &Session{branches: branches, chapters: chapters, history: hist}
	ctx, cancel := context.WithCancel(context.Background())
	s.cur.Store(&state{ctx: ctx, cancel: cancel})
	return s
}

// View returns the current state.
func (s *Session) View() View {
	st := s.cur.Load()
	return View{
		StoryID:    st.storyID,
		Epoch:      st.epoch,
		Draft:      st.draft,
		Active:     st.active,
		History:    st.history,
		LastCommit: st.lastCommit,
	}
}

// SwitchTo makes storyID the current story. The new state starts empty and
// is installed before anything for the new story is fetched. Work still
// running for the previous story is cancelled and its results will be
// dropped on arrival. Switching to the current story is a no-op.
func (s *Session) SwitchTo(storyID string) (uint64, error) {
	if storyID == "" {
		return 0, apperr.New(apperr.CodeNotFound, "story id is empty")
	}
	if st := s.cur.Load(); st.storyID == storyID {
		return st.epoch, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	next := &state{storyID: storyID, epoch: s.epochs.Add(1), ctx: ctx, cancel: cancel}
	prev := s.cur.Swap(next)
	prev.cancel()

	if prev.draft != nil {
		s.discard(prev.draft, "switch")
	}
	if prev.storyID != "" {
		log.Printf("Switched session from story %s to %s", prev.storyID, storyID)
	}
	return next.epoch, nil
}

// Refresh reloads the cached active chapters and choice history.
func (s *Session) Refresh(ctx context.Context) (View, error) {
	tag, err := s.tag()
	if err != nil {
		return View{}, err
	}
	ctx, done := s.opContext(ctx, tag)
	defer done()

	active, err := s.chapters.ListActive(ctx, tag.storyID)
	if staleErr := s.checkFresh(tag); staleErr != nil {
		return View{}, staleErr
	}
	if err != nil {
		return View{}, err
	}
	hist, err := s.history.Fetch(ctx, tag.storyID)
	if staleErr := s.checkFresh(tag); staleErr != nil {
		return View{}, staleErr
	}
	if err != nil {
		return View{}, err
	}

	if !s.apply(tag, func(st *state) {
		st.active = active
		st.history = hist
	}) {
		return View{}, staleResponse(tag)
	}
	return s.View(), nil
}

// Start generates a new chapter 1 for the current story. Every later slot
// and any open draft are superseded.
func (s *Session) Start(ctx context.Context, premise string) (*branch.CommitResult, error) {
	tag, err := s.tag()
	if err != nil {
		return nil, err
	}
	ctx, done := s.opContext(ctx, tag)
	defer done()

	result, err := s.branches.Start(ctx, tag.storyID, premise)
	return s.finishWrite(tag, result, err)
}

// Preview asks for a draft of the chapter following choiceID.
func (s *Session) Preview(ctx context.Context, chapterNumber int, choiceID string) (*branch.Draft, error) {
	tag, err := s.tag()
	if err != nil {
		return nil, err
	}
	ctx, done := s.opContext(ctx, tag)
	defer done()

	d, err := s.branches.Preview(ctx, tag.storyID, chapterNumber, choiceID)
	if staleErr := s.checkFresh(tag); staleErr != nil {
		if d != nil {
			s.discard(d, "stale preview")
		}
		return nil, staleErr
	}
	if err != nil {
		return nil, err
	}
	if d.StoryID != tag.storyID {
		s.discard(d, "foreign preview")
		return nil, apperr.New(apperr.CodeStoryIsolationViolation,
			"draft for story %s returned to session of story %s", d.StoryID, tag.storyID)
	}

	if !s.apply(tag, func(st *state) { st.draft = d }) {
		s.discard(d, "stale preview")
		return nil, staleResponse(tag)
	}
	return d, nil
}

// Commit persists the session's current draft. draftID must name it.
func (s *Session) Commit(ctx context.Context, draftID string) (*branch.CommitResult, error) {
	tag, err := s.tag()
	if err != nil {
		return nil, err
	}
	if tag.draft == nil || tag.draft.ID != draftID {
		return nil, apperr.New(apperr.CodeStaleDraft,
			"draft %s is not the current draft of story %s", draftID, tag.storyID)
	}
	if tag.draft.StoryID != tag.storyID {
		return nil, apperr.New(apperr.CodeStoryIsolationViolation,
			"draft %s belongs to story %s, session is on %s", draftID, tag.draft.StoryID, tag.storyID)
	}
	ctx, done := s.opContext(ctx, tag)
	defer done()

	result, err := s.branches.Commit(ctx, tag.draft)
	if apperr.CodeOf(err) == apperr.CodeStaleDraft {
		s.apply(tag, func(st *state) { st.draft = nil })
	}
	return s.finishWrite(tag, result, err)
}

// Discard drops the session's current draft. Unknown or already dropped ids
// are ignored.
func (s *Session) Discard(draftID string) error {
	tag := s.cur.Load()
	if tag.draft == nil || tag.draft.ID != draftID {
		return nil
	}
	if err := s.branches.Discard(tag.draft); err != nil {
		return err
	}
	s.apply(tag, func(st *state) { st.draft = nil })
	return nil
}

// Branch rewrites the story from an earlier choice and commits immediately.
func (s *Session) Branch(ctx context.Context, chapterNumber int, choiceID string) (*branch.CommitResult, error) {
	tag, err := s.tag()
	if err != nil {
		return nil, err
	}
	ctx, done := s.opContext(ctx, tag)
	defer done()

	result, err := s.branches.BranchFromOlderChoice(ctx, tag.storyID, chapterNumber, choiceID)
	return s.finishWrite(tag, result, err)
}

// RetryLinks repairs the links of the last degraded commit.
func (s *Session) RetryLinks(ctx context.Context) (*branch.CommitResult, error) {
	tag, err := s.tag()
	if err != nil {
		return nil, err
	}
	if tag.lastCommit == nil {
		return nil, apperr.New(apperr.CodeNotFound, "story %s has no commit to repair", tag.storyID)
	}
	ctx, done := s.opContext(ctx, tag)
	defer done()

	// Published states are never modified, so the repair works on a copy.
	repair := tag.lastCommit.Clone()
	err = s.branches.RetryLinks(ctx, repair)
	if staleErr := s.checkFresh(tag); staleErr != nil {
		return nil, staleErr
	}
	if !s.apply(tag, func(st *state) {
		if st.lastCommit != tag.lastCommit {
			return
		}
		st.lastCommit = repair
		if err == nil {
			st.history = nil
		}
	}) {
		return nil, staleResponse(tag)
	}
	if err != nil {
		return repair, err
	}
	return repair, nil
}

// Activate switches the active version of a slot in the current story.
func (s *Session) Activate(ctx context.Context, chapterNumber int, chapterID int64) error {
	tag, err := s.tag()
	if err != nil {
		return err
	}
	ctx, done := s.opContext(ctx, tag)
	defer done()

	err = s.branches.SwitchVersion(ctx, tag.storyID, chapterNumber, chapterID)
	if staleErr := s.checkFresh(tag); staleErr != nil {
		return staleErr
	}
	if err != nil {
		return err
	}
	s.apply(tag, func(st *state) {
		st.active = nil
		st.history = nil
	})
	return nil
}

func (s *Session) discard(d *branch.Draft, reason string) {
	if err := s.branches.Discard(d); err != nil {
		log.Printf("Discarding draft %s (%s): %v", d.ID, reason, err)
	}
}

func (s *Session) finishWrite(tag *state, result *branch.CommitResult, err error) (*branch.CommitResult, error) {
	if staleErr := s.checkFresh(tag); staleErr != nil {
		return nil, staleErr
	}
	if err != nil {
		return nil, err
	}
	if result.Chapter.StoryID != tag.storyID {
		return nil, apperr.New(apperr.CodeStoryIsolationViolation,
			"commit for story %s returned chapter of story %s", tag.storyID, result.Chapter.StoryID)
	}
	if !s.apply(tag, func(st *state) {
		st.draft = nil
		st.active = nil
		st.history = nil
		st.lastCommit = result
	}) {
		return nil, staleResponse(tag)
	}
	return result, nil
}

func (s *Session) tag() (*state, error) {
	st := s.cur.Load()
	if st.storyID == "" {
		return nil, apperr.New(apperr.CodeNotFound, "no story selected")
	}
	return st, nil
}

// apply installs a modified copy of the state, but only while the session is
// still in the epoch the work was issued under.
func (s *Session) apply(tag *state, mutate func(*state)) bool {
	for {
		cur := s.cur.Load()
		if cur.epoch != tag.epoch {
			log.Printf("Dropped response for story %s issued before a story switch", tag.storyID)
			return false
		}
		next := *cur
		mutate(&next)
		if s.cur.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

func (s *Session) checkFresh(tag *state) error {
	if s.cur.Load().epoch != tag.epoch {
		log.Printf("Dropped response for story %s issued before a story switch", tag.storyID)
		return staleResponse(tag)
	}
	return nil
}

// opContext ends when either the caller's context or the epoch ends.
func (s *Session) opContext(ctx context.Context, tag *state) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(tag.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func staleResponse(tag *state) error {
	return apperr.New(apperr.CodeStoryIsolationViolation,
		"session left story %s before the response arrived", tag.storyID)
}
