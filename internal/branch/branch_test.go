package branch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
	"github.com/TobiSchelling/StoryForge/internal/chapters"
	"github.com/TobiSchelling/StoryForge/internal/choices"
	"github.com/TobiSchelling/StoryForge/internal/database"
	"github.com/TobiSchelling/StoryForge/internal/generate"
	"github.com/TobiSchelling/StoryForge/internal/inflight"
	"github.com/TobiSchelling/StoryForge/internal/retry"
)

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	err      error
	tagStory string
}

func (f *fakeGenerator) Generate(_ context.Context, req generate.Request) (*generate.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	story := req.StoryID
	if f.tagStory != "" {
		story = f.tagStory
	}
	via := "premise"
	if req.Choice != nil {
		via = req.Choice.ID
	}
	return &generate.Response{
		StoryID:       story,
		ChapterNumber: req.ChapterNumber,
		Content:       fmt.Sprintf("Chapter %d via %s (call %d)", req.ChapterNumber, via, f.calls),
		Summary:       "summary",
		Choices: []choices.Payload{
			{ID: "x", Title: "Go left", Description: "The woods", Impact: "low", Type: "action"},
			{ID: "y", Title: "Go right", Description: "The river", Impact: "high", Type: "action"},
		},
	}, nil
}

type flakyLinker struct {
	*choices.Registry
	failAttach int
}

func (f *flakyLinker) Attach(ctx context.Context, chapterID int64, p []choices.Payload) (int, error) {
	if f.failAttach > 0 {
		f.failAttach--
		return 0, apperr.New(apperr.CodePersistenceFailure, "disk full")
	}
	return f.Registry.Attach(ctx, chapterID, p)
}

type fixture struct {
	db    *database.DB
	store *chapters.Store
	reg   *choices.Registry
	gen   *fakeGenerator
	guard *inflight.MemoryGuard
	m     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:    db,
		store: chapters.NewStore(db, retry.None),
		reg:   choices.NewRegistry(db),
		gen:   &fakeGenerator{},
		guard: inflight.NewMemoryGuard(),
	}
	f.m = NewManager(f.store, f.reg, f.gen, f.guard)
	return f
}

func (f *fixture) start(t *testing.T, story string) *database.Chapter {
	t.Helper()
	res, err := f.m.Start(context.Background(), story, "A quiet village")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return res.Chapter
}

func (f *fixture) active(t *testing.T, story string) []database.Chapter {
	t.Helper()
	active, err := f.store.ListActive(context.Background(), story)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	return active
}

func (f *fixture) selected(t *testing.T, chapterID int64) string {
	t.Helper()
	cs, err := f.reg.Get(context.Background(), chapterID)
	if err != nil {
		t.Fatalf("get choices: %v", err)
	}
	if sel := choices.Selected(cs); sel != nil {
		return sel.ID
	}
	return ""
}

func TestStartCreatesFirstChapter(t *testing.T) {
	f := newFixture(t)
	ch := f.start(t, "s")
	if ch.ChapterNumber != 1 || ch.VersionNumber != 1 || !ch.IsActive {
		t.Errorf("expected chapter 1 v1 active, got %+v", ch)
	}
	cs, _ := f.reg.Get(context.Background(), ch.ID)
	if len(cs) != 2 {
		t.Errorf("expected 2 choices attached, got %d", len(cs))
	}
}

func TestPreviewCommitScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch1 := f.start(t, "s")

	draft, err := f.m.Preview(ctx, "s", 1, "x")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if draft.TargetChapterNumber != 2 || draft.State() != Previewing {
		t.Errorf("expected previewing draft for slot 2, got %d/%s", draft.TargetChapterNumber, draft.State())
	}
	if got := f.active(t, "s"); len(got) != 1 {
		t.Fatalf("expected preview to leave storage untouched, got %d active", len(got))
	}

	res, err := f.m.Commit(ctx, draft)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Degraded {
		t.Errorf("expected clean commit, got link errors %v", res.LinkErrors)
	}
	if res.Chapter.ChapterNumber != 2 || res.Chapter.VersionNumber != 1 {
		t.Errorf("expected chapter 2 v1, got %d v%d", res.Chapter.ChapterNumber, res.Chapter.VersionNumber)
	}
	if res.Chapter.SourceChoiceTitle == nil || *res.Chapter.SourceChoiceTitle != "Go left" {
		t.Error("expected source choice title recorded")
	}
	if draft.State() != Committed {
		t.Errorf("expected committed draft, got %s", draft.State())
	}
	if got := f.selected(t, ch1.ID); got != "x" {
		t.Errorf("expected x selected, got %q", got)
	}

	active := f.active(t, "s")
	if len(active) != 2 || active[0].ID != ch1.ID || active[1].ID != res.Chapter.ID {
		t.Errorf("expected active path [ch1, ch2], got %+v", active)
	}

	if _, err := f.m.Commit(ctx, draft); !errors.Is(err, apperr.ErrStaleDraft) {
		t.Errorf("expected STALE_DRAFT on second commit, got %v", err)
	}
}

func TestBranchFromOlderChoiceScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch1 := f.start(t, "s")

	d2, _ := f.m.Preview(ctx, "s", 1, "x")
	r2, err := f.m.Commit(ctx, d2)
	if err != nil {
		t.Fatalf("commit ch2: %v", err)
	}
	d3, _ := f.m.Preview(ctx, "s", 2, "y")
	r3, err := f.m.Commit(ctx, d3)
	if err != nil {
		t.Fatalf("commit ch3: %v", err)
	}

	res, err := f.m.BranchFromOlderChoice(ctx, "s", 1, "y")
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	if res.Chapter.ChapterNumber != 2 || res.Chapter.VersionNumber != 2 {
		t.Errorf("expected chapter 2 v2, got %d v%d", res.Chapter.ChapterNumber, res.Chapter.VersionNumber)
	}

	active := f.active(t, "s")
	if len(active) != 2 || active[1].ID != res.Chapter.ID {
		t.Fatalf("expected active path [ch1, ch2v2], got %+v", active)
	}

	versions, _ := f.store.ListVersions(ctx, "s", 2)
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions of slot 2, got %d", len(versions))
	}
	for _, v := range versions {
		if v.ID == r2.Chapter.ID && v.IsActive {
			t.Error("expected chapter 2 v1 to be inactive")
		}
	}
	old3, _ := f.store.ListVersions(ctx, "s", 3)
	if len(old3) != 1 || old3[0].ID != r3.Chapter.ID || old3[0].IsActive {
		t.Error("expected chapter 3 retained but inactive")
	}

	if got := f.selected(t, ch1.ID); got != "y" {
		t.Errorf("expected y selected on chapter 1, got %q", got)
	}
}

func TestSecondPreviewSupersedesFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "s")

	first, err := f.m.Preview(ctx, "s", 1, "x")
	if err != nil {
		t.Fatalf("first preview: %v", err)
	}
	second, err := f.m.Preview(ctx, "s", 1, "y")
	if err != nil {
		t.Fatalf("second preview: %v", err)
	}
	if first.State() != Discarded {
		t.Errorf("expected first draft discarded, got %s", first.State())
	}

	if _, err := f.m.Commit(ctx, first); !errors.Is(err, apperr.ErrStaleDraft) {
		t.Errorf("expected STALE_DRAFT for first draft, got %v", err)
	}
	if _, err := f.m.Commit(ctx, second); err != nil {
		t.Errorf("expected second draft to commit, got %v", err)
	}
}

func TestDiscardLeavesActiveSetUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "s")
	before := f.active(t, "s")

	d, _ := f.m.Preview(ctx, "s", 1, "x")
	if err := f.m.Discard(d); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := f.m.Discard(d); err != nil {
		t.Errorf("expected repeated discard to be a no-op, got %v", err)
	}

	after := f.active(t, "s")
	if len(before) != len(after) || before[0].ID != after[0].ID {
		t.Errorf("expected active set unchanged, before %+v after %+v", before, after)
	}
	if f.m.CurrentDraft("s") != nil {
		t.Error("expected no current draft after discard")
	}
	if _, err := f.m.Commit(ctx, d); !errors.Is(err, apperr.ErrStaleDraft) {
		t.Errorf("expected STALE_DRAFT after discard, got %v", err)
	}
}

func TestDiscardCommittedDraftFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "s")
	d, _ := f.m.Preview(ctx, "s", 1, "x")
	f.m.Commit(ctx, d)
	if err := f.m.Discard(d); !errors.Is(err, apperr.ErrStaleDraft) {
		t.Errorf("expected STALE_DRAFT, got %v", err)
	}
}

func TestPreviewErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "s")

	if _, err := f.m.Preview(ctx, "s", 1, "nope"); !errors.Is(err, apperr.ErrInvalidChoice) {
		t.Errorf("expected INVALID_CHOICE, got %v", err)
	}
	if _, err := f.m.Preview(ctx, "s", 5, "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	if _, err := f.m.Preview(ctx, "other", 1, "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected NOT_FOUND for unknown story, got %v", err)
	}
}

func TestPreviewGenerationFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "s")
	f.gen.err = apperr.New(apperr.CodeGenerationFailure, "timeout")

	if _, err := f.m.Preview(ctx, "s", 1, "x"); !errors.Is(err, apperr.ErrGenerationFailure) {
		t.Errorf("expected GENERATION_FAILURE, got %v", err)
	}
	if f.m.CurrentDraft("s") != nil {
		t.Error("expected no draft after failed generation")
	}
}

func TestPreviewRejectsForeignResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "s")
	f.gen.tagStory = "someone-else"

	_, err := f.m.Preview(ctx, "s", 1, "x")
	if !errors.Is(err, apperr.ErrStoryIsolationViolation) {
		t.Errorf("expected STORY_ISOLATION_VIOLATION, got %v", err)
	}
}

func TestPreviewWhileBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "s")

	release, err := f.guard.Acquire(ctx, "s", "commit")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := f.m.Preview(ctx, "s", 1, "x"); !errors.Is(err, apperr.ErrBusy) {
		t.Errorf("expected BUSY, got %v", err)
	}
	release()

	if _, err := f.m.Preview(ctx, "s", 1, "x"); err != nil {
		t.Errorf("expected preview after release, got %v", err)
	}
}

func TestCommitStaleSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1 := f.start(t, "s")
	f.start(t, "s")

	d, err := f.m.Preview(ctx, "s", 1, "x")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if err := f.m.SwitchVersion(ctx, "s", 1, v1.ID); err != nil {
		t.Fatalf("switch: %v", err)
	}

	if _, err := f.m.Commit(ctx, d); !errors.Is(err, apperr.ErrStaleDraft) {
		t.Errorf("expected STALE_DRAFT after source switch, got %v", err)
	}
	if got := f.active(t, "s"); len(got) != 1 {
		t.Errorf("expected nothing committed, got %d active", len(got))
	}
}

func TestDegradedCommitAndRetryLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch1 := f.start(t, "s")

	linker := &flakyLinker{Registry: f.reg, failAttach: 1}
	m := NewManager(f.store, linker, f.gen, f.guard)

	d, _ := m.Preview(ctx, "s", 1, "x")
	res, err := m.Commit(ctx, d)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !res.Degraded || len(res.PendingChoices) != 2 {
		t.Fatalf("expected degraded commit with pending choices, got %+v", res)
	}
	if !res.SourceSelected || f.selected(t, ch1.ID) != "x" {
		t.Error("expected source choice selected despite failed attachment")
	}
	if active := f.active(t, "s"); len(active) != 2 {
		t.Errorf("expected chapter stored and active, got %d active", len(active))
	}

	if err := m.RetryLinks(ctx, res); err != nil {
		t.Fatalf("retry links: %v", err)
	}
	if res.Degraded || res.AttachedChoices != 2 {
		t.Errorf("expected repaired result, got %+v", res)
	}
	cs, _ := f.reg.Get(ctx, res.Chapter.ID)
	if len(cs) != 2 {
		t.Errorf("expected 2 choices after repair, got %d", len(cs))
	}
	versions, _ := f.store.ListVersions(ctx, "s", 2)
	if len(versions) != 1 {
		t.Errorf("expected retry not to create another version, got %d", len(versions))
	}
}

func TestStoriesDoNotShareDrafts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "a")
	f.start(t, "b")

	da, _ := f.m.Preview(ctx, "a", 1, "x")
	db, _ := f.m.Preview(ctx, "b", 1, "x")
	if da.State() != Previewing || db.State() != Previewing {
		t.Error("expected drafts of different stories to coexist")
	}
	if _, err := f.m.Draft("a", db.ID); !errors.Is(err, apperr.ErrStaleDraft) {
		t.Errorf("expected lookup of b's draft under a to fail, got %v", err)
	}
}

func TestDiscardDuringCommitFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "s")
	d, err := f.m.Preview(ctx, "s", 1, "x")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}

	// Hold the commit inside the chapter insert.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.db.SetClock(func() time.Time {
		once.Do(func() {
			close(entered)
			<-release
		})
		return time.Now()
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.m.Commit(ctx, d)
		done <- err
	}()
	<-entered

	if d.State() != Committing {
		t.Errorf("expected committing during the write, got %s", d.State())
	}
	if err := f.m.Discard(d); !errors.Is(err, apperr.ErrBusy) {
		t.Errorf("expected BUSY discarding a committing draft, got %v", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("commit: %v", err)
	}
	if d.State() != Committed {
		t.Errorf("expected committed, got %s", d.State())
	}
	if got := len(f.active(t, "s")); got != 2 {
		t.Errorf("expected 2 active chapters, got %d", got)
	}
}

func TestFailedCommitLeavesDraftCommittable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "s")
	d, err := f.m.Preview(ctx, "s", 1, "x")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}

	f.db.Close()
	if _, err := f.m.Commit(ctx, d); err == nil {
		t.Fatal("expected commit to fail on a closed database")
	}
	if d.State() != Previewing {
		t.Errorf("expected draft back in previewing, got %s", d.State())
	}
	if f.m.CurrentDraft("s") != d {
		t.Error("expected draft to remain the story's current draft")
	}
	if err := f.m.Discard(d); err != nil {
		t.Errorf("expected discard to succeed, got %v", err)
	}
}
