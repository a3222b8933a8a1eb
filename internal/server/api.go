package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
	"github.com/TobiSchelling/StoryForge/internal/branch"
)

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

type switchRequest struct {
	StoryID string `json:"story_id"`
}

type choiceRequest struct {
	ChapterNumber int    `json:"chapter_number"`
	ChoiceID      string `json:"choice_id"`
}

type draftRequest struct {
	DraftID string `json:"draft_id"`
}

type startRequest struct {
	Premise string `json:"premise"`
}

type activateRequest struct {
	ChapterID int64 `json:"chapter_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Printf("Request failed: %v", err)
	}
	writeJSON(w, status, errorBody{Code: code, Message: apperr.Message(err)})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.New(apperr.CodeBadRequest, "malformed request body: %v", err)
}

func slotParam(r *http.Request) (int, error) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		return 0, apperr.New(apperr.CodeNotFound, "chapter %q not found", r.PathValue("n"))
	}
	return n, nil
}

func (s *Server) handleSessionView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSessionView(s.Session.View()))
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.Session.SwitchTo(req.StoryID); err != nil {
		writeError(w, err)
		return
	}
	view, err := s.Session.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(view))
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req choiceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.Session.Preview(r.Context(), req.ChapterNumber, req.ChoiceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftView(d))
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Session.Commit(r.Context(), req.DraftID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommitView(result))
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Session.Discard(req.DraftID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	var req choiceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Session.Branch(r.Context(), req.ChapterNumber, req.ChoiceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommitView(result))
}

func (s *Server) handleRetryLinks(w http.ResponseWriter, r *http.Request) {
	result, err := s.Session.RetryLinks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommitView(result))
}

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	stories, err := s.DB.ListStories(r.Context())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodePersistenceFailure, err, "listing stories"))
		return
	}
	out := make([]storyView, 0, len(stories))
	for _, st := range stories {
		out = append(out, storyView(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	// The session's caches are reset when the story is the one it is on.
	storyID := r.PathValue("story")
	var result *branch.CommitResult
	var err error
	if s.Session.View().StoryID == storyID {
		result, err = s.Session.Start(r.Context(), req.Premise)
	} else {
		result, err = s.Manager.Start(r.Context(), storyID, req.Premise)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommitView(result))
}

func (s *Server) handleActiveChapters(w http.ResponseWriter, r *http.Request) {
	active, err := s.Store.ListActive(r.Context(), r.PathValue("story"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChapterViews(active))
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	n, err := slotParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	versions, err := s.Store.ListVersions(r.Context(), r.PathValue("story"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChapterViews(versions))
}

// handleActivate rolls back any story. The session's caches are invalidated
// when the story is the one it is working on.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	n, err := slotParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req activateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	storyID := r.PathValue("story")
	if s.Session.View().StoryID == storyID {
		err = s.Session.Activate(r.Context(), n, req.ChapterID)
	} else {
		err = s.Manager.SwitchVersion(r.Context(), storyID, n, req.ChapterID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	tr, err := s.Tree.Build(r.Context(), r.PathValue("story"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.History.Fetch(r.Context(), r.PathValue("story"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryView(h))
}

func (s *Server) handleCurrentDraft(w http.ResponseWriter, r *http.Request) {
	d := s.Manager.CurrentDraft(r.PathValue("story"))
	if d == nil {
		writeError(w, apperr.New(apperr.CodeNotFound, "story %s has no draft", r.PathValue("story")))
		return
	}
	writeJSON(w, http.StatusOK, toDraftView(d))
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	d, err := s.Manager.Draft(r.PathValue("story"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftView(d))
}
