package server

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strconv"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/StoryForge/internal/branch"
	"github.com/TobiSchelling/StoryForge/internal/chapters"
	"github.com/TobiSchelling/StoryForge/internal/choices"
	"github.com/TobiSchelling/StoryForge/internal/database"
	"github.com/TobiSchelling/StoryForge/internal/history"
	"github.com/TobiSchelling/StoryForge/internal/session"
	"github.com/TobiSchelling/StoryForge/internal/tree"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// Deps are the components the server exposes.
type Deps struct {
	DB       *database.DB
	Store    *chapters.Store
	Registry *choices.Registry
	Manager  *branch.Manager
	History  *history.Aggregator
	Tree     *tree.Builder
	Session  *session.Session
}

// Server is the HTTP server for reading and steering stories.
type Server struct {
	Deps
	pages map[string]*template.Template
	mux   *http.ServeMux
}

// New creates a new Server.
func New(d Deps) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// For each page template, clone the base and parse the page into the clone.
	// This gives each page its own {{define "content"}} and {{define "title"}}.
	pageNames := []string{"index.html", "story.html", "chapter.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{Deps: d, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	// Static files
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	// Pages
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /stories/{story}", s.handleStory)
	s.mux.HandleFunc("GET /chapters/{id}", s.handleChapter)

	// Session API
	s.mux.HandleFunc("GET /api/session", s.handleSessionView)
	s.mux.HandleFunc("POST /api/session/switch", s.handleSwitch)
	s.mux.HandleFunc("POST /api/session/preview", s.handlePreview)
	s.mux.HandleFunc("POST /api/session/commit", s.handleCommit)
	s.mux.HandleFunc("POST /api/session/discard", s.handleDiscard)
	s.mux.HandleFunc("POST /api/session/branch", s.handleBranch)
	s.mux.HandleFunc("POST /api/session/retry-links", s.handleRetryLinks)

	// Story API
	s.mux.HandleFunc("GET /api/stories", s.handleListStories)
	s.mux.HandleFunc("POST /api/stories/{story}/start", s.handleStart)
	s.mux.HandleFunc("GET /api/stories/{story}/chapters", s.handleActiveChapters)
	s.mux.HandleFunc("GET /api/stories/{story}/chapters/{n}/versions", s.handleVersions)
	s.mux.HandleFunc("POST /api/stories/{story}/chapters/{n}/activate", s.handleActivate)
	s.mux.HandleFunc("GET /api/stories/{story}/tree", s.handleTree)
	s.mux.HandleFunc("GET /api/stories/{story}/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/stories/{story}/draft", s.handleCurrentDraft)
	s.mux.HandleFunc("GET /api/stories/{story}/drafts/{id}", s.handleDraft)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	stories, err := s.DB.ListStories(r.Context())
	if err != nil {
		log.Printf("Error listing stories: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Stories": stories,
	})
}

func (s *Server) handleStory(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("story")
	tr, err := s.Tree.Build(r.Context(), storyID)
	if err != nil {
		log.Printf("Error building tree for %s: %v", storyID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if len(tr.Nodes) == 0 {
		http.NotFound(w, r)
		return
	}

	s.render(w, "story.html", map[string]any{
		"StoryID": storyID,
		"Tree":    tr,
	})
}

func (s *Server) handleChapter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	ch, err := s.DB.GetChapter(r.Context(), id)
	if err != nil {
		log.Printf("Error reading chapter %d: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if ch == nil {
		http.NotFound(w, r)
		return
	}
	cs, _ := s.Registry.Get(r.Context(), ch.ID)

	s.render(w, "chapter.html", map[string]any{
		"Chapter":  ch,
		"Choices":  cs,
		"Selected": choices.Selected(cs),
	})
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port.
func Serve(d Deps, port int) error {
	srv, err := New(d)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
