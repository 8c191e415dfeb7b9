// Package httpapi exposes session control, the inventory report, staged clips
// and the websocket event feed over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/loqalabs/loqa-sign/internal/eventstore"
	"github.com/loqalabs/loqa-sign/internal/session"
)

// Sessions is the session control surface, satisfied by *session.Manager.
type Sessions interface {
	Start(id string) error
	Continue(id string) error
	Stop(id string) error
	Snapshot(id string) (session.Snapshot, error)
	Sessions() []session.Snapshot
	Exclusive(fn func() error) error
}

// Inventory is satisfied by *inventory.Index.
type Inventory interface {
	Refresh(ctx context.Context) error
	Size() (buckets, stems int)
}

// Journal is satisfied by *eventstore.Store.
type Journal interface {
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
	MissingWords(ctx context.Context, limit int) ([]eventstore.MissingWord, error)
}

type Deps struct {
	Sessions  Sessions
	Inventory Inventory
	Journal   Journal
	Events    http.Handler // websocket hub; nil disables /ws
	ClipsDir  string
	ClipsURL  string // URL prefix staged clips are served under, e.g. /clips
	Ready     func() bool
}

type Server struct {
	deps   Deps
	log    *slog.Logger
	router *httprouter.Router
}

func New(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:   deps,
		log:    logger.With(slog.String("component", "httpapi")),
		router: httprouter.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.GET("/healthz", s.handleHealth)
	r.GET("/readyz", s.handleReady)

	r.GET("/api/sessions", s.handleListSessions)
	r.POST("/api/sessions", s.handleCreateSession)
	r.GET("/api/sessions/:id", s.handleGetSession)
	r.POST("/api/sessions/:id/start", s.sessionAction(s.deps.Sessions.Start))
	r.POST("/api/sessions/:id/continue", s.sessionAction(s.deps.Sessions.Continue))
	r.POST("/api/sessions/:id/stop", s.sessionAction(s.deps.Sessions.Stop))
	if s.deps.Journal != nil {
		r.GET("/api/sessions/:id/events", s.handleSessionEvents)
		r.GET("/api/inventory/missing", s.handleMissingWords)
	}
	if s.deps.Inventory != nil {
		r.GET("/api/inventory", s.handleInventory)
		r.POST("/api/inventory/refresh", s.handleInventoryRefresh)
	}
	if s.deps.Events != nil {
		r.Handler(http.MethodGet, "/ws", s.deps.Events)
	}
	if s.deps.ClipsDir != "" {
		prefix := strings.TrimSuffix(s.deps.ClipsURL, "/")
		if prefix == "" {
			prefix = "/clips"
		}
		r.ServeFiles(prefix+"/*filepath", clipDir{http.Dir(s.deps.ClipsDir)})
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.deps.Ready == nil || s.deps.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.Sessions())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	id := uuid.NewString()
	if err := s.deps.Sessions.Start(id); err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": id, "status": true})
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	id := p.ByName("id")
	snap, err := s.deps.Sessions.Snapshot(id)
	if err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// sessionAction answers {"status": true} once the action was accepted. The
// session reports its progress as events, not in the response.
func (s *Server) sessionAction(action func(string) error) httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
		id := p.ByName("id")
		if err := action(id); err != nil {
			s.writeSessionError(w, id, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"status": true})
	}
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	events, err := s.deps.Journal.ListSessionEvents(r.Context(), p.ByName("id"), queryLimit(r, 100))
	if err != nil {
		s.log.Error("failed to list session events", slog.String("session_id", p.ByName("id")), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleMissingWords(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	words, err := s.deps.Journal.MissingWords(r.Context(), queryLimit(r, 50))
	if err != nil {
		s.log.Error("failed to report missing words", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to report missing words")
		return
	}
	if words == nil {
		words = []eventstore.MissingWord{}
	}
	writeJSON(w, http.StatusOK, words)
}

func (s *Server) handleInventory(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	buckets, stems := s.deps.Inventory.Size()
	writeJSON(w, http.StatusOK, map[string]int{"buckets": buckets, "stems": stems})
}

// handleInventoryRefresh rescans the clip inventory. Sessions resolve words
// against the live index, so the rescan is refused while any is running.
func (s *Server) handleInventoryRefresh(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	err := s.deps.Sessions.Exclusive(func() error {
		return s.deps.Inventory.Refresh(r.Context())
	})
	if errors.Is(err, session.ErrSessionsActive) {
		writeError(w, http.StatusConflict, "inventory cannot be refreshed while sessions are active")
		return
	}
	if err != nil {
		s.log.Error("inventory refresh failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "inventory refresh failed")
		return
	}
	buckets, stems := s.deps.Inventory.Size()
	writeJSON(w, http.StatusOK, map[string]int{"buckets": buckets, "stems": stems})
}

func (s *Server) writeSessionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidSession):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrUnknownSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrTerminated):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("session request failed", slog.String("session_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "session request failed")
	}
}

// clipDir serves staged clips without directory listings.
type clipDir struct {
	fs http.FileSystem
}

func (d clipDir) Open(name string) (http.File, error) {
	f, err := d.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
