// Package api serves the run status HTTP surface: liveness, run
// progress, persona state, and the recent tick feed. It reads from the
// scheduler's tracker and never blocks the simulation.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/driftville/internal/memory"
	"github.com/nidhogg/driftville/internal/scheduler"
	"github.com/nidhogg/driftville/internal/vectorstore"
	"go.uber.org/zap"
)

// RunInfo is the static description of the run being served.
type RunInfo struct {
	SessionID string    `json:"session_id"`
	Model     string    `json:"model"`
	UseDrift  bool      `json:"use_drift"`
	Personas  int       `json:"personas"`
	Ticks     int       `json:"ticks"`
	StartedAt time.Time `json:"started_at"`
}

// Recaller answers free-text searches against the cross-run memory
// archive. *vectorstore.Recall is the production implementation.
type Recaller interface {
	Recall(ctx context.Context, personaID, query string, k int) ([]*vectorstore.Hit, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	tracker *scheduler.Tracker
	store   *memory.Store
	recall  Recaller
	info    RunInfo
	logger  *zap.Logger
}

// NewHandler creates the API handler. recall may be nil when no archive
// is configured; the recall route then reports 501.
func NewHandler(tracker *scheduler.Tracker, store *memory.Store, recall Recaller, info RunInfo, logger *zap.Logger) *Handler {
	return &Handler{
		tracker: tracker,
		store:   store,
		recall:  recall,
		info:    info,
		logger:  logger,
	}
}

// Router builds the HTTP routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", h.healthCheck)
	r.Route("/api", func(r chi.Router) {
		r.Get("/run", h.runStatus)
		r.Get("/personas", h.listPersonas)
		r.Get("/personas/{id}", h.getPersona)
		r.Get("/personas/{id}/memories", h.getPersonaMemories)
		r.Get("/personas/{id}/recall", h.recallMemories)
		r.Get("/events", h.listEvents)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session": h.info.SessionID})
}

func (h *Handler) runStatus(w http.ResponseWriter, r *http.Request) {
	done, total := h.tracker.Progress()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":             h.info,
		"completed_ticks": done,
		"total_ticks":     total,
	})
}

func (h *Handler) listPersonas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Personas())
}

func (h *Handler) getPersona(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, p := range h.tracker.Personas() {
		if p.ID == id {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "persona not found"})
}

func (h *Handler) getPersonaMemories(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	k := queryInt(r, "k", 10)
	// Peek, not Retrieve: a status read must not stamp LastAccessedAt
	// and skew recency scoring mid-run.
	records := h.store.Peek(memory.Query{PersonaID: id}, k)
	if records == nil {
		records = []memory.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) recallMemories(w http.ResponseWriter, r *http.Request) {
	if h.recall == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "memory archive not configured"})
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	id := chi.URLParam(r, "id")
	hits, err := h.recall.Recall(r.Context(), id, query, queryInt(r, "k", 5))
	if err != nil {
		h.logger.Warn("archive recall failed", zap.String("persona", id), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "archive unavailable"})
		return
	}
	if hits == nil {
		hits = []*vectorstore.Hit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	events := h.tracker.Events(limit)
	if events == nil {
		events = []scheduler.TickEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
