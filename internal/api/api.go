// Package api exposes the REST surface used to register mirrors, trigger
// syncs, and inspect history: one struct holding collaborators, a single
// http.Handler built from a ServeMux, and JSON bodies in and out.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gitea-mirror/syncd/internal/metrics"
	"github.com/gitea-mirror/syncd/internal/scheduler"
	"github.com/gitea-mirror/syncd/internal/store"
)

// MirrorStore is the slice of internal/store the API depends on.
type MirrorStore interface {
	UpsertMirror(ctx context.Context, m *store.Mirror) error
	GetMirror(ctx context.Context, id string) (*store.Mirror, error)
	ListMirrors(ctx context.Context, filter store.ListFilter) ([]*store.Mirror, error)
	DeleteMirror(ctx context.Context, id string) error
	RecentHistory(ctx context.Context, mirrorID string, limit int) ([]*store.SyncAttempt, error)
}

// Trigger is the slice of internal/scheduler the API depends on.
type Trigger interface {
	TriggerManual(mirrorID string) scheduler.TriggerResult
	TriggerAll(ctx context.Context) error
	Cancel(mirrorID string) bool
	Wake()
}

// ClonePath is the slice of internal/clonestore the API depends on, used to
// clean up a mirror's local clone directory on delete.
type ClonePath interface {
	Remove(mirrorID string) error
}

// Server holds the API's collaborators and builds its http.Handler.
type Server struct {
	store   MirrorStore
	sched   Trigger
	clones  ClonePath
	log     *slog.Logger
	metrics *metrics.Metrics
	started time.Time
}

// New builds a Server.
func New(st MirrorStore, sched Trigger, clones ClonePath, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{store: st, sched: sched, clones: clones, metrics: m, log: log, started: time.Now()}
}

// Handler returns the ServeMux the engine serves alongside /metrics and
// health on the main listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /mirrors", s.listMirrors)
	mux.HandleFunc("POST /mirrors", s.createMirror)
	mux.HandleFunc("GET /mirrors/{id}", s.getMirror)
	mux.HandleFunc("PUT /mirrors/{id}", s.updateMirror)
	mux.HandleFunc("DELETE /mirrors/{id}", s.deleteMirror)
	mux.HandleFunc("POST /mirrors/{id}/sync", s.syncMirror)
	mux.HandleFunc("GET /mirrors/{id}/history", s.mirrorHistory)
	mux.HandleFunc("GET /history", s.globalHistory)
	mux.HandleFunc("POST /attempts/{id}/cancel", s.cancelAttempt)
	mux.HandleFunc("POST /sync-all", s.syncAll)
	return mux
}

type mirrorRequest struct {
	Name                string `json:"name"`
	UpstreamURL         string `json:"upstream_url"`
	DownstreamOwner     string `json:"downstream_owner"`
	DownstreamName      string `json:"downstream_name"`
	Enabled             *bool  `json:"enabled"`
	SyncIntervalSeconds int    `json:"sync_interval_seconds"`
}

func (s *Server) listMirrors(w http.ResponseWriter, r *http.Request) {
	mirrors, err := s.store.ListMirrors(r.Context(), store.ListFilter{})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mirrors)
}

func (s *Server) createMirror(w http.ResponseWriter, r *http.Request) {
	var req mirrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UpstreamURL == "" || req.DownstreamName == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("upstream_url and downstream_name are required"))
		return
	}

	m := &store.Mirror{
		ID:                  newMirrorID(req.DownstreamOwner, req.DownstreamName),
		Name:                req.Name,
		UpstreamURL:         req.UpstreamURL,
		DownstreamOwner:     req.DownstreamOwner,
		DownstreamName:      req.DownstreamName,
		Enabled:             req.Enabled == nil || *req.Enabled,
		SyncIntervalSeconds: req.SyncIntervalSeconds,
	}
	if err := s.store.UpsertMirror(r.Context(), m); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.sched.Wake()
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) getMirror(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.store.GetMirror(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) updateMirror(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetMirror(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	var req mirrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	existing.Name = req.Name
	existing.UpstreamURL = req.UpstreamURL
	existing.DownstreamOwner = req.DownstreamOwner
	existing.DownstreamName = req.DownstreamName
	existing.SyncIntervalSeconds = req.SyncIntervalSeconds
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}

	if err := s.store.UpsertMirror(r.Context(), existing); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.sched.Wake()
	s.writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteMirror(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteMirror(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.clones.Remove(id); err != nil {
		s.log.Warn("api: clone cleanup failed after delete", "mirror_id", id, "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

type syncResponse struct {
	Status string `json:"status"`
}

func (s *Server) syncMirror(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetMirror(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	result := s.sched.TriggerManual(id)
	status := http.StatusAccepted
	if result == scheduler.AlreadyRunning {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, syncResponse{Status: string(result)})
}

func (s *Server) syncAll(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.TriggerAll(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, syncResponse{Status: string(scheduler.Accepted)})
}

func (s *Server) mirrorHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	attempts, err := s.store.RecentHistory(r.Context(), id, 50)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) globalHistory(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.store.RecentHistory(r.Context(), "", 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) cancelAttempt(w http.ResponseWriter, r *http.Request) {
	// Cancellation is keyed by mirror id rather than attempt id in the
	// scheduler's token map; the attempt id in the path identifies the
	// attempt the caller observed as running.
	mirrorID := r.URL.Query().Get("mirror_id")
	if mirrorID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("mirror_id query parameter is required"))
		return
	}
	cancelled := s.sched.Cancel(mirrorID)
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("api: encode response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func newMirrorID(owner, name string) string {
	if owner != "" {
		return owner + "/" + name
	}
	return name
}
