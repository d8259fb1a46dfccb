package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lumina-crm/pulse/internal/analyzer"
	"github.com/lumina-crm/pulse/internal/leads"
	"github.com/lumina-crm/pulse/internal/model"
	"github.com/lumina-crm/pulse/internal/notify"
	"github.com/lumina-crm/pulse/internal/store"
)

// Analyzer is the transcript analysis dependency (satisfied by
// *analyzer.Analyzer; tests supply fakes).
type Analyzer interface {
	Analyze(ctx context.Context, transcript string, stages []string) ([]model.PipelineAssignment, error)
}

type Server struct {
	notifications *notify.Service
	analyzer      Analyzer
	applier       *leads.Applier
	router        chi.Router
	port          int
}

func NewServer(n *notify.Service, a Analyzer, applier *leads.Applier, wsHandler http.HandlerFunc, port int) *Server {
	srv := &Server{
		notifications: n,
		analyzer:      a,
		applier:       applier,
		port:          port,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	if wsHandler != nil {
		r.Get("/ws", wsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Get("/notifications", srv.handleListNotifications)
		r.Patch("/notifications/{notificationID}/read", srv.handleMarkRead)
		r.Post("/notifications/read-all", srv.handleMarkAllRead)
		r.Delete("/notifications/{notificationID}", srv.handleDeleteNotification)
		r.Post("/transcripts/analyze", srv.handleAnalyzeTranscript)
	})

	srv.router = r
	return srv
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("starting HTTP API", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

// identity extracts the authenticated caller from the headers the
// upstream auth layer sets. Handlers refuse requests without one.
func identity(r *http.Request) (userID, organizationID string, ok bool) {
	userID = r.Header.Get("X-User-ID")
	organizationID = r.Header.Get("X-Organization-ID")
	return userID, organizationID, userID != "" && organizationID != ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "pulse",
	})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := identity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		return
	}

	list, err := s.notifications.List(r.Context(), orgID, userID)
	if err != nil {
		slog.Error("list notifications failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	unread, err := s.notifications.UnreadCount(r.Context(), orgID, userID)
	if err != nil {
		slog.Error("unread count failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
		"unreadCount":   unread,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := identity(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		return
	}
	id := chi.URLParam(r, "notificationID")

	if err := s.notifications.MarkRead(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "notification not found"})
			return
		}
		slog.Error("mark read failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := identity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		return
	}

	count, message, err := s.notifications.MarkAllRead(r.Context(), orgID, userID)
	if err != nil {
		slog.Error("mark all read failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   count,
		"message": message,
	})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := identity(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		return
	}
	id := chi.URLParam(r, "notificationID")

	if err := s.notifications.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "notification not found"})
			return
		}
		slog.Error("delete notification failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type analyzeRequest struct {
	Transcript string   `json:"transcript"`
	Stages     []string `json:"stages,omitempty"`
}

// handleAnalyzeTranscript runs the analyze-then-apply pipeline for a
// completed call. The LLM call is synchronous under the request context;
// an abandoned request cancels it.
func (s *Server) handleAnalyzeTranscript(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := identity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Transcript == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "transcript is required"})
		return
	}

	assignments, err := s.analyzer.Analyze(r.Context(), req.Transcript, req.Stages)
	if err != nil {
		var perr *analyzer.ParseError
		if errors.As(err, &perr) {
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"error": "analysis failed: " + err.Error(),
			})
			return
		}
		slog.Error("transcript analysis failed", "organization_id", orgID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	applied := s.applier.Apply(r.Context(), orgID, assignments)

	writeJSON(w, http.StatusOK, map[string]any{
		"assignments": assignments,
		"applied":     applied,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
