package mockapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/cloudagent/internal/event"
	"github.com/mattjoyce/cloudagent/internal/store"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

type titleRequest struct {
	Title string `json:"title"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleListSessions handles GET /sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.list()})
}

// handleCreateSession handles POST /sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := s.sessions.create(strings.TrimSpace(req.Title))
	s.logger.Info("session created", "session_id", id)
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":   id,
		"redirect_url": fmt.Sprintf("/sessions/%d", id),
	})
}

// handleGetSession handles GET /sessions/{session_id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	detail, err := s.sessions.detail(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// handleUpdateSession handles PATCH /sessions/{session_id}.
func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	var req titleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.sessions.setTitle(id, strings.TrimSpace(req.Title)); err != nil {
		s.writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleDeleteSession handles DELETE /sessions/{session_id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	s.sessions.delete(id)
	s.logger.Info("session deleted", "session_id", id)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "redirect_url": "/"})
}

// handleGetTokens handles GET /sessions/{session_id}/tokens.
func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	tokens, err := s.sessions.tokens(id)
	if err != nil {
		tokens = store.TokenUsage{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

// handleInterrupt handles POST /sessions/{session_id}/interrupt.
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if err := s.sessions.interrupt(id); err != nil {
		s.writeError(w, http.StatusNotFound, "No active run found for this session")
		return
	}
	s.logger.Info("run interrupted", "session_id", id)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Agent interrupted"})
}

// handleStream handles GET /sessions/{session_id}/stream?query=.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "Query parameter is required")
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	run, err := s.sessions.beginRun(id, query)
	switch {
	case errors.Is(err, errSessionNotFound):
		s.writeError(w, http.StatusNotFound, "Session not found")
		return
	case errors.Is(err, errRunActive):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	script := s.scripts.Select(query)
	logger := s.logger.With("session_id", id, "script", script.Name)
	logger.Info("run started", "events", len(script.Events))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// no-op once the run has ended normally
	defer s.sessions.endRun(id, run, "")

	send := func(ev event.Event) bool {
		if err := writeFrame(w, ev); err != nil {
			logger.Warn("stream write failed", "error", err)
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(event.Event{Type: event.TypeMessage, Role: store.RoleUser, Content: query}) {
		return
	}

	var lastOutput, lastError string
	for _, scripted := range script.Events {
		delay := s.config.StepDelay
		if scripted.Delay > 0 {
			delay = scripted.Delay
		}
		timer := time.NewTimer(delay)
		select {
		case <-r.Context().Done():
			timer.Stop()
			logger.Info("client disconnected")
			return
		case <-run.interrupted:
			timer.Stop()
			logger.Info("run cancelled")
			send(event.Event{Type: event.TypeCancelled})
			return
		case <-timer.C:
		}

		ev := scripted.toEvent()
		s.sessions.addUsage(id, ev.TokenUsage)
		switch ev.Type {
		case event.TypeFinal:
			lastOutput = ev.Output
		case event.TypeError:
			lastError = ev.Error
		}
		if !send(ev) {
			return
		}
	}

	answer := lastOutput
	if answer == "" && lastError != "" {
		answer = "Error: " + lastError
	}
	// history is complete before done so a refetch on done sees the answer
	s.sessions.endRun(id, run, answer)
	send(event.Event{Type: event.TypeDone})
	logger.Info("run finished")
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := parseSessionID(chi.URLParam(r, "session_id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "Session not found")
		return 0, false
	}
	return id, true
}

func writeFrame(w http.ResponseWriter, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
