package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/agentview/agentview/internal/model"
)

// REST response shapes.

type healthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type sessionsResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Sessions      []model.Session `json:"sessions"`
}

type sessionResponse struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Session       model.Session `json:"session"`
}

type errorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         apiError  `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createSessionRequest struct {
	DisplayName string `json:"display_name"`
	WorkDir     string `json:"work_dir"`
}

func (s *Server) registerREST(mux *http.ServeMux) {
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionByIDHandler)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, sessionsResponse{
			SchemaVersion: "v1",
			GeneratedAt:   time.Now().UTC(),
			Sessions:      s.core.Sessions(),
		})
	case http.MethodPost:
		s.createSession(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidMessage, "invalid request body")
		return
	}
	if req.WorkDir == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidMessage, "work_dir is required")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.WorkDir
	}

	sess, err := s.core.CreateSession(r.Context(), req.DisplayName, req.WorkDir)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, model.ErrCodeSpawnFailed, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, sessionResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Session:       sess,
	})
}

func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrCodeSessionNotFound, "session route not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		for _, sess := range s.core.Sessions() {
			if sess.ID == id {
				s.writeJSON(w, http.StatusOK, sessionResponse{
					SchemaVersion: "v1",
					GeneratedAt:   time.Now().UTC(),
					Session:       sess,
				})
				return
			}
		}
		s.writeError(w, http.StatusNotFound, model.ErrCodeSessionNotFound, "session not found")
	case http.MethodDelete:
		if err := s.core.Kill(r.Context(), id); err != nil {
			s.writeError(w, http.StatusNotFound, errorCode(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, errorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error:         apiError{Code: code, Message: msg},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	w.Header().Set("Allow", strings.Join(allow, ", "))
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeInvalidMessage, "method not allowed")
}
