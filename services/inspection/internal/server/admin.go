package server

import (
	"errors"
	"io"
	"net/http"

	"lemmacheck/pkg/auth"
	"lemmacheck/services/inspection/internal/app"
)

type adminHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) adminOnly(next adminHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, err := s.app.VerifyAdmin(auth.BearerToken(r))
		if err != nil {
			s.audit(r, "inspection.admin.authorize", "fail", "reason", err.Error())
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "inspection.admin.authorize", "success", "username", username)
		next(w, r, username)
	})
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if !s.app.AdminEnabled() {
		writeAppError(w, r, app.ErrAdminDisabled)
		return
	}
	if !s.allowRate(w, r, s.eventLimiter) {
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	token, err := s.app.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCredentials) {
			s.audit(r, "inspection.admin.login", "fail", "username", body.Username)
		}
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "inspection.admin.login", "success", "username", body.Username)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token, "token_type": "Bearer"})
}

func (s *Server) handleImportHouses(w http.ResponseWriter, r *http.Request, username string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
		return
	}
	n, err := s.app.ImportHouses(r.Context(), body)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "inspection.admin.houses_import", "success", "username", username, "inserted", n)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "inserted": n})
}

func (s *Server) handleAdminDeleteEvent(w http.ResponseWriter, r *http.Request, username string) {
	url := r.PathValue("url")
	if err := s.app.DeleteEvent(r.Context(), url); err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "inspection.admin.event_delete", "success", "username", username, "event", url)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
