package server

import (
	"net/http"
	"strings"
	"time"

	"governator/session"
)

type openSessionRequest struct {
	PlatformUserID string `json:"platform_user_id"`
	Username       string `json:"username"`
	AccessToken    string `json:"access_token"`
	// ExpiresIn is the platform token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`
}

// handleOpenSession is called by the login service once the platform OAuth
// exchange has succeeded.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch {
	case strings.TrimSpace(req.PlatformUserID) == "":
		s.writeError(w, r, badRequest{field: "platform_user_id", message: "is required"})
		return
	case strings.TrimSpace(req.AccessToken) == "":
		s.writeError(w, r, badRequest{field: "access_token", message: "is required"})
		return
	case req.ExpiresIn < 0:
		s.writeError(w, r, badRequest{field: "expires_in", message: "cannot be negative"})
		return
	}
	token, err := s.deps.Sessions.Open(r.Context(), session.OpenParams{
		PlatformUserID: req.PlatformUserID,
		Username:       req.Username,
		AccessToken:    req.AccessToken,
		ExpiresIn:      time.Duration(req.ExpiresIn) * time.Second,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

type meResponse struct {
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	PlatformUserID string `json:"platform_user_id"`
	Username       string `json:"username"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	writeJSON(w, http.StatusOK, meResponse{
		UserID:         p.UserID.String(),
		SessionID:      p.SessionID.String(),
		PlatformUserID: p.PlatformUserID,
		Username:       p.Username,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if err := s.deps.Sessions.Invalidate(r.Context(), p.SessionID, "logout"); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"strategies": s.deps.Strategies.IDs()})
}
