package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleGuilds(w http.ResponseWriter, r *http.Request) {
	guilds, err := s.deps.Discovery.FetchGuilds(r.Context(), principalFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"guilds": guilds})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.deps.Discovery.FetchChannels(r.Context(), chi.URLParam(r, "guildID"), principalFrom(r).PlatformUserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// handleRoles lists the roles a poll may be restricted to. Only guild
// administrators build polls, so only they see the list.
func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	if err := s.deps.Discovery.RequireAdministrator(r.Context(), guildID, principalFrom(r).PlatformUserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	roles, err := s.deps.Discovery.FetchRoles(r.Context(), guildID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (s *Server) handleChannelPolls(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Polls.ListByChannel(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"polls": list})
}
