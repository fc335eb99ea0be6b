package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"governator/eligibility"
	"governator/gateway/middleware"
	"governator/polls"
)

// handleCreatePoll validates the form, confirms the author administers the
// guild and that the channel can host polls, then stores the poll. A repeated
// submission returns the poll stored the first time with 200.
func (s *Server) handleCreatePoll(w http.ResponseWriter, r *http.Request) {
	var sub polls.Submission
	if err := decodeJSON(r, &sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principalFrom(r)
	ctx := r.Context()

	poll, err := s.deps.Builder.Build(sub, p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	channels, err := s.deps.Discovery.FetchChannels(ctx, poll.GuildID, p.PlatformUserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	found := false
	for _, ch := range channels {
		if ch.ID == poll.ChannelID {
			found = true
			break
		}
	}
	if !found {
		s.writeError(w, r, polls.ValidationErrors{{Field: "channel_id", Message: "is not a text channel of this guild"}})
		return
	}

	stored, created, err := s.deps.Polls.Create(ctx, poll, r.Header.Get(middleware.HeaderIdempotencyKey))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Metrics.PollSubmitted(created)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.logger.InfoContext(ctx, "poll created", "poll_id", stored.ID.String(), "guild_id", stored.GuildID, "user_id", p.UserID.String())
	}
	writeJSON(w, status, stored)
}

func (s *Server) handleGetPoll(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pollID(w, r)
	if !ok {
		return
	}
	poll, err := s.deps.Polls.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, poll)
}

// handleUpdatePoll edits an open poll. Guild, channel, strategy and snapshot
// height cannot change, so they are taken from the stored poll.
func (s *Server) handleUpdatePoll(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pollID(w, r)
	if !ok {
		return
	}
	var sub polls.Submission
	if err := decodeJSON(r, &sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principalFrom(r)
	ctx := r.Context()

	current, err := s.deps.Polls.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sub.GuildID = current.GuildID
	sub.ChannelID = current.ChannelID
	sub.TokenStrategyID = current.TokenStrategyID
	sub.BlockHeight = json.RawMessage(strconv.FormatUint(current.SnapshotBlockHeight, 10))

	next, err := s.deps.Builder.Build(sub, p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.deps.Polls.Update(ctx, id, p.UserID, next)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type voteRequest struct {
	OptionIDs []string `json:"option_ids"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pollID(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principalFrom(r)
	ballot, err := s.deps.Voting.Cast(r.Context(), eligibility.Voter{UserID: p.UserID, PlatformUserID: p.PlatformUserID}, id, req.OptionIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ballot)
}

func (s *Server) handleMyBallot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pollID(w, r)
	if !ok {
		return
	}
	ballot, found, err := s.deps.Voting.Ballot(r.Context(), id, principalFrom(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"ballot": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ballot": ballot})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pollID(w, r)
	if !ok {
		return
	}
	tally, err := s.deps.Voting.Tally(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

// pollID parses the path id. Malformed ids cannot name a poll.
func (s *Server) pollID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "pollID"))
	if err != nil {
		s.writeError(w, r, polls.ErrPollNotFound)
		return uuid.UUID{}, false
	}
	return id, true
}
