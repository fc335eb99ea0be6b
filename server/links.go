package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"governator/identity"
	"governator/models"
	"governator/observability/logging"
)

type addressRequest struct {
	Address string `json:"address"`
}

type verifyRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

type linkView struct {
	Address    string     `json:"address"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	Nonce      string     `json:"nonce,omitempty"`
	Message    string     `json:"verification_message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func viewLink(link models.AddressLink) linkView {
	return linkView{
		Address:    link.Address,
		Verified:   link.Verified,
		VerifiedAt: link.VerifiedAt,
		Nonce:      link.Nonce,
		Message:    link.VerificationMessage,
		CreatedAt:  link.CreatedAt.UTC(),
	}
}

// handleChallenge issues a sign-in challenge and creates the pending link
// when the caller does not hold one yet. Addresses owned by another user are
// refused before any challenge is issued.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := identity.NormalizeAddress(req.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principalFrom(r)
	ctx := r.Context()

	var challenge identity.Challenge
	err = s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		links := s.deps.Links.WithTx(tx)
		link, err := links.GetLink(ctx, addr)
		create := false
		switch {
		case err == nil && link.UserID != p.UserID:
			return identity.ErrAddressAlreadyLinked
		case errors.Is(err, identity.ErrLinkNotFound):
			create = true
		case err != nil:
			return err
		}
		challenge, err = s.deps.Verifier.WithTx(tx).Issue(ctx, addr)
		if err != nil {
			return err
		}
		if create {
			_, err = links.CreateLink(ctx, addr, p.UserID)
		}
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, challenge)
}

// handleVerify consumes the challenge and marks the caller's link verified.
// Both happen or neither does.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Signature == "" {
		s.writeError(w, r, badRequest{field: "signature", message: "is required"})
		return
	}
	p := principalFrom(r)
	ctx := r.Context()

	var link models.AddressLink
	err := s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		verified, err := s.deps.Verifier.WithTx(tx).Verify(ctx, req.Address, req.Signature)
		if err != nil {
			return err
		}
		link, err = s.deps.Links.WithTx(tx).MarkVerified(ctx, verified, p.UserID)
		return err
	})
	if err != nil {
		s.logger.DebugContext(ctx, "verification rejected", "address", req.Address, "user_id", p.UserID.String(),
			logging.MaskField("signature", req.Signature), "error", err)
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewLink(link))
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.deps.Links.ListLinks(r.Context(), principalFrom(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]linkView, 0, len(links))
	for _, link := range links {
		out = append(out, viewLink(link))
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": out})
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	link, err := s.deps.Links.CreateLink(r.Context(), req.Address, principalFrom(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewLink(link))
}

// handleRemoveLink deletes the caller's link and revokes any pending
// challenge for the address in one transaction.
func (s *Server) handleRemoveLink(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	p := principalFrom(r)
	ctx := r.Context()
	err := s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.deps.Links.WithTx(tx).RemoveLink(ctx, address, p.UserID); err != nil {
			return err
		}
		return s.deps.Verifier.WithTx(tx).Revoke(ctx, address)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
