package server

import (
	"errors"
	"net/http"

	"governator/discord"
	"governator/eligibility"
	"governator/gateway/auth"
	"governator/gateway/middleware"
	"governator/identity"
	"governator/polls"
	"governator/session"
)

// Error codes are part of the public contract; clients switch on them.
const (
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeNonceExpired         = "NONCE_EXPIRED"
	CodeNonceConsumed        = "NONCE_ALREADY_CONSUMED"
	CodeChallengeNotFound    = "CHALLENGE_NOT_FOUND"
	CodeAddressAlreadyLinked = "ADDRESS_ALREADY_LINKED"
	CodeLinkNotFound         = "LINK_NOT_FOUND"
	CodeOwnerMismatch        = "OWNER_MISMATCH"
	CodeBotNotInstalled      = "BOT_NOT_INSTALLED"
	CodeNotAdministrator     = "NOT_ADMINISTRATOR"
	CodeNotEligible          = "NOT_ELIGIBLE"
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodeUpstreamUnavailable  = "UPSTREAM_UNAVAILABLE"
	CodeSessionTerminated    = "SESSION_TERMINATED"
	CodeUnauthenticated      = "UNAUTHENTICATED"
	CodePollNotFound         = "POLL_NOT_FOUND"
	CodePollClosed           = "POLL_CLOSED"
	CodeNotAuthor            = "NOT_AUTHOR"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInternal             = "INTERNAL"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: a terminated session also wraps the upstream failure that
// caused it.
var errorTable = []errorMapping{
	{identity.ErrInvalidSignature, http.StatusBadRequest, CodeInvalidSignature},
	{identity.ErrNonceExpired, http.StatusGone, CodeNonceExpired},
	{identity.ErrNonceAlreadyConsumed, http.StatusConflict, CodeNonceConsumed},
	{identity.ErrChallengeNotFound, http.StatusNotFound, CodeChallengeNotFound},
	{identity.ErrAddressAlreadyLinked, http.StatusConflict, CodeAddressAlreadyLinked},
	{identity.ErrLinkNotFound, http.StatusNotFound, CodeLinkNotFound},
	{identity.ErrOwnerMismatch, http.StatusForbidden, CodeOwnerMismatch},
	{discord.ErrSessionTerminated, http.StatusUnauthorized, CodeSessionTerminated},
	{discord.ErrBotNotInstalled, http.StatusFailedDependency, CodeBotNotInstalled},
	{discord.ErrNotAdministrator, http.StatusForbidden, CodeNotAdministrator},
	{eligibility.ErrNotEligible, http.StatusForbidden, CodeNotEligible},
	{discord.ErrUpstreamUnavailable, http.StatusBadGateway, CodeUpstreamUnavailable},
	{eligibility.ErrUpstreamUnavailable, http.StatusBadGateway, CodeUpstreamUnavailable},
	{session.ErrUnauthenticated, http.StatusUnauthorized, CodeUnauthenticated},
	{session.ErrSessionRevoked, http.StatusUnauthorized, CodeUnauthenticated},
	{session.ErrSessionExpired, http.StatusUnauthorized, CodeUnauthenticated},
	{auth.ErrUnauthorized, http.StatusUnauthorized, CodeUnauthenticated},
	{polls.ErrPollNotFound, http.StatusNotFound, CodePollNotFound},
	{polls.ErrPollClosed, http.StatusConflict, CodePollClosed},
	{polls.ErrNotAuthor, http.StatusForbidden, CodeNotAuthor},
	{middleware.ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited},
}

// badRequest marks a malformed body or parameter.
type badRequest struct {
	field   string
	message string
}

func (b badRequest) Error() string { return b.field + ": " + b.message }

func classify(err error) (int, string, map[string]any) {
	var verrs polls.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusUnprocessableEntity, CodeValidationFailed, map[string]any{"fields": []polls.FieldError(verrs)}
	}
	var bad badRequest
	if errors.As(err, &bad) {
		return http.StatusUnprocessableEntity, CodeValidationFailed, map[string]any{
			"fields": []polls.FieldError{{Field: bad.field, Message: bad.message}},
		}
	}
	if errors.Is(err, identity.ErrInvalidAddress) {
		return http.StatusUnprocessableEntity, CodeValidationFailed, map[string]any{
			"fields": []polls.FieldError{{Field: "address", Message: "is not a valid address"}},
		}
	}
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, m.code, nil
		}
	}
	return http.StatusInternalServerError, CodeInternal, nil
}
