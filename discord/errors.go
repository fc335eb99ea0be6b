package discord

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable is returned once every retry attempt failed.
	ErrUpstreamUnavailable = errors.New("discord: upstream unavailable")
	// ErrSessionTerminated wraps the cause that forced the caller to sign in again.
	ErrSessionTerminated = errors.New("discord: session terminated")
	ErrBotNotInstalled   = errors.New("discord: bot is not installed in guild")
	ErrNotAdministrator  = errors.New("discord: acting user is not a guild administrator")

	errUnauthorized = errors.New("discord: unauthorized")
	errForbidden    = errors.New("discord: forbidden")
	errNotFound     = errors.New("discord: not found")
)

// StatusError is a non-retryable HTTP response from the platform.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("discord: %s returned %d: %s", e.Endpoint, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case 401:
		return errUnauthorized
	case 403:
		return errForbidden
	case 404:
		return errNotFound
	}
	return nil
}
