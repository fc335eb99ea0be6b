package identity

import "errors"

var (
	// ErrInvalidAddress is returned for input that is not a 20-byte hex address.
	ErrInvalidAddress = errors.New("identity: invalid address")
	// ErrInvalidSignature means the signature does not recover to the address
	// for any message issued to it.
	ErrInvalidSignature = errors.New("identity: invalid signature")
	// ErrNonceExpired means the live challenge outlived its TTL.
	ErrNonceExpired = errors.New("identity: challenge nonce expired")
	// ErrNonceAlreadyConsumed covers consumed, superseded and revoked nonces.
	ErrNonceAlreadyConsumed = errors.New("identity: challenge nonce already consumed")
	// ErrChallengeNotFound means no challenge was ever issued for the address.
	ErrChallengeNotFound = errors.New("identity: no challenge issued for address")

	ErrAddressAlreadyLinked = errors.New("identity: address already linked")
	ErrLinkNotFound         = errors.New("identity: address link not found")
	ErrOwnerMismatch        = errors.New("identity: address linked to a different user")
)
