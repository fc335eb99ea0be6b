package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"governator/models"
	"governator/observability/metrics"
	"governator/storage"
)

const (
	nonceBytes          = 16
	defaultChallengeTTL = 10 * time.Minute
	defaultHistoryDepth = 16
)

// VerifierConfig describes the message template and nonce lifetime.
type VerifierConfig struct {
	Domain       string
	URI          string
	Statement    string
	ChainID      int64
	TTL          time.Duration
	HistoryDepth int
}

// Challenge is what the wallet is asked to sign.
type Challenge struct {
	Address   string    `json:"address"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifiedIdentity proves a signature was checked against a live nonce.
// Only Verify produces one.
type VerifiedIdentity struct {
	Address    string
	Nonce      string
	Message    string
	VerifiedAt time.Time
}

// Verifier issues and checks address ownership challenges. State lives in the
// database so any instance can verify a challenge another instance issued.
type Verifier struct {
	db      *gorm.DB
	cfg     VerifierConfig
	nowFn   func() time.Time
	random  io.Reader
	metrics *metrics.GovernatorMetrics
	logger  *slog.Logger
}

// VerifierOption customises a Verifier built by NewVerifier.
type VerifierOption func(*Verifier)

// WithVerifierClock sets the time source for issue and expiry checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.nowFn = now
		}
	}
}

// WithEntropy replaces crypto/rand as the nonce source.
func WithEntropy(r io.Reader) VerifierOption {
	return func(v *Verifier) {
		if r != nil {
			v.random = r
		}
	}
}

// WithVerifierMetrics records issued challenges and verification outcomes.
func WithVerifierMetrics(m *metrics.GovernatorMetrics) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

// WithVerifierLogger replaces slog.Default.
func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewVerifier returns a Verifier storing challenges in db. A zero TTL or
// history depth falls back to ten minutes and sixteen nonces.
func NewVerifier(db *gorm.DB, cfg VerifierConfig, opts ...VerifierOption) *Verifier {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultChallengeTTL
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = defaultHistoryDepth
	}
	v := &Verifier{
		db:     db,
		cfg:    cfg,
		nowFn:  time.Now,
		random: rand.Reader,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// WithTx returns a copy bound to tx so callers can compose verification with
// registry writes in one transaction.
func (v *Verifier) WithTx(tx *gorm.DB) *Verifier {
	clone := *v
	clone.db = tx
	return &clone
}

func (v *Verifier) now() time.Time {
	return v.nowFn().UTC().Truncate(time.Second)
}

// Issue creates a fresh challenge for address. A pending nonce for the same
// address is retired in the same transaction, so at most one is ever live.
func (v *Verifier) Issue(ctx context.Context, address string) (Challenge, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return Challenge{}, err
	}
	nonce, err := v.newNonce()
	if err != nil {
		return Challenge{}, err
	}
	issuedAt := v.now()
	challenge := Challenge{
		Address:   addr,
		Nonce:     nonce,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(v.cfg.TTL),
	}
	challenge.Message = BuildMessage(MessageParams{
		Domain:    v.cfg.Domain,
		Address:   addr,
		Statement: v.cfg.Statement,
		URI:       v.cfg.URI,
		ChainID:   v.cfg.ChainID,
		Nonce:     nonce,
		IssuedAt:  challenge.IssuedAt,
		ExpiresAt: challenge.ExpiresAt,
	})

	err = v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var previous models.Challenge
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("address = ?", addr).Take(&previous).Error
		switch {
		case err == nil:
			if previous.ConsumedAt == nil {
				if err := retireIfLive(tx, previous, models.RetiredSuperseded, issuedAt); err != nil {
					return err
				}
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		row := models.Challenge{
			Address:   addr,
			Nonce:     nonce,
			Message:   challenge.Message,
			IssuedAt:  challenge.IssuedAt,
			ExpiresAt: challenge.ExpiresAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"nonce", "message", "issued_at", "expires_at", "consumed_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}

		// Pending links show the challenge they are waiting on.
		return tx.Model(&models.AddressLink{}).
			Where("address = ? AND verified = ?", addr, false).
			Updates(map[string]any{"nonce": nonce, "verification_message": challenge.Message}).Error
	})
	if err != nil {
		return Challenge{}, fmt.Errorf("identity: issue challenge: %w", err)
	}
	v.metrics.ChallengeIssued()
	v.logger.DebugContext(ctx, "challenge issued", "address", addr, "expires_at", challenge.ExpiresAt)
	return challenge, nil
}

// Verify checks signatureHex against the live challenge for address and
// consumes its nonce. A signature over an older, retired message reports
// ErrNonceAlreadyConsumed rather than ErrInvalidSignature.
func (v *Verifier) Verify(ctx context.Context, address, signatureHex string) (VerifiedIdentity, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		v.metrics.Verification("invalid_address")
		return VerifiedIdentity{}, err
	}
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		v.metrics.Verification("invalid_signature")
		return VerifiedIdentity{}, err
	}
	now := v.now()

	var verified VerifiedIdentity
	err = v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var live models.Challenge
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("address = ?", addr).Take(&live).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		found := err == nil

		if found && signedBy(live.Message, sig, addr) {
			if live.ConsumedAt != nil {
				return ErrNonceAlreadyConsumed
			}
			if now.After(live.ExpiresAt) {
				return ErrNonceExpired
			}
			if err := retire(tx, live, models.RetiredConsumed, now); err != nil {
				return err
			}
			res := tx.Model(&models.Challenge{}).
				Where("address = ? AND nonce = ? AND consumed_at IS NULL", addr, live.Nonce).
				Update("consumed_at", now)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrNonceAlreadyConsumed
			}
			verified = VerifiedIdentity{Address: addr, Nonce: live.Nonce, Message: live.Message, VerifiedAt: now}
			return nil
		}

		replayed, err := v.matchesRetired(tx, addr, sig)
		if err != nil {
			return err
		}
		if replayed {
			return ErrNonceAlreadyConsumed
		}
		if !found {
			return ErrChallengeNotFound
		}
		return ErrInvalidSignature
	})
	if err != nil {
		v.metrics.Verification(verificationOutcome(err))
		if isDomainError(err) {
			return VerifiedIdentity{}, err
		}
		return VerifiedIdentity{}, fmt.Errorf("identity: verify: %w", err)
	}
	v.metrics.Verification("verified")
	v.logger.InfoContext(ctx, "address ownership verified", "address", addr)
	return verified, nil
}

// Revoke retires any pending challenge for address and removes the live row.
func (v *Verifier) Revoke(ctx context.Context, address string) error {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	now := v.now()
	return v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var live models.Challenge
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("address = ?", addr).Take(&live).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if live.ConsumedAt == nil {
			if err := retireIfLive(tx, live, models.RetiredRevoked, now); err != nil {
				return err
			}
		}
		return tx.Where("address = ?", addr).Delete(&models.Challenge{}).Error
	})
}

// Prune drops retired nonce history older than before.
func (v *Verifier) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := v.db.WithContext(ctx).Where("retired_at < ?", before.UTC()).Delete(&models.RetiredNonce{})
	return res.RowsAffected, res.Error
}

func (v *Verifier) matchesRetired(tx *gorm.DB, addr string, sig []byte) (bool, error) {
	var history []models.RetiredNonce
	if err := tx.Where("address = ?", addr).
		Order("retired_at desc").
		Limit(v.cfg.HistoryDepth).
		Find(&history).Error; err != nil {
		return false, err
	}
	for _, entry := range history {
		if signedBy(entry.Message, sig, addr) {
			return true, nil
		}
	}
	return false, nil
}

func (v *Verifier) newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := io.ReadFull(v.random, buf); err != nil {
		return "", fmt.Errorf("identity: nonce entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// retire moves a nonce into the replay ledger. A second insert of the same
// nonce is the signal that another request consumed it first.
func retire(tx *gorm.DB, ch models.Challenge, reason string, at time.Time) error {
	row := retiredNonce(ch, reason, at)
	err := tx.Create(&row).Error
	if storage.IsUniqueViolation(err) {
		return ErrNonceAlreadyConsumed
	}
	return err
}

// retireIfLive records ch as retired unless a concurrent consumer already
// did. It never raises a constraint error, so tx stays usable on postgres.
func retireIfLive(tx *gorm.DB, ch models.Challenge, reason string, at time.Time) error {
	row := retiredNonce(ch, reason, at)
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "nonce"}},
		DoNothing: true,
	}).Create(&row).Error
}

func retiredNonce(ch models.Challenge, reason string, at time.Time) models.RetiredNonce {
	return models.RetiredNonce{
		Nonce:     ch.Nonce,
		Address:   ch.Address,
		Message:   ch.Message,
		Reason:    reason,
		RetiredAt: at,
	}
}

func decodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	sig, err := hex.DecodeString(trimmed)
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return nil, ErrInvalidSignature
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	if sig[ethcrypto.RecoveryIDOffset] > 1 {
		return nil, ErrInvalidSignature
	}
	return sig, nil
}

// signedBy reports whether sig is addr's personal_sign signature over message.
func signedBy(message string, sig []byte, addr string) bool {
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return false
	}
	return strings.EqualFold(ethcrypto.PubkeyToAddress(*pub).Hex(), addr)
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrNonceExpired) ||
		errors.Is(err, ErrNonceAlreadyConsumed) ||
		errors.Is(err, ErrChallengeNotFound)
}

func verificationOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrNonceExpired):
		return "expired"
	case errors.Is(err, ErrNonceAlreadyConsumed):
		return "replayed"
	case errors.Is(err, ErrChallengeNotFound):
		return "no_challenge"
	default:
		return "error"
	}
}
