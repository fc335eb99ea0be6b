package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"governator/models"
	"governator/observability/metrics"
)

var (
	ErrUnauthenticated = errors.New("session: unauthenticated")
	ErrSessionRevoked  = errors.New("session: revoked")
	ErrSessionExpired  = errors.New("session: expired")
)

const defaultLeeway = 30 * time.Second

type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Manager owns users and sessions. A session is live until it expires or is
// invalidated; the JWT only carries its id.
type Manager struct {
	db      *gorm.DB
	secret  []byte
	issuer  string
	ttl     time.Duration
	nowFn   func() time.Time
	metrics *metrics.GovernatorMetrics
	logger  *slog.Logger
}

// NewManager fails without a secret. A non-positive TTL means 24 hours.
func NewManager(db *gorm.DB, cfg Config, now func() time.Time, m *metrics.GovernatorMetrics, logger *slog.Logger) (*Manager, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("session: secret required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:      db,
		secret:  []byte(secret),
		issuer:  cfg.Issuer,
		ttl:     cfg.TTL,
		nowFn:   now,
		metrics: m,
		logger:  logger,
	}, nil
}

// OpenParams carries the identity the external login flow established.
type OpenParams struct {
	PlatformUserID string
	Username       string
	AccessToken    string
	// ExpiresIn caps the session at the platform token lifetime when set.
	ExpiresIn time.Duration
}

// Token is returned when a session opens.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    uuid.UUID `json:"user_id"`
	SessionID uuid.UUID `json:"session_id"`
}

type claims struct {
	PlatformUserID string `json:"pid"`
	jwt.RegisteredClaims
}

// Open finds or creates the user for the platform identity, records a
// session and returns a signed bearer token for it.
func (m *Manager) Open(ctx context.Context, params OpenParams) (Token, error) {
	platformID := strings.TrimSpace(params.PlatformUserID)
	if platformID == "" {
		return Token{}, errors.New("session: platform user id required")
	}
	if strings.TrimSpace(params.AccessToken) == "" {
		return Token{}, errors.New("session: access token required")
	}
	now := m.nowFn().UTC()
	ttl := m.ttl
	if params.ExpiresIn > 0 && params.ExpiresIn < ttl {
		ttl = params.ExpiresIn
	}

	var user models.User
	sess := models.Session{
		ID:             uuid.New(),
		PlatformUserID: platformID,
		AccessToken:    params.AccessToken,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := models.User{ID: uuid.New(), PlatformUserID: platformID, Username: params.Username, CreatedAt: now, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "platform_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "updated_at"}),
		}).Create(&candidate).Error; err != nil {
			return err
		}
		if err := tx.Where("platform_user_id = ?", platformID).Take(&user).Error; err != nil {
			return err
		}
		sess.UserID = user.ID
		return tx.Create(&sess).Error
	})
	if err != nil {
		return Token{}, fmt.Errorf("session: open: %w", err)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		PlatformUserID: platformID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			ID:        sess.ID.String(),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}).SignedString(m.secret)
	if err != nil {
		return Token{}, fmt.Errorf("session: sign: %w", err)
	}
	m.logger.InfoContext(ctx, "session opened", "user_id", user.ID.String(), "session_id", sess.ID.String())
	return Token{Token: signed, ExpiresAt: sess.ExpiresAt, UserID: user.ID, SessionID: sess.ID}, nil
}

// Authenticate resolves a bearer token to its live principal.
func (m *Manager) Authenticate(ctx context.Context, bearer string) (Principal, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return Principal{}, ErrUnauthenticated
	}
	parsed := claims{}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(defaultLeeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.nowFn),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if _, err := jwt.ParseWithClaims(bearer, &parsed, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	sessionID, err := uuid.Parse(parsed.ID)
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}

	var sess models.Session
	err = m.db.WithContext(ctx).Where("id = ?", sessionID).Take(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Principal{}, ErrUnauthenticated
	}
	if err != nil {
		return Principal{}, fmt.Errorf("session: lookup: %w", err)
	}
	if sess.RevokedAt != nil {
		return Principal{}, ErrSessionRevoked
	}
	if !m.nowFn().UTC().Before(sess.ExpiresAt) {
		return Principal{}, ErrSessionExpired
	}
	var user models.User
	if err := m.db.WithContext(ctx).Where("id = ?", sess.UserID).Take(&user).Error; err != nil {
		return Principal{}, fmt.Errorf("session: user lookup: %w", err)
	}
	return Principal{
		UserID:         user.ID,
		SessionID:      sess.ID,
		PlatformUserID: user.PlatformUserID,
		Username:       user.Username,
		AccessToken:    sess.AccessToken,
	}, nil
}

// Invalidate revokes the session. Revoking twice keeps the first reason.
func (m *Manager) Invalidate(ctx context.Context, sessionID uuid.UUID, reason string) error {
	now := m.nowFn().UTC()
	res := m.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND revoked_at IS NULL", sessionID).
		Updates(map[string]any{"revoked_at": now, "revoke_reason": reason})
	if res.Error != nil {
		return fmt.Errorf("session: invalidate: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		m.metrics.SessionInvalidated(reason)
		m.logger.WarnContext(ctx, "session invalidated", "session_id", sessionID.String(), "reason", reason)
	}
	return nil
}
