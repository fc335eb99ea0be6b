package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Reasons a challenge nonce leaves the live set.
const (
	RetiredConsumed   = "consumed"
	RetiredSuperseded = "superseded"
	RetiredRevoked    = "revoked"
)

// ProviderDiscord is the only chat provider polls are bound to today.
const ProviderDiscord = "discord"

// User is the local account for a chat-platform identity.
type User struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	PlatformUserID string    `gorm:"size:32;uniqueIndex;not null"`
	Username       string    `gorm:"size:128"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Session is one sign-in; its ID is the JWT id of the bearer token.
type Session struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID `gorm:"type:uuid;index;not null"`
	PlatformUserID string    `gorm:"size:32;index"`
	AccessToken    string    `gorm:"type:text"`
	ExpiresAt      time.Time
	RevokedAt      *time.Time
	RevokeReason   string `gorm:"size:64"`
	CreatedAt      time.Time
}

// AddressLink binds a checksummed address to exactly one user.
type AddressLink struct {
	Address             string    `gorm:"size:42;primaryKey"`
	UserID              uuid.UUID `gorm:"type:uuid;index;not null"`
	Nonce               string    `gorm:"size:64"`
	VerificationMessage string    `gorm:"type:text"`
	Verified            bool      `gorm:"not null;default:false"`
	VerifiedAt          *time.Time
	CreatedAt           time.Time `gorm:"index"`
	UpdatedAt           time.Time
}

// Challenge is the single live sign-in challenge for an address.
type Challenge struct {
	Address    string `gorm:"size:42;primaryKey"`
	Nonce      string `gorm:"size:64;uniqueIndex;not null"`
	Message    string `gorm:"type:text;not null"`
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// RetiredNonce records nonces that may never verify again.
type RetiredNonce struct {
	Nonce     string    `gorm:"size:64;primaryKey"`
	Address   string    `gorm:"size:42;index;not null"`
	Message   string    `gorm:"type:text"`
	Reason    string    `gorm:"size:16"`
	RetiredAt time.Time `gorm:"index"`
}

// Poll is a governance question posted to one guild channel.
type Poll struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	DedupeKey             string    `gorm:"size:160;uniqueIndex;not null"`
	Title                 string    `gorm:"size:200;not null"`
	Description           string    `gorm:"type:text"`
	ProviderID            string    `gorm:"size:32"`
	GuildID               string    `gorm:"size:32;index:idx_poll_channel"`
	ChannelID             string    `gorm:"size:32;index:idx_poll_channel"`
	TokenStrategyID       string    `gorm:"size:128;not null"`
	SnapshotBlockHeight   uint64    `gorm:"not null"`
	EndTime               time.Time `gorm:"index"`
	SingleVote            bool
	AllowOptionsForAnyone bool
	AuthorUserID          uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
	Options               []PollOption          `gorm:"foreignKey:PollID;constraint:OnDelete:CASCADE"`
	RoleRestrictions      []PollRoleRestriction `gorm:"foreignKey:PollID;constraint:OnDelete:CASCADE"`
}

// PollOption is keyed by poll and a stable option id; Marker is the reaction
// shown for it.
type PollOption struct {
	PollID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	ID       string    `gorm:"size:64;primaryKey"`
	Position int       `gorm:"not null"`
	Label    string    `gorm:"size:100;not null"`
	Marker   string    `gorm:"size:16;not null"`
}

// PollRoleRestriction limits voting to holders of RoleID.
type PollRoleRestriction struct {
	PollID uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoleID string    `gorm:"size:32;primaryKey"`
}

// Vote is the live ballot of one user on one poll. Weight is a base-10 integer.
type Vote struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	PollID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_vote_poll_user"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_vote_poll_user"`
	OptionIDs []string  `gorm:"serializer:json;type:text"`
	Addresses []string  `gorm:"serializer:json;type:text"`
	Weight    string    `gorm:"size:80;not null"`
	CastAt    time.Time
	UpdatedAt time.Time
}

// IdempotencyKey caches the first response written for a client key.
type IdempotencyKey struct {
	Key       string `gorm:"size:255;primaryKey"`
	Status    int
	Response  []byte
	CreatedAt time.Time `gorm:"index"`
}

// AutoMigrate creates or updates every table governator owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Session{},
		&AddressLink{},
		&Challenge{},
		&RetiredNonce{},
		&Poll{},
		&PollOption{},
		&PollRoleRestriction{},
		&Vote{},
		&IdempotencyKey{},
	)
}
