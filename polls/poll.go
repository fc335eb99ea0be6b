package polls

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxOptions is the size of the marker alphabet.
const MaxOptions = 10

// Markers are assigned to options by position.
var Markers = [MaxOptions]string{
	"1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣",
	"6️⃣", "7️⃣", "8️⃣", "9️⃣", "🔟",
}

var (
	ErrPollNotFound = errors.New("polls: poll not found")
	ErrPollClosed   = errors.New("polls: poll has ended")
	ErrNotAuthor    = errors.New("polls: only the author may edit a poll")
)

type Option struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Marker   string `json:"marker"`
	Position int    `json:"position"`
}

// Poll is a validated poll definition. Only Builder produces new ones.
type Poll struct {
	ID                    uuid.UUID `json:"id"`
	Title                 string    `json:"title"`
	Description           string    `json:"description"`
	Provider              string    `json:"provider_id"`
	GuildID               string    `json:"guild_id"`
	ChannelID             string    `json:"channel_id"`
	RoleRestrictions      []string  `json:"role_restrictions"`
	TokenStrategyID       string    `json:"token_strategy_id"`
	SnapshotBlockHeight   uint64    `json:"snapshot_block_height"`
	EndTime               time.Time `json:"end_time"`
	SingleVote            bool      `json:"single_vote"`
	AllowOptionsForAnyone bool      `json:"allow_options_for_anyone"`
	Options               []Option  `json:"options"`
	AuthorUserID          uuid.UUID `json:"author_user_id"`
	CreatedAt             time.Time `json:"created_at"`
}

// Open reports whether votes are still accepted at now.
func (p Poll) Open(now time.Time) bool {
	return now.Before(p.EndTime)
}

// Option returns the option with id.
func (p Poll) Option(id string) (Option, bool) {
	for _, opt := range p.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

// Restricted reports whether voting is limited to holders of specific roles.
func (p Poll) Restricted() bool {
	return len(p.RoleRestrictions) > 0
}

// FieldError names one offending submission field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every problem found in one submission.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return "polls: invalid submission: " + strings.Join(parts, "; ")
}

func (v *ValidationErrors) add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}
