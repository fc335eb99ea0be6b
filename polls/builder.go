package polls

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"governator/models"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 2000
	maxLabelLen       = 100
	maxOptionIDLen    = 64
)

// OptionInput is one submitted option. ID and Marker are set when an
// existing option is being edited.
type OptionInput struct {
	ID     string `json:"id,omitempty"`
	Label  string `json:"label"`
	Marker string `json:"marker,omitempty"`
}

// Submission is the untrusted poll form payload.
type Submission struct {
	Title                 string          `json:"title"`
	Description           string          `json:"description"`
	GuildID               string          `json:"guild_id"`
	ChannelID             string          `json:"channel_id"`
	Options               []OptionInput   `json:"options"`
	RoleRestrictions      []string        `json:"role_restrictions"`
	TokenStrategyID       string          `json:"token_strategy_id"`
	BlockHeight           json.RawMessage `json:"block_height"`
	EndTime               string          `json:"end_time"`
	SingleVote            bool            `json:"single_vote"`
	AllowOptionsForAnyone bool            `json:"allow_options_for_anyone"`
}

// StrategyLookup reports whether a token strategy id is registered.
type StrategyLookup interface {
	Has(id string) bool
}

// Builder turns submissions into validated polls.
type Builder struct {
	strategies StrategyLookup
	nowFn      func() time.Time
}

// NewBuilder returns a Builder. A nil strategies lookup skips the
// registered-strategy check.
func NewBuilder(strategies StrategyLookup, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{strategies: strategies, nowFn: now}
}

// Build validates raw and returns the canonical poll authored by author. Every
// offending field is reported in the returned ValidationErrors.
func (b *Builder) Build(raw Submission, author uuid.UUID) (Poll, error) {
	now := b.nowFn().UTC()
	var errs ValidationErrors

	poll := Poll{
		ID:                    uuid.New(),
		Title:                 cleanText(raw.Title),
		Description:           cleanText(raw.Description),
		Provider:              models.ProviderDiscord,
		GuildID:               strings.TrimSpace(raw.GuildID),
		ChannelID:             strings.TrimSpace(raw.ChannelID),
		TokenStrategyID:       strings.TrimSpace(raw.TokenStrategyID),
		SingleVote:            raw.SingleVote,
		AllowOptionsForAnyone: false,
		AuthorUserID:          author,
		CreatedAt:             now,
	}

	switch n := utf8.RuneCountInString(poll.Title); {
	case n == 0:
		errs.add("title", "is required")
	case n > maxTitleLen:
		errs.add("title", fmt.Sprintf("must be at most %d characters", maxTitleLen))
	}
	switch n := utf8.RuneCountInString(poll.Description); {
	case n == 0:
		errs.add("description", "is required")
	case n > maxDescriptionLen:
		errs.add("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLen))
	}
	if poll.GuildID == "" {
		errs.add("guild_id", "is required")
	}
	if poll.ChannelID == "" {
		errs.add("channel_id", "is required")
	}

	if end, ok := parseEndTime(raw.EndTime, now, &errs); ok {
		poll.EndTime = end
	}

	switch {
	case poll.TokenStrategyID == "":
		errs.add("token_strategy_id", "is required")
	case b.strategies != nil && !b.strategies.Has(poll.TokenStrategyID):
		errs.add("token_strategy_id", "is not a registered strategy")
	}

	if height, ok := parseBlockHeight(raw.BlockHeight, &errs); ok {
		poll.SnapshotBlockHeight = height
	}

	poll.RoleRestrictions = normalizeRoles(raw.RoleRestrictions)
	poll.Options = buildOptions(raw.Options, &errs)

	if len(errs) > 0 {
		return Poll{}, errs
	}
	return poll, nil
}

func cleanText(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

func parseEndTime(raw string, now time.Time, errs *ValidationErrors) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		errs.add("end_time", "is required")
		return time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		errs.add("end_time", "must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	end = end.UTC()
	if !end.After(now) {
		errs.add("end_time", "must be in the future")
		return time.Time{}, false
	}
	return end, true
}

// parseBlockHeight accepts a JSON number or a numeric string.
func parseBlockHeight(raw json.RawMessage, errs *ValidationErrors) (uint64, bool) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		errs.add("block_height", "is required")
		return 0, false
	}
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(unquoted)
	}
	height, err := strconv.ParseUint(text, 10, 64)
	if err != nil || height == 0 {
		errs.add("block_height", "must be a positive integer")
		return 0, false
	}
	return height, true
}

func normalizeRoles(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	roles := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		roles = append(roles, id)
	}
	sort.Strings(roles)
	return roles
}

func markerIndex(marker string) int {
	for i, m := range Markers {
		if m == marker {
			return i
		}
	}
	return -1
}

// buildOptions assigns ids and markers. Options that already carry a marker
// keep it, first claim wins; the rest take their positional marker when it
// is free and otherwise the lowest free one.
func buildOptions(raw []OptionInput, errs *ValidationErrors) []Option {
	switch {
	case len(raw) == 0:
		errs.add("options", "at least one option is required")
		return nil
	case len(raw) > MaxOptions:
		errs.add("options", fmt.Sprintf("at most %d options are allowed", MaxOptions))
		return nil
	}

	options := make([]Option, len(raw))
	taken := make(map[int]bool, len(raw))
	ids := make(map[string]struct{}, len(raw))
	for i, in := range raw {
		field := fmt.Sprintf("options[%d]", i)
		label := cleanText(in.Label)
		switch n := utf8.RuneCountInString(label); {
		case n == 0:
			errs.add(field+".label", "is required")
		case n > maxLabelLen:
			errs.add(field+".label", fmt.Sprintf("must be at most %d characters", maxLabelLen))
		}

		id := strings.TrimSpace(in.ID)
		switch {
		case id == "":
			id = uuid.NewString()
		case len(id) > maxOptionIDLen:
			errs.add(field+".id", "is too long")
		}
		if _, dup := ids[id]; dup {
			errs.add(field+".id", "is duplicated")
		}
		ids[id] = struct{}{}
		options[i] = Option{ID: id, Label: label, Position: i}

		if marker := strings.TrimSpace(in.Marker); marker != "" {
			idx := markerIndex(marker)
			switch {
			case idx < 0:
				errs.add(field+".marker", "is not a recognised marker")
			case !taken[idx]:
				taken[idx] = true
				options[i].Marker = marker
			}
		}
	}

	for i := range options {
		if options[i].Marker != "" {
			continue
		}
		idx := i
		if taken[idx] {
			idx = lowestFree(taken)
		}
		taken[idx] = true
		options[i].Marker = Markers[idx]
	}
	return options
}

func lowestFree(taken map[int]bool) int {
	for i := 0; i < MaxOptions; i++ {
		if !taken[i] {
			return i
		}
	}
	return -1
}
