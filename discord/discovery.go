package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"governator/session"
)

// Session invalidation reasons recorded by Discovery.
const (
	ReasonRetryExhausted = "guild_discovery_exhausted"
	ReasonTokenRejected  = "platform_token_rejected"
)

const defaultCacheTTL = 5 * time.Minute

// SessionInvalidator ends a caller's session. session.Manager satisfies it.
type SessionInvalidator interface {
	Invalidate(ctx context.Context, sessionID uuid.UUID, reason string) error
}

type DiscoveryConfig struct {
	// AllowedGuilds restricts FetchGuilds results when non-empty.
	AllowedGuilds []string
	CacheTTL      time.Duration
}

// Discovery answers the guild, channel and role questions the rest of
// governator asks, on top of Client.
type Discovery struct {
	client   *Client
	sessions SessionInvalidator
	allowed  map[string]struct{}
	cache    Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewDiscovery returns a Discovery. A nil cache never caches.
func NewDiscovery(client *Client, sessions SessionInvalidator, cache Cache, cfg DiscoveryConfig, logger *slog.Logger) *Discovery {
	if cache == nil {
		cache = NopCache()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	var allowed map[string]struct{}
	for _, id := range cfg.AllowedGuilds {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if allowed == nil {
			allowed = make(map[string]struct{})
		}
		allowed[id] = struct{}{}
	}
	return &Discovery{
		client:   client,
		sessions: sessions,
		allowed:  allowed,
		cache:    cache,
		cacheTTL: cfg.CacheTTL,
		logger:   logger,
	}
}

// FetchGuilds lists the principal's guilds. When the platform stays
// unavailable through every retry, or rejects the access token, the session
// is invalidated and the error wraps ErrSessionTerminated. The allowlist is
// applied to the fetched list; it never replaces the call.
func (d *Discovery) FetchGuilds(ctx context.Context, p session.Principal) ([]Guild, error) {
	guilds, err := d.client.CurrentUserGuilds(ctx, p.AccessToken)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		reason := ""
		switch {
		case errors.Is(err, ErrUpstreamUnavailable):
			reason = ReasonRetryExhausted
		case errors.Is(err, errUnauthorized):
			reason = ReasonTokenRejected
		default:
			return nil, err
		}
		d.terminate(ctx, p, reason)
		return nil, fmt.Errorf("%w: %w", ErrSessionTerminated, err)
	}

	filtered := guilds[:0]
	for _, guild := range guilds {
		if d.allowed != nil {
			if _, ok := d.allowed[guild.ID]; !ok {
				continue
			}
		}
		filtered = append(filtered, guild)
	}
	return filtered, nil
}

func (d *Discovery) terminate(ctx context.Context, p session.Principal, reason string) {
	if d.sessions == nil {
		return
	}
	// Revocation must land even if the request is torn down right after.
	if err := d.sessions.Invalidate(context.WithoutCancel(ctx), p.SessionID, reason); err != nil {
		d.logger.ErrorContext(ctx, "session invalidation failed", "session_id", p.SessionID.String(), "error", err)
	}
}

// FetchChannels returns the channels of guildID that can host a poll. The
// acting user must own the guild or hold ADMINISTRATOR through their roles.
func (d *Discovery) FetchChannels(ctx context.Context, guildID, actingUserID string) ([]Channel, error) {
	if err := d.RequireAdministrator(ctx, guildID, actingUserID); err != nil {
		return nil, err
	}

	var channels []Channel
	var err error
	if !d.cached(ctx, "channels:"+guildID, &channels) {
		channels, err = d.client.GuildChannels(ctx, guildID)
		if err != nil {
			return nil, botError(err)
		}
		d.store(ctx, "channels:"+guildID, channels)
	}

	pollable := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.Type == ChannelTypeText || ch.Type == ChannelTypeAnnouncement {
			pollable = append(pollable, ch)
		}
	}
	sort.SliceStable(pollable, func(i, j int) bool {
		if pollable[i].Position != pollable[j].Position {
			return pollable[i].Position < pollable[j].Position
		}
		return pollable[i].ID < pollable[j].ID
	})
	return pollable, nil
}

// RequireAdministrator checks, live, that the bot is installed in guildID and
// that actingUserID owns it or holds ADMINISTRATOR through their roles.
func (d *Discovery) RequireAdministrator(ctx context.Context, guildID, actingUserID string) error {
	guild, err := d.client.Guild(ctx, guildID)
	if err != nil {
		return botError(err)
	}
	member, err := d.client.GuildMember(ctx, guildID, actingUserID)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return ErrNotAdministrator
		}
		return botError(err)
	}
	if memberPermissions(guild, member, actingUserID)&PermissionAdministrator == 0 {
		return ErrNotAdministrator
	}
	return nil
}

// FetchRoles lists the guild's assignable roles, highest first, without @everyone.
func (d *Discovery) FetchRoles(ctx context.Context, guildID string) ([]Role, error) {
	var roles []Role
	if !d.cached(ctx, "roles:"+guildID, &roles) {
		fetched, err := d.client.GuildRoles(ctx, guildID)
		if err != nil {
			return nil, botError(err)
		}
		roles = fetched
		d.store(ctx, "roles:"+guildID, roles)
	}
	out := make([]Role, 0, len(roles))
	for _, role := range roles {
		if role.ID == guildID {
			continue
		}
		out = append(out, role)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position > out[j].Position })
	return out, nil
}

// MemberRoles returns the user's current role ids in the guild, always live.
// A user who is not a member holds no roles.
func (d *Discovery) MemberRoles(ctx context.Context, guildID, platformUserID string) ([]string, error) {
	member, err := d.client.GuildMember(ctx, guildID, platformUserID)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, botError(err)
	}
	return member.Roles, nil
}

func botError(err error) error {
	if errors.Is(err, errForbidden) || errors.Is(err, errNotFound) {
		return fmt.Errorf("%w: %v", ErrBotNotInstalled, err)
	}
	return err
}

func (d *Discovery) cached(ctx context.Context, key string, out any) bool {
	raw, ok, err := d.cache.Get(ctx, key)
	if err != nil {
		d.logger.WarnContext(ctx, "guild cache read failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false
	}
	return true
}

func (d *Discovery) store(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, key, raw, d.cacheTTL); err != nil {
		d.logger.WarnContext(ctx, "guild cache write failed", "key", key, "error", err)
	}
}
