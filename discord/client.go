package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"governator/observability/metrics"
)

const (
	defaultBaseURL  = "https://discord.com/api/v10"
	defaultAttempts = 4
	defaultDelay    = 500 * time.Millisecond
	defaultTimeout  = 5 * time.Second
	maxErrorBody    = 512
)

// ClientConfig configures the REST client. Attempts and Delay define the
// retry policy: a fixed pause between sequential attempts, no growth.
type ClientConfig struct {
	BaseURL    string
	BotToken   string
	Timeout    time.Duration
	Attempts   int
	Delay      time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.GovernatorMetrics
	Logger     *slog.Logger
}

// Client calls the chat platform REST API.
type Client struct {
	baseURL  string
	botToken string
	timeout  time.Duration
	attempts int
	delay    time.Duration
	http     *http.Client
	metrics  *metrics.GovernatorMetrics
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewClient fills unset ClientConfig fields with package defaults.
func NewClient(cfg ClientConfig) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Delay < 0 {
		cfg.Delay = defaultDelay
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  base,
		botToken: strings.TrimSpace(cfg.BotToken),
		timeout:  cfg.Timeout,
		attempts: cfg.Attempts,
		delay:    cfg.Delay,
		http:     httpClient,
		metrics:  cfg.Metrics,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// CurrentUserGuilds lists the guilds visible to the user's access token.
func (c *Client) CurrentUserGuilds(ctx context.Context, accessToken string) ([]Guild, error) {
	var guilds []Guild
	err := c.get(ctx, "user_guilds", "/users/@me/guilds", "Bearer "+accessToken, &guilds)
	return guilds, err
}

// Guild fetches guild metadata, roles included, with the bot token.
func (c *Client) Guild(ctx context.Context, guildID string) (Guild, error) {
	var guild Guild
	err := c.get(ctx, "guild", "/guilds/"+url.PathEscape(guildID), c.botAuth(), &guild)
	return guild, err
}

func (c *Client) GuildMember(ctx context.Context, guildID, userID string) (Member, error) {
	var member Member
	path := "/guilds/" + url.PathEscape(guildID) + "/members/" + url.PathEscape(userID)
	err := c.get(ctx, "guild_member", path, c.botAuth(), &member)
	return member, err
}

func (c *Client) GuildChannels(ctx context.Context, guildID string) ([]Channel, error) {
	var channels []Channel
	err := c.get(ctx, "guild_channels", "/guilds/"+url.PathEscape(guildID)+"/channels", c.botAuth(), &channels)
	return channels, err
}

func (c *Client) GuildRoles(ctx context.Context, guildID string) ([]Role, error) {
	var roles []Role
	err := c.get(ctx, "guild_roles", "/guilds/"+url.PathEscape(guildID)+"/roles", c.botAuth(), &roles)
	return roles, err
}

func (c *Client) botAuth() string {
	return "Bot " + c.botToken
}

// get performs a GET with the retry policy. Transport errors, per-attempt
// timeouts and 5xx responses are retried; anything else returns at once.
// Caller cancellation stops the loop and is returned as-is.
func (c *Client) get(ctx context.Context, endpoint, path, authorization string, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.delay); err != nil {
				return err
			}
		}
		retry, err := c.attempt(ctx, endpoint, path, authorization, out)
		if err == nil {
			c.metrics.PlatformCall(endpoint, "ok")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.metrics.PlatformCall(endpoint, "canceled")
			return ctxErr
		}
		if !retry {
			c.metrics.PlatformCall(endpoint, "rejected")
			return err
		}
		c.metrics.PlatformCall(endpoint, "retry")
		c.logger.WarnContext(ctx, "platform call failed", "endpoint", endpoint, "attempt", attempt, "error", err)
		lastErr = err
	}
	c.metrics.RetryExhausted(endpoint)
	return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrUpstreamUnavailable, endpoint, c.attempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, endpoint, path, authorization string, out any) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("discord: build request: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return true, fmt.Errorf("discord: %s returned %d", endpoint, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return false, &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true, err
		}
		return false, fmt.Errorf("discord: decode %s: %w", endpoint, err)
	}
	return false, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
