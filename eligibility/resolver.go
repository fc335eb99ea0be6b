package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"governator/discord"
	"governator/models"
	"governator/observability/metrics"
	"governator/polls"
)

// Reasons attached to a zero-weight Resolution.
const (
	ReasonMissingRole       = "missing_required_role"
	ReasonNoVerifiedAddress = "no_verified_address"
	ReasonZeroBalance       = "zero_balance"
)

const defaultBalanceTimeout = 5 * time.Second

// RoleSource reports a member's current roles. discord.Discovery satisfies it.
type RoleSource interface {
	MemberRoles(ctx context.Context, guildID, platformUserID string) ([]string, error)
}

// Voter identifies who is asking for a weight.
type Voter struct {
	UserID         uuid.UUID
	PlatformUserID string
}

// Resolution is the weight a voter carries on one poll and the addresses
// that contributed to it.
type Resolution struct {
	Weight    *uint256.Int
	Addresses []string
	Reason    string
}

// Eligible reports whether the weight is positive.
func (r Resolution) Eligible() bool {
	return r.Weight != nil && !r.Weight.IsZero()
}

type ResolverConfig struct {
	// BalanceTimeout bounds each strategy call.
	BalanceTimeout time.Duration
}

// Resolver computes vote weights.
type Resolver struct {
	strategies *Registry
	roles      RoleSource
	timeout    time.Duration
	metrics    *metrics.GovernatorMetrics
	logger     *slog.Logger
}

// NewResolver builds a Resolver. A nil metrics set disables strategy timing.
func NewResolver(strategies *Registry, roles RoleSource, cfg ResolverConfig, m *metrics.GovernatorMetrics, logger *slog.Logger) *Resolver {
	if cfg.BalanceTimeout <= 0 {
		cfg.BalanceTimeout = defaultBalanceTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{strategies: strategies, roles: roles, timeout: cfg.BalanceTimeout, metrics: m, logger: logger}
}

// Resolve returns the voter's weight on poll: the sum of the balances of
// their verified addresses at the poll's snapshot height. A restricted poll
// first requires one of its roles, checked live. A zero weight is returned
// with a reason and no error; callers treat it as ErrNotEligible.
func (r *Resolver) Resolve(ctx context.Context, poll polls.Poll, voter Voter, links []models.AddressLink) (Resolution, error) {
	strategy, ok := r.strategies.Lookup(poll.TokenStrategyID)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, poll.TokenStrategyID)
	}

	if poll.Restricted() {
		held, err := r.roleHolder(ctx, poll, voter)
		if err != nil {
			return Resolution{}, err
		}
		if !held {
			return Resolution{Weight: new(uint256.Int), Reason: ReasonMissingRole}, nil
		}
	}

	addresses := verifiedAddresses(links, voter.UserID)
	if len(addresses) == 0 {
		return Resolution{Weight: new(uint256.Int), Reason: ReasonNoVerifiedAddress}, nil
	}

	total := new(uint256.Int)
	for _, addr := range addresses {
		balance, err := r.balance(ctx, strategy, poll, addr)
		if err != nil {
			return Resolution{}, err
		}
		sum, overflow := new(uint256.Int).AddOverflow(total, balance)
		if overflow {
			return Resolution{}, fmt.Errorf("eligibility: weight overflow for user %s", voter.UserID)
		}
		total = sum
	}

	res := Resolution{Weight: total, Addresses: addresses}
	if total.IsZero() {
		res.Reason = ReasonZeroBalance
	}
	return res, nil
}

func (r *Resolver) roleHolder(ctx context.Context, poll polls.Poll, voter Voter) (bool, error) {
	if r.roles == nil {
		return false, errors.New("eligibility: no role source configured")
	}
	held, err := r.roles.MemberRoles(ctx, poll.GuildID, voter.PlatformUserID)
	if err != nil {
		if errors.Is(err, discord.ErrUpstreamUnavailable) {
			return false, fmt.Errorf("%w: member roles: %w", ErrUpstreamUnavailable, err)
		}
		return false, err
	}
	allowed := make(map[string]struct{}, len(poll.RoleRestrictions))
	for _, role := range poll.RoleRestrictions {
		allowed[role] = struct{}{}
	}
	for _, role := range held {
		if _, ok := allowed[role]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) balance(ctx context.Context, strategy Strategy, poll polls.Poll, address string) (*uint256.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()
	balance, err := strategy.BalanceAt(callCtx, address, poll.SnapshotBlockHeight)
	r.metrics.ObserveStrategy(poll.TokenStrategyID, err, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.WarnContext(ctx, "balance lookup failed",
			"poll_id", poll.ID.String(), "address", address, "strategy", poll.TokenStrategyID, "error", err)
		if errors.Is(err, ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, poll.TokenStrategyID, err)
	}
	if balance == nil {
		return new(uint256.Int), nil
	}
	return balance, nil
}

// verifiedAddresses keeps verified links owned by userID, once each, in the
// order given.
func verifiedAddresses(links []models.AddressLink, userID uuid.UUID) []string {
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, link := range links {
		if !link.Verified || link.UserID != userID {
			continue
		}
		key := strings.ToLower(link.Address)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, link.Address)
	}
	return out
}
