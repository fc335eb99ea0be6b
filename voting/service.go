// Package voting records ballots and tallies them with the weights captured
// when each ballot was cast.
package voting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"governator/eligibility"
	"governator/models"
	"governator/observability/metrics"
	"governator/polls"
)

// ErrPollClosed is returned for ballots cast at or after a poll's end time.
var ErrPollClosed = polls.ErrPollClosed

// PollSource loads polls by id.
type PollSource interface {
	Get(ctx context.Context, id uuid.UUID) (polls.Poll, error)
}

// LinkSource lists a user's verified addresses.
type LinkSource interface {
	ListVerifiedAddresses(ctx context.Context, userID uuid.UUID) ([]models.AddressLink, error)
}

// WeightResolver decides eligibility and weight at cast time.
type WeightResolver interface {
	Resolve(ctx context.Context, poll polls.Poll, voter eligibility.Voter, links []models.AddressLink) (eligibility.Resolution, error)
}

// Ballot is a user's live vote on a poll.
type Ballot struct {
	PollID    uuid.UUID `json:"poll_id"`
	UserID    uuid.UUID `json:"user_id"`
	OptionIDs []string  `json:"option_ids"`
	Weight    string    `json:"weight"`
	Addresses []string  `json:"addresses"`
	CastAt    time.Time `json:"cast_at"`
	// Replaced is set when the ballot overwrote an earlier one.
	Replaced bool `json:"replaced"`
}

// Service casts and tallies ballots.
type Service struct {
	db       *gorm.DB
	polls    PollSource
	links    LinkSource
	resolver WeightResolver
	nowFn    func() time.Time
	metrics  *metrics.GovernatorMetrics
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source used for poll deadlines and cast times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithMetrics(m *metrics.GovernatorMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService wires ballot storage in db to its poll, link and weight sources.
func NewService(db *gorm.DB, pollSource PollSource, links LinkSource, resolver WeightResolver, opts ...Option) *Service {
	s := &Service{
		db:       db,
		polls:    pollSource,
		links:    links,
		resolver: resolver,
		nowFn:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cast records voter's ballot on pollID, replacing any earlier ballot by the
// same user. The weight is resolved now and stored with the ballot.
func (s *Service) Cast(ctx context.Context, voter eligibility.Voter, pollID uuid.UUID, optionIDs []string) (Ballot, error) {
	ballot, err := s.cast(ctx, voter, pollID, optionIDs)
	s.metrics.VoteCast(castOutcome(err))
	return ballot, err
}

func (s *Service) cast(ctx context.Context, voter eligibility.Voter, pollID uuid.UUID, optionIDs []string) (Ballot, error) {
	poll, err := s.polls.Get(ctx, pollID)
	if err != nil {
		return Ballot{}, err
	}
	now := s.nowFn().UTC()
	if !poll.Open(now) {
		return Ballot{}, ErrPollClosed
	}
	selected, err := selectOptions(poll, optionIDs)
	if err != nil {
		return Ballot{}, err
	}

	links, err := s.links.ListVerifiedAddresses(ctx, voter.UserID)
	if err != nil {
		return Ballot{}, err
	}
	res, err := s.resolver.Resolve(ctx, poll, voter, links)
	if err != nil {
		return Ballot{}, err
	}
	if !res.Eligible() {
		return Ballot{}, fmt.Errorf("%w: %s", eligibility.ErrNotEligible, res.Reason)
	}

	row := models.Vote{
		ID:        uuid.New(),
		PollID:    poll.ID,
		UserID:    voter.UserID,
		OptionIDs: selected,
		Addresses: res.Addresses,
		Weight:    res.Weight.Dec(),
		CastAt:    now,
		UpdatedAt: now,
	}
	replaced := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior int64
		if err := tx.Model(&models.Vote{}).
			Where("poll_id = ? AND user_id = ?", row.PollID, row.UserID).
			Count(&prior).Error; err != nil {
			return err
		}
		replaced = prior > 0
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "poll_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"option_ids", "addresses", "weight", "cast_at", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return Ballot{}, fmt.Errorf("voting: store ballot: %w", err)
	}

	s.logger.InfoContext(ctx, "ballot cast",
		"poll_id", poll.ID.String(), "user_id", voter.UserID.String(), "weight", row.Weight, "replaced", replaced)
	return Ballot{
		PollID:    row.PollID,
		UserID:    row.UserID,
		OptionIDs: selected,
		Weight:    row.Weight,
		Addresses: res.Addresses,
		CastAt:    now,
		Replaced:  replaced,
	}, nil
}

// selectOptions dedupes the requested ids and checks them against poll.
func selectOptions(poll polls.Poll, optionIDs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(optionIDs))
	selected := make([]string, 0, len(optionIDs))
	var errs polls.ValidationErrors
	for i, id := range optionIDs {
		id = strings.TrimSpace(id)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := poll.Option(id); !ok {
			errs = append(errs, polls.FieldError{Field: fmt.Sprintf("option_ids[%d]", i), Message: "is not an option of this poll"})
			continue
		}
		selected = append(selected, id)
	}
	switch {
	case len(errs) > 0:
		return nil, errs
	case len(selected) == 0:
		return nil, polls.ValidationErrors{{Field: "option_ids", Message: "at least one option is required"}}
	case poll.SingleVote && len(selected) != 1:
		return nil, polls.ValidationErrors{{Field: "option_ids", Message: "this poll accepts exactly one option"}}
	}
	return selected, nil
}

func castOutcome(err error) string {
	var verrs polls.ValidationErrors
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, eligibility.ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrPollClosed):
		return "closed"
	case errors.As(err, &verrs):
		return "invalid"
	case errors.Is(err, eligibility.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	default:
		return "error"
	}
}

// Ballot returns userID's live ballot on pollID.
func (s *Service) Ballot(ctx context.Context, pollID, userID uuid.UUID) (Ballot, bool, error) {
	var row models.Vote
	err := s.db.WithContext(ctx).Where("poll_id = ? AND user_id = ?", pollID, userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Ballot{}, false, nil
	}
	if err != nil {
		return Ballot{}, false, fmt.Errorf("voting: load ballot: %w", err)
	}
	return Ballot{
		PollID:    row.PollID,
		UserID:    row.UserID,
		OptionIDs: row.OptionIDs,
		Weight:    row.Weight,
		Addresses: row.Addresses,
		CastAt:    row.CastAt.UTC(),
	}, true, nil
}

// OptionResult is one line of a tally.
type OptionResult struct {
	OptionID string `json:"option_id"`
	Label    string `json:"label"`
	Marker   string `json:"marker"`
	Weight   string `json:"weight"`
	Voters   int    `json:"voters"`
}

// Tally is the weighted result of a poll.
type Tally struct {
	PollID  uuid.UUID      `json:"poll_id"`
	Closed  bool           `json:"closed"`
	Voters  int            `json:"voters"`
	Weight  string         `json:"total_weight"`
	Options []OptionResult `json:"options"`
}

// Tally sums the stored ballots of pollID. Each ballot adds its full
// cast-time weight to every option it selected; weights are not re-resolved.
func (s *Service) Tally(ctx context.Context, pollID uuid.UUID) (Tally, error) {
	poll, err := s.polls.Get(ctx, pollID)
	if err != nil {
		return Tally{}, err
	}
	var rows []models.Vote
	if err := s.db.WithContext(ctx).Where("poll_id = ?", pollID).Order("cast_at asc").Find(&rows).Error; err != nil {
		return Tally{}, fmt.Errorf("voting: load ballots: %w", err)
	}

	sums := make(map[string]*uint256.Int, len(poll.Options))
	counts := make(map[string]int, len(poll.Options))
	for _, opt := range poll.Options {
		sums[opt.ID] = new(uint256.Int)
	}
	total := new(uint256.Int)
	for _, row := range rows {
		weight, err := uint256.FromDecimal(row.Weight)
		if err != nil {
			return Tally{}, fmt.Errorf("voting: ballot %s has invalid weight %q: %w", row.ID, row.Weight, err)
		}
		total.Add(total, weight)
		for _, id := range row.OptionIDs {
			sum, ok := sums[id]
			if !ok {
				// Edits keep voted options, so this only skips stale rows.
				continue
			}
			sum.Add(sum, weight)
			counts[id]++
		}
	}

	out := Tally{
		PollID:  poll.ID,
		Closed:  !poll.Open(s.nowFn()),
		Voters:  len(rows),
		Weight:  total.Dec(),
		Options: make([]OptionResult, 0, len(poll.Options)),
	}
	for _, opt := range poll.Options {
		out.Options = append(out.Options, OptionResult{
			OptionID: opt.ID,
			Label:    opt.Label,
			Marker:   opt.Marker,
			Weight:   sums[opt.ID].Dec(),
			Voters:   counts[opt.ID],
		})
	}
	return out, nil
}
