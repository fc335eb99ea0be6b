package polls

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"governator/models"
	"governator/storage"
)

// Store persists polls. Creation is idempotent per dedupe key.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewStore returns a Store over db. A nil now uses time.Now.
func NewStore(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, nowFn: now}
}

// DedupeKey derives the idempotency key for a poll. A client token scopes to
// the author; without one the key fingerprints author, title, channel and the
// creation second.
func DedupeKey(p Poll, clientToken string) string {
	h := blake3.New(32, nil)
	if token := strings.TrimSpace(clientToken); token != "" {
		writeParts(h, "token", p.AuthorUserID.String(), token)
		return "tok:" + hex.EncodeToString(h.Sum(nil))
	}
	writeParts(h, "fingerprint", p.AuthorUserID.String(), p.Title, p.GuildID, p.ChannelID,
		strconv.FormatInt(p.CreatedAt.UTC().Truncate(time.Second).Unix(), 10))
	return "fp:" + hex.EncodeToString(h.Sum(nil))
}

func writeParts(h *blake3.Hasher, parts ...string) {
	for _, part := range parts {
		_, _ = h.Write([]byte(strconv.Itoa(len(part))))
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(part))
	}
}

// Create stores p. When an equivalent submission was already stored, the
// original poll is returned with created=false.
func (s *Store) Create(ctx context.Context, p Poll, clientToken string) (Poll, bool, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.nowFn().UTC()
	}
	row := toModel(p)
	row.DedupeKey = DedupeKey(p, clientToken)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
	if err != nil {
		if !storage.IsUniqueViolation(err) {
			return Poll{}, false, fmt.Errorf("polls: create: %w", err)
		}
		existing, getErr := s.load(ctx, s.db.Where("dedupe_key = ?", row.DedupeKey))
		if getErr != nil {
			return Poll{}, false, fmt.Errorf("polls: load duplicate: %w", getErr)
		}
		return existing, false, nil
	}
	return fromModel(row), true, nil
}

// Get loads a poll with its options and restrictions.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Poll, error) {
	return s.load(ctx, s.db.Where("id = ?", id))
}

// ListByChannel returns the channel's polls, newest first.
func (s *Store) ListByChannel(ctx context.Context, guildID, channelID string) ([]Poll, error) {
	var rows []models.Poll
	err := withChildren(s.db.WithContext(ctx)).
		Where("guild_id = ? AND channel_id = ?", guildID, channelID).
		Order("created_at desc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("polls: list: %w", err)
	}
	out := make([]Poll, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromModel(row))
	}
	return out, nil
}

// Update replaces the editable parts of poll id with next. Only the author
// may edit, and only while the poll is open. Guild, channel, strategy and
// snapshot height are fixed at creation. Once ballots exist the vote mode and
// every voted option are frozen.
func (s *Store) Update(ctx context.Context, id uuid.UUID, editor uuid.UUID, next Poll) (Poll, error) {
	var updated Poll
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Poll
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPollNotFound
		}
		if err != nil {
			return err
		}
		if row.AuthorUserID != editor {
			return ErrNotAuthor
		}
		if !s.nowFn().Before(row.EndTime) {
			return ErrPollClosed
		}
		if err := checkBallots(tx, row, next); err != nil {
			return err
		}

		if err := tx.Model(&models.Poll{}).Where("id = ?", id).Updates(map[string]any{
			"title":       next.Title,
			"description": next.Description,
			"end_time":    next.EndTime,
			"single_vote": next.SingleVote,
			"updated_at":  s.nowFn().UTC(),
		}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id = ?", id).Delete(&models.PollOption{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id = ?", id).Delete(&models.PollRoleRestriction{}).Error; err != nil {
			return err
		}
		replacement := toModel(next)
		for i := range replacement.Options {
			replacement.Options[i].PollID = id
		}
		for i := range replacement.RoleRestrictions {
			replacement.RoleRestrictions[i].PollID = id
		}
		if len(replacement.Options) > 0 {
			if err := tx.Create(&replacement.Options).Error; err != nil {
				return err
			}
		}
		if len(replacement.RoleRestrictions) > 0 {
			if err := tx.Create(&replacement.RoleRestrictions).Error; err != nil {
				return err
			}
		}
		updated, err = s.load(ctx, tx.Where("id = ?", id))
		return err
	})
	if err != nil {
		var verrs ValidationErrors
		if errors.Is(err, ErrPollNotFound) || errors.Is(err, ErrNotAuthor) || errors.Is(err, ErrPollClosed) || errors.As(err, &verrs) {
			return Poll{}, err
		}
		return Poll{}, fmt.Errorf("polls: update: %w", err)
	}
	return updated, nil
}

// checkBallots rejects edits that would leave a stored ballot invalid: the
// vote mode is frozen once anyone has voted, and voted options stay.
func checkBallots(tx *gorm.DB, current models.Poll, next Poll) error {
	var ballots []models.Vote
	if err := tx.Select("option_ids").Where("poll_id = ?", current.ID).Find(&ballots).Error; err != nil {
		return err
	}
	if len(ballots) == 0 {
		return nil
	}
	var errs ValidationErrors
	if next.SingleVote != current.SingleVote {
		errs = append(errs, FieldError{Field: "single_vote", Message: "cannot change after votes have been cast"})
	}
	kept := make(map[string]struct{}, len(next.Options))
	for _, opt := range next.Options {
		kept[opt.ID] = struct{}{}
	}
	reported := make(map[string]struct{})
	for _, ballot := range ballots {
		for _, id := range ballot.OptionIDs {
			if _, ok := kept[id]; ok {
				continue
			}
			if _, done := reported[id]; done {
				continue
			}
			reported[id] = struct{}{}
			errs = append(errs, FieldError{Field: "options", Message: fmt.Sprintf("option %s has votes and cannot be removed", id)})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func withChildren(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Preload("RoleRestrictions", func(db *gorm.DB) *gorm.DB { return db.Order("role_id asc") })
}

func (s *Store) load(ctx context.Context, scoped *gorm.DB) (Poll, error) {
	var row models.Poll
	err := withChildren(scoped.WithContext(ctx)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Poll{}, ErrPollNotFound
	}
	if err != nil {
		return Poll{}, err
	}
	return fromModel(row), nil
}

func toModel(p Poll) models.Poll {
	row := models.Poll{
		ID:                    p.ID,
		Title:                 p.Title,
		Description:           p.Description,
		ProviderID:            p.Provider,
		GuildID:               p.GuildID,
		ChannelID:             p.ChannelID,
		TokenStrategyID:       p.TokenStrategyID,
		SnapshotBlockHeight:   p.SnapshotBlockHeight,
		EndTime:               p.EndTime,
		SingleVote:            p.SingleVote,
		AllowOptionsForAnyone: p.AllowOptionsForAnyone,
		AuthorUserID:          p.AuthorUserID,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.CreatedAt,
	}
	for _, opt := range p.Options {
		row.Options = append(row.Options, models.PollOption{
			PollID:   p.ID,
			ID:       opt.ID,
			Position: opt.Position,
			Label:    opt.Label,
			Marker:   opt.Marker,
		})
	}
	for _, role := range p.RoleRestrictions {
		row.RoleRestrictions = append(row.RoleRestrictions, models.PollRoleRestriction{PollID: p.ID, RoleID: role})
	}
	return row
}

func fromModel(row models.Poll) Poll {
	p := Poll{
		ID:                    row.ID,
		Title:                 row.Title,
		Description:           row.Description,
		Provider:              row.ProviderID,
		GuildID:               row.GuildID,
		ChannelID:             row.ChannelID,
		TokenStrategyID:       row.TokenStrategyID,
		SnapshotBlockHeight:   row.SnapshotBlockHeight,
		EndTime:               row.EndTime.UTC(),
		SingleVote:            row.SingleVote,
		AllowOptionsForAnyone: row.AllowOptionsForAnyone,
		AuthorUserID:          row.AuthorUserID,
		CreatedAt:             row.CreatedAt.UTC(),
		RoleRestrictions:      make([]string, 0, len(row.RoleRestrictions)),
		Options:               make([]Option, 0, len(row.Options)),
	}
	for _, opt := range row.Options {
		p.Options = append(p.Options, Option{ID: opt.ID, Label: opt.Label, Marker: opt.Marker, Position: opt.Position})
	}
	for _, role := range row.RoleRestrictions {
		p.RoleRestrictions = append(p.RoleRestrictions, role.RoleID)
	}
	return p
}
