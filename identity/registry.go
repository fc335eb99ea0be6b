package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"governator/models"
	"governator/storage"
)

// Registry persists user to address bindings. The address primary key is
// what keeps one address from belonging to two users, across instances.
type Registry struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewRegistry returns a Registry over db. A nil now uses time.Now.
func NewRegistry(db *gorm.DB, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{db: db, nowFn: now}
}

// WithTx returns a copy of the registry bound to tx.
func (r *Registry) WithTx(tx *gorm.DB) *Registry {
	clone := *r
	clone.db = tx
	return &clone
}

// CreateLink binds address to userID as unverified. Linking an address that
// already has any owner, userID included, fails with ErrAddressAlreadyLinked.
func (r *Registry) CreateLink(ctx context.Context, address string, userID uuid.UUID) (models.AddressLink, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return models.AddressLink{}, err
	}
	now := r.nowFn().UTC()
	link := models.AddressLink{
		Address:   addr,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.AddressLink{}).Where("address = ?", addr).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAddressAlreadyLinked
		}
		var pending models.Challenge
		err := tx.Where("address = ? AND consumed_at IS NULL", addr).Take(&pending).Error
		switch {
		case err == nil:
			link.Nonce = pending.Nonce
			link.VerificationMessage = pending.Message
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		if err := tx.Create(&link).Error; err != nil {
			if storage.IsUniqueViolation(err) {
				return ErrAddressAlreadyLinked
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAddressAlreadyLinked) {
			return models.AddressLink{}, err
		}
		return models.AddressLink{}, fmt.Errorf("identity: create link: %w", err)
	}
	return link, nil
}

// MarkVerified flags the link proven by id as verified for userID.
func (r *Registry) MarkVerified(ctx context.Context, id VerifiedIdentity, userID uuid.UUID) (models.AddressLink, error) {
	var link models.AddressLink
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		link, err = lockOwnedLink(tx, id.Address, userID)
		if err != nil {
			return err
		}
		verifiedAt := id.VerifiedAt
		if verifiedAt.IsZero() {
			verifiedAt = r.nowFn().UTC()
		}
		link.Verified = true
		link.VerifiedAt = &verifiedAt
		link.Nonce = id.Nonce
		link.VerificationMessage = id.Message
		link.UpdatedAt = r.nowFn().UTC()
		return tx.Model(&models.AddressLink{}).Where("address = ?", link.Address).Updates(map[string]any{
			"verified":             true,
			"verified_at":          verifiedAt,
			"nonce":                link.Nonce,
			"verification_message": link.VerificationMessage,
			"updated_at":           link.UpdatedAt,
		}).Error
	})
	if err != nil {
		return models.AddressLink{}, wrapLinkErr("mark verified", err)
	}
	return link, nil
}

// RemoveLink hard-deletes the binding. The address may be linked again later,
// starting unverified.
func (r *Registry) RemoveLink(ctx context.Context, address string, userID uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		link, err := lockOwnedLink(tx, address, userID)
		if err != nil {
			return err
		}
		return tx.Where("address = ?", link.Address).Delete(&models.AddressLink{}).Error
	})
	return wrapLinkErr("remove link", err)
}

// ListVerifiedAddresses returns userID's verified links, oldest first.
func (r *Registry) ListVerifiedAddresses(ctx context.Context, userID uuid.UUID) ([]models.AddressLink, error) {
	var links []models.AddressLink
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND verified = ?", userID, true).
		Order("created_at asc, address asc").
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("identity: list verified: %w", err)
	}
	return links, nil
}

// ListLinks returns every link owned by userID, pending ones included.
func (r *Registry) ListLinks(ctx context.Context, userID uuid.UUID) ([]models.AddressLink, error) {
	var links []models.AddressLink
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc, address asc").
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("identity: list links: %w", err)
	}
	return links, nil
}

// GetLink loads the link for address, verified or not. It returns
// ErrLinkNotFound when nobody has claimed the address.
func (r *Registry) GetLink(ctx context.Context, address string) (models.AddressLink, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return models.AddressLink{}, err
	}
	var link models.AddressLink
	err = r.db.WithContext(ctx).Where("address = ?", addr).Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.AddressLink{}, ErrLinkNotFound
	}
	if err != nil {
		return models.AddressLink{}, fmt.Errorf("identity: get link: %w", err)
	}
	return link, nil
}

func lockOwnedLink(tx *gorm.DB, address string, userID uuid.UUID) (models.AddressLink, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return models.AddressLink{}, err
	}
	var link models.AddressLink
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("address = ?", addr).Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.AddressLink{}, ErrLinkNotFound
	}
	if err != nil {
		return models.AddressLink{}, err
	}
	if link.UserID != userID {
		return models.AddressLink{}, ErrOwnerMismatch
	}
	return link, nil
}

func wrapLinkErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLinkNotFound), errors.Is(err, ErrOwnerMismatch), errors.Is(err, ErrInvalidAddress):
		return err
	default:
		return fmt.Errorf("identity: %s: %w", op, err)
	}
}
