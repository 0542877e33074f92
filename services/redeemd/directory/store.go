// Package directory reads offer and merchant location snapshots from the
// tables maintained by the admin application.
package directory

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"fundcard/services/redeemd/models"
	"fundcard/services/redeemd/offers"
)

// Store implements offers.Directory over gorm.
type Store struct {
	db *gorm.DB
}

// New constructs a directory store.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("directory: database required")
	}
	return &Store{db: db}, nil
}

// Offer loads the offer snapshot by id.
func (s *Store) Offer(ctx context.Context, id int64) (offers.Offer, error) {
	var rec models.OfferRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return offers.Offer{}, offers.ErrNotFound
		}
		return offers.Offer{}, fmt.Errorf("directory: load offer %d: %w", id, err)
	}
	kind, err := offers.ParseDiscountType(rec.DiscountType)
	if err != nil {
		// Unknown kinds are passed through so the ledger rejects them by name.
		kind = offers.DiscountType(rec.DiscountType)
	}
	offer := offers.Offer{
		ID:                      rec.ID,
		MerchantID:              rec.MerchantID,
		Title:                   rec.Title,
		DiscountType:            kind,
		DiscountValue:           rec.DiscountValue,
		IsActive:                rec.IsActive,
		MaxRedemptionsPerHolder: rec.MaxRedemptionsPerHolder,
	}
	if rec.ValidFrom != nil {
		offer.ValidFrom = rec.ValidFrom.UTC()
	}
	if rec.ValidUntil != nil {
		offer.ValidUntil = rec.ValidUntil.UTC()
	}
	return offer, nil
}

// MerchantLocation loads the location snapshot by id.
func (s *Store) MerchantLocation(ctx context.Context, id int64) (offers.MerchantLocation, error) {
	var rec models.MerchantLocationRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return offers.MerchantLocation{}, offers.ErrNotFound
		}
		return offers.MerchantLocation{}, fmt.Errorf("directory: load location %d: %w", id, err)
	}
	return offers.MerchantLocation{
		ID:         rec.ID,
		MerchantID: rec.MerchantID,
		Name:       rec.Name,
		Latitude:   rec.Latitude,
		Longitude:  rec.Longitude,
	}, nil
}
