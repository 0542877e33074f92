// Package offers defines the read-only snapshots the redemption core consumes
// from the offer directory and merchant location collaborators.
package offers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by a Directory when the requested record is absent.
var ErrNotFound = errors.New("offers: not found")

// DiscountType enumerates the closed set of discount kinds.
type DiscountType string

const (
	DiscountPercentage  DiscountType = "PERCENTAGE"
	DiscountFixedAmount DiscountType = "FIXED_AMOUNT"
)

// ParseDiscountType normalises a stored discount type.
func ParseDiscountType(value string) (DiscountType, error) {
	switch DiscountType(strings.ToUpper(strings.TrimSpace(value))) {
	case DiscountPercentage:
		return DiscountPercentage, nil
	case DiscountFixedAmount:
		return DiscountFixedAmount, nil
	default:
		return "", fmt.Errorf("offers: unknown discount type %q", value)
	}
}

// Offer is the snapshot of an offer at scan time.
type Offer struct {
	ID            int64
	MerchantID    int64
	Title         string
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	ValidFrom     time.Time
	ValidUntil    time.Time
	IsActive      bool
	// MaxRedemptionsPerHolder caps successful redemptions per holder when set.
	MaxRedemptionsPerHolder *int
}

// HasHolderQuota reports whether a per-holder redemption cap applies.
func (o Offer) HasHolderQuota() bool {
	return o.MaxRedemptionsPerHolder != nil && *o.MaxRedemptionsPerHolder > 0
}

// MerchantLocation is the snapshot of the location a terminal scans from.
type MerchantLocation struct {
	ID         int64
	MerchantID int64
	Name       string
	Latitude   *float64
	Longitude  *float64
}

// HasCoordinates reports whether both coordinates are known.
func (l MerchantLocation) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// Directory resolves offers and merchant locations by id.
type Directory interface {
	Offer(ctx context.Context, id int64) (Offer, error)
	MerchantLocation(ctx context.Context, id int64) (MerchantLocation, error)
}
