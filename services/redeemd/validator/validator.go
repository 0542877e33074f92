// Package validator decides whether a verified token may be redeemed against
// the current offer snapshot.
package validator

import (
	"errors"
	"time"

	"fundcard/services/redeemd/offers"
	"fundcard/services/redeemd/token"
)

var (
	// ErrOfferMismatch indicates the snapshot is not the offer named by the token.
	ErrOfferMismatch = errors.New("validator: offer does not match token")
	// ErrOfferInactive indicates the offer has been switched off.
	ErrOfferInactive = errors.New("validator: offer inactive")
	// ErrOfferExpired indicates the scan falls outside the offer validity window.
	ErrOfferExpired = errors.New("validator: offer outside validity window")
	// ErrTokenExpired indicates the token expiry has passed.
	ErrTokenExpired = errors.New("validator: token expired")
)

// Result is the outcome of a successful validation.
type Result struct {
	Valid    bool
	OfferID  int64
	HolderID string
}

// Validate checks the decoded claims against the offer snapshot at now. Checks
// run in a fixed order so the first failing rule determines the error.
func Validate(claims token.Claims, offer offers.Offer, now time.Time) (Result, error) {
	if claims.OfferID != offer.ID {
		return Result{}, ErrOfferMismatch
	}
	if !offer.IsActive {
		return Result{}, ErrOfferInactive
	}
	if !offer.ValidFrom.IsZero() && now.Before(offer.ValidFrom) {
		return Result{}, ErrOfferExpired
	}
	if !offer.ValidUntil.IsZero() && now.After(offer.ValidUntil) {
		return Result{}, ErrOfferExpired
	}
	if claims.ExpiresAt.Before(now) {
		return Result{}, ErrTokenExpired
	}
	return Result{Valid: true, OfferID: claims.OfferID, HolderID: claims.HolderID}, nil
}
