// Package ledger records redemptions. It is the only writer of redemption rows
// and the single point at which a token is redeemed exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundcard/observability"
	"fundcard/observability/logging"
	"fundcard/services/redeemd/fraud"
	"fundcard/services/redeemd/models"
	"fundcard/services/redeemd/offers"
	"fundcard/services/redeemd/token"
)

var (
	// ErrAlreadyRedeemed is returned when the token fingerprint has a row.
	ErrAlreadyRedeemed = errors.New("ledger: token already redeemed")
	// ErrQuotaExceeded is returned when the holder reached the offer's cap.
	ErrQuotaExceeded = errors.New("ledger: holder quota exceeded")
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("ledger: redemption not found")
	// ErrUnknownDiscountType rejects discount kinds outside the closed set.
	ErrUnknownDiscountType = errors.New("ledger: unknown discount type")
	// ErrInvalidAmount rejects negative purchase or discount amounts.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

// ScanDetails describes the terminal context captured with the redemption.
type ScanDetails struct {
	MerchantLocationID int64
	ScannedByUserID    string
	DeviceFingerprint  string
	IPAddress          string
	UserAgent          string
	Latitude           *float64
	Longitude          *float64
	PurchaseAmount     decimal.Decimal
}

// RedeemRequest carries everything needed to record one redemption.
type RedeemRequest struct {
	Fingerprint string
	Claims      token.Claims
	Offer       offers.Offer
	Scan        ScanDetails
	Verdict     fraud.Verdict
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.RedemptionMetrics) Option {
	return func(l *Ledger) { l.metrics = metrics }
}

// WithClock overrides the clock used for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.nowFn = now
		}
	}
}

// Ledger persists redemptions through gorm.
type Ledger struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *observability.RedemptionMetrics
	nowFn   func() time.Time
}

// New constructs a ledger backed by db.
func New(db *gorm.DB, opts ...Option) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("ledger: database required")
	}
	l := &Ledger{
		db:     db,
		logger: logging.Component(nil, "ledger"),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Redeem records the redemption in one transaction. The redemption id and
// verification code are fixed before the transaction starts. When the
// transaction fails because ctx ended, the attempted row is returned together
// with the error so the caller can re-query by fingerprint and compare ids.
func (l *Ledger) Redeem(ctx context.Context, req RedeemRequest) (*models.Redemption, error) {
	row, err := l.prepare(req)
	if err != nil {
		return nil, err
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		quota := false
		var redeemed int64
		if req.Offer.HasHolderQuota() {
			if err := lockQuota(tx, row.OfferID, row.HolderID, row.CreatedAt); err != nil {
				return err
			}
			// Count committed rows, not the quota counter: the cap may have been
			// set after the holder already redeemed.
			if err := tx.Model(&models.Redemption{}).
				Where("offer_id = ? AND holder_id = ?", row.OfferID, row.HolderID).
				Count(&redeemed).Error; err != nil {
				return err
			}
			quota = true
		}

		var existing int64
		if err := tx.Model(&models.Redemption{}).
			Where("token_fingerprint = ?", row.TokenFingerprint).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyRedeemed
		}
		if quota && redeemed >= int64(*req.Offer.MaxRedemptionsPerHolder) {
			return ErrQuotaExceeded
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token_fingerprint"}},
			DoNothing: true,
		}).Create(row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyRedeemed
		}

		if quota {
			return tx.Model(&models.HolderQuota{}).
				Where("offer_id = ? AND holder_id = ?", row.OfferID, row.HolderID).
				Updates(map[string]any{
					"redeemed":   redeemed + 1,
					"updated_at": row.CreatedAt,
				}).Error
		}
		return nil
	})

	switch {
	case err == nil:
		l.logger.Info("redemption recorded",
			slog.String("redemption_id", row.ID.String()),
			slog.Int64("offer_id", row.OfferID),
			slog.String("discount", row.DiscountAmount.StringFixed(2)),
			slog.Bool("flagged", row.FlaggedForAbuse))
		return row, nil
	case errors.Is(err, ErrAlreadyRedeemed), errors.Is(err, ErrQuotaExceeded):
		code := "ALREADY_REDEEMED"
		if errors.Is(err, ErrQuotaExceeded) {
			code = "HOLDER_QUOTA_EXCEEDED"
		}
		l.metrics.RecordConflict(code)
		return nil, err
	case ctx.Err() != nil:
		if !errors.Is(err, ctx.Err()) {
			err = errors.Join(ctx.Err(), err)
		}
		return row, fmt.Errorf("ledger: redeem: %w", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return row, fmt.Errorf("ledger: redeem: %w", err)
	default:
		return nil, fmt.Errorf("ledger: redeem: %w", err)
	}
}

// Lookup returns the redemption recorded for a token fingerprint.
func (l *Ledger) Lookup(ctx context.Context, fingerprint string) (*models.Redemption, error) {
	var row models.Redemption
	err := l.db.WithContext(ctx).Where("token_fingerprint = ?", fingerprint).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: lookup: %w", err)
	}
	return &row, nil
}

// ByID returns a redemption by its id.
func (l *Ledger) ByID(ctx context.Context, id uuid.UUID) (*models.Redemption, error) {
	var row models.Redemption
	err := l.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: by id: %w", err)
	}
	return &row, nil
}

func (l *Ledger) prepare(req RedeemRequest) (*models.Redemption, error) {
	fingerprint := strings.TrimSpace(req.Fingerprint)
	if fingerprint == "" {
		return nil, errors.New("ledger: token fingerprint required")
	}
	if req.Offer.ID != req.Claims.OfferID {
		return nil, fmt.Errorf("ledger: offer %d does not match token offer %d", req.Offer.ID, req.Claims.OfferID)
	}
	discount, err := ComputeDiscount(req.Offer.DiscountType, req.Offer.DiscountValue, req.Scan.PurchaseAmount)
	if err != nil {
		return nil, err
	}
	code, err := NewVerificationCode()
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("ledger: redemption id: %w", err)
	}
	return &models.Redemption{
		ID:                 id,
		TokenFingerprint:   fingerprint,
		OfferID:            req.Claims.OfferID,
		HolderID:           req.Claims.HolderID,
		MerchantLocationID: req.Scan.MerchantLocationID,
		ScannedByUserID:    req.Scan.ScannedByUserID,
		DeviceFingerprint:  req.Scan.DeviceFingerprint,
		IPAddress:          req.Scan.IPAddress,
		UserAgent:          req.Scan.UserAgent,
		Latitude:           req.Scan.Latitude,
		Longitude:          req.Scan.Longitude,
		PurchaseAmount:     req.Scan.PurchaseAmount.Round(2),
		DiscountAmount:     discount,
		VerificationCode:   code,
		Status:             models.StatusCompleted,
		FlaggedForAbuse:    req.Verdict.Flagged,
		AbuseReason:        req.Verdict.Reason(),
		CreatedAt:          l.nowFn(),
	}, nil
}

// lockQuota ensures the quota row exists and locks it for the rest of tx. The
// row serializes redemptions for one holder; its counter mirrors the number of
// committed rows.
func lockQuota(tx *gorm.DB, offerID int64, holderID string, now time.Time) error {
	seed := models.HolderQuota{OfferID: offerID, HolderID: holderID, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return err
	}
	var quota models.HolderQuota
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("offer_id = ? AND holder_id = ?", offerID, holderID).
		First(&quota).Error
}
