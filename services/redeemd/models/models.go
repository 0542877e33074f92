package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RedemptionStatus captures the lifecycle of a redemption row. Rows are only
// ever written as completed; the core never transitions them.
type RedemptionStatus string

const (
	StatusCompleted RedemptionStatus = "COMPLETED"
)

// Redemption is the append-only record of a successful scan.
type Redemption struct {
	ID                 uuid.UUID        `gorm:"type:uuid;primaryKey"`
	TokenFingerprint   string           `gorm:"size:64;uniqueIndex;not null"`
	OfferID            int64            `gorm:"index:idx_redemptions_offer_holder;not null"`
	HolderID           string           `gorm:"size:256;index:idx_redemptions_offer_holder;not null"`
	MerchantLocationID int64            `gorm:"index;not null"`
	ScannedByUserID    string           `gorm:"size:128;not null"`
	DeviceFingerprint  string           `gorm:"size:256"`
	IPAddress          string           `gorm:"size:64"`
	UserAgent          string           `gorm:"size:512"`
	Latitude           *float64
	Longitude          *float64
	PurchaseAmount     decimal.Decimal  `gorm:"type:numeric(12,2);not null"`
	DiscountAmount     decimal.Decimal  `gorm:"type:numeric(12,2);not null"`
	VerificationCode   string           `gorm:"size:9;not null"`
	Status             RedemptionStatus `gorm:"size:16;not null"`
	FlaggedForAbuse    bool             `gorm:"not null;default:false"`
	AbuseReason        string           `gorm:"size:256"`
	CreatedAt          time.Time        `gorm:"index"`
}

// HolderQuota counts successful redemptions per holder for offers with a cap.
// The row is locked for update while a redemption against it is decided.
type HolderQuota struct {
	OfferID   int64  `gorm:"primaryKey;autoIncrement:false"`
	HolderID  string `gorm:"primaryKey;size:256"`
	Redeemed  int    `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// ScanEvent is a single velocity hit recorded by the SQL counter store.
type ScanEvent struct {
	ID          uint   `gorm:"primaryKey"`
	Key         string `gorm:"size:320;index:idx_scan_events_key_at;not null"`
	AtUnixMicro int64  `gorm:"index:idx_scan_events_key_at;not null"`
}

// ScanClaim is an in-flight claim held by the SQL counter store.
type ScanClaim struct {
	Key                string `gorm:"primaryKey;size:320"`
	ExpiresAtUnixMicro int64  `gorm:"index;not null"`
}

// IdempotencyKey persists scan responses keyed by the terminal supplied
// Idempotency-Key header.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:255"`
	Subject     string `gorm:"size:128;index"`
	RequestID   string `gorm:"size:64"`
	Method      string `gorm:"size:16"`
	Path        string `gorm:"size:255"`
	RequestHash string `gorm:"size:64"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs the schema migrations for the tables owned by redeemd.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Redemption{},
		&HolderQuota{},
		&ScanEvent{},
		&ScanClaim{},
		&IdempotencyKey{},
	)
}
