package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OfferRecord mirrors the admin application's offers table. redeemd only reads
// it; the schema is migrated here for development databases and tests.
type OfferRecord struct {
	ID                      int64           `gorm:"primaryKey"`
	MerchantID              int64           `gorm:"index;not null"`
	Title                   string          `gorm:"size:255;not null"`
	DiscountType            string          `gorm:"size:32;not null"`
	DiscountValue           decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	ValidFrom               *time.Time
	ValidUntil              *time.Time
	IsActive                bool `gorm:"not null"`
	MaxRedemptionsPerHolder *int
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// TableName pins the shared table name.
func (OfferRecord) TableName() string { return "offers" }

// MerchantLocationRecord mirrors the admin application's merchant_locations table.
type MerchantLocationRecord struct {
	ID         int64  `gorm:"primaryKey"`
	MerchantID int64  `gorm:"index;not null"`
	Name       string `gorm:"size:255;not null"`
	Latitude   *float64
	Longitude  *float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName pins the shared table name.
func (MerchantLocationRecord) TableName() string { return "merchant_locations" }

// AutoMigrateDirectory creates the directory tables. Production deployments
// leave these to the admin application.
func AutoMigrateDirectory(db *gorm.DB) error {
	return db.AutoMigrate(&OfferRecord{}, &MerchantLocationRecord{})
}
