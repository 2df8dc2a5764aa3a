package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ProductType selects how consumption affects a batch.
type ProductType string

const (
	// ProductTypeQuantity batches are drained unit by unit.
	ProductTypeQuantity ProductType = "QUANTITY"
	// ProductTypePeriod batches grant access until they expire.
	ProductTypePeriod ProductType = "PERIOD"
	// ProductTypeUnlimited batches are never drained.
	ProductTypeUnlimited ProductType = "UNLIMITED"
)

func (t ProductType) Valid() bool {
	switch t {
	case ProductTypeQuantity, ProductTypePeriod, ProductTypeUnlimited:
		return true
	}
	return false
}

// Metered reports whether consumption decrements remaining quantity.
func (t ProductType) Metered() bool {
	return t == ProductTypeQuantity
}

type ExpiryUnit string

const (
	ExpiryHours   ExpiryUnit = "HOURS"
	ExpiryDays    ExpiryUnit = "DAYS"
	ExpiryMonths  ExpiryUnit = "MONTHS"
	ExpiryYears   ExpiryUnit = "YEARS"
	ExpiryForever ExpiryUnit = "FOREVER"
)

func (u ExpiryUnit) Valid() bool {
	switch u {
	case ExpiryHours, ExpiryDays, ExpiryMonths, ExpiryYears, ExpiryForever:
		return true
	}
	return false
}

type Product struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	Key        string            `gorm:"column:product_key;type:varchar(191);not null;uniqueIndex:ux_products_key" json:"product_key"`
	Name       string            `gorm:"type:varchar(255);not null" json:"name"`
	Type       ProductType       `gorm:"column:product_type;type:varchar(32);not null" json:"product_type"`
	IsCurrency bool              `gorm:"not null" json:"is_currency"`
	Active     bool              `gorm:"not null" json:"active"`
	Metadata   datatypes.JSONMap `gorm:"not null" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"not null" json:"updated_at"`
}

func (Product) TableName() string { return "products" }

type Offer struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	SKU       string            `gorm:"column:sku;type:varchar(191);not null;uniqueIndex:ux_offers_sku" json:"sku"`
	Name      string            `gorm:"type:varchar(255);not null" json:"name"`
	Price     decimal.Decimal   `gorm:"type:decimal(20,2);not null" json:"price"`
	Currency  string            `gorm:"type:varchar(64);not null" json:"currency"`
	Active    bool              `gorm:"not null" json:"active"`
	Metadata  datatypes.JSONMap `gorm:"not null" json:"metadata,omitempty"`
	Items     []OfferItem       `gorm:"foreignKey:OfferID" json:"items,omitempty"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null" json:"updated_at"`
}

func (Offer) TableName() string { return "offers" }

type OfferItem struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OfferID     snowflake.ID `gorm:"not null;index" json:"offer_id"`
	ProductID   snowflake.ID `gorm:"not null;index" json:"product_id"`
	Product     *Product     `gorm:"foreignKey:ProductID" json:"product,omitempty"`
	Quantity    int64        `gorm:"not null" json:"quantity"`
	ExpiryUnit  ExpiryUnit   `gorm:"type:varchar(16);not null" json:"expiry_unit"`
	ExpiryValue int          `gorm:"not null" json:"expiry_value"`
	Position    int          `gorm:"not null" json:"position"`
}

func (OfferItem) TableName() string { return "offer_items" }

// NormalizeKey returns the canonical form of product keys and SKUs.
func NormalizeKey(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ExpiresAt applies the item's expiry rule to now. FOREVER, or a rule
// without a positive value, never expires.
func (i OfferItem) ExpiresAt(now time.Time) *time.Time {
	if i.ExpiryUnit == ExpiryForever || i.ExpiryValue <= 0 {
		return nil
	}

	var at time.Time
	switch i.ExpiryUnit {
	case ExpiryHours:
		at = now.Add(time.Duration(i.ExpiryValue) * time.Hour)
	case ExpiryDays:
		at = now.AddDate(0, 0, i.ExpiryValue)
	case ExpiryMonths:
		at = addMonths(now, i.ExpiryValue)
	case ExpiryYears:
		at = addMonths(now, 12*i.ExpiryValue)
	default:
		return nil
	}
	at = at.UTC()
	return &at
}

// addMonths moves t by n calendar months and clamps to the last day of the
// target month, so Jan 31 + 1 month is Feb 28 (or 29).
func addMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return first.AddDate(0, 0, day-1)
}
