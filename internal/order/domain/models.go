package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRefunded  OrderStatus = "REFUNDED"
)

type Order struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID     snowflake.ID      `gorm:"not null;index" json:"account_id"`
	Status        OrderStatus       `gorm:"type:varchar(16);not null;index" json:"status"`
	TotalAmount   decimal.Decimal   `gorm:"type:decimal(20,2);not null" json:"total_amount"`
	Currency      string            `gorm:"type:varchar(64);not null" json:"currency"`
	PaymentMethod string            `gorm:"type:varchar(64)" json:"payment_method,omitempty"`
	PaymentID     *string           `gorm:"type:varchar(191);uniqueIndex:ux_orders_payment_id" json:"payment_id,omitempty"`
	Metadata      datatypes.JSONMap `gorm:"not null" json:"metadata,omitempty"`
	Items         []OrderItem       `gorm:"foreignKey:OrderID" json:"items,omitempty"`
	CreatedAt     time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null" json:"updated_at"`
	PaidAt        *time.Time        `json:"paid_at,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
	RefundedAt    *time.Time        `json:"refunded_at,omitempty"`
}

func (Order) TableName() string { return "orders" }

// OrderItem snapshots the offer price at order time.
type OrderItem struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrderID   snowflake.ID    `gorm:"not null;index" json:"order_id"`
	OfferID   snowflake.ID    `gorm:"not null;index" json:"offer_id"`
	SKU       string          `gorm:"column:sku;type:varchar(191);not null" json:"sku"`
	Quantity  int64           `gorm:"not null" json:"quantity"`
	Price     decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"price"`
	Position  int             `gorm:"not null" json:"position"`
	CreatedAt time.Time       `gorm:"not null" json:"created_at"`
}

func (OrderItem) TableName() string { return "order_items" }

// LineTotal is the unit price times quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(i.Quantity))
}

func (o Order) ItemIDs() []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(o.Items))
	for _, item := range o.Items {
		ids = append(ids, item.ID)
	}
	return ids
}
