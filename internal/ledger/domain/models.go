package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type BatchState string

const (
	BatchStateActive    BatchState = "ACTIVE"
	BatchStateExhausted BatchState = "EXHAUSTED"
	BatchStateExpired   BatchState = "EXPIRED"
	BatchStateRevoked   BatchState = "REVOKED"
)

// Terminal reports whether no further transition is allowed.
func (s BatchState) Terminal() bool {
	return s != BatchStateActive
}

type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// Action types written by the engine itself. Callers may use any other tag.
const (
	ActionPurchase      = "purchase"
	ActionRefund        = "refund"
	ActionExchange      = "exchange"
	ActionExchangeDebit = "exchange_debit"
	ActionTrial         = "trial"
	ActionUsage         = "usage"
)

// QuotaBatch is one grant of one product to one account. InitialQuantity never
// changes; RemainingQuantity only goes down, and only through the Writer.
type QuotaBatch struct {
	ID                snowflake.ID  `gorm:"primaryKey" json:"id"`
	AccountID         snowflake.ID  `gorm:"not null;index:ix_quota_batches_fifo,priority:1" json:"account_id"`
	ProductID         snowflake.ID  `gorm:"not null;index:ix_quota_batches_fifo,priority:2" json:"product_id"`
	SourceOfferID     *snowflake.ID `gorm:"index" json:"source_offer_id,omitempty"`
	SourceOrderItemID *snowflake.ID `gorm:"index" json:"source_order_item_id,omitempty"`
	InitialQuantity   int64         `gorm:"not null" json:"initial_quantity"`
	RemainingQuantity int64         `gorm:"not null" json:"remaining_quantity"`
	ValidFrom         time.Time     `gorm:"not null" json:"valid_from"`
	ExpiresAt         *time.Time    `gorm:"index" json:"expires_at,omitempty"`
	State             BatchState    `gorm:"type:varchar(16);not null;index:ix_quota_batches_fifo,priority:3" json:"state"`
	CreatedAt         time.Time     `gorm:"not null;index:ix_quota_batches_fifo,priority:4" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"not null" json:"updated_at"`
}

func (QuotaBatch) TableName() string { return "quota_batches" }

// Expired reports whether the batch is past its expiry at now.
func (b QuotaBatch) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// Transaction is an immutable ledger entry. Rows are never updated except
// when a merge moves them to another account.
type Transaction struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID      snowflake.ID      `gorm:"not null;index" json:"account_id"`
	BatchID        snowflake.ID      `gorm:"not null;index" json:"batch_id"`
	Amount         int64             `gorm:"not null" json:"amount"`
	Direction      Direction         `gorm:"type:varchar(8);not null" json:"direction"`
	ActionType     string            `gorm:"type:varchar(64);not null" json:"action_type"`
	ObjectType     string            `gorm:"type:varchar(64)" json:"object_type,omitempty"`
	ObjectID       string            `gorm:"type:varchar(191)" json:"object_id,omitempty"`
	IdempotencyKey *string           `gorm:"type:varchar(191);index" json:"idempotency_key,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"not null" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;index" json:"created_at"`
}

func (Transaction) TableName() string { return "transactions" }

// Replay compares a batch's stored balance against its transaction history.
type Replay struct {
	BatchID    snowflake.ID `json:"batch_id"`
	Initial    int64        `json:"initial"`
	Credits    int64        `json:"credits"`
	Debits     int64        `json:"debits"`
	Replayed   int64        `json:"replayed"`
	Stored     int64        `json:"stored"`
	Consistent bool         `json:"consistent"`
}
