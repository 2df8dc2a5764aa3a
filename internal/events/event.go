// Package events records ledger occurrences in a transactional outbox and
// delivers them to external sinks after the producing transaction commits.
//
// Producers call Outbox.PublishTx inside the same gorm transaction that
// writes the ledger rows, so an event exists if and only if its rows do.
// The Dispatcher later claims undelivered rows and hands them to a Sink.
// Delivery is at-least-once; consumers deduplicate on Record.DedupeKey.
package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Type string

const (
	EventTransactionCreated Type = "transaction_created"
	EventGranted            Type = "granted"
	EventConsumed           Type = "consumed"
	EventOrderConfirmed     Type = "order_confirmed"
	EventOrderCancelled     Type = "order_cancelled"
	EventOrderRefunded      Type = "order_refunded"
	EventExchanged          Type = "exchanged"
	EventTrialActivated     Type = "trial_activated"
	EventReferralAttached   Type = "referral_attached"
	EventAccountsMerged     Type = "accounts_merged"
)

// Event is what a producer hands to the outbox.
type Event struct {
	AccountID snowflake.ID
	Type      Type
	Payload   map[string]any
	// DedupeKey makes publishing idempotent; a second publish with the same key is dropped.
	DedupeKey string
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// Record is a persisted outbox row.
type Record struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	Type        Type              `gorm:"column:event_type;type:varchar(64);not null" json:"type"`
	AccountID   snowflake.ID      `gorm:"not null;index" json:"account_id"`
	Payload     datatypes.JSONMap `gorm:"not null" json:"payload"`
	DedupeKey   string            `gorm:"type:varchar(191);not null;uniqueIndex:ux_outbox_events_dedupe" json:"dedupe_key"`
	Status      Status            `gorm:"type:varchar(16);not null;index:ix_outbox_events_pending,priority:1" json:"status"`
	Attempts    int               `gorm:"not null" json:"attempts"`
	LastError   string            `gorm:"type:text" json:"last_error,omitempty"`
	AvailableAt time.Time         `gorm:"not null;index:ix_outbox_events_pending,priority:2" json:"available_at"`
	CreatedAt   time.Time         `gorm:"not null" json:"created_at"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
}

func (Record) TableName() string { return "outbox_events" }
