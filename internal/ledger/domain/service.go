package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/pkg/errs"
	"gorm.io/gorm"
)

type CreditRequest struct {
	AccountID         snowflake.ID
	ProductID         snowflake.ID
	SourceOfferID     *snowflake.ID
	SourceOrderItemID *snowflake.ID
	Quantity          int64
	ValidFrom         time.Time
	ExpiresAt         *time.Time
	ActionType        string
	ObjectType        string
	ObjectID          string
	Metadata          map[string]any
}

type DebitRequest struct {
	Amount int64
	// Decrement is false for products whose batches are never drained; the
	// entry is written with amount 0 for audit.
	Decrement      bool
	ActionType     string
	ObjectType     string
	ObjectID       string
	IdempotencyKey string
	Metadata       map[string]any
}

type RevokeRequest struct {
	ActionType string
	ObjectType string
	ObjectID   string
	Metadata   map[string]any
}

// Writer is the only component that changes batch balances. Every method runs
// inside the caller's transaction, on batches the caller has locked.
type Writer interface {
	Credit(ctx context.Context, tx *gorm.DB, req CreditRequest) (QuotaBatch, Transaction, error)
	Debit(ctx context.Context, tx *gorm.DB, batch *QuotaBatch, req DebitRequest) (Transaction, error)
	// Revoke claws back what is left of an ACTIVE batch and marks it REVOKED.
	// No entry is written when nothing remains.
	Revoke(ctx context.Context, tx *gorm.DB, batch *QuotaBatch, req RevokeRequest) (*Transaction, error)
}

type Service interface {
	GetBatch(ctx context.Context, id snowflake.ID) (QuotaBatch, error)
	ListBatches(ctx context.Context, accountID snowflake.ID, filter BatchFilter) ([]QuotaBatch, error)
	ListTransactions(ctx context.Context, accountID snowflake.ID, filter TransactionFilter) ([]Transaction, error)
	ReplayBatch(ctx context.Context, batchID snowflake.ID) (Replay, error)
	// VerifyAccount returns the batches whose stored balance does not match their history.
	VerifyAccount(ctx context.Context, accountID snowflake.ID) ([]Replay, error)
}

var (
	ErrInvalidAmount  = errs.New(errs.ErrValidation, "invalid_amount")
	ErrInvalidBatch   = errs.New(errs.ErrValidation, "invalid_batch")
	ErrBatchNotFound  = errs.New(errs.ErrNotFound, "batch_not_found")
	ErrBatchNotActive = errs.New(errs.ErrInvalidState, "batch_not_active")
	ErrOverdraft      = errs.New(errs.ErrInsufficientQuota, "batch_overdraft")
	ErrStaleBatch     = errs.New(errs.ErrConcurrency, "batch_changed_concurrently")
)
