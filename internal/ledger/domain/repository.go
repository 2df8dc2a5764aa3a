package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type BatchFilter struct {
	ProductID *snowflake.ID
	States    []BatchState
}

type TransactionFilter struct {
	BatchID    *snowflake.ID
	ActionType string
	Limit      int
}

// Repository is the batch store.
type Repository interface {
	InsertBatch(ctx context.Context, db *gorm.DB, batch *QuotaBatch) error
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error

	FindBatch(ctx context.Context, db *gorm.DB, id snowflake.ID) (*QuotaBatch, error)
	ListBatches(ctx context.Context, db *gorm.DB, accountID snowflake.ID, filter BatchFilter) ([]QuotaBatch, error)
	ListTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, filter TransactionFilter) ([]Transaction, error)

	// LockUsableBatches row-locks the ACTIVE, unexpired batches of one product
	// in FIFO order (created_at, then id).
	LockUsableBatches(ctx context.Context, db *gorm.DB, accountID, productID snowflake.ID, now time.Time) ([]QuotaBatch, error)
	// UsableBatches is the non-locking read of the same set.
	UsableBatches(ctx context.Context, db *gorm.DB, accountID, productID snowflake.ID, now time.Time) ([]QuotaBatch, error)
	// LockBatchesByOrderItems row-locks every batch granted by the given order items.
	LockBatchesByOrderItems(ctx context.Context, db *gorm.DB, orderItemIDs []snowflake.ID) ([]QuotaBatch, error)

	// DebitBatch applies a balance change guarded by the expected state, so a
	// stale copy of the batch cannot overwrite a newer one.
	DebitBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, next BatchState, now time.Time) (bool, error)
	// RevokeBatch zeroes the remaining balance of an ACTIVE batch holding exactly expectRemaining.
	RevokeBatch(ctx context.Context, db *gorm.DB, id snowflake.ID, expectRemaining int64, now time.Time) (bool, error)
	// ExpireDue marks ACTIVE batches past their expiry as EXPIRED. A zero
	// accountID sweeps every account, bounded by limit when positive.
	ExpireDue(ctx context.Context, db *gorm.DB, accountID, productID snowflake.ID, now time.Time, limit int) (int64, error)

	SumTransactions(ctx context.Context, db *gorm.DB, batchID snowflake.ID) (credits int64, debits int64, err error)
}
