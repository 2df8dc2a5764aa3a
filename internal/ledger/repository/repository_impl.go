package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/internal/ledger/domain"
	"github.com/smallbiznis/billable/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertBatch(ctx context.Context, conn *gorm.DB, batch *domain.QuotaBatch) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO quota_batches (
			id, account_id, product_id, source_offer_id, source_order_item_id,
			initial_quantity, remaining_quantity, valid_from, expires_at, state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID,
		batch.AccountID,
		batch.ProductID,
		batch.SourceOfferID,
		batch.SourceOrderItemID,
		batch.InitialQuantity,
		batch.RemainingQuantity,
		batch.ValidFrom,
		batch.ExpiresAt,
		batch.State,
		batch.CreatedAt,
		batch.UpdatedAt,
	).Error
}

func (r *repo) InsertTransaction(ctx context.Context, conn *gorm.DB, txn *domain.Transaction) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO transactions (
			id, account_id, batch_id, amount, direction, action_type, object_type, object_id,
			idempotency_key, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.AccountID,
		txn.BatchID,
		txn.Amount,
		txn.Direction,
		txn.ActionType,
		txn.ObjectType,
		txn.ObjectID,
		txn.IdempotencyKey,
		txn.Metadata,
		txn.CreatedAt,
	).Error
}

func (r *repo) FindBatch(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.QuotaBatch, error) {
	var batches []domain.QuotaBatch
	if err := conn.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&batches).Error; err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return &batches[0], nil
}

func (r *repo) ListBatches(ctx context.Context, conn *gorm.DB, accountID snowflake.ID, filter domain.BatchFilter) ([]domain.QuotaBatch, error) {
	stmt := conn.WithContext(ctx).Where("account_id = ?", accountID)
	if filter.ProductID != nil {
		stmt = stmt.Where("product_id = ?", *filter.ProductID)
	}
	if len(filter.States) > 0 {
		stmt = stmt.Where("state IN ?", filter.States)
	}

	var batches []domain.QuotaBatch
	err := stmt.Order("created_at ASC, id ASC").Find(&batches).Error
	return batches, err
}

func (r *repo) ListTransactions(ctx context.Context, conn *gorm.DB, accountID snowflake.ID, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	stmt := conn.WithContext(ctx).Where("account_id = ?", accountID)
	if filter.BatchID != nil {
		stmt = stmt.Where("batch_id = ?", *filter.BatchID)
	}
	if filter.ActionType != "" {
		stmt = stmt.Where("action_type = ?", filter.ActionType)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var txns []domain.Transaction
	err := stmt.Order("created_at ASC, id ASC").Find(&txns).Error
	return txns, err
}

func usable(conn *gorm.DB, accountID, productID snowflake.ID, now time.Time) *gorm.DB {
	return conn.
		Where("account_id = ? AND product_id = ? AND state = ?", accountID, productID, domain.BatchStateActive).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("created_at ASC, id ASC")
}

func (r *repo) LockUsableBatches(ctx context.Context, conn *gorm.DB, accountID, productID snowflake.ID, now time.Time) ([]domain.QuotaBatch, error) {
	var batches []domain.QuotaBatch
	err := db.ForUpdate(usable(conn.WithContext(ctx), accountID, productID, now)).Find(&batches).Error
	return batches, err
}

func (r *repo) UsableBatches(ctx context.Context, conn *gorm.DB, accountID, productID snowflake.ID, now time.Time) ([]domain.QuotaBatch, error) {
	var batches []domain.QuotaBatch
	err := usable(conn.WithContext(ctx), accountID, productID, now).Find(&batches).Error
	return batches, err
}

func (r *repo) LockBatchesByOrderItems(ctx context.Context, conn *gorm.DB, orderItemIDs []snowflake.ID) ([]domain.QuotaBatch, error) {
	if len(orderItemIDs) == 0 {
		return nil, nil
	}
	var batches []domain.QuotaBatch
	err := db.ForUpdate(conn.WithContext(ctx).
		Where("source_order_item_id IN ?", orderItemIDs).
		Order("created_at ASC, id ASC")).
		Find(&batches).Error
	return batches, err
}

func (r *repo) DebitBatch(ctx context.Context, conn *gorm.DB, id snowflake.ID, amount int64, next domain.BatchState, now time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE quota_batches
		 SET remaining_quantity = remaining_quantity - ?, state = ?, updated_at = ?
		 WHERE id = ? AND state = ? AND remaining_quantity >= ?`,
		amount,
		next,
		now,
		id,
		domain.BatchStateActive,
		amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) RevokeBatch(ctx context.Context, conn *gorm.DB, id snowflake.ID, expectRemaining int64, now time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE quota_batches
		 SET remaining_quantity = 0, state = ?, updated_at = ?
		 WHERE id = ? AND state = ? AND remaining_quantity = ?`,
		domain.BatchStateRevoked,
		now,
		id,
		domain.BatchStateActive,
		expectRemaining,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ExpireDue(ctx context.Context, conn *gorm.DB, accountID, productID snowflake.ID, now time.Time, limit int) (int64, error) {
	due := conn.WithContext(ctx).
		Model(&domain.QuotaBatch{}).
		Where("state = ? AND expires_at IS NOT NULL AND expires_at <= ?", domain.BatchStateActive, now)
	if accountID != 0 {
		due = due.Where("account_id = ?", accountID)
	}
	if productID != 0 {
		due = due.Where("product_id = ?", productID)
	}
	if limit > 0 {
		due = due.Order("expires_at ASC").Limit(limit)
	}

	var ids []snowflake.ID
	if err := due.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := conn.WithContext(ctx).Exec(
		`UPDATE quota_batches SET state = ?, updated_at = ?
		 WHERE id IN ? AND state = ?`,
		domain.BatchStateExpired,
		now,
		ids,
		domain.BatchStateActive,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) SumTransactions(ctx context.Context, conn *gorm.DB, batchID snowflake.ID) (int64, int64, error) {
	var row struct {
		Credits int64
		Debits  int64
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN direction = ? THEN amount ELSE 0 END), 0) AS credits,
			COALESCE(SUM(CASE WHEN direction = ? THEN amount ELSE 0 END), 0) AS debits
		 FROM transactions WHERE batch_id = ?`,
		domain.DirectionCredit,
		domain.DirectionDebit,
		batchID,
	).Scan(&row).Error
	return row.Credits, row.Debits, err
}
