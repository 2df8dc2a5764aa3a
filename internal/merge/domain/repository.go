package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository rewrites ownership columns across the ledger tables.
type Repository interface {
	MoveBatches(ctx context.Context, db *gorm.DB, target, source snowflake.ID, now time.Time) (int64, error)
	MoveTransactions(ctx context.Context, db *gorm.DB, target, source snowflake.ID) (int64, error)
	MoveOrders(ctx context.Context, db *gorm.DB, target, source snowflake.ID, now time.Time) (int64, error)
	MoveTrials(ctx context.Context, db *gorm.DB, target, source snowflake.ID) (int64, error)

	MoveIdentity(ctx context.Context, db *gorm.DB, id, target snowflake.ID, now time.Time) error
	DeleteIdentity(ctx context.Context, db *gorm.DB, id snowflake.ID) error

	// DropReferralsBetween deletes referrals linking the two accounts in either direction.
	DropReferralsBetween(ctx context.Context, db *gorm.DB, a, b snowflake.ID) (int64, error)
	// DropDuplicateReferrals deletes source referrals whose counterpart
	// already has the same link with target.
	DropDuplicateReferrals(ctx context.Context, db *gorm.DB, target, source snowflake.ID) (int64, error)
	MoveReferrals(ctx context.Context, db *gorm.DB, target, source snowflake.ID) (int64, error)
}
