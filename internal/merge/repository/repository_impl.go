package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/internal/merge/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func exec(ctx context.Context, db *gorm.DB, sql string, args ...any) (int64, error) {
	result := db.WithContext(ctx).Exec(sql, args...)
	return result.RowsAffected, result.Error
}

func (r *repo) MoveBatches(ctx context.Context, db *gorm.DB, target, source snowflake.ID, now time.Time) (int64, error) {
	return exec(ctx, db, `UPDATE quota_batches SET account_id = ?, updated_at = ? WHERE account_id = ?`, target, now, source)
}

func (r *repo) MoveTransactions(ctx context.Context, db *gorm.DB, target, source snowflake.ID) (int64, error) {
	return exec(ctx, db, `UPDATE transactions SET account_id = ? WHERE account_id = ?`, target, source)
}

func (r *repo) MoveOrders(ctx context.Context, db *gorm.DB, target, source snowflake.ID, now time.Time) (int64, error) {
	return exec(ctx, db, `UPDATE orders SET account_id = ?, updated_at = ? WHERE account_id = ?`, target, now, source)
}

func (r *repo) MoveTrials(ctx context.Context, db *gorm.DB, target, source snowflake.ID) (int64, error) {
	return exec(ctx, db, `UPDATE trial_histories SET account_id = ? WHERE account_id = ?`, target, source)
}

func (r *repo) MoveIdentity(ctx context.Context, db *gorm.DB, id, target snowflake.ID, now time.Time) error {
	_, err := exec(ctx, db, `UPDATE external_identities SET account_id = ?, updated_at = ? WHERE id = ?`, target, now, id)
	return err
}

func (r *repo) DeleteIdentity(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	_, err := exec(ctx, db, `DELETE FROM external_identities WHERE id = ?`, id)
	return err
}

func (r *repo) DropReferralsBetween(ctx context.Context, db *gorm.DB, a, b snowflake.ID) (int64, error) {
	return exec(ctx, db,
		`DELETE FROM referrals
		 WHERE (referrer_id = ? AND referee_id = ?) OR (referrer_id = ? AND referee_id = ?)`,
		a, b, b, a,
	)
}

func (r *repo) DropDuplicateReferrals(ctx context.Context, db *gorm.DB, target, source snowflake.ID) (int64, error) {
	asReferrer, err := exec(ctx, db,
		`DELETE FROM referrals
		 WHERE referrer_id = ? AND referee_id IN (SELECT referee_id FROM (
			SELECT referee_id FROM referrals WHERE referrer_id = ?
		 ) AS taken)`,
		source, target,
	)
	if err != nil {
		return 0, err
	}
	asReferee, err := exec(ctx, db,
		`DELETE FROM referrals
		 WHERE referee_id = ? AND referrer_id IN (SELECT referrer_id FROM (
			SELECT referrer_id FROM referrals WHERE referee_id = ?
		 ) AS taken)`,
		source, target,
	)
	if err != nil {
		return 0, err
	}
	return asReferrer + asReferee, nil
}

func (r *repo) MoveReferrals(ctx context.Context, db *gorm.DB, target, source snowflake.ID) (int64, error) {
	asReferrer, err := exec(ctx, db, `UPDATE referrals SET referrer_id = ? WHERE referrer_id = ?`, target, source)
	if err != nil {
		return 0, err
	}
	asReferee, err := exec(ctx, db, `UPDATE referrals SET referee_id = ? WHERE referee_id = ?`, target, source)
	if err != nil {
		return 0, err
	}
	return asReferrer + asReferee, nil
}
