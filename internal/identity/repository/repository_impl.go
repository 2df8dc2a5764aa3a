package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/internal/identity/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) UpsertIdentity(ctx context.Context, db *gorm.DB, identity *domain.ExternalIdentity) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"account_id", "metadata", "updated_at"}),
		}).
		Create(identity).Error
}

func (r *repo) FindIdentity(ctx context.Context, db *gorm.DB, provider, externalID string) (*domain.ExternalIdentity, error) {
	var identities []domain.ExternalIdentity
	err := db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID).
		Limit(1).
		Find(&identities).Error
	if err != nil {
		return nil, err
	}
	if len(identities) == 0 {
		return nil, nil
	}
	return &identities[0], nil
}

func (r *repo) ListIdentities(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.ExternalIdentity, error) {
	var identities []domain.ExternalIdentity
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("provider ASC, id ASC").
		Find(&identities).Error
	return identities, err
}

func (r *repo) InsertReferral(ctx context.Context, db *gorm.DB, referral *domain.Referral) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "referrer_id"}, {Name: "referee_id"}},
			DoNothing: true,
		}).
		Create(referral)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindReferral(ctx context.Context, db *gorm.DB, referrerID, refereeID snowflake.ID) (*domain.Referral, error) {
	return r.findReferral(ctx, db, "referrer_id = ? AND referee_id = ?", referrerID, refereeID)
}

func (r *repo) FindReferralByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Referral, error) {
	return r.findReferral(ctx, db, "id = ?", id)
}

func (r *repo) findReferral(ctx context.Context, db *gorm.DB, cond string, args ...any) (*domain.Referral, error) {
	var referrals []domain.Referral
	if err := db.WithContext(ctx).Where(cond, args...).Limit(1).Find(&referrals).Error; err != nil {
		return nil, err
	}
	if len(referrals) == 0 {
		return nil, nil
	}
	return &referrals[0], nil
}

func (r *repo) MarkBonusGranted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE referrals SET bonus_granted = ?, bonus_granted_at = ? WHERE id = ? AND bonus_granted = ?`,
		true,
		at,
		id,
		false,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
