package repository

import (
	"context"

	"github.com/smallbiznis/billable/internal/grant/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertTrialHistory(ctx context.Context, db *gorm.DB, rows []domain.TrialHistory) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&rows).Error
}

func (r *repo) CountTrialHistory(ctx context.Context, db *gorm.DB, identities []domain.TrialHistory) (int64, error) {
	if len(identities) == 0 {
		return 0, nil
	}

	match := db.WithContext(ctx).Where("identity_type = ? AND identity_hash = ?", identities[0].IdentityType, identities[0].IdentityHash)
	for _, identity := range identities[1:] {
		match = match.Or("identity_type = ? AND identity_hash = ?", identity.IdentityType, identity.IdentityHash)
	}

	var count int64
	err := db.WithContext(ctx).Model(&domain.TrialHistory{}).Where(match).Count(&count).Error
	return count, err
}
