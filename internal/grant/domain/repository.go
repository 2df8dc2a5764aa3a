package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	InsertTrialHistory(ctx context.Context, db *gorm.DB, rows []TrialHistory) error
	// CountTrialHistory counts rows matching any of the given (type, hash) pairs.
	CountTrialHistory(ctx context.Context, db *gorm.DB, identities []TrialHistory) (int64, error)
}
