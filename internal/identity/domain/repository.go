package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// UpsertIdentity creates the mapping or rebinds an existing
	// (provider, external id) pair to identity.AccountID.
	UpsertIdentity(ctx context.Context, db *gorm.DB, identity *ExternalIdentity) error
	FindIdentity(ctx context.Context, db *gorm.DB, provider, externalID string) (*ExternalIdentity, error)
	ListIdentities(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]ExternalIdentity, error)

	// InsertReferral reports false when the pair already exists.
	InsertReferral(ctx context.Context, db *gorm.DB, referral *Referral) (bool, error)
	FindReferral(ctx context.Context, db *gorm.DB, referrerID, refereeID snowflake.ID) (*Referral, error)
	FindReferralByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Referral, error)
	// MarkBonusGranted flips the bonus flag only if it is still unset.
	MarkBonusGranted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
}
