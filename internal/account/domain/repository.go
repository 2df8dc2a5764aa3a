package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *Account) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	// Lock takes a row lock on the account. Exclusive locks freeze the whole
	// ledger of the account; shared locks only keep it from being merged away.
	Lock(ctx context.Context, db *gorm.DB, id snowflake.ID, exclusive bool) (*Account, error)
}
