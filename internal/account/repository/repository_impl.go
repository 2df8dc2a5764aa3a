package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/internal/account/domain"
	"github.com/smallbiznis/billable/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, account *domain.Account) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO accounts (id, metadata, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		account.ID,
		account.Metadata,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := conn.WithContext(ctx).Raw(
		`SELECT id, metadata, created_at, updated_at FROM accounts WHERE id = ?`,
		id,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) Lock(ctx context.Context, conn *gorm.DB, id snowflake.ID, exclusive bool) (*domain.Account, error) {
	stmt := conn.WithContext(ctx).Model(&domain.Account{}).Where("id = ?", id)
	if exclusive {
		stmt = db.ForUpdate(stmt)
	} else {
		stmt = db.ForShare(stmt)
	}

	var accounts []domain.Account
	if err := stmt.Limit(1).Find(&accounts).Error; err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}
