package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/pkg/errs"
)

type CreateAccountRequest struct {
	Metadata map[string]any
}

type Service interface {
	Create(ctx context.Context, req CreateAccountRequest) (Account, error)
	Get(ctx context.Context, id snowflake.ID) (Account, error)
}

var (
	ErrInvalidAccount  = errs.New(errs.ErrValidation, "invalid_account")
	ErrAccountNotFound = errs.New(errs.ErrNotFound, "account_not_found")
)
