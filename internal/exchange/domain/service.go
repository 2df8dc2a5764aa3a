package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/pkg/errs"
)

type ExchangeRequest struct {
	AccountID          snowflake.ID
	CurrencyProductKey string
	TargetSKU          string
	// IdempotencyKey is optional; a retried exchange with the same key
	// returns the first result.
	IdempotencyKey string
	Metadata       map[string]any
}

type ExchangeResult struct {
	// ExchangeID is written to the metadata of both the debit and the credit entries.
	ExchangeID string         `json:"exchange_id"`
	Price      int64          `json:"price"`
	UsageID    snowflake.ID   `json:"usage_id"`
	Remaining  int64          `json:"remaining"`
	BatchIDs   []snowflake.ID `json:"batch_ids"`
	Replayed   bool           `json:"-"`
}

type Service interface {
	Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResult, error)
}

var (
	ErrNotCurrency      = errs.New(errs.ErrValidation, "product_not_currency")
	ErrCurrencyMismatch = errs.New(errs.ErrValidation, "offer_currency_mismatch")
	ErrInvalidPrice     = errs.New(errs.ErrValidation, "exchange_price_not_whole_units")
)
