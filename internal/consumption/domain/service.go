package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/billable/internal/catalog/domain"
	"github.com/smallbiznis/billable/pkg/errs"
	"gorm.io/gorm"
)

type ConsumeRequest struct {
	AccountID  snowflake.ID
	ProductKey string
	// Quantity defaults to one.
	Quantity   int64
	ActionType string
	// IdempotencyKey makes retries safe. ActionID is used as the key when
	// IdempotencyKey is empty.
	IdempotencyKey string
	ActionID       string
	Metadata       map[string]any
}

type ConsumeResult struct {
	Remaining int64        `json:"remaining"`
	UsageID   snowflake.ID `json:"usage_id"`
	// Replayed is set when the result comes from an earlier call with the same key.
	Replayed bool `json:"-"`
}

type QuotaCheck struct {
	ProductKey string     `json:"product_key"`
	CanUse     bool       `json:"can_use"`
	Remaining  int64      `json:"remaining"`
	Unlimited  bool       `json:"unlimited"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type ProductBalance struct {
	Total          int64      `json:"total"`
	Used           int64      `json:"used"`
	Remaining      int64      `json:"remaining"`
	Unlimited      bool       `json:"unlimited"`
	EarliestExpiry *time.Time `json:"earliest_expiry,omitempty"`
}

type Service interface {
	Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error)
	// ConsumeInTx runs the FIFO walk inside tx. The caller holds the product
	// scope and handles idempotency.
	ConsumeInTx(ctx context.Context, tx *gorm.DB, product catalogdomain.Product, req ConsumeRequest) (ConsumeResult, error)
	CheckQuota(ctx context.Context, accountID snowflake.ID, productKey string) (QuotaCheck, error)
	GetBalance(ctx context.Context, accountID snowflake.ID, productKey string) (int64, error)
	BalanceSummary(ctx context.Context, accountID snowflake.ID) (map[string]ProductBalance, error)
	// ExpireBatches marks up to limit overdue ACTIVE batches of every account
	// as EXPIRED. A non-positive limit sweeps all of them.
	ExpireBatches(ctx context.Context, limit int) (int64, error)
}

var (
	ErrInvalidQuantity   = errs.New(errs.ErrValidation, "invalid_quantity")
	ErrInsufficientQuota = errs.New(errs.ErrInsufficientQuota, "insufficient_quota")
)
