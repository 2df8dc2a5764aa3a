package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/billable/internal/catalog/domain"
	ledgerdomain "github.com/smallbiznis/billable/internal/ledger/domain"
	"github.com/smallbiznis/billable/internal/lock"
	"github.com/smallbiznis/billable/pkg/errs"
	"gorm.io/gorm"
)

type GrantRequest struct {
	AccountID snowflake.ID
	// OfferID takes precedence over SKU when both are set.
	OfferID           snowflake.ID
	SKU               string
	SourceOrderItemID *snowflake.ID
	// Multiplier scales every item quantity; zero means one.
	Multiplier int64
	ActionType string
	ObjectType string
	ObjectID   string
	Metadata   map[string]any
}

type TrialRequest struct {
	AccountID  snowflake.ID
	SKU        string
	Identities []Identity
	Metadata   map[string]any
}

type Service interface {
	Grant(ctx context.Context, req GrantRequest) ([]ledgerdomain.QuotaBatch, error)
	// GrantInTx grants offer inside tx. The caller holds the product scopes
	// returned by LockScopes and has checked the account. The offer's active
	// flag is not checked, so paid orders are honoured after an offer is retired.
	GrantInTx(ctx context.Context, tx *gorm.DB, offer catalogdomain.Offer, req GrantRequest) ([]ledgerdomain.QuotaBatch, error)
	GrantTrial(ctx context.Context, req TrialRequest) ([]ledgerdomain.QuotaBatch, error)
	HasUsedTrial(ctx context.Context, identities []Identity) (bool, error)
}

// LockScopes lists the product scopes a grant of offer to accountID touches.
func LockScopes(accountID snowflake.ID, offer catalogdomain.Offer) []lock.Scope {
	scopes := make([]lock.Scope, 0, len(offer.Items))
	for _, item := range offer.Items {
		scopes = append(scopes, lock.ProductScope(accountID, item.ProductID))
	}
	return scopes
}

var (
	ErrInvalidGrant     = errs.New(errs.ErrValidation, "invalid_grant")
	ErrNoIdentities     = errs.New(errs.ErrValidation, "trial_identities_required")
	ErrTrialAlreadyUsed = errs.New(errs.ErrConflict, "trial_already_used")
)
