package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/pkg/errs"
)

// Result counts what a merge moved or dropped, per entity type.
type Result struct {
	MovedBatches         int64 `json:"moved_batches"`
	MovedTransactions    int64 `json:"moved_transactions"`
	MovedOrders          int64 `json:"moved_orders"`
	MovedIdentities      int64 `json:"moved_identities"`
	DroppedIdentities    int64 `json:"dropped_identities"`
	MovedReferrals       int64 `json:"moved_referrals"`
	DroppedReferrals     int64 `json:"dropped_referrals"`
	MovedIdempotencyKeys int64 `json:"moved_idempotency_keys"`
	MovedTrials          int64 `json:"moved_trials"`
}

type Service interface {
	// Merge moves everything source owns to target. The source account row
	// is kept, empty.
	Merge(ctx context.Context, targetID, sourceID snowflake.ID) (Result, error)
}

var (
	ErrSameAccount      = errs.New(errs.ErrConflict, "merge_same_account")
	ErrIdentityConflict = errs.New(errs.ErrConflict, "merge_identity_conflict")
)
