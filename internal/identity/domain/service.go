package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/pkg/errs"
)

type LinkIdentityRequest struct {
	Provider   string
	ExternalID string
	AccountID  snowflake.ID
	Metadata   map[string]any
}

type AttachReferralRequest struct {
	ReferrerID snowflake.ID
	RefereeID  snowflake.ID
	Metadata   map[string]any
}

type Service interface {
	LinkIdentity(ctx context.Context, req LinkIdentityRequest) (ExternalIdentity, error)
	ResolveIdentity(ctx context.Context, provider, externalID string) (snowflake.ID, error)
	ListIdentities(ctx context.Context, accountID snowflake.ID) ([]ExternalIdentity, error)
	// AttachReferral returns the existing referral, with created false, when
	// the pair is already linked.
	AttachReferral(ctx context.Context, req AttachReferralRequest) (Referral, bool, error)
	// ClaimReferralBonus returns true only for the first caller.
	ClaimReferralBonus(ctx context.Context, referralID snowflake.ID) (bool, error)
}

var (
	ErrInvalidExternalID = errs.New(errs.ErrValidation, "invalid_external_id")
	ErrSelfReferral      = errs.New(errs.ErrValidation, "self_referral")
	ErrIdentityNotFound  = errs.New(errs.ErrNotFound, "identity_not_found")
	ErrReferralNotFound  = errs.New(errs.ErrNotFound, "referral_not_found")
)
