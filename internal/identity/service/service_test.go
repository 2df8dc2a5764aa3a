package service

import (
	"context"
	"testing"

	accountdomain "github.com/smallbiznis/billable/internal/account/domain"
	accountrepo "github.com/smallbiznis/billable/internal/account/repository"
	"github.com/smallbiznis/billable/internal/events"
	"github.com/smallbiznis/billable/internal/identity/domain"
	"github.com/smallbiznis/billable/internal/identity/repository"
	"github.com/smallbiznis/billable/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(f *testutil.Fixture) domain.Service {
	return New(Params{
		DB:       f.DB,
		Log:      zap.NewNop(),
		GenID:    f.GenID,
		Clock:    f.Clock,
		Repo:     repository.Provide(),
		Accounts: accountrepo.Provide(),
		Outbox:   events.NewOutbox(f.GenID, f.Clock),
	})
}

func TestLinkAndResolveIdentity(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newTestService(f)
	ctx := context.Background()
	account := f.Account()

	linked, err := svc.LinkIdentity(ctx, domain.LinkIdentityRequest{
		Provider:   " Firebase ",
		ExternalID: " uid-42 ",
		AccountID:  account.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "firebase", linked.Provider)
	assert.Equal(t, "uid-42", linked.ExternalID)

	resolved, err := svc.ResolveIdentity(ctx, "FIREBASE", "uid-42")
	require.NoError(t, err)
	assert.Equal(t, account.ID, resolved)

	_, err = svc.ResolveIdentity(ctx, "", "uid-42")
	assert.ErrorIs(t, err, domain.ErrIdentityNotFound)

	_, err = svc.LinkIdentity(ctx, domain.LinkIdentityRequest{ExternalID: "uid-43", AccountID: account.ID})
	require.NoError(t, err)
	resolved, err = svc.ResolveIdentity(ctx, "", "uid-43")
	require.NoError(t, err)
	assert.Equal(t, account.ID, resolved)

	identities, err := svc.ListIdentities(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, identities, 2)
	assert.Equal(t, domain.DefaultProvider, identities[0].Provider)
	assert.Equal(t, "firebase", identities[1].Provider)
}

func TestLinkIdentityRebinds(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newTestService(f)
	ctx := context.Background()
	first := f.Account()
	second := f.Account()

	original, err := svc.LinkIdentity(ctx, domain.LinkIdentityRequest{ExternalID: "device-1", AccountID: first.ID})
	require.NoError(t, err)

	rebound, err := svc.LinkIdentity(ctx, domain.LinkIdentityRequest{ExternalID: "device-1", AccountID: second.ID})
	require.NoError(t, err)
	assert.Equal(t, original.ID, rebound.ID)
	assert.Equal(t, second.ID, rebound.AccountID)

	resolved, err := svc.ResolveIdentity(ctx, "", "device-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, resolved)

	identities, err := svc.ListIdentities(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, identities)
}

func TestLinkIdentityValidation(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newTestService(f)
	ctx := context.Background()
	account := f.Account()

	_, err := svc.LinkIdentity(ctx, domain.LinkIdentityRequest{ExternalID: "  ", AccountID: account.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidExternalID)

	_, err = svc.LinkIdentity(ctx, domain.LinkIdentityRequest{ExternalID: "x"})
	assert.ErrorIs(t, err, accountdomain.ErrInvalidAccount)

	_, err = svc.LinkIdentity(ctx, domain.LinkIdentityRequest{ExternalID: "x", AccountID: f.GenID.Generate()})
	assert.ErrorIs(t, err, accountdomain.ErrAccountNotFound)

	_, err = svc.ResolveIdentity(ctx, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidExternalID)
}

func TestAttachReferralIsGetOrCreate(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newTestService(f)
	ctx := context.Background()
	referrer := f.Account()
	referee := f.Account()

	referral, created, err := svc.AttachReferral(ctx, domain.AttachReferralRequest{
		ReferrerID: referrer.ID,
		RefereeID:  referee.ID,
		Metadata:   map[string]any{"campaign": "spring"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, referral.BonusGranted)
	assert.Equal(t, "spring", referral.Metadata["campaign"])

	again, created, err := svc.AttachReferral(ctx, domain.AttachReferralRequest{ReferrerID: referrer.ID, RefereeID: referee.ID})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, referral.ID, again.ID)

	evt, err := events.FindByDedupeKey(ctx, f.DB, "referral_attached:"+referral.ID.String())
	require.NoError(t, err)
	assert.NotNil(t, evt)

	_, _, err = svc.AttachReferral(ctx, domain.AttachReferralRequest{ReferrerID: referrer.ID, RefereeID: referrer.ID})
	assert.ErrorIs(t, err, domain.ErrSelfReferral)

	_, _, err = svc.AttachReferral(ctx, domain.AttachReferralRequest{ReferrerID: referrer.ID, RefereeID: f.GenID.Generate()})
	assert.ErrorIs(t, err, accountdomain.ErrAccountNotFound)
}

func TestClaimReferralBonusOnce(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newTestService(f)
	ctx := context.Background()

	referral, _, err := svc.AttachReferral(ctx, domain.AttachReferralRequest{ReferrerID: f.Account().ID, RefereeID: f.Account().ID})
	require.NoError(t, err)

	claimed, err := svc.ClaimReferralBonus(ctx, referral.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = svc.ClaimReferralBonus(ctx, referral.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	_, err = svc.ClaimReferralBonus(ctx, f.GenID.Generate())
	assert.ErrorIs(t, err, domain.ErrReferralNotFound)
}
