package service

import (
	"context"
	"testing"
	"time"

	accountdomain "github.com/smallbiznis/billable/internal/account/domain"
	accountrepo "github.com/smallbiznis/billable/internal/account/repository"
	catalogdomain "github.com/smallbiznis/billable/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/billable/internal/catalog/repository"
	"github.com/smallbiznis/billable/internal/events"
	"github.com/smallbiznis/billable/internal/grant/domain"
	"github.com/smallbiznis/billable/internal/grant/repository"
	ledgerdomain "github.com/smallbiznis/billable/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/billable/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/billable/internal/ledger/service"
	"github.com/smallbiznis/billable/internal/lock"
	"github.com/smallbiznis/billable/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(f *testutil.Fixture) domain.Service {
	outbox := events.NewOutbox(f.GenID, f.Clock)
	return New(Params{
		DB:       f.DB,
		Log:      zap.NewNop(),
		GenID:    f.GenID,
		Clock:    f.Clock,
		Locker:   lock.NewMemory(),
		Repo:     repository.Provide(),
		Accounts: accountrepo.Provide(),
		Catalog:  catalogrepo.Provide(),
		Ledger: ledgerservice.NewWriter(ledgerservice.WriterParams{
			Log:    zap.NewNop(),
			GenID:  f.GenID,
			Clock:  f.Clock,
			Repo:   ledgerrepo.Provide(),
			Outbox: outbox,
		}),
		Outbox: outbox,
	})
}

func TestGrantCreditsEveryItem(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newTestService(f)
	account := f.Account()
	tokens := f.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	pro := f.Product("pro", catalogdomain.ProductTypePeriod, false)
	offer := f.Offer("bundle", "9.99", "USD",
		testutil.Item{Product: tokens, Quantity: 100},
		testutil.Item{Product: pro, Quantity: 1, ExpiryUnit: catalogdomain.ExpiryDays, ExpiryValue: 30},
	)

	batches, err := svc.Grant(context.Background(), domain.GrantRequest{AccountID: account.ID, SKU: "bundle"})
	require.NoError(t, err)
	require.Len(t, batches, 2)

	assert.Equal(t, tokens.ID, batches[0].ProductID)
	assert.Equal(t, int64(100), batches[0].InitialQuantity)
	assert.Nil(t, batches[0].ExpiresAt)
	require.NotNil(t, batches[0].SourceOfferID)
	assert.Equal(t, offer.ID, *batches[0].SourceOfferID)

	assert.Equal(t, pro.ID, batches[1].ProductID)
	require.NotNil(t, batches[1].ExpiresAt)
	assert.True(t, batches[1].ExpiresAt.Equal(testutil.Epoch.AddDate(0, 0, 30)))

	var credits []ledgerdomain.Transaction
	require.NoError(t, f.DB.Where("account_id = ?", account.ID).Find(&credits).Error)
	require.Len(t, credits, 2)
	for _, txn := range credits {
		assert.Equal(t, ledgerdomain.DirectionCredit, txn.Direction)
		assert.Equal(t, ledgerdomain.ActionPurchase, txn.ActionType)
		assert.Equal(t, "offer", txn.ObjectType)
		assert.Equal(t, offer.ID.String(), txn.ObjectID)
	}

	evt, err := events.FindByDedupeKey(context.Background(), f.DB, "granted:"+batches[0].ID.String())
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, events.EventGranted, evt.Type)
}

func TestGrantAppliesMultiplier(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newTestService(f)
	account := f.Account()
	tokens := f.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	offer := f.Offer("pack_10", "1.00", "USD", testutil.Item{Product: tokens, Quantity: 10})

	batches, err := svc.Grant(context.Background(), domain.GrantRequest{AccountID: account.ID, OfferID: offer.ID, Multiplier: 3})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, int64(30), batches[0].InitialQuantity)

	_, err = svc.Grant(context.Background(), domain.GrantRequest{AccountID: account.ID, OfferID: offer.ID, Multiplier: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidGrant)
}

func TestGrantRejectsUnusableOffers(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newTestService(f)
	account := f.Account()
	tokens := f.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	retired := f.Offer("retired", "1.00", "USD", testutil.Item{Product: tokens, Quantity: 10})
	f.Deactivate(retired)
	f.Offer("empty", "1.00", "USD")

	_, err := svc.Grant(context.Background(), domain.GrantRequest{AccountID: account.ID, SKU: "retired"})
	assert.ErrorIs(t, err, catalogdomain.ErrOfferInactive)

	_, err = svc.Grant(context.Background(), domain.GrantRequest{AccountID: account.ID, SKU: "empty"})
	assert.ErrorIs(t, err, catalogdomain.ErrOfferEmpty)

	_, err = svc.Grant(context.Background(), domain.GrantRequest{AccountID: account.ID, SKU: "missing"})
	assert.ErrorIs(t, err, catalogdomain.ErrOfferNotFound)

	_, err = svc.Grant(context.Background(), domain.GrantRequest{AccountID: f.GenID.Generate(), OfferID: retired.ID})
	assert.ErrorIs(t, err, catalogdomain.ErrOfferInactive)
}

func TestGrantUnknownAccount(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newTestService(f)
	tokens := f.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	f.Offer("pack", "1.00", "USD", testutil.Item{Product: tokens, Quantity: 10})

	_, err := svc.Grant(context.Background(), domain.GrantRequest{AccountID: f.GenID.Generate(), SKU: "pack"})
	assert.ErrorIs(t, err, accountdomain.ErrAccountNotFound)

	var count int64
	require.NoError(t, f.DB.Model(&ledgerdomain.QuotaBatch{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestHourlyExpiry(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newTestService(f)
	account := f.Account()
	pass := f.Product("day_pass", catalogdomain.ProductTypePeriod, false)
	f.Offer("pass_6h", "0.50", "USD", testutil.Item{Product: pass, Quantity: 1, ExpiryUnit: catalogdomain.ExpiryHours, ExpiryValue: 6})

	batches, err := svc.Grant(context.Background(), domain.GrantRequest{AccountID: account.ID, SKU: "pass_6h"})
	require.NoError(t, err)
	require.NotNil(t, batches[0].ExpiresAt)
	assert.True(t, batches[0].ExpiresAt.Equal(testutil.Epoch.Add(6*time.Hour)))
}

func TestGrantTrialOncePerIdentity(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newTestService(f)
	ctx := context.Background()
	first := f.Account()
	second := f.Account()
	tokens := f.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	f.Offer("trial", "0", "USD", testutil.Item{Product: tokens, Quantity: 20, ExpiryUnit: catalogdomain.ExpiryDays, ExpiryValue: 7})

	identities := []domain.Identity{
		{Type: "email", Value: "Someone@Example.com"},
		{Type: "device", Value: "device-1"},
	}
	used, err := svc.HasUsedTrial(ctx, identities)
	require.NoError(t, err)
	assert.False(t, used)

	batches, err := svc.GrantTrial(ctx, domain.TrialRequest{AccountID: first.ID, SKU: "trial", Identities: identities})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, int64(20), batches[0].InitialQuantity)

	var txn ledgerdomain.Transaction
	require.NoError(t, f.DB.Where("batch_id = ?", batches[0].ID).First(&txn).Error)
	assert.Equal(t, ledgerdomain.ActionTrial, txn.ActionType)

	used, err = svc.HasUsedTrial(ctx, []domain.Identity{{Type: "EMAIL", Value: " someone@example.com "}})
	require.NoError(t, err)
	assert.True(t, used)

	// A second account sharing only the email is still refused.
	_, err = svc.GrantTrial(ctx, domain.TrialRequest{
		AccountID:  second.ID,
		SKU:        "trial",
		Identities: []domain.Identity{{Type: "email", Value: "someone@example.com"}, {Type: "device", Value: "device-2"}},
	})
	assert.ErrorIs(t, err, domain.ErrTrialAlreadyUsed)

	var histories int64
	require.NoError(t, f.DB.Model(&domain.TrialHistory{}).Count(&histories).Error)
	assert.Equal(t, int64(2), histories)

	var batchCount int64
	require.NoError(t, f.DB.Model(&ledgerdomain.QuotaBatch{}).Where("account_id = ?", second.ID).Count(&batchCount).Error)
	assert.Zero(t, batchCount)

	evt, err := events.FindByDedupeKey(ctx, f.DB, "trial_activated:"+batches[0].ID.String())
	require.NoError(t, err)
	assert.NotNil(t, evt)
}

func TestGrantTrialRequiresIdentities(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newTestService(f)
	account := f.Account()

	_, err := svc.GrantTrial(context.Background(), domain.TrialRequest{
		AccountID:  account.ID,
		SKU:        "trial",
		Identities: []domain.Identity{{Type: "email", Value: "  "}},
	})
	assert.ErrorIs(t, err, domain.ErrNoIdentities)
}
