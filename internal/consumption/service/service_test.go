package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountrepo "github.com/smallbiznis/billable/internal/account/repository"
	catalogdomain "github.com/smallbiznis/billable/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/billable/internal/catalog/repository"
	"github.com/smallbiznis/billable/internal/consumption/domain"
	"github.com/smallbiznis/billable/internal/events"
	"github.com/smallbiznis/billable/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/billable/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/billable/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/billable/internal/ledger/service"
	"github.com/smallbiznis/billable/internal/lock"
	"github.com/smallbiznis/billable/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	fx     *testutil.Fixture
	svc    domain.Service
	writer ledgerdomain.Writer
}

func newHarness(t *testing.T) *harness {
	f := testutil.NewFixture(t)
	outbox := events.NewOutbox(f.GenID, f.Clock)
	batches := ledgerrepo.Provide()
	writer := ledgerservice.NewWriter(ledgerservice.WriterParams{
		Log:    zap.NewNop(),
		GenID:  f.GenID,
		Clock:  f.Clock,
		Repo:   batches,
		Outbox: outbox,
	})
	svc := New(Params{
		DB:       f.DB,
		Log:      zap.NewNop(),
		Clock:    f.Clock,
		Locker:   lock.NewMemory(),
		Guard:    idempotency.NewGuard(idempotency.Params{Log: zap.NewNop(), GenID: f.GenID, Clock: f.Clock}),
		Accounts: accountrepo.Provide(),
		Catalog:  catalogrepo.Provide(),
		Batches:  batches,
		Ledger:   writer,
		Outbox:   outbox,
	})
	return &harness{fx: f, svc: svc, writer: writer}
}

func (h *harness) credit(t *testing.T, accountID, productID snowflake.ID, quantity int64, expiresAt *time.Time) ledgerdomain.QuotaBatch {
	t.Helper()
	var batch ledgerdomain.QuotaBatch
	err := h.fx.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		batch, _, err = h.writer.Credit(context.Background(), tx, ledgerdomain.CreditRequest{
			AccountID:  accountID,
			ProductID:  productID,
			Quantity:   quantity,
			ExpiresAt:  expiresAt,
			ActionType: ledgerdomain.ActionPurchase,
		})
		return err
	})
	require.NoError(t, err)
	return batch
}

func (h *harness) batch(t *testing.T, id snowflake.ID) ledgerdomain.QuotaBatch {
	t.Helper()
	var batch ledgerdomain.QuotaBatch
	require.NoError(t, h.fx.DB.Where("id = ?", id).First(&batch).Error)
	return batch
}

func (h *harness) debits(t *testing.T, accountID snowflake.ID) []ledgerdomain.Transaction {
	t.Helper()
	var txns []ledgerdomain.Transaction
	require.NoError(t, h.fx.DB.
		Where("account_id = ? AND direction = ?", accountID, ledgerdomain.DirectionDebit).
		Order("id ASC").
		Find(&txns).Error)
	return txns
}

func TestConsumeDrainsOldestBatchFirst(t *testing.T) {
	h := newHarness(t)
	account := h.fx.Account()
	tokens := h.fx.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	older := h.credit(t, account.ID, tokens.ID, 5, nil)
	newer := h.credit(t, account.ID, tokens.ID, 3, nil)

	result, err := h.svc.Consume(context.Background(), domain.ConsumeRequest{
		AccountID:  account.ID,
		ProductKey: "tokens",
		Quantity:   6,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Remaining)
	assert.False(t, result.Replayed)

	first := h.batch(t, older.ID)
	assert.Equal(t, int64(0), first.RemainingQuantity)
	assert.Equal(t, ledgerdomain.BatchStateExhausted, first.State)
	second := h.batch(t, newer.ID)
	assert.Equal(t, int64(2), second.RemainingQuantity)
	assert.Equal(t, ledgerdomain.BatchStateActive, second.State)

	debits := h.debits(t, account.ID)
	require.Len(t, debits, 2)
	assert.Equal(t, older.ID, debits[0].BatchID)
	assert.Equal(t, int64(5), debits[0].Amount)
	assert.Equal(t, newer.ID, debits[1].BatchID)
	assert.Equal(t, int64(1), debits[1].Amount)
	assert.Equal(t, debits[1].ID, result.UsageID)

	evt, err := events.FindByDedupeKey(context.Background(), h.fx.DB, "consumed:"+result.UsageID.String())
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, events.EventConsumed, evt.Type)
}

func TestConsumeIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	account := h.fx.Account()
	tokens := h.fx.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	older := h.credit(t, account.ID, tokens.ID, 5, nil)
	newer := h.credit(t, account.ID, tokens.ID, 3, nil)

	_, err := h.svc.Consume(context.Background(), domain.ConsumeRequest{
		AccountID:  account.ID,
		ProductKey: "tokens",
		Quantity:   9,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientQuota)

	assert.Equal(t, int64(5), h.batch(t, older.ID).RemainingQuantity)
	assert.Equal(t, int64(3), h.batch(t, newer.ID).RemainingQuantity)
	assert.Empty(t, h.debits(t, account.ID))
}

func TestConsumeWithoutBatches(t *testing.T) {
	h := newHarness(t)
	account := h.fx.Account()
	h.fx.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	h.fx.Product("pro", catalogdomain.ProductTypePeriod, false)

	_, err := h.svc.Consume(context.Background(), domain.ConsumeRequest{AccountID: account.ID, ProductKey: "tokens", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInsufficientQuota)

	_, err = h.svc.Consume(context.Background(), domain.ConsumeRequest{AccountID: account.ID, ProductKey: "pro"})
	assert.ErrorIs(t, err, domain.ErrInsufficientQuota)
}

func TestConsumeRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	account := h.fx.Account()
	tokens := h.fx.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	h.credit(t, account.ID, tokens.ID, 5, nil)

	_, err := h.svc.Consume(context.Background(), domain.ConsumeRequest{AccountID: account.ID, ProductKey: "tokens", Quantity: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = h.svc.Consume(context.Background(), domain.ConsumeRequest{AccountID: account.ID, ProductKey: "nope"})
	assert.ErrorIs(t, err, catalogdomain.ErrProductNotFound)

	require.NoError(t, h.fx.DB.Model(&catalogdomain.Product{}).Where("id = ?", tokens.ID).Update("active", false).Error)
	_, err = h.svc.Consume(context.Background(), domain.ConsumeRequest{AccountID: account.ID, ProductKey: "tokens"})
	assert.ErrorIs(t, err, catalogdomain.ErrProductInactive)

	check, err := h.svc.CheckQuota(context.Background(), account.ID, "tokens")
	require.NoError(t, err)
	assert.False(t, check.CanUse)
	assert.Equal(t, int64(5), check.Remaining)
}

func TestConsumeUnlimitedNeverDrains(t *testing.T) {
	h := newHarness(t)
	account := h.fx.Account()
	pro := h.fx.Product("pro", catalogdomain.ProductTypeUnlimited, false)
	batch := h.credit(t, account.ID, pro.ID, 1, nil)

	for i := 0; i < 3; i++ {
		result, err := h.svc.Consume(context.Background(), domain.ConsumeRequest{
			AccountID:  account.ID,
			ProductKey: "pro",
			Quantity:   50,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Remaining)
	}

	stored := h.batch(t, batch.ID)
	assert.Equal(t, int64(1), stored.RemainingQuantity)
	assert.Equal(t, ledgerdomain.BatchStateActive, stored.State)

	debits := h.debits(t, account.ID)
	require.Len(t, debits, 3)
	for _, debit := range debits {
		assert.Equal(t, int64(0), debit.Amount)
	}
}

func TestConsumeSkipsExpiredBatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.fx.Account()
	tokens := h.fx.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	expiresAt := testutil.Epoch.Add(24 * time.Hour)
	expiring := h.credit(t, account.ID, tokens.ID, 10, &expiresAt)
	lasting := h.credit(t, account.ID, tokens.ID, 2, nil)

	h.fx.Clock.Advance(48 * time.Hour)

	balance, err := h.svc.GetBalance(ctx, account.ID, "tokens")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)

	_, err = h.svc.Consume(ctx, domain.ConsumeRequest{AccountID: account.ID, ProductKey: "tokens", Quantity: 3})
	assert.ErrorIs(t, err, domain.ErrInsufficientQuota)

	result, err := h.svc.Consume(ctx, domain.ConsumeRequest{AccountID: account.ID, ProductKey: "tokens", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Remaining)

	assert.Equal(t, ledgerdomain.BatchStateExpired, h.batch(t, expiring.ID).State)
	assert.Equal(t, int64(10), h.batch(t, expiring.ID).RemainingQuantity)
	assert.Equal(t, ledgerdomain.BatchStateExhausted, h.batch(t, lasting.ID).State)
}

func TestExpireBatchesSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.fx.Account()
	tokens := h.fx.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	soon := testutil.Epoch.Add(time.Hour)
	later := testutil.Epoch.Add(72 * time.Hour)
	first := h.credit(t, account.ID, tokens.ID, 1, &soon)
	second := h.credit(t, account.ID, tokens.ID, 1, &soon)
	third := h.credit(t, account.ID, tokens.ID, 1, &later)

	h.fx.Clock.Advance(2 * time.Hour)

	expired, err := h.svc.ExpireBatches(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	expired, err = h.svc.ExpireBatches(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	assert.Equal(t, ledgerdomain.BatchStateExpired, h.batch(t, first.ID).State)
	assert.Equal(t, ledgerdomain.BatchStateExpired, h.batch(t, second.ID).State)
	assert.Equal(t, ledgerdomain.BatchStateActive, h.batch(t, third.ID).State)
}

func TestConsumeReplaysIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.fx.Account()
	tokens := h.fx.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	h.credit(t, account.ID, tokens.ID, 10, nil)

	req := domain.ConsumeRequest{
		AccountID:      account.ID,
		ProductKey:     "tokens",
		Quantity:       4,
		IdempotencyKey: "req-1",
	}
	first, err := h.svc.Consume(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := h.svc.Consume(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.UsageID, second.UsageID)
	assert.Equal(t, first.Remaining, second.Remaining)

	balance, err := h.svc.GetBalance(ctx, account.ID, "tokens")
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance)
	require.Len(t, h.debits(t, account.ID), 1)

	// ActionID doubles as the key when no explicit key is given.
	_, err = h.svc.Consume(ctx, domain.ConsumeRequest{AccountID: account.ID, ProductKey: "tokens", ActionID: "msg-9"})
	require.NoError(t, err)
	replay, err := h.svc.Consume(ctx, domain.ConsumeRequest{AccountID: account.ID, ProductKey: "tokens", ActionID: "msg-9"})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	debits := h.debits(t, account.ID)
	require.Len(t, debits, 2)
	assert.Equal(t, "action", debits[1].ObjectType)
	assert.Equal(t, "msg-9", debits[1].ObjectID)
}

func TestFailedConsumeReleasesKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.fx.Account()
	tokens := h.fx.Product("tokens", catalogdomain.ProductTypeQuantity, false)

	req := domain.ConsumeRequest{AccountID: account.ID, ProductKey: "tokens", Quantity: 2, IdempotencyKey: "req-1"}
	_, err := h.svc.Consume(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInsufficientQuota)

	h.credit(t, account.ID, tokens.ID, 2, nil)
	result, err := h.svc.Consume(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, int64(0), result.Remaining)
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	h := newHarness(t)
	account := h.fx.Account()
	tokens := h.fx.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	h.credit(t, account.ID, tokens.ID, 3, nil)
	h.credit(t, account.ID, tokens.ID, 2, nil)

	const workers = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		refused  int
		failures []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Consume(context.Background(), domain.ConsumeRequest{
				AccountID:      account.ID,
				ProductKey:     "tokens",
				Quantity:       1,
				IdempotencyKey: fmt.Sprintf("worker-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrInsufficientQuota):
				refused++
			default:
				failures = append(failures, err)
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, failures)
	assert.Equal(t, 5, ok)
	assert.Equal(t, workers-5, refused)

	balance, err := h.svc.GetBalance(context.Background(), account.ID, "tokens")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestCheckQuotaAndSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.fx.Account()
	tokens := h.fx.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	pro := h.fx.Product("pro", catalogdomain.ProductTypePeriod, false)
	soon := testutil.Epoch.Add(24 * time.Hour)
	later := testutil.Epoch.Add(48 * time.Hour)
	h.credit(t, account.ID, tokens.ID, 5, &soon)
	h.credit(t, account.ID, tokens.ID, 3, &later)
	h.credit(t, account.ID, pro.ID, 1, &soon)

	_, err := h.svc.Consume(ctx, domain.ConsumeRequest{AccountID: account.ID, ProductKey: "tokens", Quantity: 2})
	require.NoError(t, err)

	check, err := h.svc.CheckQuota(ctx, account.ID, "tokens")
	require.NoError(t, err)
	assert.True(t, check.CanUse)
	assert.False(t, check.Unlimited)
	assert.Equal(t, int64(6), check.Remaining)
	require.NotNil(t, check.ExpiresAt)
	assert.True(t, check.ExpiresAt.Equal(later))

	check, err = h.svc.CheckQuota(ctx, account.ID, "pro")
	require.NoError(t, err)
	assert.True(t, check.CanUse)
	assert.True(t, check.Unlimited)

	summary, err := h.svc.BalanceSummary(ctx, account.ID)
	require.NoError(t, err)
	require.Contains(t, summary, "TOKENS")
	assert.Equal(t, int64(8), summary["TOKENS"].Total)
	assert.Equal(t, int64(2), summary["TOKENS"].Used)
	assert.Equal(t, int64(6), summary["TOKENS"].Remaining)
	require.NotNil(t, summary["TOKENS"].EarliestExpiry)
	assert.True(t, summary["TOKENS"].EarliestExpiry.Equal(soon))
	assert.True(t, summary["PRO"].Unlimited)

	h.fx.Clock.Advance(36 * time.Hour)

	check, err = h.svc.CheckQuota(ctx, account.ID, "pro")
	require.NoError(t, err)
	assert.False(t, check.CanUse)

	summary, err = h.svc.BalanceSummary(ctx, account.ID)
	require.NoError(t, err)
	assert.NotContains(t, summary, "PRO")
	assert.Equal(t, int64(3), summary["TOKENS"].Remaining)
}

func TestConsumeReplaysAfterProductRetired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.fx.Account()
	tokens := h.fx.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	h.credit(t, account.ID, tokens.ID, 5, nil)

	req := domain.ConsumeRequest{AccountID: account.ID, ProductKey: "tokens", Quantity: 2, IdempotencyKey: "k1"}
	first, err := h.svc.Consume(ctx, req)
	require.NoError(t, err)

	require.NoError(t, h.fx.DB.Model(&catalogdomain.Product{}).Where("id = ?", tokens.ID).Update("active", false).Error)

	again, err := h.svc.Consume(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.UsageID, again.UsageID)
	assert.Equal(t, first.Remaining, again.Remaining)

	_, err = h.svc.Consume(ctx, domain.ConsumeRequest{AccountID: account.ID, ProductKey: "tokens", IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, catalogdomain.ErrProductInactive)
}

func TestConcurrentConsumeWithSameKeyWritesOnce(t *testing.T) {
	h := newHarness(t)
	account := h.fx.Account()
	tokens := h.fx.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	h.credit(t, account.ID, tokens.ID, 10, nil)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		results  []domain.ConsumeResult
		failures []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.svc.Consume(context.Background(), domain.ConsumeRequest{
				AccountID:      account.ID,
				ProductKey:     "tokens",
				Quantity:       3,
				IdempotencyKey: "same-request",
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			results = append(results, result)
		}()
	}
	wg.Wait()

	require.Empty(t, failures)
	require.Len(t, results, workers)
	fresh := 0
	for _, result := range results {
		if !result.Replayed {
			fresh++
		}
		assert.Equal(t, results[0].UsageID, result.UsageID)
		assert.Equal(t, int64(7), result.Remaining)
	}
	assert.Equal(t, 1, fresh)
	require.Len(t, h.debits(t, account.ID), 1)

	balance, err := h.svc.GetBalance(context.Background(), account.ID, "tokens")
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)
}
