package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	accountrepo "github.com/smallbiznis/billable/internal/account/repository"
	catalogdomain "github.com/smallbiznis/billable/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/billable/internal/catalog/repository"
	"github.com/smallbiznis/billable/internal/events"
	grantrepo "github.com/smallbiznis/billable/internal/grant/repository"
	grantservice "github.com/smallbiznis/billable/internal/grant/service"
	ledgerdomain "github.com/smallbiznis/billable/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/billable/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/billable/internal/ledger/service"
	"github.com/smallbiznis/billable/internal/lock"
	"github.com/smallbiznis/billable/internal/order/domain"
	"github.com/smallbiznis/billable/internal/order/repository"
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
	tokens catalogdomain.Product
	pack   catalogdomain.Offer
}

func newHarness(t *testing.T) *harness {
	f := testutil.NewFixture(t)
	outbox := events.NewOutbox(f.GenID, f.Clock)
	locker := lock.NewMemory()
	batches := ledgerrepo.Provide()
	accounts := accountrepo.Provide()
	catalog := catalogrepo.Provide()
	writer := ledgerservice.NewWriter(ledgerservice.WriterParams{
		Log:    zap.NewNop(),
		GenID:  f.GenID,
		Clock:  f.Clock,
		Repo:   batches,
		Outbox: outbox,
	})
	grants := grantservice.New(grantservice.Params{
		DB:       f.DB,
		Log:      zap.NewNop(),
		GenID:    f.GenID,
		Clock:    f.Clock,
		Locker:   locker,
		Repo:     grantrepo.Provide(),
		Accounts: accounts,
		Catalog:  catalog,
		Ledger:   writer,
		Outbox:   outbox,
	})
	svc := New(Params{
		DB:       f.DB,
		Log:      zap.NewNop(),
		GenID:    f.GenID,
		Clock:    f.Clock,
		Locker:   locker,
		Repo:     repository.Provide(),
		Accounts: accounts,
		Catalog:  catalog,
		Batches:  batches,
		Ledger:   writer,
		Grants:   grants,
		Outbox:   outbox,
	})

	tokens := f.Product("tokens", catalogdomain.ProductTypeQuantity, false)
	pack := f.Offer("pack_10", "1.00", "USD", testutil.Item{Product: tokens, Quantity: 10})
	return &harness{fx: f, svc: svc, writer: writer, tokens: tokens, pack: pack}
}

func (h *harness) batches(t *testing.T, order domain.Order) []ledgerdomain.QuotaBatch {
	t.Helper()
	var batches []ledgerdomain.QuotaBatch
	require.NoError(t, h.fx.DB.
		Where("source_order_item_id IN ?", order.ItemIDs()).
		Order("id ASC").
		Find(&batches).Error)
	return batches
}

func (h *harness) paidOrder(t *testing.T, quantity int64) domain.Order {
	t.Helper()
	account := h.fx.Account()
	order, err := h.svc.CreateOrder(context.Background(), domain.CreateOrderRequest{
		AccountID: account.ID,
		Items:     []domain.ItemInput{{SKU: "pack_10", Quantity: quantity}},
	})
	require.NoError(t, err)
	order, err = h.svc.Confirm(context.Background(), order.ID, "pay-"+order.ID.String(), "card")
	require.NoError(t, err)
	return order
}

func TestCreateAndConfirmOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.fx.Account()

	order, err := h.svc.CreateOrder(ctx, domain.CreateOrderRequest{
		AccountID: account.ID,
		Items:     []domain.ItemInput{{SKU: "PACK_10", Quantity: 2}},
		Metadata:  map[string]any{"channel": "web"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("2.00")))
	assert.Equal(t, "USD", order.Currency)
	require.Len(t, order.Items, 1)
	assert.Equal(t, h.pack.ID, order.Items[0].OfferID)
	assert.Empty(t, h.batches(t, order))

	paid, err := h.svc.Confirm(ctx, order.ID, "pay-1", "card")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, paid.Status)
	require.NotNil(t, paid.PaymentID)
	assert.Equal(t, "pay-1", *paid.PaymentID)
	assert.NotNil(t, paid.PaidAt)

	batches := h.batches(t, order)
	require.Len(t, batches, 1)
	assert.Equal(t, int64(20), batches[0].InitialQuantity)
	assert.Equal(t, h.tokens.ID, batches[0].ProductID)
	require.NotNil(t, batches[0].SourceOrderItemID)
	assert.Equal(t, order.Items[0].ID, *batches[0].SourceOrderItemID)

	var txn ledgerdomain.Transaction
	require.NoError(t, h.fx.DB.Where("batch_id = ?", batches[0].ID).First(&txn).Error)
	assert.Equal(t, ledgerdomain.ActionPurchase, txn.ActionType)
	assert.Equal(t, "order_item", txn.ObjectType)

	stored, err := h.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, stored.Status)
	assert.Equal(t, "card", stored.PaymentMethod)

	evt, err := events.FindByDedupeKey(ctx, h.fx.DB, "order_confirmed:"+order.ID.String())
	require.NoError(t, err)
	assert.NotNil(t, evt)
}

func TestConfirmIsIdempotentPerPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.paidOrder(t, 1)
	paymentID := *order.PaymentID

	again, err := h.svc.Confirm(ctx, order.ID, paymentID, "card")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, again.Status)
	assert.Len(t, h.batches(t, order), 1)

	_, err = h.svc.Confirm(ctx, order.ID, "another-payment", "card")
	assert.ErrorIs(t, err, domain.ErrPaymentConflict)
	assert.Len(t, h.batches(t, order), 1)
}

func TestConfirmRejectsReusedPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.paidOrder(t, 1)

	account := h.fx.Account()
	second, err := h.svc.CreateOrder(ctx, domain.CreateOrderRequest{
		AccountID: account.ID,
		Items:     []domain.ItemInput{{SKU: "pack_10"}},
	})
	require.NoError(t, err)

	_, err = h.svc.Confirm(ctx, second.ID, *first.PaymentID, "card")
	assert.ErrorIs(t, err, domain.ErrPaymentConflict)

	_, err = h.svc.Confirm(ctx, second.ID, "", "card")
	assert.ErrorIs(t, err, domain.ErrPaymentRequired)

	stored, err := h.svc.GetOrder(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.Empty(t, h.batches(t, stored))
}

func TestConfirmHonoursRetiredOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.fx.Account()
	order, err := h.svc.CreateOrder(ctx, domain.CreateOrderRequest{
		AccountID: account.ID,
		Items:     []domain.ItemInput{{SKU: "pack_10"}},
	})
	require.NoError(t, err)

	h.fx.Deactivate(h.pack)

	_, err = h.svc.Confirm(ctx, order.ID, "pay-1", "card")
	require.NoError(t, err)
	assert.Len(t, h.batches(t, order), 1)

	_, err = h.svc.CreateOrder(ctx, domain.CreateOrderRequest{
		AccountID: account.ID,
		Items:     []domain.ItemInput{{SKU: "pack_10"}},
	})
	assert.ErrorIs(t, err, catalogdomain.ErrOfferNotFound)
}

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.fx.Account()
	h.fx.Offer("pack_eur", "1.00", "EUR", testutil.Item{Product: h.tokens, Quantity: 10})

	_, err := h.svc.CreateOrder(ctx, domain.CreateOrderRequest{AccountID: account.ID})
	assert.ErrorIs(t, err, domain.ErrOrderEmpty)

	_, err = h.svc.CreateOrder(ctx, domain.CreateOrderRequest{
		AccountID: account.ID,
		Items:     []domain.ItemInput{{SKU: "pack_10"}, {SKU: "pack_eur"}},
	})
	assert.ErrorIs(t, err, domain.ErrMixedCurrency)

	_, err = h.svc.CreateOrder(ctx, domain.CreateOrderRequest{
		AccountID: account.ID,
		Items:     []domain.ItemInput{{SKU: "pack_10", Quantity: -1}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = h.svc.CreateOrder(ctx, domain.CreateOrderRequest{
		AccountID: account.ID,
		Items:     []domain.ItemInput{{SKU: "missing"}},
	})
	assert.ErrorIs(t, err, catalogdomain.ErrOfferNotFound)

	orders, err := h.svc.ListOrders(ctx, account.ID, domain.ListOrdersFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCancelPendingOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.fx.Account()
	order, err := h.svc.CreateOrder(ctx, domain.CreateOrderRequest{
		AccountID: account.ID,
		Items:     []domain.ItemInput{{SKU: "pack_10"}},
	})
	require.NoError(t, err)

	cancelled, err := h.svc.Cancel(ctx, order.ID, "changed mind")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	stored, err := h.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, stored.Status)
	assert.Equal(t, "changed mind", stored.Metadata["cancel_reason"])
	assert.NotNil(t, stored.CancelledAt)

	_, err = h.svc.Confirm(ctx, order.ID, "pay-1", "card")
	assert.ErrorIs(t, err, domain.ErrOrderNotPending)
	_, err = h.svc.Cancel(ctx, order.ID, "")
	assert.ErrorIs(t, err, domain.ErrOrderNotPending)

	paid := h.paidOrder(t, 1)
	_, err = h.svc.Cancel(ctx, paid.ID, "")
	assert.ErrorIs(t, err, domain.ErrOrderNotPending)
}

func TestRefundClawsBackWhatIsLeft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.paidOrder(t, 2)
	batches := h.batches(t, order)
	require.Len(t, batches, 1)

	err := h.fx.DB.Transaction(func(tx *gorm.DB) error {
		_, err := h.writer.Debit(ctx, tx, &batches[0], ledgerdomain.DebitRequest{Amount: 15, Decrement: true, ActionType: ledgerdomain.ActionUsage})
		return err
	})
	require.NoError(t, err)

	refunded, err := h.svc.Refund(ctx, order.ID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, refunded.Status)

	stored := h.batches(t, order)
	require.Len(t, stored, 1)
	assert.Equal(t, ledgerdomain.BatchStateRevoked, stored[0].State)
	assert.Equal(t, int64(0), stored[0].RemainingQuantity)
	assert.Equal(t, int64(20), stored[0].InitialQuantity)

	var clawback ledgerdomain.Transaction
	require.NoError(t, h.fx.DB.
		Where("batch_id = ? AND action_type = ?", batches[0].ID, ledgerdomain.ActionRefund).
		First(&clawback).Error)
	assert.Equal(t, int64(5), clawback.Amount)
	assert.Equal(t, ledgerdomain.DirectionDebit, clawback.Direction)
	assert.Equal(t, order.ID.String(), clawback.ObjectID)

	order, err = h.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "chargeback", order.Metadata["refund_reason"])

	_, err = h.svc.Refund(ctx, order.ID, "")
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyRefunded)
}

func TestRefundSkipsSpentBatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.paidOrder(t, 1)
	batches := h.batches(t, order)

	err := h.fx.DB.Transaction(func(tx *gorm.DB) error {
		_, err := h.writer.Debit(ctx, tx, &batches[0], ledgerdomain.DebitRequest{Amount: 10, Decrement: true, ActionType: ledgerdomain.ActionUsage})
		return err
	})
	require.NoError(t, err)

	_, err = h.svc.Refund(ctx, order.ID, "")
	require.NoError(t, err)

	stored := h.batches(t, order)
	assert.Equal(t, ledgerdomain.BatchStateExhausted, stored[0].State)

	var refunds int64
	require.NoError(t, h.fx.DB.Model(&ledgerdomain.Transaction{}).
		Where("action_type = ?", ledgerdomain.ActionRefund).
		Count(&refunds).Error)
	assert.Zero(t, refunds)
}

func TestRefundRequiresPaidOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.fx.Account()
	order, err := h.svc.CreateOrder(ctx, domain.CreateOrderRequest{
		AccountID: account.ID,
		Items:     []domain.ItemInput{{SKU: "pack_10"}},
	})
	require.NoError(t, err)

	_, err = h.svc.Refund(ctx, order.ID, "")
	assert.ErrorIs(t, err, domain.ErrOrderNotPaid)

	_, err = h.svc.Refund(ctx, h.fx.GenID.Generate(), "")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestListOrdersNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.fx.Account()

	first, err := h.svc.CreateOrder(ctx, domain.CreateOrderRequest{AccountID: account.ID, Items: []domain.ItemInput{{SKU: "pack_10"}}})
	require.NoError(t, err)
	h.fx.Clock.Advance(time.Second)
	second, err := h.svc.CreateOrder(ctx, domain.CreateOrderRequest{AccountID: account.ID, Items: []domain.ItemInput{{SKU: "pack_10"}}})
	require.NoError(t, err)
	_, err = h.svc.Confirm(ctx, second.ID, "pay-2", "card")
	require.NoError(t, err)

	orders, err := h.svc.ListOrders(ctx, account.ID, domain.ListOrdersFilter{})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)
	assert.Equal(t, first.ID, orders[1].ID)
	require.Len(t, orders[0].Items, 1)

	pending, err := h.svc.ListOrders(ctx, account.ID, domain.ListOrdersFilter{Status: domain.OrderStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)
}

func TestConcurrentConfirmWithSamePaymentGrantsOnce(t *testing.T) {
	h := newHarness(t)
	account := h.fx.Account()
	order, err := h.svc.CreateOrder(context.Background(), domain.CreateOrderRequest{
		AccountID: account.ID,
		Items:     []domain.ItemInput{{SKU: "pack_10", Quantity: 1}},
	})
	require.NoError(t, err)

	const workers = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		results  []domain.Order
		failures []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paid, err := h.svc.Confirm(context.Background(), order.ID, "tx1", "card")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			results = append(results, paid)
		}()
	}
	wg.Wait()

	require.Empty(t, failures)
	require.Len(t, results, workers)
	for _, paid := range results {
		assert.Equal(t, domain.OrderStatusPaid, paid.Status)
		require.NotNil(t, paid.PaymentID)
		assert.Equal(t, "tx1", *paid.PaymentID)
	}

	batches := h.batches(t, order)
	require.Len(t, batches, 1)
	assert.Equal(t, int64(10), batches[0].InitialQuantity)

	var credits int64
	require.NoError(t, h.fx.DB.Model(&ledgerdomain.Transaction{}).
		Where("account_id = ? AND direction = ?", account.ID, ledgerdomain.DirectionCredit).
		Count(&credits).Error)
	assert.Equal(t, int64(1), credits)
}
