package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	accountdomain "github.com/smallbiznis/billable/internal/account/domain"
	catalogdomain "github.com/smallbiznis/billable/internal/catalog/domain"
	"github.com/smallbiznis/billable/internal/clock"
	"github.com/smallbiznis/billable/internal/config"
	"github.com/smallbiznis/billable/internal/events"
	grantdomain "github.com/smallbiznis/billable/internal/grant/domain"
	ledgerdomain "github.com/smallbiznis/billable/internal/ledger/domain"
	"github.com/smallbiznis/billable/internal/lock"
	obsmetrics "github.com/smallbiznis/billable/internal/observability/metrics"
	"github.com/smallbiznis/billable/internal/observability/tracing"
	"github.com/smallbiznis/billable/internal/order/domain"
	"github.com/smallbiznis/billable/internal/order/guard"
	"github.com/smallbiznis/billable/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Locker     lock.Locker
	Repo       domain.Repository
	Accounts   accountdomain.Repository
	Catalog    catalogdomain.Repository
	Batches    ledgerdomain.Repository
	Ledger     ledgerdomain.Writer
	Grants     grantdomain.Service
	Engine     *config.EngineConfigHolder `optional:"true"`
	Outbox     *events.Outbox             `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	locker     lock.Locker
	repo       domain.Repository
	accounts   accountdomain.Repository
	catalog    catalogdomain.Repository
	batches    ledgerdomain.Repository
	ledger     ledgerdomain.Writer
	grants     grantdomain.Service
	engine     *config.EngineConfigHolder
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("order.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		locker:     p.Locker,
		repo:       p.Repo,
		accounts:   p.Accounts,
		catalog:    p.Catalog,
		batches:    p.Batches,
		ledger:     p.Ledger,
		grants:     p.Grants,
		engine:     p.Engine,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.Order, error) {
	if req.AccountID == 0 {
		return domain.Order{}, accountdomain.ErrInvalidAccount
	}
	if len(req.Items) == 0 {
		return domain.Order{}, domain.ErrOrderEmpty
	}

	account, err := s.accounts.FindByID(ctx, s.db, req.AccountID)
	if err != nil {
		return domain.Order{}, err
	}
	if account == nil {
		return domain.Order{}, accountdomain.ErrAccountNotFound
	}

	now := s.clock.Now()
	order := domain.Order{
		ID:          s.genID.Generate(),
		AccountID:   req.AccountID,
		Status:      domain.OrderStatusPending,
		TotalAmount: decimal.Zero,
		Metadata:    toJSONMap(req.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for i, input := range req.Items {
		quantity := input.Quantity
		if quantity == 0 {
			quantity = 1
		}
		if quantity < 0 {
			return domain.Order{}, domain.ErrInvalidQuantity
		}
		sku := catalogdomain.NormalizeKey(input.SKU)
		if sku == "" {
			return domain.Order{}, catalogdomain.ErrInvalidKey
		}
		offer, err := s.catalog.FindOfferBySKU(ctx, s.db, sku)
		if err != nil {
			return domain.Order{}, err
		}
		if offer == nil || !offer.Active {
			return domain.Order{}, catalogdomain.ErrOfferNotFound
		}
		if order.Currency == "" {
			order.Currency = offer.Currency
		} else if order.Currency != offer.Currency {
			return domain.Order{}, domain.ErrMixedCurrency
		}

		item := domain.OrderItem{
			ID:        s.genID.Generate(),
			OrderID:   order.ID,
			OfferID:   offer.ID,
			SKU:       offer.SKU,
			Quantity:  quantity,
			Price:     offer.Price,
			Position:  i,
			CreatedAt: now,
		}
		order.TotalAmount = order.TotalAmount.Add(item.LineTotal())
		order.Items = append(order.Items, item)
	}

	err = db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.Insert(ctx, tx, &order)
	}))
	if err != nil {
		return domain.Order{}, err
	}

	s.log.Info("order created",
		zap.Int64("order_id", order.ID.Int64()),
		zap.Int64("account_id", order.AccountID.Int64()),
		zap.String("total", order.TotalAmount.StringFixed(2)),
		zap.String("currency", order.Currency),
	)
	return order, nil
}

func (s *Service) Confirm(ctx context.Context, orderID snowflake.ID, paymentID, paymentMethod string) (order domain.Order, err error) {
	ctx, span := tracing.Start(ctx, "order.Confirm", attribute.Int64("order_id", orderID.Int64()))
	defer func() { tracing.End(span, err) }()
	return s.confirm(ctx, orderID, paymentID, paymentMethod)
}

func (s *Service) confirm(ctx context.Context, orderID snowflake.ID, paymentID, paymentMethod string) (domain.Order, error) {
	paymentID = strings.TrimSpace(paymentID)
	paymentMethod = strings.TrimSpace(paymentMethod)

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	outcome, err := guard.EnsureOrderCanConfirm(order, paymentID)
	if err != nil {
		return domain.Order{}, err
	}
	if outcome == guard.ConfirmReplay {
		s.obsMetrics.RecordIdempotentReplay(ctx, "confirm")
		return order, nil
	}

	offers, scopes, err := s.offers(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}
	release, err := lock.AcquireAll(ctx, s.locker, s.engine.Get().LockWaitTimeout, lock.Ordered(scopes...)...)
	if err != nil {
		return domain.Order{}, err
	}
	defer release()

	var (
		result   domain.Order
		replayed bool
	)
	err = db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		outcome, err := guard.EnsureOrderCanConfirm(*locked, paymentID)
		if err != nil {
			return err
		}
		if outcome == guard.ConfirmReplay {
			result, replayed = *locked, true
			return nil
		}

		holder, err := s.repo.FindByPaymentID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if holder != nil && holder.ID != locked.ID {
			return domain.ErrPaymentConflict
		}

		account, err := s.accounts.Lock(ctx, tx, locked.AccountID, false)
		if err != nil {
			return err
		}
		if account == nil {
			return accountdomain.ErrAccountNotFound
		}

		now := s.clock.Now()
		ok, err := s.repo.MarkPaid(ctx, tx, locked.ID, paymentID, paymentMethod, now)
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrPaymentConflict
			}
			return err
		}
		if !ok {
			return domain.ErrOrderNotPending
		}

		batchIDs := make([]string, 0, len(locked.Items))
		for _, item := range locked.Items {
			itemID := item.ID
			batches, err := s.grants.GrantInTx(ctx, tx, offers[item.OfferID], grantdomain.GrantRequest{
				AccountID:         locked.AccountID,
				OfferID:           item.OfferID,
				SourceOrderItemID: &itemID,
				Multiplier:        item.Quantity,
				ActionType:        ledgerdomain.ActionPurchase,
				ObjectType:        "order_item",
				ObjectID:          itemID.String(),
				Metadata: map[string]any{
					"order_id":   locked.ID.String(),
					"payment_id": paymentID,
				},
			})
			if err != nil {
				return err
			}
			for _, batch := range batches {
				batchIDs = append(batchIDs, batch.ID.String())
			}
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			AccountID: locked.AccountID,
			Type:      events.EventOrderConfirmed,
			Payload: map[string]any{
				"order_id":       locked.ID.String(),
				"payment_id":     paymentID,
				"payment_method": paymentMethod,
				"total_amount":   locked.TotalAmount.StringFixed(2),
				"currency":       locked.Currency,
				"batch_ids":      batchIDs,
				"metadata":       map[string]any(locked.Metadata),
			},
			DedupeKey: "order_confirmed:" + locked.ID.String(),
		}); err != nil {
			return err
		}

		locked.Status = domain.OrderStatusPaid
		locked.PaymentID = &paymentID
		locked.PaymentMethod = paymentMethod
		locked.PaidAt = &now
		locked.UpdatedAt = now
		result = *locked
		return nil
	}))
	if err != nil {
		s.log.Warn("order confirm failed",
			zap.Int64("order_id", orderID.Int64()),
			zap.Error(err),
		)
		return domain.Order{}, err
	}

	if replayed {
		s.obsMetrics.RecordIdempotentReplay(ctx, "confirm")
		return result, nil
	}
	s.obsMetrics.RecordOrderTransition(ctx, string(domain.OrderStatusPending), string(domain.OrderStatusPaid))
	s.log.Info("order confirmed",
		zap.Int64("order_id", result.ID.Int64()),
		zap.Int64("account_id", result.AccountID.Int64()),
	)
	return result, nil
}

func (s *Service) Cancel(ctx context.Context, orderID snowflake.ID, reason string) (domain.Order, error) {
	var result domain.Order
	err := db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := guard.EnsureOrderCanCancel(locked.Status); err != nil {
			return err
		}

		metadata := withReason(locked.Metadata, "cancel_reason", reason)
		now := s.clock.Now()
		ok, err := s.repo.Transition(ctx, tx, locked.ID, domain.OrderStatusPending, domain.OrderStatusCancelled, metadata, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrOrderNotPending
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			AccountID: locked.AccountID,
			Type:      events.EventOrderCancelled,
			Payload: map[string]any{
				"order_id": locked.ID.String(),
				"reason":   reason,
			},
			DedupeKey: "order_cancelled:" + locked.ID.String(),
		}); err != nil {
			return err
		}

		locked.Status = domain.OrderStatusCancelled
		locked.Metadata = metadata
		locked.CancelledAt = &now
		locked.UpdatedAt = now
		result = *locked
		return nil
	}))
	if err != nil {
		return domain.Order{}, err
	}

	s.obsMetrics.RecordOrderTransition(ctx, string(domain.OrderStatusPending), string(domain.OrderStatusCancelled))
	return result, nil
}

func (s *Service) Refund(ctx context.Context, orderID snowflake.ID, reason string) (domain.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := guard.EnsureOrderCanRefund(order.Status); err != nil {
		return domain.Order{}, err
	}

	_, scopes, err := s.offers(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}
	release, err := lock.AcquireAll(ctx, s.locker, s.engine.Get().LockWaitTimeout, lock.Ordered(scopes...)...)
	if err != nil {
		return domain.Order{}, err
	}
	defer release()

	var (
		result     domain.Order
		clawedBack int64
	)
	err = db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := guard.EnsureOrderCanRefund(locked.Status); err != nil {
			return err
		}

		batches, err := s.batches.LockBatchesByOrderItems(ctx, tx, locked.ItemIDs())
		if err != nil {
			return err
		}
		revoked := make([]string, 0, len(batches))
		for i := range batches {
			if batches[i].State != ledgerdomain.BatchStateActive {
				continue
			}
			remaining := batches[i].RemainingQuantity
			if _, err := s.ledger.Revoke(ctx, tx, &batches[i], ledgerdomain.RevokeRequest{
				ActionType: ledgerdomain.ActionRefund,
				ObjectType: "order",
				ObjectID:   locked.ID.String(),
				Metadata: map[string]any{
					"reason": "order_refunded",
				},
			}); err != nil {
				return err
			}
			clawedBack += remaining
			revoked = append(revoked, batches[i].ID.String())
		}

		metadata := withReason(locked.Metadata, "refund_reason", reason)
		now := s.clock.Now()
		ok, err := s.repo.Transition(ctx, tx, locked.ID, domain.OrderStatusPaid, domain.OrderStatusRefunded, metadata, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrOrderNotPaid
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			AccountID: locked.AccountID,
			Type:      events.EventOrderRefunded,
			Payload: map[string]any{
				"order_id":          locked.ID.String(),
				"reason":            reason,
				"revoked_batch_ids": revoked,
				"revoked_quantity":  clawedBack,
			},
			DedupeKey: "order_refunded:" + locked.ID.String(),
		}); err != nil {
			return err
		}

		locked.Status = domain.OrderStatusRefunded
		locked.Metadata = metadata
		locked.RefundedAt = &now
		locked.UpdatedAt = now
		result = *locked
		return nil
	}))
	if err != nil {
		return domain.Order{}, err
	}

	s.obsMetrics.RecordOrderTransition(ctx, string(domain.OrderStatusPaid), string(domain.OrderStatusRefunded))
	s.log.Info("order refunded",
		zap.Int64("order_id", result.ID.Int64()),
		zap.Int64("revoked_quantity", clawedBack),
	)
	return result, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID snowflake.ID) (domain.Order, error) {
	if orderID == 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	order, err := s.repo.FindByID(ctx, s.db, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order == nil {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, accountID snowflake.ID, filter domain.ListOrdersFilter) ([]domain.Order, error) {
	return s.repo.List(ctx, s.db, accountID, filter)
}

func (s *Service) lockOrder(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) (*domain.Order, error) {
	order, err := s.repo.Lock(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// offers loads the offer behind every item and the product scopes granting
// or revoking them touches.
func (s *Service) offers(ctx context.Context, order domain.Order) (map[snowflake.ID]catalogdomain.Offer, []lock.Scope, error) {
	offers := make(map[snowflake.ID]catalogdomain.Offer, len(order.Items))
	var scopes []lock.Scope
	for _, item := range order.Items {
		if _, ok := offers[item.OfferID]; ok {
			continue
		}
		offer, err := s.catalog.FindOfferByID(ctx, s.db, item.OfferID)
		if err != nil {
			return nil, nil, err
		}
		if offer == nil {
			return nil, nil, catalogdomain.ErrOfferNotFound
		}
		offers[item.OfferID] = *offer
		scopes = append(scopes, grantdomain.LockScopes(order.AccountID, *offer)...)
	}
	return offers, scopes, nil
}

func withReason(metadata datatypes.JSONMap, key, reason string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range metadata {
		out[k] = v
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		out[key] = reason
	}
	return out
}

func toJSONMap(in map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range in {
		out[k] = v
	}
	return out
}
