package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/billable/internal/account/domain"
	catalogdomain "github.com/smallbiznis/billable/internal/catalog/domain"
	"github.com/smallbiznis/billable/internal/clock"
	"github.com/smallbiznis/billable/internal/config"
	"github.com/smallbiznis/billable/internal/consumption/domain"
	"github.com/smallbiznis/billable/internal/events"
	"github.com/smallbiznis/billable/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/billable/internal/ledger/domain"
	"github.com/smallbiznis/billable/internal/lock"
	"github.com/smallbiznis/billable/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/billable/internal/observability/metrics"
	"github.com/smallbiznis/billable/internal/observability/tracing"
	"github.com/smallbiznis/billable/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Locker     lock.Locker
	Guard      *idempotency.Guard
	Accounts   accountdomain.Repository
	Catalog    catalogdomain.Repository
	Batches    ledgerdomain.Repository
	Ledger     ledgerdomain.Writer
	Engine     *config.EngineConfigHolder `optional:"true"`
	Outbox     *events.Outbox             `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	locker     lock.Locker
	guard      *idempotency.Guard
	accounts   accountdomain.Repository
	catalog    catalogdomain.Repository
	batches    ledgerdomain.Repository
	ledger     ledgerdomain.Writer
	engine     *config.EngineConfigHolder
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("consumption.service"),
		clock:      p.Clock,
		locker:     p.Locker,
		guard:      p.Guard,
		accounts:   p.Accounts,
		catalog:    p.Catalog,
		batches:    p.Batches,
		ledger:     p.Ledger,
		engine:     p.Engine,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Consume(ctx context.Context, req domain.ConsumeRequest) (result domain.ConsumeResult, err error) {
	ctx, span := tracing.Start(ctx, "consumption.Consume",
		attribute.Int64("account_id", req.AccountID.Int64()),
		attribute.String("product_key", req.ProductKey),
		attribute.Int64("quantity", req.Quantity),
	)
	defer func() { tracing.End(span, err) }()
	return s.consume(ctx, req)
}

func (s *Service) consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	if req.AccountID == 0 {
		return domain.ConsumeResult{}, accountdomain.ErrInvalidAccount
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 0 {
		return domain.ConsumeResult{}, domain.ErrInvalidQuantity
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(req.ActionID)
	}
	if key != "" {
		normalized, err := idempotency.NormalizeKey(key)
		if err != nil {
			return domain.ConsumeResult{}, err
		}
		key = normalized
	}
	req.IdempotencyKey = key

	if key != "" {
		stored, ok, err := idempotency.LookupResult[domain.ConsumeResult](ctx, s.guard, s.db, req.AccountID, idempotency.ScopeConsume, key)
		if err != nil {
			return domain.ConsumeResult{}, err
		}
		if ok {
			stored.Replayed = true
			s.obsMetrics.RecordIdempotentReplay(ctx, "consume")
			return stored, nil
		}
	}

	product, err := s.activeProduct(ctx, req.ProductKey)
	if err != nil {
		return domain.ConsumeResult{}, err
	}

	release, err := lock.AcquireAll(ctx, s.locker, s.engine.Get().LockWaitTimeout, lock.ProductScope(req.AccountID, product.ID))
	if err != nil {
		return domain.ConsumeResult{}, err
	}
	defer release()

	var result domain.ConsumeResult
	err = db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if key != "" {
			existing, err := s.guard.Claim(ctx, tx, req.AccountID, idempotency.ScopeConsume, key)
			if err != nil {
				return err
			}
			if existing != nil {
				stored, err := idempotency.Decode[domain.ConsumeResult](existing)
				if err != nil {
					return err
				}
				stored.Replayed = true
				result = stored
				return nil
			}
		}

		account, err := s.accounts.Lock(ctx, tx, req.AccountID, false)
		if err != nil {
			return err
		}
		if account == nil {
			return accountdomain.ErrAccountNotFound
		}

		consumed, err := s.ConsumeInTx(ctx, tx, *product, req)
		if err != nil {
			return err
		}
		result = consumed

		if key != "" {
			return s.guard.Complete(ctx, tx, req.AccountID, idempotency.ScopeConsume, key, result)
		}
		return nil
	}))
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientQuota) {
			logger.WithAccount(logger.WithContext(ctx, s.log), req.AccountID.Int64()).Info("consume refused",
				zap.String("product_key", product.Key),
				zap.Int64("quantity", req.Quantity),
			)
		}
		return domain.ConsumeResult{}, err
	}

	if result.Replayed {
		s.obsMetrics.RecordIdempotentReplay(ctx, "consume")
	}
	return result, nil
}

func (s *Service) ConsumeInTx(ctx context.Context, tx *gorm.DB, product catalogdomain.Product, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return domain.ConsumeResult{}, domain.ErrInvalidQuantity
	}
	if !product.Active {
		return domain.ConsumeResult{}, catalogdomain.ErrProductInactive
	}

	now := s.clock.Now()
	if _, err := s.batches.ExpireDue(ctx, tx, req.AccountID, product.ID, now, 0); err != nil {
		return domain.ConsumeResult{}, err
	}
	batches, err := s.batches.LockUsableBatches(ctx, tx, req.AccountID, product.ID, now)
	if err != nil {
		return domain.ConsumeResult{}, err
	}

	var available int64
	for _, batch := range batches {
		available += batch.RemainingQuantity
	}
	metered := product.Type.Metered()
	if len(batches) == 0 || (metered && available < quantity) {
		s.obsMetrics.RecordQuotaDenied(ctx, "consume")
		return domain.ConsumeResult{}, domain.ErrInsufficientQuota
	}

	actionType := strings.TrimSpace(req.ActionType)
	if actionType == "" {
		actionType = ledgerdomain.ActionUsage
	}
	debit := ledgerdomain.DebitRequest{
		Decrement:      metered,
		ActionType:     actionType,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}
	if req.ActionID != "" {
		debit.ObjectType = "action"
		debit.ObjectID = req.ActionID
	}

	var entries []ledgerdomain.Transaction
	if metered {
		needed := quantity
		for i := range batches {
			if needed == 0 {
				break
			}
			take := min(batches[i].RemainingQuantity, needed)
			if take == 0 {
				continue
			}
			debit.Amount = take
			txn, err := s.ledger.Debit(ctx, tx, &batches[i], debit)
			if err != nil {
				return domain.ConsumeResult{}, err
			}
			entries = append(entries, txn)
			needed -= take
		}
		available -= quantity
	} else {
		debit.Amount = quantity
		txn, err := s.ledger.Debit(ctx, tx, &batches[0], debit)
		if err != nil {
			return domain.ConsumeResult{}, err
		}
		entries = append(entries, txn)
	}

	usage := entries[len(entries)-1]
	txnIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		txnIDs = append(txnIDs, entry.ID.String())
	}
	if err := s.outbox.PublishTx(ctx, tx, events.Event{
		AccountID: req.AccountID,
		Type:      events.EventConsumed,
		Payload: map[string]any{
			"product_key":     product.Key,
			"product_type":    string(product.Type),
			"quantity":        quantity,
			"remaining":       available,
			"usage_id":        usage.ID.String(),
			"transaction_ids": txnIDs,
			"action_type":     actionType,
			"action_id":       req.ActionID,
			"metadata":        req.Metadata,
		},
		DedupeKey: "consumed:" + usage.ID.String(),
	}); err != nil {
		return domain.ConsumeResult{}, err
	}

	s.obsMetrics.RecordConsume(ctx, string(product.Type), quantity)
	return domain.ConsumeResult{Remaining: available, UsageID: usage.ID}, nil
}

func (s *Service) CheckQuota(ctx context.Context, accountID snowflake.ID, productKey string) (domain.QuotaCheck, error) {
	product, err := s.product(ctx, productKey)
	if err != nil {
		return domain.QuotaCheck{}, err
	}
	check := domain.QuotaCheck{
		ProductKey: product.Key,
		Unlimited:  !product.Type.Metered(),
	}

	batches, err := s.batches.UsableBatches(ctx, s.db, accountID, product.ID, s.clock.Now())
	if err != nil {
		return domain.QuotaCheck{}, err
	}
	forever := false
	for _, batch := range batches {
		check.Remaining += batch.RemainingQuantity
		if batch.ExpiresAt == nil {
			forever = true
		} else if check.ExpiresAt == nil || batch.ExpiresAt.After(*check.ExpiresAt) {
			expiresAt := *batch.ExpiresAt
			check.ExpiresAt = &expiresAt
		}
	}
	if forever {
		check.ExpiresAt = nil
	}

	switch {
	case !product.Active:
		check.CanUse = false
	case check.Unlimited:
		check.CanUse = len(batches) > 0
	default:
		check.CanUse = check.Remaining > 0
	}
	return check, nil
}

func (s *Service) GetBalance(ctx context.Context, accountID snowflake.ID, productKey string) (int64, error) {
	product, err := s.product(ctx, productKey)
	if err != nil {
		return 0, err
	}
	batches, err := s.batches.UsableBatches(ctx, s.db, accountID, product.ID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	var total int64
	for _, batch := range batches {
		total += batch.RemainingQuantity
	}
	return total, nil
}

func (s *Service) BalanceSummary(ctx context.Context, accountID snowflake.ID) (map[string]domain.ProductBalance, error) {
	batches, err := s.batches.ListBatches(ctx, s.db, accountID, ledgerdomain.BatchFilter{
		States: []ledgerdomain.BatchState{ledgerdomain.BatchStateActive},
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	products := make(map[snowflake.ID]*catalogdomain.Product)
	summary := make(map[string]domain.ProductBalance)
	for _, batch := range batches {
		if batch.Expired(now) {
			continue
		}
		product, ok := products[batch.ProductID]
		if !ok {
			product, err = s.catalog.FindProductByID(ctx, s.db, batch.ProductID)
			if err != nil {
				return nil, err
			}
			if product == nil {
				return nil, catalogdomain.ErrProductNotFound
			}
			products[batch.ProductID] = product
		}

		balance := summary[product.Key]
		balance.Unlimited = !product.Type.Metered()
		balance.Total += batch.InitialQuantity
		balance.Remaining += batch.RemainingQuantity
		balance.Used += batch.InitialQuantity - batch.RemainingQuantity
		if batch.ExpiresAt != nil && (balance.EarliestExpiry == nil || batch.ExpiresAt.Before(*balance.EarliestExpiry)) {
			expiresAt := *batch.ExpiresAt
			balance.EarliestExpiry = &expiresAt
		}
		summary[product.Key] = balance
	}
	return summary, nil
}

func (s *Service) ExpireBatches(ctx context.Context, limit int) (int64, error) {
	expired, err := s.batches.ExpireDue(ctx, s.db, 0, 0, s.clock.Now(), limit)
	if err != nil {
		return 0, db.Classify(err)
	}
	if expired > 0 {
		s.log.Info("batches expired", zap.Int64("count", expired))
	}
	return expired, nil
}

func (s *Service) product(ctx context.Context, key string) (*catalogdomain.Product, error) {
	normalized := catalogdomain.NormalizeKey(key)
	if normalized == "" {
		return nil, catalogdomain.ErrInvalidKey
	}
	product, err := s.catalog.FindProductByKey(ctx, s.db, normalized)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, catalogdomain.ErrProductNotFound
	}
	return product, nil
}

func (s *Service) activeProduct(ctx context.Context, key string) (*catalogdomain.Product, error) {
	product, err := s.product(ctx, key)
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, catalogdomain.ErrProductInactive
	}
	return product, nil
}
