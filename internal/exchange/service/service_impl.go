package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/billable/internal/account/domain"
	catalogdomain "github.com/smallbiznis/billable/internal/catalog/domain"
	"github.com/smallbiznis/billable/internal/config"
	consumptiondomain "github.com/smallbiznis/billable/internal/consumption/domain"
	"github.com/smallbiznis/billable/internal/events"
	"github.com/smallbiznis/billable/internal/exchange/domain"
	grantdomain "github.com/smallbiznis/billable/internal/grant/domain"
	"github.com/smallbiznis/billable/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/billable/internal/ledger/domain"
	"github.com/smallbiznis/billable/internal/lock"
	"github.com/smallbiznis/billable/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/billable/internal/observability/metrics"
	"github.com/smallbiznis/billable/internal/observability/tracing"
	"github.com/smallbiznis/billable/pkg/db"
	"github.com/smallbiznis/billable/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Locker      lock.Locker
	Guard       *idempotency.Guard
	Accounts    accountdomain.Repository
	Catalog     catalogdomain.Repository
	Consumption consumptiondomain.Service
	Grants      grantdomain.Service
	Engine      *config.EngineConfigHolder `optional:"true"`
	Outbox      *events.Outbox             `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	locker      lock.Locker
	guard       *idempotency.Guard
	accounts    accountdomain.Repository
	catalog     catalogdomain.Repository
	consumption consumptiondomain.Service
	grants      grantdomain.Service
	engine      *config.EngineConfigHolder
	outbox      *events.Outbox
	obsMetrics  *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("exchange.service"),
		locker:      p.Locker,
		guard:       p.Guard,
		accounts:    p.Accounts,
		catalog:     p.Catalog,
		consumption: p.Consumption,
		grants:      p.Grants,
		engine:      p.Engine,
		outbox:      p.Outbox,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) Exchange(ctx context.Context, req domain.ExchangeRequest) (result domain.ExchangeResult, err error) {
	ctx, span := tracing.Start(ctx, "exchange.Exchange",
		attribute.Int64("account_id", req.AccountID.Int64()),
		attribute.String("currency", req.CurrencyProductKey),
		attribute.String("sku", req.TargetSKU),
	)
	defer func() { tracing.End(span, err) }()
	return s.exchange(ctx, req)
}

func (s *Service) exchange(ctx context.Context, req domain.ExchangeRequest) (domain.ExchangeResult, error) {
	if req.AccountID == 0 {
		return domain.ExchangeResult{}, accountdomain.ErrInvalidAccount
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		normalized, err := idempotency.NormalizeKey(key)
		if err != nil {
			return domain.ExchangeResult{}, err
		}
		key = normalized
	}

	if key != "" {
		stored, ok, err := idempotency.LookupResult[domain.ExchangeResult](ctx, s.guard, s.db, req.AccountID, idempotency.ScopeExchange, key)
		if err != nil {
			return domain.ExchangeResult{}, err
		}
		if ok {
			stored.Replayed = true
			s.obsMetrics.RecordIdempotentReplay(ctx, "exchange")
			return stored, nil
		}
	}

	currency, offer, price, err := s.resolve(ctx, req)
	if err != nil {
		return domain.ExchangeResult{}, err
	}

	scopes := append([]lock.Scope{lock.ProductScope(req.AccountID, currency.ID)}, grantdomain.LockScopes(req.AccountID, *offer)...)
	release, err := lock.AcquireAll(ctx, s.locker, s.engine.Get().LockWaitTimeout, lock.Ordered(scopes...)...)
	if err != nil {
		return domain.ExchangeResult{}, err
	}
	defer release()

	exchangeID := correlation.NewID()
	if correlation.ExtractCorrelationID(ctx) == "" {
		ctx = correlation.ContextWithCorrelationID(ctx, exchangeID)
	}
	metadata := map[string]any{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["exchange_id"] = exchangeID
	metadata["price"] = price
	metadata["currency"] = currency.Key
	metadata["sku"] = offer.SKU

	var result domain.ExchangeResult
	err = db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if key != "" {
			existing, err := s.guard.Claim(ctx, tx, req.AccountID, idempotency.ScopeExchange, key)
			if err != nil {
				return err
			}
			if existing != nil {
				stored, err := idempotency.Decode[domain.ExchangeResult](existing)
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

		debit, err := s.consumption.ConsumeInTx(ctx, tx, *currency, consumptiondomain.ConsumeRequest{
			AccountID:      req.AccountID,
			ProductKey:     currency.Key,
			Quantity:       price,
			ActionType:     ledgerdomain.ActionExchangeDebit,
			IdempotencyKey: key,
			Metadata:       metadata,
		})
		if err != nil {
			return err
		}

		batches, err := s.grants.GrantInTx(ctx, tx, *offer, grantdomain.GrantRequest{
			AccountID:  req.AccountID,
			ActionType: ledgerdomain.ActionExchange,
			ObjectType: "exchange",
			ObjectID:   exchangeID,
			Metadata:   metadata,
		})
		if err != nil {
			return err
		}

		result = domain.ExchangeResult{
			ExchangeID: exchangeID,
			Price:      price,
			UsageID:    debit.UsageID,
			Remaining:  debit.Remaining,
			BatchIDs:   make([]snowflake.ID, 0, len(batches)),
		}
		for _, batch := range batches {
			result.BatchIDs = append(result.BatchIDs, batch.ID)
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			AccountID: req.AccountID,
			Type:      events.EventExchanged,
			Payload: map[string]any{
				"exchange_id": exchangeID,
				"currency":    currency.Key,
				"price":       price,
				"sku":         offer.SKU,
				"usage_id":    debit.UsageID.String(),
				"metadata":    req.Metadata,
			},
			DedupeKey: "exchanged:" + exchangeID,
		}); err != nil {
			return err
		}

		if key != "" {
			return s.guard.Complete(ctx, tx, req.AccountID, idempotency.ScopeExchange, key, result)
		}
		return nil
	}))
	if err != nil {
		if errors.Is(err, consumptiondomain.ErrInsufficientQuota) {
			s.obsMetrics.RecordQuotaDenied(ctx, "exchange")
			logger.WithAccount(logger.WithContext(ctx, s.log), req.AccountID.Int64()).Info("exchange refused, insufficient balance",
				zap.String("currency", currency.Key),
				zap.Int64("price", price),
				zap.String("sku", offer.SKU),
			)
		}
		return domain.ExchangeResult{}, err
	}

	if result.Replayed {
		s.obsMetrics.RecordIdempotentReplay(ctx, "exchange")
		return result, nil
	}
	s.obsMetrics.RecordExchange(ctx)
	logger.WithAccount(logger.WithContext(ctx, s.log), req.AccountID.Int64()).Info("exchange completed",
		zap.String("exchange_id", exchangeID),
		zap.String("sku", offer.SKU),
	)
	return result, nil
}

// resolve validates the currency product and the target offer and returns
// the offer price in currency units.
func (s *Service) resolve(ctx context.Context, req domain.ExchangeRequest) (*catalogdomain.Product, *catalogdomain.Offer, int64, error) {
	currencyKey := catalogdomain.NormalizeKey(req.CurrencyProductKey)
	sku := catalogdomain.NormalizeKey(req.TargetSKU)
	if currencyKey == "" || sku == "" {
		return nil, nil, 0, catalogdomain.ErrInvalidKey
	}

	currency, err := s.catalog.FindProductByKey(ctx, s.db, currencyKey)
	if err != nil {
		return nil, nil, 0, err
	}
	if currency == nil {
		return nil, nil, 0, catalogdomain.ErrProductNotFound
	}
	if !currency.IsCurrency || !currency.Type.Metered() {
		return nil, nil, 0, domain.ErrNotCurrency
	}
	if !currency.Active {
		return nil, nil, 0, catalogdomain.ErrProductInactive
	}

	offer, err := s.catalog.FindOfferBySKU(ctx, s.db, sku)
	if err != nil {
		return nil, nil, 0, err
	}
	if offer == nil {
		return nil, nil, 0, catalogdomain.ErrOfferNotFound
	}
	if !offer.Active {
		return nil, nil, 0, catalogdomain.ErrOfferInactive
	}
	if len(offer.Items) == 0 {
		return nil, nil, 0, catalogdomain.ErrOfferEmpty
	}
	if catalogdomain.NormalizeKey(offer.Currency) != currency.Key {
		return nil, nil, 0, domain.ErrCurrencyMismatch
	}
	if !offer.Price.IsInteger() || !offer.Price.IsPositive() {
		return nil, nil, 0, domain.ErrInvalidPrice
	}
	return currency, offer, offer.Price.IntPart(), nil
}
