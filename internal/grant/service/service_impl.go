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
	"github.com/smallbiznis/billable/internal/events"
	"github.com/smallbiznis/billable/internal/grant/domain"
	ledgerdomain "github.com/smallbiznis/billable/internal/ledger/domain"
	"github.com/smallbiznis/billable/internal/lock"
	obsmetrics "github.com/smallbiznis/billable/internal/observability/metrics"
	"github.com/smallbiznis/billable/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
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
	Ledger     ledgerdomain.Writer
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
	ledger     ledgerdomain.Writer
	engine     *config.EngineConfigHolder
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("grant.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		locker:     p.Locker,
		repo:       p.Repo,
		accounts:   p.Accounts,
		catalog:    p.Catalog,
		ledger:     p.Ledger,
		engine:     p.Engine,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) ([]ledgerdomain.QuotaBatch, error) {
	if req.AccountID == 0 {
		return nil, accountdomain.ErrInvalidAccount
	}
	offer, err := s.loadOffer(ctx, req)
	if err != nil {
		return nil, err
	}

	release, err := lock.AcquireAll(ctx, s.locker, s.engine.Get().LockWaitTimeout,
		lock.Ordered(domain.LockScopes(req.AccountID, *offer)...)...)
	if err != nil {
		return nil, err
	}
	defer release()

	var batches []ledgerdomain.QuotaBatch
	err = db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockAccount(ctx, tx, req.AccountID); err != nil {
			return err
		}
		created, err := s.GrantInTx(ctx, tx, *offer, req)
		if err != nil {
			return err
		}
		batches = created
		return nil
	}))
	if err != nil {
		return nil, err
	}

	s.log.Info("offer granted",
		zap.Int64("account_id", req.AccountID.Int64()),
		zap.String("sku", offer.SKU),
		zap.Int("batches", len(batches)),
	)
	return batches, nil
}

func (s *Service) GrantInTx(ctx context.Context, tx *gorm.DB, offer catalogdomain.Offer, req domain.GrantRequest) ([]ledgerdomain.QuotaBatch, error) {
	if len(offer.Items) == 0 {
		return nil, catalogdomain.ErrOfferEmpty
	}
	multiplier := req.Multiplier
	if multiplier == 0 {
		multiplier = 1
	}
	if multiplier < 0 {
		return nil, domain.ErrInvalidGrant
	}

	actionType := strings.TrimSpace(req.ActionType)
	if actionType == "" {
		actionType = ledgerdomain.ActionPurchase
	}
	objectType, objectID := req.ObjectType, req.ObjectID
	if objectType == "" {
		if req.SourceOrderItemID != nil {
			objectType, objectID = "order_item", req.SourceOrderItemID.String()
		} else {
			objectType, objectID = "offer", offer.ID.String()
		}
	}

	now := s.clock.Now()
	offerID := offer.ID
	batches := make([]ledgerdomain.QuotaBatch, 0, len(offer.Items))
	batchIDs := make([]string, 0, len(offer.Items))
	var units int64
	for _, item := range offer.Items {
		batch, _, err := s.ledger.Credit(ctx, tx, ledgerdomain.CreditRequest{
			AccountID:         req.AccountID,
			ProductID:         item.ProductID,
			SourceOfferID:     &offerID,
			SourceOrderItemID: req.SourceOrderItemID,
			Quantity:          item.Quantity * multiplier,
			ValidFrom:         now,
			ExpiresAt:         item.ExpiresAt(now),
			ActionType:        actionType,
			ObjectType:        objectType,
			ObjectID:          objectID,
			Metadata:          req.Metadata,
		})
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
		batchIDs = append(batchIDs, batch.ID.String())
		units += batch.InitialQuantity
	}

	payload := map[string]any{
		"offer_id":    offer.ID.String(),
		"sku":         offer.SKU,
		"action_type": actionType,
		"batch_ids":   batchIDs,
		"metadata":    req.Metadata,
	}
	if req.SourceOrderItemID != nil {
		payload["order_item_id"] = req.SourceOrderItemID.String()
	}
	if err := s.outbox.PublishTx(ctx, tx, events.Event{
		AccountID: req.AccountID,
		Type:      events.EventGranted,
		Payload:   payload,
		DedupeKey: "granted:" + batches[0].ID.String(),
	}); err != nil {
		return nil, err
	}

	s.obsMetrics.RecordGrant(ctx, actionType, units)
	return batches, nil
}

func (s *Service) GrantTrial(ctx context.Context, req domain.TrialRequest) ([]ledgerdomain.QuotaBatch, error) {
	if req.AccountID == 0 {
		return nil, accountdomain.ErrInvalidAccount
	}
	keys := trialKeys(req.Identities)
	if len(keys) == 0 {
		return nil, domain.ErrNoIdentities
	}
	offer, err := s.loadOffer(ctx, domain.GrantRequest{SKU: req.SKU})
	if err != nil {
		return nil, err
	}

	release, err := lock.AcquireAll(ctx, s.locker, s.engine.Get().LockWaitTimeout,
		lock.Ordered(domain.LockScopes(req.AccountID, *offer)...)...)
	if err != nil {
		return nil, err
	}
	defer release()

	var batches []ledgerdomain.QuotaBatch
	err = db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockAccount(ctx, tx, req.AccountID); err != nil {
			return err
		}

		used, err := s.repo.CountTrialHistory(ctx, tx, keys)
		if err != nil {
			return err
		}
		if used > 0 {
			return domain.ErrTrialAlreadyUsed
		}

		now := s.clock.Now()
		for i := range keys {
			keys[i].ID = s.genID.Generate()
			keys[i].AccountID = req.AccountID
			keys[i].OfferSKU = offer.SKU
			keys[i].CreatedAt = now
		}
		if err := s.repo.InsertTrialHistory(ctx, tx, keys); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrTrialAlreadyUsed
			}
			return err
		}

		created, err := s.GrantInTx(ctx, tx, *offer, domain.GrantRequest{
			AccountID:  req.AccountID,
			ActionType: ledgerdomain.ActionTrial,
			Metadata:   req.Metadata,
		})
		if err != nil {
			return err
		}
		batches = created

		return s.outbox.PublishTx(ctx, tx, events.Event{
			AccountID: req.AccountID,
			Type:      events.EventTrialActivated,
			Payload: map[string]any{
				"sku":      offer.SKU,
				"batch_id": created[0].ID.String(),
				"metadata": req.Metadata,
			},
			DedupeKey: "trial_activated:" + created[0].ID.String(),
		})
	}))
	if err != nil {
		if errors.Is(err, domain.ErrTrialAlreadyUsed) {
			s.log.Info("trial refused, identity already used",
				zap.Int64("account_id", req.AccountID.Int64()),
				zap.String("sku", offer.SKU),
			)
		}
		return nil, err
	}
	return batches, nil
}

func (s *Service) HasUsedTrial(ctx context.Context, identities []domain.Identity) (bool, error) {
	keys := trialKeys(identities)
	if len(keys) == 0 {
		return false, nil
	}
	used, err := s.repo.CountTrialHistory(ctx, s.db, keys)
	if err != nil {
		return false, err
	}
	return used > 0, nil
}

func (s *Service) loadOffer(ctx context.Context, req domain.GrantRequest) (*catalogdomain.Offer, error) {
	var (
		offer *catalogdomain.Offer
		err   error
	)
	if req.OfferID != 0 {
		offer, err = s.catalog.FindOfferByID(ctx, s.db, req.OfferID)
	} else {
		sku := catalogdomain.NormalizeKey(req.SKU)
		if sku == "" {
			return nil, catalogdomain.ErrInvalidKey
		}
		offer, err = s.catalog.FindOfferBySKU(ctx, s.db, sku)
	}
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, catalogdomain.ErrOfferNotFound
	}
	if err := checkOffer(*offer); err != nil {
		return nil, err
	}
	return offer, nil
}

func (s *Service) lockAccount(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) error {
	account, err := s.accounts.Lock(ctx, tx, accountID, false)
	if err != nil {
		return err
	}
	if account == nil {
		return accountdomain.ErrAccountNotFound
	}
	return nil
}

func checkOffer(offer catalogdomain.Offer) error {
	if !offer.Active {
		return catalogdomain.ErrOfferInactive
	}
	if len(offer.Items) == 0 {
		return catalogdomain.ErrOfferEmpty
	}
	return nil
}

func trialKeys(identities []domain.Identity) []domain.TrialHistory {
	seen := make(map[string]struct{}, len(identities))
	keys := make([]domain.TrialHistory, 0, len(identities))
	for _, identity := range identities {
		identityType, hash, ok := identity.Normalize()
		if !ok {
			continue
		}
		if _, dup := seen[identityType+":"+hash]; dup {
			continue
		}
		seen[identityType+":"+hash] = struct{}{}
		keys = append(keys, domain.TrialHistory{IdentityType: identityType, IdentityHash: hash})
	}
	return keys
}
