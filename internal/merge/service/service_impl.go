package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/billable/internal/account/domain"
	"github.com/smallbiznis/billable/internal/clock"
	"github.com/smallbiznis/billable/internal/config"
	"github.com/smallbiznis/billable/internal/events"
	"github.com/smallbiznis/billable/internal/idempotency"
	identitydomain "github.com/smallbiznis/billable/internal/identity/domain"
	"github.com/smallbiznis/billable/internal/lock"
	"github.com/smallbiznis/billable/internal/merge/domain"
	obsmetrics "github.com/smallbiznis/billable/internal/observability/metrics"
	"github.com/smallbiznis/billable/pkg/db"
	"github.com/smallbiznis/billable/pkg/telemetry/correlation"
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
	Repo       domain.Repository
	Accounts   accountdomain.Repository
	Identities identitydomain.Repository
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
	repo       domain.Repository
	accounts   accountdomain.Repository
	identities identitydomain.Repository
	engine     *config.EngineConfigHolder
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("merge.service"),
		clock:      p.Clock,
		locker:     p.Locker,
		guard:      p.Guard,
		repo:       p.Repo,
		accounts:   p.Accounts,
		identities: p.Identities,
		engine:     p.Engine,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Merge(ctx context.Context, targetID, sourceID snowflake.ID) (domain.Result, error) {
	if targetID == 0 || sourceID == 0 {
		return domain.Result{}, accountdomain.ErrInvalidAccount
	}
	if targetID == sourceID {
		return domain.Result{}, domain.ErrSameAccount
	}

	release, err := lock.AcquireAll(ctx, s.locker, s.engine.Get().LockWaitTimeout,
		lock.Ordered(lock.AccountScope(targetID), lock.AccountScope(sourceID))...)
	if err != nil {
		return domain.Result{}, err
	}
	defer release()

	var result domain.Result
	err = db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, scope := range lock.Ordered(lock.AccountScope(targetID), lock.AccountScope(sourceID)) {
			account, err := s.accounts.Lock(ctx, tx, scope.AccountID, true)
			if err != nil {
				return err
			}
			if account == nil {
				return accountdomain.ErrAccountNotFound
			}
		}

		collisions, err := s.guard.Collisions(ctx, tx, targetID, sourceID)
		if err != nil {
			return err
		}
		if collisions > 0 {
			return fmt.Errorf("%d shared keys: %w", collisions, idempotency.ErrKeyCollision)
		}

		now := s.clock.Now()
		if err := s.mergeIdentities(ctx, tx, targetID, sourceID, &result); err != nil {
			return err
		}

		if result.MovedBatches, err = s.repo.MoveBatches(ctx, tx, targetID, sourceID, now); err != nil {
			return err
		}
		if result.MovedTransactions, err = s.repo.MoveTransactions(ctx, tx, targetID, sourceID); err != nil {
			return err
		}
		if result.MovedOrders, err = s.repo.MoveOrders(ctx, tx, targetID, sourceID, now); err != nil {
			return err
		}
		if result.MovedIdempotencyKeys, err = s.guard.Reassign(ctx, tx, targetID, sourceID, now); err != nil {
			return err
		}
		if result.MovedTrials, err = s.repo.MoveTrials(ctx, tx, targetID, sourceID); err != nil {
			return err
		}

		selfLoops, err := s.repo.DropReferralsBetween(ctx, tx, targetID, sourceID)
		if err != nil {
			return err
		}
		duplicates, err := s.repo.DropDuplicateReferrals(ctx, tx, targetID, sourceID)
		if err != nil {
			return err
		}
		result.DroppedReferrals = selfLoops + duplicates
		if result.MovedReferrals, err = s.repo.MoveReferrals(ctx, tx, targetID, sourceID); err != nil {
			return err
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			AccountID: targetID,
			Type:      events.EventAccountsMerged,
			Payload: map[string]any{
				"target_account_id": targetID.String(),
				"source_account_id": sourceID.String(),
				"counts":            countsPayload(result),
			},
			DedupeKey: fmt.Sprintf("accounts_merged:%s:%s:%s", sourceID, targetID, correlation.NewID()),
		})
	}))
	if err != nil {
		s.log.Warn("merge aborted",
			zap.Int64("target_account_id", targetID.Int64()),
			zap.Int64("source_account_id", sourceID.Int64()),
			zap.Error(err),
		)
		return domain.Result{}, err
	}

	s.obsMetrics.RecordMerge(ctx)
	s.log.Info("accounts merged",
		zap.Int64("target_account_id", targetID.Int64()),
		zap.Int64("source_account_id", sourceID.Int64()),
		zap.Any("counts", result),
	)
	return result, nil
}

// mergeIdentities moves source identities to target. A provider present on
// both accounts must carry the same external id, in which case the source
// row is dropped.
func (s *Service) mergeIdentities(ctx context.Context, tx *gorm.DB, targetID, sourceID snowflake.ID, result *domain.Result) error {
	sourceIdentities, err := s.identities.ListIdentities(ctx, tx, sourceID)
	if err != nil {
		return err
	}
	if len(sourceIdentities) == 0 {
		return nil
	}
	targetIdentities, err := s.identities.ListIdentities(ctx, tx, targetID)
	if err != nil {
		return err
	}
	byProvider := make(map[string][]string, len(targetIdentities))
	for _, identity := range targetIdentities {
		byProvider[identity.Provider] = append(byProvider[identity.Provider], identity.ExternalID)
	}

	now := s.clock.Now()
	for _, identity := range sourceIdentities {
		existing, ok := byProvider[identity.Provider]
		if !ok {
			if err := s.repo.MoveIdentity(ctx, tx, identity.ID, targetID, now); err != nil {
				return err
			}
			result.MovedIdentities++
			continue
		}
		if !slices.Contains(existing, identity.ExternalID) {
			return fmt.Errorf("provider %s: %w", identity.Provider, domain.ErrIdentityConflict)
		}
		if err := s.repo.DeleteIdentity(ctx, tx, identity.ID); err != nil {
			return err
		}
		result.DroppedIdentities++
	}
	return nil
}

func countsPayload(r domain.Result) map[string]any {
	return map[string]any{
		"moved_batches":          r.MovedBatches,
		"moved_transactions":     r.MovedTransactions,
		"moved_orders":           r.MovedOrders,
		"moved_identities":       r.MovedIdentities,
		"dropped_identities":     r.DroppedIdentities,
		"moved_referrals":        r.MovedReferrals,
		"dropped_referrals":      r.DroppedReferrals,
		"moved_idempotency_keys": r.MovedIdempotencyKeys,
		"moved_trials":           r.MovedTrials,
	}
}
