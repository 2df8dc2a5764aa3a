package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/billable/internal/account/domain"
	"github.com/smallbiznis/billable/internal/clock"
	"github.com/smallbiznis/billable/internal/events"
	"github.com/smallbiznis/billable/internal/identity/domain"
	"github.com/smallbiznis/billable/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Accounts accountdomain.Repository
	Outbox   *events.Outbox `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	accounts accountdomain.Repository
	outbox   *events.Outbox
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("identity.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		accounts: p.Accounts,
		outbox:   p.Outbox,
	}
}

func (s *Service) LinkIdentity(ctx context.Context, req domain.LinkIdentityRequest) (domain.ExternalIdentity, error) {
	provider := domain.NormalizeProvider(req.Provider)
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return domain.ExternalIdentity{}, domain.ErrInvalidExternalID
	}
	if req.AccountID == 0 {
		return domain.ExternalIdentity{}, accountdomain.ErrInvalidAccount
	}

	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	var linked domain.ExternalIdentity
	err := db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.accounts.FindByID(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return accountdomain.ErrAccountNotFound
		}

		previous, err := s.repo.FindIdentity(ctx, tx, provider, externalID)
		if err != nil {
			return err
		}
		if previous != nil && previous.AccountID != req.AccountID {
			s.log.Warn("identity rebound to another account",
				zap.String("provider", provider),
				zap.Int64("from_account_id", previous.AccountID.Int64()),
				zap.Int64("to_account_id", req.AccountID.Int64()),
			)
		}

		now := s.clock.Now()
		identity := domain.ExternalIdentity{
			ID:         s.genID.Generate(),
			Provider:   provider,
			ExternalID: externalID,
			AccountID:  req.AccountID,
			Metadata:   metadata,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.UpsertIdentity(ctx, tx, &identity); err != nil {
			return err
		}

		stored, err := s.repo.FindIdentity(ctx, tx, provider, externalID)
		if err != nil {
			return err
		}
		if stored == nil {
			return domain.ErrIdentityNotFound
		}
		linked = *stored
		return nil
	}))
	if err != nil {
		return domain.ExternalIdentity{}, err
	}
	return linked, nil
}

func (s *Service) ResolveIdentity(ctx context.Context, provider, externalID string) (snowflake.ID, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return 0, domain.ErrInvalidExternalID
	}
	identity, err := s.repo.FindIdentity(ctx, s.db, domain.NormalizeProvider(provider), externalID)
	if err != nil {
		return 0, err
	}
	if identity == nil {
		return 0, domain.ErrIdentityNotFound
	}
	return identity.AccountID, nil
}

func (s *Service) ListIdentities(ctx context.Context, accountID snowflake.ID) ([]domain.ExternalIdentity, error) {
	return s.repo.ListIdentities(ctx, s.db, accountID)
}

func (s *Service) AttachReferral(ctx context.Context, req domain.AttachReferralRequest) (domain.Referral, bool, error) {
	if req.ReferrerID == 0 || req.RefereeID == 0 {
		return domain.Referral{}, false, accountdomain.ErrInvalidAccount
	}
	if req.ReferrerID == req.RefereeID {
		return domain.Referral{}, false, domain.ErrSelfReferral
	}

	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	var (
		referral domain.Referral
		created  bool
	)
	err := db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range []snowflake.ID{req.ReferrerID, req.RefereeID} {
			account, err := s.accounts.FindByID(ctx, tx, id)
			if err != nil {
				return err
			}
			if account == nil {
				return accountdomain.ErrAccountNotFound
			}
		}

		candidate := domain.Referral{
			ID:         s.genID.Generate(),
			ReferrerID: req.ReferrerID,
			RefereeID:  req.RefereeID,
			Metadata:   metadata,
			CreatedAt:  s.clock.Now(),
		}
		inserted, err := s.repo.InsertReferral(ctx, tx, &candidate)
		if err != nil {
			return err
		}
		created = inserted

		stored, err := s.repo.FindReferral(ctx, tx, req.ReferrerID, req.RefereeID)
		if err != nil {
			return err
		}
		if stored == nil {
			return domain.ErrReferralNotFound
		}
		referral = *stored

		if !created {
			return nil
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			AccountID: req.ReferrerID,
			Type:      events.EventReferralAttached,
			Payload: map[string]any{
				"referral_id": referral.ID.String(),
				"referrer_id": referral.ReferrerID.String(),
				"referee_id":  referral.RefereeID.String(),
				"metadata":    req.Metadata,
			},
			DedupeKey: "referral_attached:" + referral.ID.String(),
		})
	}))
	if err != nil {
		return domain.Referral{}, false, err
	}
	return referral, created, nil
}

func (s *Service) ClaimReferralBonus(ctx context.Context, referralID snowflake.ID) (bool, error) {
	claimed, err := s.repo.MarkBonusGranted(ctx, s.db, referralID, s.clock.Now())
	if err != nil {
		return false, err
	}
	if claimed {
		s.log.Info("referral bonus claimed", zap.Int64("referral_id", referralID.Int64()))
		return true, nil
	}

	referral, err := s.repo.FindReferralByID(ctx, s.db, referralID)
	if err != nil {
		return false, err
	}
	if referral == nil {
		return false, domain.ErrReferralNotFound
	}
	return false, nil
}
