package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/billable/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo ledgerdomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo ledgerdomain.Repository
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("ledger.service"),
		repo: p.Repo,
	}
}

func (s *Service) GetBatch(ctx context.Context, id snowflake.ID) (ledgerdomain.QuotaBatch, error) {
	batch, err := s.repo.FindBatch(ctx, s.db, id)
	if err != nil {
		return ledgerdomain.QuotaBatch{}, err
	}
	if batch == nil {
		return ledgerdomain.QuotaBatch{}, ledgerdomain.ErrBatchNotFound
	}
	return *batch, nil
}

func (s *Service) ListBatches(ctx context.Context, accountID snowflake.ID, filter ledgerdomain.BatchFilter) ([]ledgerdomain.QuotaBatch, error) {
	return s.repo.ListBatches(ctx, s.db, accountID, filter)
}

func (s *Service) ListTransactions(ctx context.Context, accountID snowflake.ID, filter ledgerdomain.TransactionFilter) ([]ledgerdomain.Transaction, error) {
	return s.repo.ListTransactions(ctx, s.db, accountID, filter)
}

func (s *Service) ReplayBatch(ctx context.Context, batchID snowflake.ID) (ledgerdomain.Replay, error) {
	batch, err := s.repo.FindBatch(ctx, s.db, batchID)
	if err != nil {
		return ledgerdomain.Replay{}, err
	}
	if batch == nil {
		return ledgerdomain.Replay{}, ledgerdomain.ErrBatchNotFound
	}
	return s.replay(ctx, s.db, *batch)
}

func (s *Service) VerifyAccount(ctx context.Context, accountID snowflake.ID) ([]ledgerdomain.Replay, error) {
	batches, err := s.repo.ListBatches(ctx, s.db, accountID, ledgerdomain.BatchFilter{})
	if err != nil {
		return nil, err
	}

	var mismatches []ledgerdomain.Replay
	for _, batch := range batches {
		replay, err := s.replay(ctx, s.db, batch)
		if err != nil {
			return nil, err
		}
		if !replay.Consistent {
			s.log.Error("batch balance diverges from history",
				zap.Int64("batch_id", batch.ID.Int64()),
				zap.Int64("stored", replay.Stored),
				zap.Int64("replayed", replay.Replayed),
			)
			mismatches = append(mismatches, replay)
		}
	}
	return mismatches, nil
}

func (s *Service) replay(ctx context.Context, db *gorm.DB, batch ledgerdomain.QuotaBatch) (ledgerdomain.Replay, error) {
	credits, debits, err := s.repo.SumTransactions(ctx, db, batch.ID)
	if err != nil {
		return ledgerdomain.Replay{}, err
	}
	replayed := batch.InitialQuantity - debits
	return ledgerdomain.Replay{
		BatchID:    batch.ID,
		Initial:    batch.InitialQuantity,
		Credits:    credits,
		Debits:     debits,
		Replayed:   replayed,
		Stored:     batch.RemainingQuantity,
		Consistent: replayed == batch.RemainingQuantity && credits == batch.InitialQuantity,
	}, nil
}
