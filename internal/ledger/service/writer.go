package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/internal/clock"
	"github.com/smallbiznis/billable/internal/events"
	ledgerdomain "github.com/smallbiznis/billable/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/billable/internal/observability/metrics"
	"github.com/smallbiznis/billable/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type WriterParams struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       ledgerdomain.Repository
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Writer struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       ledgerdomain.Repository
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewWriter(p WriterParams) ledgerdomain.Writer {
	return &Writer{
		log:        p.Log.Named("ledger.writer"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (w *Writer) Credit(ctx context.Context, tx *gorm.DB, req ledgerdomain.CreditRequest) (ledgerdomain.QuotaBatch, ledgerdomain.Transaction, error) {
	if req.AccountID == 0 || req.ProductID == 0 {
		return ledgerdomain.QuotaBatch{}, ledgerdomain.Transaction{}, ledgerdomain.ErrInvalidBatch
	}
	if req.Quantity <= 0 {
		return ledgerdomain.QuotaBatch{}, ledgerdomain.Transaction{}, ledgerdomain.ErrInvalidAmount
	}

	now := w.clock.Now()
	validFrom := req.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}

	batch := ledgerdomain.QuotaBatch{
		ID:                w.genID.Generate(),
		AccountID:         req.AccountID,
		ProductID:         req.ProductID,
		SourceOfferID:     req.SourceOfferID,
		SourceOrderItemID: req.SourceOrderItemID,
		InitialQuantity:   req.Quantity,
		RemainingQuantity: req.Quantity,
		ValidFrom:         validFrom,
		ExpiresAt:         req.ExpiresAt,
		State:             ledgerdomain.BatchStateActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := w.repo.InsertBatch(ctx, tx, &batch); err != nil {
		return ledgerdomain.QuotaBatch{}, ledgerdomain.Transaction{}, err
	}

	txn, err := w.append(ctx, tx, &batch, ledgerdomain.DirectionCredit, req.Quantity, entry{
		actionType: req.ActionType,
		objectType: req.ObjectType,
		objectID:   req.ObjectID,
		metadata:   req.Metadata,
	})
	if err != nil {
		return ledgerdomain.QuotaBatch{}, ledgerdomain.Transaction{}, err
	}
	return batch, txn, nil
}

func (w *Writer) Debit(ctx context.Context, tx *gorm.DB, batch *ledgerdomain.QuotaBatch, req ledgerdomain.DebitRequest) (ledgerdomain.Transaction, error) {
	if batch == nil || batch.ID == 0 {
		return ledgerdomain.Transaction{}, ledgerdomain.ErrInvalidBatch
	}
	if batch.State != ledgerdomain.BatchStateActive {
		return ledgerdomain.Transaction{}, ledgerdomain.ErrBatchNotActive
	}

	amount := req.Amount
	if !req.Decrement {
		amount = 0
	}
	if amount < 0 {
		return ledgerdomain.Transaction{}, ledgerdomain.ErrInvalidAmount
	}
	if amount > batch.RemainingQuantity {
		return ledgerdomain.Transaction{}, ledgerdomain.ErrOverdraft
	}

	now := w.clock.Now()
	next := ledgerdomain.BatchStateActive
	if req.Decrement && batch.RemainingQuantity-amount == 0 {
		next = ledgerdomain.BatchStateExhausted
	}
	if amount > 0 || next != batch.State {
		ok, err := w.repo.DebitBatch(ctx, tx, batch.ID, amount, next, now)
		if err != nil {
			return ledgerdomain.Transaction{}, err
		}
		if !ok {
			return ledgerdomain.Transaction{}, ledgerdomain.ErrStaleBatch
		}
	}
	batch.RemainingQuantity -= amount
	batch.State = next
	batch.UpdatedAt = now

	metadata := req.Metadata
	if !req.Decrement && req.Amount > 0 {
		metadata = withValue(metadata, "requested_quantity", req.Amount)
	}
	return w.append(ctx, tx, batch, ledgerdomain.DirectionDebit, amount, entry{
		actionType:     req.ActionType,
		objectType:     req.ObjectType,
		objectID:       req.ObjectID,
		idempotencyKey: req.IdempotencyKey,
		metadata:       metadata,
	})
}

func (w *Writer) Revoke(ctx context.Context, tx *gorm.DB, batch *ledgerdomain.QuotaBatch, req ledgerdomain.RevokeRequest) (*ledgerdomain.Transaction, error) {
	if batch == nil || batch.ID == 0 {
		return nil, ledgerdomain.ErrInvalidBatch
	}
	if batch.State != ledgerdomain.BatchStateActive {
		return nil, ledgerdomain.ErrBatchNotActive
	}

	now := w.clock.Now()
	remaining := batch.RemainingQuantity
	ok, err := w.repo.RevokeBatch(ctx, tx, batch.ID, remaining, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ledgerdomain.ErrStaleBatch
	}
	batch.RemainingQuantity = 0
	batch.State = ledgerdomain.BatchStateRevoked
	batch.UpdatedAt = now

	if remaining == 0 {
		return nil, nil
	}
	txn, err := w.append(ctx, tx, batch, ledgerdomain.DirectionDebit, remaining, entry{
		actionType: req.ActionType,
		objectType: req.ObjectType,
		objectID:   req.ObjectID,
		metadata:   req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

type entry struct {
	actionType     string
	objectType     string
	objectID       string
	idempotencyKey string
	metadata       map[string]any
}

func (w *Writer) append(ctx context.Context, tx *gorm.DB, batch *ledgerdomain.QuotaBatch, direction ledgerdomain.Direction, amount int64, e entry) (ledgerdomain.Transaction, error) {
	actionType := strings.TrimSpace(e.actionType)
	if actionType == "" {
		actionType = ledgerdomain.ActionUsage
	}

	metadata := datatypes.JSONMap{}
	for k, v := range e.metadata {
		metadata[k] = v
	}
	metadata = correlation.InjectIntoMetadata(ctx, metadata)

	txn := ledgerdomain.Transaction{
		ID:         w.genID.Generate(),
		AccountID:  batch.AccountID,
		BatchID:    batch.ID,
		Amount:     amount,
		Direction:  direction,
		ActionType: actionType,
		ObjectType: e.objectType,
		ObjectID:   e.objectID,
		Metadata:   metadata,
		CreatedAt:  w.clock.Now(),
	}
	if key := strings.TrimSpace(e.idempotencyKey); key != "" {
		txn.IdempotencyKey = &key
	}

	if err := w.repo.InsertTransaction(ctx, tx, &txn); err != nil {
		return ledgerdomain.Transaction{}, err
	}

	if err := w.outbox.PublishTx(ctx, tx, events.Event{
		AccountID: txn.AccountID,
		Type:      events.EventTransactionCreated,
		Payload: map[string]any{
			"transaction_id": txn.ID.String(),
			"batch_id":       batch.ID.String(),
			"product_id":     batch.ProductID.String(),
			"direction":      string(direction),
			"amount":         amount,
			"action_type":    actionType,
			"object_type":    txn.ObjectType,
			"object_id":      txn.ObjectID,
		},
		DedupeKey: "transaction:" + txn.ID.String(),
	}); err != nil {
		return ledgerdomain.Transaction{}, err
	}

	w.obsMetrics.RecordLedgerEntry(ctx, string(direction), actionType)
	return txn, nil
}

func withValue(in map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	out[key] = value
	return out
}
