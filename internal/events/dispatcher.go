package events

import (
	"context"

	"github.com/smallbiznis/billable/internal/clock"
	"github.com/smallbiznis/billable/internal/config"
	obsmetrics "github.com/smallbiznis/billable/internal/observability/metrics"
	"github.com/smallbiznis/billable/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type DispatcherParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Sink       Sink
	Clock      clock.Clock
	Engine     *config.EngineConfigHolder `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

// Dispatcher moves committed outbox rows to the sink.
type Dispatcher struct {
	db         *gorm.DB
	log        *zap.Logger
	sink       Sink
	clock      clock.Clock
	engine     *config.EngineConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Dispatcher{
		db:         p.DB,
		log:        p.Log.Named("events.dispatcher"),
		sink:       p.Sink,
		clock:      clk,
		engine:     p.Engine,
		obsMetrics: p.ObsMetrics,
	}
}

// Flush claims one batch of due events and delivers them. It returns how many
// were delivered.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	cfg := d.engine.Get()
	delivered := 0

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var records []Record
		now := d.clock.Now()
		if err := db.ForUpdateSkipLocked(tx.WithContext(ctx).
			Where("status = ? AND available_at <= ?", StatusPending, now).
			Order("id ASC").
			Limit(cfg.OutboxBatchSize)).
			Find(&records).Error; err != nil {
			return err
		}

		for i := range records {
			record := &records[i]
			if err := d.sink.Deliver(ctx, *record); err != nil {
				if err := d.markFailed(ctx, tx, record, err, cfg.OutboxMaxAttempts); err != nil {
					return err
				}
				continue
			}
			deliveredAt := d.clock.Now()
			if err := tx.WithContext(ctx).Model(&Record{}).
				Where("id = ?", record.ID).
				Updates(map[string]any{
					"status":       StatusDelivered,
					"attempts":     record.Attempts + 1,
					"delivered_at": deliveredAt,
					"last_error":   "",
				}).Error; err != nil {
				return err
			}
			delivered++
			d.obsMetrics.RecordEventDelivery(ctx, string(record.Type), string(StatusDelivered))
		}
		return nil
	})
	return delivered, db.Classify(err)
}

func (d *Dispatcher) markFailed(ctx context.Context, tx *gorm.DB, record *Record, cause error, maxAttempts int) error {
	attempts := record.Attempts + 1
	status := StatusPending
	if attempts >= maxAttempts {
		status = StatusFailed
	}
	d.log.Warn("event delivery failed",
		zap.Int64("event_id", record.ID.Int64()),
		zap.String("event_type", string(record.Type)),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	d.obsMetrics.RecordEventDelivery(ctx, string(record.Type), string(status))
	return tx.WithContext(ctx).Model(&Record{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"status":       status,
			"attempts":     attempts,
			"last_error":   cause.Error(),
			"available_at": d.clock.Now().Add(backoff(attempts)),
		}).Error
}

// Drain flushes until no due events remain or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := d.Flush(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
