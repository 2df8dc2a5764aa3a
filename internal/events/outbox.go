package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/internal/clock"
	"github.com/smallbiznis/billable/pkg/telemetry/correlation"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errEmptyEvent = errors.New("event type and dedupe key are required")

type Outbox struct {
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(genID *snowflake.Node, clk clock.Clock) *Outbox {
	if clk == nil {
		clk = clock.New()
	}
	return &Outbox{genID: genID, clock: clk}
}

// PublishTx appends evt to the outbox using tx. It must run inside the
// transaction that produced the event.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, evt Event) error {
	if o == nil {
		return nil
	}
	if evt.Type == "" || strings.TrimSpace(evt.DedupeKey) == "" {
		return errEmptyEvent
	}

	payload := datatypes.JSONMap{}
	for k, v := range evt.Payload {
		payload[k] = v
	}
	payload = correlation.InjectIntoMetadata(ctx, payload)

	now := o.clock.Now()
	record := Record{
		ID:          o.genID.Generate(),
		Type:        evt.Type,
		AccountID:   evt.AccountID,
		Payload:     payload,
		DedupeKey:   evt.DedupeKey,
		Status:      StatusPending,
		AvailableAt: now,
		CreatedAt:   now,
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		}).
		Create(&record).Error
}

// Pending lists undelivered events of an account, oldest first.
func (o *Outbox) Pending(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]Record, error) {
	var records []Record
	err := db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, StatusPending).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

// FindByDedupeKey returns nil when no event carries key.
func FindByDedupeKey(ctx context.Context, db *gorm.DB, key string) (*Record, error) {
	var records []Record
	if err := db.WithContext(ctx).Where("dedupe_key = ?", key).Limit(1).Find(&records).Error; err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := time.Duration(attempts*attempts) * time.Second
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
