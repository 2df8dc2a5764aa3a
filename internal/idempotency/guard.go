package idempotency

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxKeyLength = 191

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Guard struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewGuard(p Params) *Guard {
	return &Guard{
		log:   p.Log.Named("idempotency.guard"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// NormalizeKey trims key and rejects keys that cannot be stored.
func NormalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > maxKeyLength {
		return "", ErrInvalidKey
	}
	return key, nil
}

// Claim inserts the key inside tx. It returns nil when the caller owns the
// key and must run the operation, or the existing record when another call
// already completed it. On PostgreSQL a concurrent uncommitted claim blocks
// the insert until that transaction ends, so the loser sees the winner's row.
func (g *Guard) Claim(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, scope, key string) (*Record, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}

	now := g.clock.Now()
	record := Record{
		ID:        g.genID.Generate(),
		AccountID: accountID,
		Scope:     scope,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "scope"}, {Name: "idem_key"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 1 {
		return nil, nil
	}

	existing, err := g.Lookup(ctx, tx, accountID, scope, key)
	if err != nil {
		return nil, err
	}
	if existing == nil || !existing.Completed() {
		return nil, ErrInProgress
	}
	g.log.Debug("idempotent replay",
		zap.String("scope", scope),
		zap.Int64("account_id", accountID.Int64()),
	)
	return existing, nil
}

// Complete stores the operation result on the claimed key.
func (g *Guard) Complete(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, scope, key string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).
		Model(&Record{}).
		Where("account_id = ? AND scope = ? AND idem_key = ?", accountID, scope, strings.TrimSpace(key)).
		Updates(map[string]any{
			"result":     datatypes.JSON(payload),
			"updated_at": g.clock.Now(),
		}).Error
}

// Lookup returns nil when the key was never claimed.
func (g *Guard) Lookup(ctx context.Context, db *gorm.DB, accountID snowflake.ID, scope, key string) (*Record, error) {
	var records []Record
	err := db.WithContext(ctx).
		Where("account_id = ? AND scope = ? AND idem_key = ?", accountID, scope, strings.TrimSpace(key)).
		Limit(1).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// LookupResult decodes the stored result of a completed key. It reports false
// when the key was never claimed or its owner has not finished yet.
func LookupResult[T any](ctx context.Context, g *Guard, db *gorm.DB, accountID snowflake.ID, scope, key string) (T, bool, error) {
	var out T
	rec, err := g.Lookup(ctx, db, accountID, scope, key)
	if err != nil || rec == nil || !rec.Completed() {
		return out, false, err
	}
	out, err = Decode[T](rec)
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

// Collisions counts keys held by both accounts in the same scope.
func (g *Guard) Collisions(ctx context.Context, tx *gorm.DB, target, source snowflake.ID) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM idempotency_records s
		 JOIN idempotency_records t ON t.scope = s.scope AND t.idem_key = s.idem_key
		 WHERE s.account_id = ? AND t.account_id = ?`,
		source,
		target,
	).Scan(&count).Error
	return count, err
}

// Reassign moves every key of source to target. Callers check Collisions first.
func (g *Guard) Reassign(ctx context.Context, tx *gorm.DB, target, source snowflake.ID, now time.Time) (int64, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE idempotency_records SET account_id = ?, updated_at = ? WHERE account_id = ?`,
		target,
		now,
		source,
	)
	return result.RowsAffected, result.Error
}
