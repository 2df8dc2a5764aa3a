// Package idempotency deduplicates retried operations by a caller-supplied key.
//
// A key is claimed by inserting a row under a unique (account_id, scope,
// idem_key) constraint inside the operation's own transaction. The insert
// either wins, in which case the caller performs the operation and stores its
// result with Complete before committing, or it loses to an existing row and
// the caller returns that row's stored result. A rolled back transaction
// releases the key, so failed operations are not remembered.
package idempotency

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/pkg/errs"
	"gorm.io/datatypes"
)

const (
	ScopeConsume  = "consume"
	ScopeExchange = "exchange"
)

var (
	ErrInvalidKey = errs.New(errs.ErrValidation, "invalid_idempotency_key")
	// ErrInProgress is returned when a claimed key has no stored result yet.
	ErrInProgress = errs.New(errs.ErrConcurrency, "idempotency_key_in_progress")
	// ErrKeyCollision is returned when two accounts being merged hold the same key.
	ErrKeyCollision = errs.New(errs.ErrConflict, "idempotency_key_collision")
)

type Record struct {
	ID        snowflake.ID   `gorm:"primaryKey" json:"id"`
	AccountID snowflake.ID   `gorm:"not null;uniqueIndex:ux_idempotency_records_key,priority:1" json:"account_id"`
	Scope     string         `gorm:"type:varchar(64);not null;uniqueIndex:ux_idempotency_records_key,priority:2" json:"scope"`
	Key       string         `gorm:"column:idem_key;type:varchar(191);not null;uniqueIndex:ux_idempotency_records_key,priority:3" json:"key"`
	Result    datatypes.JSON `json:"result,omitempty"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

func (Record) TableName() string { return "idempotency_records" }

// Completed reports whether the winning operation stored its result.
func (r Record) Completed() bool {
	return len(r.Result) > 0
}

// Decode unmarshals the stored result of rec into T.
func Decode[T any](rec *Record) (T, error) {
	var out T
	if rec == nil || !rec.Completed() {
		return out, ErrInProgress
	}
	err := json.Unmarshal(rec.Result, &out)
	return out, err
}
