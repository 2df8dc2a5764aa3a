package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// TrialHistory remembers that an identity has consumed a trial. Only a hash
// of the identity value is stored.
type TrialHistory struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	IdentityType string       `gorm:"type:varchar(50);not null;uniqueIndex:ux_trial_histories_identity,priority:1" json:"identity_type"`
	IdentityHash string       `gorm:"type:varchar(64);not null;uniqueIndex:ux_trial_histories_identity,priority:2" json:"identity_hash"`
	AccountID    snowflake.ID `gorm:"not null;index" json:"account_id"`
	OfferSKU     string       `gorm:"column:offer_sku;type:varchar(191);not null" json:"offer_sku"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
}

func (TrialHistory) TableName() string { return "trial_histories" }

// Identity is one way of recognising the person behind an account,
// e.g. {Type: "email", Value: "a@b.c"}.
type Identity struct {
	Type  string
	Value string
}

// Normalize lowercases the type and hashes the value. It reports false for
// identities missing either part.
func (i Identity) Normalize() (identityType, hash string, ok bool) {
	identityType = strings.ToLower(strings.TrimSpace(i.Type))
	value := strings.TrimSpace(i.Value)
	if identityType == "" || value == "" {
		return "", "", false
	}
	return identityType, HashIdentity(value), true
}

// HashIdentity returns the hex SHA-256 of the trimmed, lowercased value.
func HashIdentity(value string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(sum[:])
}
