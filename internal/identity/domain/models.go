package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const DefaultProvider = "default"

// ExternalIdentity maps an id issued by an outside system to an account.
type ExternalIdentity struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	Provider   string            `gorm:"type:varchar(50);not null;uniqueIndex:ux_external_identities_provider_external,priority:1;index:ix_external_identities_account,priority:2" json:"provider"`
	ExternalID string            `gorm:"column:external_id;type:varchar(255);not null;uniqueIndex:ux_external_identities_provider_external,priority:2" json:"external_id"`
	AccountID  snowflake.ID      `gorm:"not null;index:ix_external_identities_account,priority:1" json:"account_id"`
	Metadata   datatypes.JSONMap `gorm:"not null" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"not null" json:"updated_at"`
}

func (ExternalIdentity) TableName() string { return "external_identities" }

// Referral links the account that invited (referrer) to the invited one (referee).
type Referral struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	ReferrerID     snowflake.ID      `gorm:"not null;uniqueIndex:ux_referrals_pair,priority:1" json:"referrer_id"`
	RefereeID      snowflake.ID      `gorm:"not null;uniqueIndex:ux_referrals_pair,priority:2;index" json:"referee_id"`
	BonusGranted   bool              `gorm:"not null" json:"bonus_granted"`
	BonusGrantedAt *time.Time        `json:"bonus_granted_at,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"not null" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
}

func (Referral) TableName() string { return "referrals" }

// NormalizeProvider lowercases provider and falls back to DefaultProvider.
func NormalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return DefaultProvider
	}
	return provider
}
