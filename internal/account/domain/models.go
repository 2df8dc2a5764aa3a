package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Account is the opaque owner of batches, transactions and orders.
type Account struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	Metadata  datatypes.JSONMap `gorm:"not null" json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null" json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }
