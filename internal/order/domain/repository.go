package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ListOrdersFilter struct {
	Status OrderStatus
	Limit  int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) error
	// FindByID loads the order with its items in position order.
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	// Lock row-locks the order and loads its items.
	Lock(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*Order, error)
	List(ctx context.Context, db *gorm.DB, accountID snowflake.ID, filter ListOrdersFilter) ([]Order, error)

	// MarkPaid moves a PENDING order to PAID. It reports false when the order
	// was no longer PENDING.
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentID, paymentMethod string, at time.Time) (bool, error)
	// Transition moves an order from one status to another and replaces its metadata.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to OrderStatus, metadata datatypes.JSONMap, at time.Time) (bool, error)
}
