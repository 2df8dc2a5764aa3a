package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertProduct(ctx context.Context, db *gorm.DB, product *Product) error
	UpdateProduct(ctx context.Context, db *gorm.DB, product *Product) error
	FindProductByKey(ctx context.Context, db *gorm.DB, key string) (*Product, error)
	FindProductByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Product, error)

	InsertOffer(ctx context.Context, db *gorm.DB, offer *Offer) error
	UpdateOfferActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool) error
	// FindOfferBySKU loads the offer with its items and their products, items in position order.
	FindOfferBySKU(ctx context.Context, db *gorm.DB, sku string) (*Offer, error)
	FindOfferByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Offer, error)

	SKUExists(ctx context.Context, db *gorm.DB, sku string) (bool, error)
	ProductKeyExists(ctx context.Context, db *gorm.DB, key string) (bool, error)
}
