package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertProduct(ctx context.Context, db *gorm.DB, product *domain.Product) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO products (id, product_key, name, product_type, is_currency, active, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		product.ID,
		product.Key,
		product.Name,
		product.Type,
		product.IsCurrency,
		product.Active,
		product.Metadata,
		product.CreatedAt,
		product.UpdatedAt,
	).Error
}

func (r *repo) UpdateProduct(ctx context.Context, db *gorm.DB, product *domain.Product) error {
	return db.WithContext(ctx).Exec(
		`UPDATE products SET active = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		product.Active,
		product.Metadata,
		product.UpdatedAt,
		product.ID,
	).Error
}

func (r *repo) FindProductByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Product, error) {
	var products []domain.Product
	if err := db.WithContext(ctx).
		Where("product_key = ?", key).
		Limit(1).
		Find(&products).Error; err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, nil
	}
	return &products[0], nil
}

func (r *repo) FindProductByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Product, error) {
	var products []domain.Product
	if err := db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&products).Error; err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, nil
	}
	return &products[0], nil
}

func (r *repo) InsertOffer(ctx context.Context, db *gorm.DB, offer *domain.Offer) error {
	items := offer.Items
	offer.Items = nil
	defer func() { offer.Items = items }()

	if err := db.WithContext(ctx).Omit("Items").Create(offer).Error; err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Omit("Product").Create(&items).Error
}

func (r *repo) UpdateOfferActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool) error {
	return db.WithContext(ctx).
		Model(&domain.Offer{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": active}).Error
}

func (r *repo) FindOfferBySKU(ctx context.Context, db *gorm.DB, sku string) (*domain.Offer, error) {
	return r.findOffer(ctx, db, "sku = ?", sku)
}

func (r *repo) FindOfferByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Offer, error) {
	return r.findOffer(ctx, db, "id = ?", id)
}

func (r *repo) findOffer(ctx context.Context, db *gorm.DB, cond string, arg any) (*domain.Offer, error) {
	var offers []domain.Offer
	err := db.WithContext(ctx).
		Preload("Items", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("position ASC, id ASC")
		}).
		Preload("Items.Product").
		Where(cond, arg).
		Limit(1).
		Find(&offers).Error
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, nil
	}
	return &offers[0], nil
}

func (r *repo) SKUExists(ctx context.Context, db *gorm.DB, sku string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.Offer{}).Where("sku = ?", sku).Count(&count).Error
	return count > 0, err
}

func (r *repo) ProductKeyExists(ctx context.Context, db *gorm.DB, key string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.Product{}).Where("product_key = ?", key).Count(&count).Error
	return count > 0, err
}
