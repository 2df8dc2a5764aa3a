package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billable/pkg/errs"
)

type CreateProductRequest struct {
	Key        string
	Name       string
	Type       ProductType
	IsCurrency bool
	Active     *bool
	Metadata   map[string]any
}

// UpdateProductRequest changes the only mutable fields of a product.
type UpdateProductRequest struct {
	Active   *bool
	Metadata map[string]any
}

type OfferItemInput struct {
	ProductKey  string
	Quantity    int64
	ExpiryUnit  ExpiryUnit
	ExpiryValue int
}

type CreateOfferRequest struct {
	SKU      string
	Name     string
	Price    decimal.Decimal
	Currency string
	Active   *bool
	Metadata map[string]any
	Items    []OfferItemInput
}

type Service interface {
	CreateProduct(ctx context.Context, req CreateProductRequest) (Product, error)
	UpdateProduct(ctx context.Context, key string, req UpdateProductRequest) (Product, error)
	GetProduct(ctx context.Context, key string) (Product, error)

	CreateOffer(ctx context.Context, req CreateOfferRequest) (Offer, error)
	SetOfferActive(ctx context.Context, sku string, active bool) (Offer, error)
	GetOffer(ctx context.Context, sku string) (Offer, error)
}

var (
	ErrInvalidKey         = errs.New(errs.ErrValidation, "invalid_key")
	ErrInvalidName        = errs.New(errs.ErrValidation, "invalid_name")
	ErrInvalidProductType = errs.New(errs.ErrValidation, "invalid_product_type")
	ErrInvalidPrice       = errs.New(errs.ErrValidation, "invalid_price")
	ErrInvalidCurrency    = errs.New(errs.ErrValidation, "invalid_currency")
	ErrInvalidQuantity    = errs.New(errs.ErrValidation, "invalid_quantity")
	ErrInvalidExpiry      = errs.New(errs.ErrValidation, "invalid_expiry")
	ErrOfferEmpty         = errs.New(errs.ErrValidation, "offer_has_no_items")
	ErrOfferInactive      = errs.New(errs.ErrValidation, "offer_inactive")
	ErrProductInactive    = errs.New(errs.ErrValidation, "product_inactive")
	ErrProductNotFound    = errs.New(errs.ErrNotFound, "product_not_found")
	ErrOfferNotFound      = errs.New(errs.ErrNotFound, "offer_not_found")
	ErrKeyTaken           = errs.New(errs.ErrConflict, "key_already_exists")
	ErrNamespaceCollision = errs.New(errs.ErrConflict, "sku_product_key_collision")
)
