package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/internal/catalog/domain"
	"github.com/smallbiznis/billable/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("catalog.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) CreateProduct(ctx context.Context, req domain.CreateProductRequest) (domain.Product, error) {
	key := domain.NormalizeKey(req.Key)
	if key == "" {
		return domain.Product{}, domain.ErrInvalidKey
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = key
	}
	productType := domain.ProductType(strings.ToUpper(strings.TrimSpace(string(req.Type))))
	if productType == "" {
		productType = domain.ProductTypeQuantity
	}
	if !productType.Valid() {
		return domain.Product{}, domain.ErrInvalidProductType
	}
	// A currency is spent by draining batches, so it must be metered.
	if req.IsCurrency && !productType.Metered() {
		return domain.Product{}, domain.ErrInvalidProductType
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := time.Now().UTC()
	product := domain.Product{
		ID:         s.genID.Generate(),
		Key:        key,
		Name:       name,
		Type:       productType,
		IsCurrency: req.IsCurrency,
		Active:     active,
		Metadata:   toJSONMap(req.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := s.repo.SKUExists(ctx, tx, key)
		if err != nil {
			return err
		}
		if taken {
			return domain.ErrNamespaceCollision
		}
		if err := s.repo.InsertProduct(ctx, tx, &product); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrKeyTaken
			}
			return err
		}
		return nil
	}))
	if err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (s *Service) UpdateProduct(ctx context.Context, key string, req domain.UpdateProductRequest) (domain.Product, error) {
	product, err := s.repo.FindProductByKey(ctx, s.db, domain.NormalizeKey(key))
	if err != nil {
		return domain.Product{}, err
	}
	if product == nil {
		return domain.Product{}, domain.ErrProductNotFound
	}

	if req.Active != nil {
		product.Active = *req.Active
	}
	if req.Metadata != nil {
		product.Metadata = toJSONMap(req.Metadata)
	}
	product.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateProduct(ctx, s.db, product); err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) GetProduct(ctx context.Context, key string) (domain.Product, error) {
	product, err := s.repo.FindProductByKey(ctx, s.db, domain.NormalizeKey(key))
	if err != nil {
		return domain.Product{}, err
	}
	if product == nil {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return *product, nil
}

func (s *Service) CreateOffer(ctx context.Context, req domain.CreateOfferRequest) (domain.Offer, error) {
	sku := domain.NormalizeKey(req.SKU)
	if sku == "" {
		return domain.Offer{}, domain.ErrInvalidKey
	}
	if req.Price.IsNegative() {
		return domain.Offer{}, domain.ErrInvalidPrice
	}
	currency := domain.NormalizeKey(req.Currency)
	if currency == "" {
		return domain.Offer{}, domain.ErrInvalidCurrency
	}
	if len(req.Items) == 0 {
		return domain.Offer{}, domain.ErrOfferEmpty
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = sku
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := time.Now().UTC()
	offer := domain.Offer{
		ID:        s.genID.Generate(),
		SKU:       sku,
		Name:      name,
		Price:     req.Price.Round(2),
		Currency:  currency,
		Active:    active,
		Metadata:  toJSONMap(req.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := db.Classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := s.repo.ProductKeyExists(ctx, tx, sku)
		if err != nil {
			return err
		}
		if taken {
			return domain.ErrNamespaceCollision
		}

		items := make([]domain.OfferItem, 0, len(req.Items))
		for i, in := range req.Items {
			item, err := s.buildItem(ctx, tx, offer.ID, i, in)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		offer.Items = items

		if err := s.repo.InsertOffer(ctx, tx, &offer); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrKeyTaken
			}
			return err
		}
		return nil
	}))
	if err != nil {
		return domain.Offer{}, err
	}
	return offer, nil
}

func (s *Service) buildItem(ctx context.Context, tx *gorm.DB, offerID snowflake.ID, position int, in domain.OfferItemInput) (domain.OfferItem, error) {
	if in.Quantity <= 0 {
		return domain.OfferItem{}, domain.ErrInvalidQuantity
	}
	unit := domain.ExpiryUnit(strings.ToUpper(strings.TrimSpace(string(in.ExpiryUnit))))
	if unit == "" {
		unit = domain.ExpiryForever
	}
	if !unit.Valid() || in.ExpiryValue < 0 {
		return domain.OfferItem{}, domain.ErrInvalidExpiry
	}

	product, err := s.repo.FindProductByKey(ctx, tx, domain.NormalizeKey(in.ProductKey))
	if err != nil {
		return domain.OfferItem{}, err
	}
	if product == nil {
		return domain.OfferItem{}, domain.ErrProductNotFound
	}

	return domain.OfferItem{
		ID:          s.genID.Generate(),
		OfferID:     offerID,
		ProductID:   product.ID,
		Product:     product,
		Quantity:    in.Quantity,
		ExpiryUnit:  unit,
		ExpiryValue: in.ExpiryValue,
		Position:    position,
	}, nil
}

func (s *Service) SetOfferActive(ctx context.Context, sku string, active bool) (domain.Offer, error) {
	offer, err := s.repo.FindOfferBySKU(ctx, s.db, domain.NormalizeKey(sku))
	if err != nil {
		return domain.Offer{}, err
	}
	if offer == nil {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	if err := s.repo.UpdateOfferActive(ctx, s.db, offer.ID, active); err != nil {
		return domain.Offer{}, err
	}
	offer.Active = active
	return *offer, nil
}

func (s *Service) GetOffer(ctx context.Context, sku string) (domain.Offer, error) {
	offer, err := s.repo.FindOfferBySKU(ctx, s.db, domain.NormalizeKey(sku))
	if err != nil {
		return domain.Offer{}, err
	}
	if offer == nil {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	return *offer, nil
}

func toJSONMap(in map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range in {
		out[k] = v
	}
	return out
}
