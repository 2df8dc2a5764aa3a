// Package testutil sets up an in-memory ledger database for service tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	accountdomain "github.com/smallbiznis/billable/internal/account/domain"
	catalogdomain "github.com/smallbiznis/billable/internal/catalog/domain"
	"github.com/smallbiznis/billable/internal/clock"
	"github.com/smallbiznis/billable/internal/migration"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Epoch is the fixed start time of every fake clock.
var Epoch = time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)

// NewDB opens a private shared-cache in-memory database with the full schema.
// A single connection keeps concurrent tests serialized the way SQLite's
// single writer would.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migration.AutoMigrate(conn))
	return conn
}

func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func NewClock() *clock.FakeClock {
	return clock.NewFakeClock(Epoch)
}

// Fixture seeds accounts and catalog rows directly, bypassing services.
type Fixture struct {
	t     *testing.T
	DB    *gorm.DB
	GenID *snowflake.Node
	Clock *clock.FakeClock
}

func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	return &Fixture{
		t:     t,
		DB:    NewDB(t),
		GenID: NewNode(t),
		Clock: NewClock(),
	}
}

func (f *Fixture) Account() accountdomain.Account {
	f.t.Helper()
	now := f.Clock.Now()
	account := accountdomain.Account{
		ID:        f.GenID.Generate(),
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(f.t, f.DB.Create(&account).Error)
	return account
}

// Product seeds an active product. Currency products are QUANTITY products
// flagged as spendable.
func (f *Fixture) Product(key string, productType catalogdomain.ProductType, currency bool) catalogdomain.Product {
	f.t.Helper()
	now := f.Clock.Now()
	product := catalogdomain.Product{
		ID:         f.GenID.Generate(),
		Key:        catalogdomain.NormalizeKey(key),
		Name:       key,
		Type:       productType,
		IsCurrency: currency,
		Active:     true,
		Metadata:   datatypes.JSONMap{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(f.t, f.DB.Create(&product).Error)
	return product
}

// Item describes one line of a seeded offer.
type Item struct {
	Product     catalogdomain.Product
	Quantity    int64
	ExpiryUnit  catalogdomain.ExpiryUnit
	ExpiryValue int
}

// Offer seeds an active offer and returns it with items and products loaded.
func (f *Fixture) Offer(sku string, price string, currency string, items ...Item) catalogdomain.Offer {
	f.t.Helper()
	now := f.Clock.Now()
	offer := catalogdomain.Offer{
		ID:        f.GenID.Generate(),
		SKU:       catalogdomain.NormalizeKey(sku),
		Name:      sku,
		Price:     decimal.RequireFromString(price),
		Currency:  catalogdomain.NormalizeKey(currency),
		Active:    true,
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(f.t, f.DB.Omit("Items").Create(&offer).Error)

	for i, in := range items {
		unit := in.ExpiryUnit
		if unit == "" {
			unit = catalogdomain.ExpiryForever
		}
		product := in.Product
		item := catalogdomain.OfferItem{
			ID:          f.GenID.Generate(),
			OfferID:     offer.ID,
			ProductID:   product.ID,
			Quantity:    in.Quantity,
			ExpiryUnit:  unit,
			ExpiryValue: in.ExpiryValue,
			Position:    i,
		}
		require.NoError(f.t, f.DB.Omit("Product").Create(&item).Error)
		item.Product = &product
		offer.Items = append(offer.Items, item)
	}
	return offer
}

// Deactivate flips an offer's active flag off.
func (f *Fixture) Deactivate(offer catalogdomain.Offer) {
	f.t.Helper()
	require.NoError(f.t, f.DB.Model(&catalogdomain.Offer{}).
		Where("id = ?", offer.ID).
		Update("active", false).Error)
}
