package migration

import (
	accountdomain "github.com/smallbiznis/billable/internal/account/domain"
	catalogdomain "github.com/smallbiznis/billable/internal/catalog/domain"
	"github.com/smallbiznis/billable/internal/events"
	grantdomain "github.com/smallbiznis/billable/internal/grant/domain"
	"github.com/smallbiznis/billable/internal/idempotency"
	identitydomain "github.com/smallbiznis/billable/internal/identity/domain"
	ledgerdomain "github.com/smallbiznis/billable/internal/ledger/domain"
	orderdomain "github.com/smallbiznis/billable/internal/order/domain"
	"gorm.io/gorm"
)

// Models lists every table the engine owns.
func Models() []any {
	return []any{
		&accountdomain.Account{},
		&catalogdomain.Product{},
		&catalogdomain.Offer{},
		&catalogdomain.OfferItem{},
		&ledgerdomain.QuotaBatch{},
		&ledgerdomain.Transaction{},
		&idempotency.Record{},
		&events.Record{},
		&grantdomain.TrialHistory{},
		&orderdomain.Order{},
		&orderdomain.OrderItem{},
		&identitydomain.ExternalIdentity{},
		&identitydomain.Referral{},
	}
}

// AutoMigrate creates the schema from the gorm models. It backs SQLite and
// MySQL deployments and tests; PostgreSQL uses RunMigrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
