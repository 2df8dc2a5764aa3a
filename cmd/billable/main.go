package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/internal/account"
	"github.com/smallbiznis/billable/internal/catalog"
	"github.com/smallbiznis/billable/internal/clock"
	"github.com/smallbiznis/billable/internal/config"
	"github.com/smallbiznis/billable/internal/consumption"
	"github.com/smallbiznis/billable/internal/events"
	"github.com/smallbiznis/billable/internal/exchange"
	"github.com/smallbiznis/billable/internal/grant"
	"github.com/smallbiznis/billable/internal/idempotency"
	"github.com/smallbiznis/billable/internal/identity"
	"github.com/smallbiznis/billable/internal/ledger"
	"github.com/smallbiznis/billable/internal/lock"
	"github.com/smallbiznis/billable/internal/merge"
	"github.com/smallbiznis/billable/internal/migration"
	"github.com/smallbiznis/billable/internal/observability"
	"github.com/smallbiznis/billable/internal/order"
	"github.com/smallbiznis/billable/internal/scheduler"
	"github.com/smallbiznis/billable/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		lock.Module,
		events.Module,
		idempotency.Module,

		// Ledger Domains
		account.Module,
		catalog.Module,
		ledger.Module,
		grant.Module,
		consumption.Module,
		order.Module,
		exchange.Module,
		identity.Module,
		merge.Module,

		// Background jobs: expiry sweep and outbox dispatch.
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
