package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/clariva/metering/internal/alert"
	"github.com/clariva/metering/internal/billing"
	"github.com/clariva/metering/internal/cache"
	"github.com/clariva/metering/internal/clock"
	"github.com/clariva/metering/internal/config"
	"github.com/clariva/metering/internal/forecast"
	"github.com/clariva/metering/internal/logger"
	"github.com/clariva/metering/internal/metrics"
	"github.com/clariva/metering/internal/migration"
	"github.com/clariva/metering/internal/plan"
	"github.com/clariva/metering/internal/quota"
	"github.com/clariva/metering/internal/ratelimit"
	"github.com/clariva/metering/internal/scheduler"
	"github.com/clariva/metering/internal/server"
	"github.com/clariva/metering/internal/tenant"
	"github.com/clariva/metering/internal/usage"
	"github.com/clariva/metering/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(NewSnowflakeNode),
		db.Module,
		clock.Module,
		metrics.Module,
		cache.Module,
		migration.Module,
		ratelimit.Module,

		tenant.Module,
		plan.Module,
		quota.Module,
		usage.Module,
		forecast.Module,
		billing.Module,
		alert.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func NewSnowflakeNode() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			nodeID = parsed
		}
	}
	return snowflake.NewNode(nodeID)
}
