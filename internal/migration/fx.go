package migration

import (
	"strings"

	alertdomain "github.com/clariva/metering/internal/alert/domain"
	billingdomain "github.com/clariva/metering/internal/billing/domain"
	"github.com/clariva/metering/internal/config"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	tenantdomain "github.com/clariva/metering/internal/tenant/domain"
	usagedomain "github.com/clariva/metering/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module applies the versioned SQL on postgres. Other dialects (sqlite in
// tests and local runs, mysql) go through AutoMigrate off the models.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if strings.EqualFold(cfg.DBType, "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}
		return AutoMigrate(conn)
	}),
)

func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&tenantdomain.Tenant{},
		&quotadomain.QuotaConfig{},
		&usagedomain.UsageEvent{},
		&billingdomain.BillingRecord{},
		&alertdomain.QuotaAlert{},
	)
}
