package billing

import (
	"github.com/clariva/metering/internal/billing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(service.NewLogGateway),
	fx.Provide(service.NewService),
)
