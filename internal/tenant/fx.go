package tenant

import (
	"github.com/clariva/metering/internal/tenant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant",
	fx.Provide(service.NewService),
)
