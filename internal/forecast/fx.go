package forecast

import (
	"github.com/clariva/metering/internal/forecast/service"
	"go.uber.org/fx"
)

var Module = fx.Module("forecast",
	fx.Provide(service.NewService),
)
