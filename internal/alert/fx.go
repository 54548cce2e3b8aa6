package alert

import (
	"github.com/clariva/metering/internal/alert/service"
	"go.uber.org/fx"
)

var Module = fx.Module("alert",
	fx.Provide(service.NewLogNotifier),
	fx.Provide(service.NewService),
)
