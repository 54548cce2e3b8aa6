package plan

import (
	"github.com/clariva/metering/internal/plan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plan",
	fx.Provide(service.NewService),
)
