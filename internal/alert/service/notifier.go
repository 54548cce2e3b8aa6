package service

import (
	"context"

	alertdomain "github.com/clariva/metering/internal/alert/domain"
	"go.uber.org/zap"
)

// logNotifier is the default delivery channel. Deployments override the fx
// binding with chat or webhook dispatchers.
type logNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) alertdomain.Notifier {
	return &logNotifier{log: log.Named("alert.notifier")}
}

func (n *logNotifier) Notify(ctx context.Context, alert alertdomain.QuotaAlert) error {
	n.log.Warn("quota alert",
		zap.String("tenant_id", alert.TenantID.String()),
		zap.String("kind", alert.Kind),
		zap.String("level", string(alert.Level)),
		zap.Float64("usage_percent", alert.UsagePercent),
		zap.Int64("remaining", alert.Remaining),
		zap.String("message", alert.Message),
	)
	return nil
}
