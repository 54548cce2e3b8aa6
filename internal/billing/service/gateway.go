package service

import (
	"context"

	billingdomain "github.com/clariva/metering/internal/billing/domain"
	"go.uber.org/zap"
)

// logGateway is the default capture backend: it records the charge and
// reports success. Deployments override the fx binding with a real provider
// integration.
type logGateway struct {
	log *zap.Logger
}

func NewLogGateway(log *zap.Logger) billingdomain.Gateway {
	return &logGateway{log: log.Named("billing.gateway")}
}

func (g *logGateway) Capture(ctx context.Context, charge billingdomain.Charge) error {
	g.log.Info("capture",
		zap.String("tenant_id", charge.TenantID.String()),
		zap.Int64("amount_satang", charge.AmountSatang),
		zap.String("currency", charge.Currency),
		zap.String("reference", charge.Reference),
	)
	return nil
}
