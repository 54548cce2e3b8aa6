package server

import (
	"context"
	"net/http"
	"time"

	alertdomain "github.com/clariva/metering/internal/alert/domain"
	billingdomain "github.com/clariva/metering/internal/billing/domain"
	"github.com/clariva/metering/internal/config"
	forecastdomain "github.com/clariva/metering/internal/forecast/domain"
	plandomain "github.com/clariva/metering/internal/plan/domain"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	"github.com/clariva/metering/internal/ratelimit"
	tenantdomain "github.com/clariva/metering/internal/tenant/domain"
	usagedomain "github.com/clariva/metering/internal/usage/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger

	tenantSvc   tenantdomain.Service
	planSvc     plandomain.Service
	quotaSvc    quotadomain.Service
	usageSvc    usagedomain.Service
	forecastSvc forecastdomain.Service
	billingSvc  billingdomain.Service
	alertSvc    alertdomain.Service
	limiter     *ratelimit.IngestLimiter
}

type ServerParams struct {
	fx.In

	Gin *gin.Engine
	Cfg config.Config
	Log *zap.Logger

	TenantSvc   tenantdomain.Service
	PlanSvc     plandomain.Service
	QuotaSvc    quotadomain.Service
	UsageSvc    usagedomain.Service
	ForecastSvc forecastdomain.Service
	BillingSvc  billingdomain.Service
	AlertSvc    alertdomain.Service
	Limiter     *ratelimit.IngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine: p.Gin,
		cfg:    p.Cfg,
		log:    p.Log.Named("server"),

		tenantSvc:   p.TenantSvc,
		planSvc:     p.PlanSvc,
		quotaSvc:    p.QuotaSvc,
		usageSvc:    p.UsageSvc,
		forecastSvc: p.ForecastSvc,
		billingSvc:  p.BillingSvc,
		alertSvc:    p.AlertSvc,
		limiter:     p.Limiter,
	}

	svc.registerRoutes()
	return svc
}

func (s *Server) registerRoutes() {
	r := s.engine

	quota := r.Group("/quota", s.TenantContext())
	quota.GET("/status", s.GetQuotaStatus)
	quota.GET("/availability", s.GetQuotaAvailability)
	quota.POST("/usage", s.IngestRateLimit(), s.RecordUsage)
	quota.GET("/usage", s.ListUsage)
	quota.GET("/stats", s.GetUsageStats)
	quota.GET("/forecast", s.GetForecast)
	quota.GET("/recommendations", s.GetPlanRecommendation)
	quota.POST("/topup", s.PurchaseTopUp)
	quota.POST("/upgrade", s.UpgradePlan)

	r.GET("/plans", s.ListPlans)

	tenants := r.Group("/tenants")
	tenants.POST("", s.CreateTenant)
	tenants.GET("", s.ListTenants)
	tenants.GET("/:id", s.GetTenant)
	tenants.POST("/:id/deactivate", s.DeactivateTenant)

	alerts := r.Group("/alerts")
	alerts.GET("", s.ListAlerts)
	alerts.POST("/:id/acknowledge", s.AcknowledgeAlert)

	billing := r.Group("/billing")
	billing.POST("/reconcile", s.ReconcilePeriod)
	billing.GET("/records", s.ListBillingRecords)
	billing.POST("/webhook", s.PaymentWebhook)
}

// OK wraps payloads in the success envelope clients expect.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
