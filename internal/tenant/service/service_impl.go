package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/clariva/metering/internal/cache"
	plandomain "github.com/clariva/metering/internal/plan/domain"
	tenantdomain "github.com/clariva/metering/internal/tenant/domain"
	"github.com/clariva/metering/pkg/db/option"
	"github.com/clariva/metering/pkg/db/pagination"
	"github.com/clariva/metering/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	PlanSvc       plandomain.Service
	ResolverCache cache.TenantResolverCache
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID         *snowflake.Node
	plansvc       plandomain.Service
	tenantrepo    repository.Repository[tenantdomain.Tenant]
	resolverCache cache.TenantResolverCache
}

func NewService(p ServiceParam) tenantdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("tenant.service"),

		genID:         p.GenID,
		plansvc:       p.PlanSvc,
		tenantrepo:    repository.ProvideStore[tenantdomain.Tenant](p.DB),
		resolverCache: p.ResolverCache,
	}
}

func (s *Service) Create(ctx context.Context, req tenantdomain.CreateTenantRequest) (tenantdomain.Tenant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return tenantdomain.Tenant{}, tenantdomain.ErrInvalidName
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return tenantdomain.Tenant{}, tenantdomain.ErrInvalidEmail
	}

	planID := strings.TrimSpace(req.PlanID)
	if planID == "" {
		planID = plandomain.DefaultPlanID
	}
	if plandomain.FindPlan(planID) == nil {
		return tenantdomain.Tenant{}, tenantdomain.ErrInvalidPlanID
	}

	now := time.Now().UTC()
	tenant := tenantdomain.Tenant{
		ID:        s.genID.Generate(),
		Name:      name,
		Email:     email,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&tenant).Error; err != nil {
			return err
		}
		_, err := s.plansvc.Provision(ctx, tx, tenant.ID, planID)
		return err
	})
	if err != nil {
		return tenantdomain.Tenant{}, err
	}

	s.log.Info("tenant created",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("plan", planID),
	)
	s.resolverCache.SetTenant(tenant)
	return tenant, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (tenantdomain.Tenant, error) {
	tenantID, err := parseID(id)
	if err != nil {
		return tenantdomain.Tenant{}, tenantdomain.ErrInvalidID
	}

	if cached, ok := s.resolverCache.GetTenant(tenantID.String()); ok {
		return cached, nil
	}

	tenant, err := s.tenantrepo.FindOne(ctx, &tenantdomain.Tenant{ID: tenantID})
	if err != nil {
		return tenantdomain.Tenant{}, err
	}
	if tenant == nil {
		return tenantdomain.Tenant{}, tenantdomain.ErrNotFound
	}

	s.resolverCache.SetTenant(*tenant)
	return *tenant, nil
}

func (s *Service) List(ctx context.Context, req tenantdomain.ListTenantRequest) (tenantdomain.ListTenantResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	filter := &tenantdomain.Tenant{}
	query := s.db.WithContext(ctx).Where(filter)
	if req.Active != nil {
		query = query.Where("active = ?", *req.Active)
	}
	query = option.ApplyPagination(pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  pageSize,
	}).Apply(query)
	query = query.Order("created_at DESC")

	var items []*tenantdomain.Tenant
	if err := query.Find(&items).Error; err != nil {
		return tenantdomain.ListTenantResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(t *tenantdomain.Tenant) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        t.ID.String(),
			CreatedAt: t.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	tenants := make([]tenantdomain.Tenant, 0, len(items))
	for _, item := range items {
		tenants = append(tenants, *item)
	}

	resp := tenantdomain.ListTenantResponse{Tenants: tenants}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) Deactivate(ctx context.Context, id string) (tenantdomain.Tenant, error) {
	tenantID, err := parseID(id)
	if err != nil {
		return tenantdomain.Tenant{}, tenantdomain.ErrInvalidID
	}

	result := s.db.WithContext(ctx).Model(&tenantdomain.Tenant{}).
		Where("id = ?", tenantID).
		Updates(map[string]any{"active": false, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return tenantdomain.Tenant{}, result.Error
	}
	if result.RowsAffected == 0 {
		return tenantdomain.Tenant{}, tenantdomain.ErrNotFound
	}

	s.resolverCache.Bust(tenantID.String())

	tenant, err := s.tenantrepo.FindOne(ctx, &tenantdomain.Tenant{ID: tenantID})
	if err != nil {
		return tenantdomain.Tenant{}, err
	}
	if tenant == nil {
		return tenantdomain.Tenant{}, tenantdomain.ErrNotFound
	}

	s.log.Info("tenant deactivated", zap.String("tenant_id", tenantID.String()))
	return *tenant, nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, tenantdomain.ErrInvalidID
	}
	return id, nil
}
