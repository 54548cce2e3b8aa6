package cache

import (
	"strings"
	"time"

	quotadomain "github.com/clariva/metering/internal/quota/domain"
	tenantdomain "github.com/clariva/metering/internal/tenant/domain"
)

const (
	defaultTenantTTL = 5 * time.Minute
	defaultPlanTTL   = 10 * time.Minute
)

// PlanSnapshot is the slow-changing slice of the quota config worth caching:
// plan identity and feature gates, never the live counters.
type PlanSnapshot struct {
	PlanTier     string
	AllowOverage bool
	FeatureFlags []string
}

// TenantResolverCache stores hot-path tenant lookups. The invalidation
// contract is bust-on-write: every mutation of a tenant or its plan calls
// Bust, so readers never act on a stale plan for longer than one write.
type TenantResolverCache interface {
	GetTenant(tenantID string) (tenantdomain.Tenant, bool)
	SetTenant(tenant tenantdomain.Tenant)
	GetPlan(tenantID string) (PlanSnapshot, bool)
	SetPlan(tenantID string, snapshot PlanSnapshot)
	Bust(tenantID string)
}

type tenantResolverCache struct {
	tenants   Cache[string, tenantdomain.Tenant]
	plans     Cache[string, PlanSnapshot]
	tenantTTL time.Duration
	planTTL   time.Duration
}

func NewTenantResolverCache() TenantResolverCache {
	return &tenantResolverCache{
		tenants:   NewTTLCache[string, tenantdomain.Tenant](),
		plans:     NewTTLCache[string, PlanSnapshot](),
		tenantTTL: defaultTenantTTL,
		planTTL:   defaultPlanTTL,
	}
}

// SnapshotOf extracts the cacheable slice of a quota config.
func SnapshotOf(cfg quotadomain.QuotaConfig) PlanSnapshot {
	return PlanSnapshot{
		PlanTier:     cfg.PlanTier,
		AllowOverage: cfg.AllowOverage,
		FeatureFlags: append([]string(nil), cfg.FeatureFlags...),
	}
}

func (c *tenantResolverCache) GetTenant(tenantID string) (tenantdomain.Tenant, bool) {
	return c.tenants.Get(cacheKey(tenantID))
}

func (c *tenantResolverCache) SetTenant(tenant tenantdomain.Tenant) {
	if tenant.ID == 0 {
		return
	}
	c.tenants.Set(cacheKey(tenant.ID.String()), tenant, c.tenantTTL)
}

func (c *tenantResolverCache) GetPlan(tenantID string) (PlanSnapshot, bool) {
	return c.plans.Get(cacheKey(tenantID))
}

func (c *tenantResolverCache) SetPlan(tenantID string, snapshot PlanSnapshot) {
	if snapshot.PlanTier == "" {
		return
	}
	c.plans.Set(cacheKey(tenantID), snapshot, c.planTTL)
}

func (c *tenantResolverCache) Bust(tenantID string) {
	key := cacheKey(tenantID)
	c.tenants.Delete(key)
	c.plans.Delete(key)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
