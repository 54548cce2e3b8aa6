package config

import (
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy carries the tunable business thresholds. They are configuration,
// not code: operators adjust them per deployment without a rebuild.
type Policy struct {
	Forecast ForecastPolicy  `mapstructure:"forecast"`
	Alerts   AlertThresholds `mapstructure:"alerts"`
}

// ForecastPolicy drives burn-rate risk classification by usage percentage
// and plan recommendations by utilization.
type ForecastPolicy struct {
	WindowDays        int     `mapstructure:"windowDays"`
	CriticalAtPct     float64 `mapstructure:"criticalAtPct"`
	HighAtPct         float64 `mapstructure:"highAtPct"`
	MediumAtPct       float64 `mapstructure:"mediumAtPct"`
	MaxWindowDays     int     `mapstructure:"maxWindowDays"`
	DowngradeBelowPct float64 `mapstructure:"downgradeBelowPct"`
	UpgradeAbovePct   float64 `mapstructure:"upgradeAbovePct"`
}

// AlertThresholds classify by REMAINING percentage of the allowance, and by
// projected days until depletion for burn-rate alerts.
type AlertThresholds struct {
	WarningAtPct          float64 `mapstructure:"warningAtPct"`
	CriticalAtPct         float64 `mapstructure:"criticalAtPct"`
	UrgentAtPct           float64 `mapstructure:"urgentAtPct"`
	DepletionWarnDays     int     `mapstructure:"depletionWarnDays"`
	DepletionCriticalDays int     `mapstructure:"depletionCriticalDays"`
	DepletionUrgentDays   int     `mapstructure:"depletionUrgentDays"`
}

func DefaultPolicy() Policy {
	return Policy{
		Forecast: ForecastPolicy{
			WindowDays:        7,
			CriticalAtPct:     95,
			HighAtPct:         80,
			MediumAtPct:       60,
			MaxWindowDays:     90,
			DowngradeBelowPct: 40,
			UpgradeAbovePct:   80,
		},
		Alerts: AlertThresholds{
			WarningAtPct:          20,
			CriticalAtPct:         5,
			UrgentAtPct:           1,
			DepletionWarnDays:     7,
			DepletionCriticalDays: 3,
			DepletionUrgentDays:   1,
		},
	}
}

// PolicyHolder hot-reloads policy from an optional config file.
type PolicyHolder struct {
	current atomic.Value // holds Policy
}

func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/clariva")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CLARIVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PolicyHolder{}
	holder.current.Store(DefaultPolicy())

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
		return holder, nil
	}

	if err := holder.load(v); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		if err := holder.load(v); err != nil {
			log.Warn("reload policy config", zap.Error(err))
		}
	})
	v.WatchConfig()

	return holder, nil
}

func (h *PolicyHolder) load(v *viper.Viper) error {
	cfg := DefaultPolicy()
	if err := v.UnmarshalKey("policy", &cfg); err != nil {
		return err
	}
	h.current.Store(cfg.withDefaults())
	return nil
}

// Current returns the active policy snapshot.
func (h *PolicyHolder) Current() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	value, ok := h.current.Load().(Policy)
	if !ok {
		return DefaultPolicy()
	}
	return value
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.Forecast.WindowDays <= 0 {
		p.Forecast.WindowDays = defaults.Forecast.WindowDays
	}
	if p.Forecast.MaxWindowDays <= 0 {
		p.Forecast.MaxWindowDays = defaults.Forecast.MaxWindowDays
	}
	if p.Forecast.CriticalAtPct <= 0 {
		p.Forecast.CriticalAtPct = defaults.Forecast.CriticalAtPct
	}
	if p.Forecast.HighAtPct <= 0 {
		p.Forecast.HighAtPct = defaults.Forecast.HighAtPct
	}
	if p.Forecast.MediumAtPct <= 0 {
		p.Forecast.MediumAtPct = defaults.Forecast.MediumAtPct
	}
	if p.Alerts.WarningAtPct <= 0 {
		p.Alerts.WarningAtPct = defaults.Alerts.WarningAtPct
	}
	if p.Alerts.CriticalAtPct <= 0 {
		p.Alerts.CriticalAtPct = defaults.Alerts.CriticalAtPct
	}
	if p.Alerts.UrgentAtPct <= 0 {
		p.Alerts.UrgentAtPct = defaults.Alerts.UrgentAtPct
	}
	if p.Forecast.DowngradeBelowPct <= 0 {
		p.Forecast.DowngradeBelowPct = defaults.Forecast.DowngradeBelowPct
	}
	if p.Forecast.UpgradeAbovePct <= 0 {
		p.Forecast.UpgradeAbovePct = defaults.Forecast.UpgradeAbovePct
	}
	if p.Alerts.DepletionWarnDays <= 0 {
		p.Alerts.DepletionWarnDays = defaults.Alerts.DepletionWarnDays
	}
	if p.Alerts.DepletionCriticalDays <= 0 {
		p.Alerts.DepletionCriticalDays = defaults.Alerts.DepletionCriticalDays
	}
	if p.Alerts.DepletionUrgentDays <= 0 {
		p.Alerts.DepletionUrgentDays = defaults.Alerts.DepletionUrgentDays
	}
	return p
}
