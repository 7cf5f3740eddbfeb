package conf

import (
	"fmt"
	"time"

	"aiorchestrator/internal/admission"
	"aiorchestrator/internal/domain"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// InstanceSpec YAML中的实例预置项
type InstanceSpec struct {
	ID            string   `mapstructure:"id"`
	Provider      string   `mapstructure:"provider"`
	Endpoint      string   `mapstructure:"endpoint"`
	Models        []string `mapstructure:"models"`
	Weight        float64  `mapstructure:"weight"`
	MaxConcurrent int      `mapstructure:"max_concurrent"`
	Quota         struct {
		RequestsPerMin int `mapstructure:"requests_per_min"`
		UnitsPerMin    int `mapstructure:"units_per_min"`
		DailyCap       int `mapstructure:"daily_cap"`
	} `mapstructure:"quota"`
}

// TierLimitSpec YAML中的单等级限流配置
type TierLimitSpec struct {
	Algorithm string        `mapstructure:"algorithm"`
	Max       int           `mapstructure:"max"`
	Window    time.Duration `mapstructure:"window"`
	Burst     int           `mapstructure:"burst"`
	MinLimit  int           `mapstructure:"min_limit"`
}

// RuleSpec YAML中的限流规则预置项
type RuleSpec struct {
	ID       string                   `mapstructure:"id"`
	Pattern  string                   `mapstructure:"pattern"`
	Priority int                      `mapstructure:"priority"`
	Enabled  *bool                    `mapstructure:"enabled"`
	Tiers    map[string]TierLimitSpec `mapstructure:"tiers"`
}

// Bootstrap 启动期预置资源
type Bootstrap struct {
	Instances []InstanceSpec           `mapstructure:"instances"`
	Rules     []RuleSpec               `mapstructure:"rules"`
	CacheTTL  map[string]time.Duration `mapstructure:"cache_ttl"` // 按任务类型的TTL覆盖
}

// LoadBootstrap 从YAML加载预置资源；path为空返回空集
func LoadBootstrap(path string) (*Bootstrap, error) {
	if path == "" {
		return &Bootstrap{}, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read bootstrap config: %w", err)
	}

	var b Bootstrap
	err := v.Unmarshal(&b, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode bootstrap config: %w", err)
	}
	return &b, nil
}

// Instance 转换为领域实例
func (s InstanceSpec) Instance() *domain.Instance {
	return &domain.Instance{
		ID:            s.ID,
		Provider:      s.Provider,
		Endpoint:      s.Endpoint,
		Models:        s.Models,
		Weight:        s.Weight,
		MaxConcurrent: s.MaxConcurrent,
		Quota: domain.QuotaLimits{
			RequestsPerMin: s.Quota.RequestsPerMin,
			UnitsPerMin:    s.Quota.UnitsPerMin,
			DailyCap:       s.Quota.DailyCap,
		},
	}
}

// Rule 转换为限流规则
func (s RuleSpec) Rule() *admission.Rule {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	tiers := make(map[admission.Tier]admission.TierLimit, len(s.Tiers))
	for tier, tl := range s.Tiers {
		tiers[admission.Tier(tier)] = admission.TierLimit{
			Algorithm: admission.Algorithm(tl.Algorithm),
			Max:       tl.Max,
			Window:    tl.Window,
			Burst:     tl.Burst,
			MinLimit:  tl.MinLimit,
		}
	}
	return &admission.Rule{
		ID:       s.ID,
		Pattern:  s.Pattern,
		Priority: s.Priority,
		Enabled:  enabled,
		Tiers:    tiers,
	}
}
