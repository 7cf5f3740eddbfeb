package admission

import (
	"fmt"
	"strings"
	"time"
)

// Tier 请求方等级
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
	TierEnterprise    Tier = "enterprise"
)

// Valid 检查等级取值是否合法
func (t Tier) Valid() bool {
	switch t {
	case TierAnonymous, TierAuthenticated, TierPremium, TierEnterprise:
		return true
	}
	return false
}

// Algorithm 限流算法
type Algorithm string

const (
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmLeakyBucket   Algorithm = "leaky_bucket"
	AlgorithmAdaptive      Algorithm = "adaptive"
)

// TierLimit 单个等级的限流参数
type TierLimit struct {
	Algorithm Algorithm     `json:"algorithm" yaml:"algorithm"`
	Max       int           `json:"max" yaml:"max"`                           // 窗口内最大请求数
	Window    time.Duration `json:"window" yaml:"window"`                     // 时间窗口
	Burst     int           `json:"burst,omitempty" yaml:"burst"`             // 令牌桶突发容量（0取Max）
	MinLimit  int           `json:"min_limit,omitempty" yaml:"min_limit"`     // 自适应算法的下限
}

// Rule 限流规则：一个端点模式对应四个等级的限流参数
type Rule struct {
	ID       string             `json:"id" yaml:"id"`
	Pattern  string             `json:"pattern" yaml:"pattern"`   // 端点模式，支持尾部通配（"tasks:*"）
	Priority int                `json:"priority" yaml:"priority"` // 数值越小越优先
	Enabled  bool               `json:"enabled" yaml:"enabled"`
	Tiers    map[Tier]TierLimit `json:"tiers" yaml:"tiers"`
}

// Validate 校验规则
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Pattern == "" {
		return fmt.Errorf("rule %s: pattern is required", r.ID)
	}
	for tier, tl := range r.Tiers {
		if !tier.Valid() {
			return fmt.Errorf("rule %s: unknown tier %q", r.ID, tier)
		}
		if tl.Max <= 0 {
			return fmt.Errorf("rule %s tier %s: max must be positive", r.ID, tier)
		}
		if tl.Window <= 0 {
			return fmt.Errorf("rule %s tier %s: window must be positive", r.ID, tier)
		}
	}
	return nil
}

// Matches 检查端点是否匹配规则模式，second返回匹配的特异度
//
// 精确匹配的特异度高于任何通配匹配；通配匹配间比较前缀长度。
func (r *Rule) Matches(endpoint string) (bool, int) {
	if r.Pattern == endpoint {
		return true, len(r.Pattern) * 2
	}
	if strings.HasSuffix(r.Pattern, "*") {
		prefix := strings.TrimSuffix(r.Pattern, "*")
		if strings.HasPrefix(endpoint, prefix) {
			return true, len(prefix)
		}
	}
	return false, 0
}
