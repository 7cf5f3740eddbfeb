package domain

// Priority 请求/任务优先级
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight 优先级权重（调度排序用，越大越优先）
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 5
	case PriorityHigh:
		return 10
	case PriorityCritical:
		return 20
	default:
		return 5
	}
}

// Valid 检查优先级取值是否合法
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// RequestContext 单次调用的路由上下文，创建后不可变
type RequestContext struct {
	Model         string   `json:"model"`
	Priority      Priority `json:"priority"`
	ExpectedUnits int      `json:"expected_units"` // 预估工作量（token数等）
	MaxLatencyMs  float64  `json:"max_latency_ms"` // 延迟预算，0表示不限制
	MaxCostUSD    float64  `json:"max_cost_usd"`   // 成本预算，0表示不限制
	Retryable     bool     `json:"retryable"`
	Identity      string   `json:"identity"` // 请求方身份（不透明字符串）
}

// Units 预估工作量，至少为1
func (r *RequestContext) Units() int {
	if r.ExpectedUnits <= 0 {
		return 1
	}
	return r.ExpectedUnits
}
