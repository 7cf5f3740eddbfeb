package domain

// SelectionResult 选择器输出（临时对象，不持久化）
type SelectionResult struct {
	Instance           *Instance `json:"instance"` // 选中实例的快照
	EstimatedLatencyMs float64   `json:"estimated_latency_ms"`
	EstimatedCost      float64   `json:"estimated_cost"`
	Confidence         float64   `json:"confidence"` // [0,1]
	Fallbacks          []string  `json:"fallbacks"`  // 备选实例ID（按优先顺序）
	Strategy           string    `json:"strategy"`
}
