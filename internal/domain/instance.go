package domain

import (
	"time"
)

// InstanceStatus 实例状态
type InstanceStatus string

const (
	InstanceStatusActive      InstanceStatus = "active"      // 可用
	InstanceStatusInactive    InstanceStatus = "inactive"    // 不可用（健康检查摘除或手动下线）
	InstanceStatusOverloaded  InstanceStatus = "overloaded"  // 满负载
	InstanceStatusMaintenance InstanceStatus = "maintenance" // 维护中，不参与自动恢复
)

// PerformanceWindowSize 滚动成功率窗口大小
const PerformanceWindowSize = 10

// Performance 实例滚动性能指标
type Performance struct {
	AvgLatencyMs  float64 `json:"avg_latency_ms"`  // 平均延迟（指数移动平均）
	SuccessRate   float64 `json:"success_rate"`    // 成功率（指数移动平均）
	CostPerUnit   float64 `json:"cost_per_unit"`   // 单位成本（美元）
	ThroughputRPM float64 `json:"throughput_rpm"`  // 每分钟吞吐量
	TotalRequests int64   `json:"total_requests"`  // 累计请求数
	Recent        []bool  `json:"recent_outcomes"` // 最近N次调用结果（滚动窗口）
}

// QuotaLimits 实例配额限制（0表示不限制）
type QuotaLimits struct {
	RequestsPerMin int `json:"requests_per_min"`
	UnitsPerMin    int `json:"units_per_min"`
	DailyCap       int `json:"daily_cap"`
}

// QuotaUsage 配额使用统计（按分钟/天滚动）
type QuotaUsage struct {
	MinuteStart    time.Time `json:"minute_start"`
	MinuteRequests int       `json:"minute_requests"`
	MinuteUnits    int       `json:"minute_units"`
	DayStart       time.Time `json:"day_start"`
	DayRequests    int       `json:"day_requests"`
}

// HealthState 健康检查状态
type HealthState struct {
	LastCheck        time.Time `json:"last_check"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	UptimeRatio      float64   `json:"uptime_ratio"`
}

// Instance AI服务实例（一个可达的Provider端点）
//
// 实例的可变状态由Registry独占管理，外部只能通过Registry的公开方法读写。
type Instance struct {
	ID       string   `json:"id"`
	Provider string   `json:"provider"` // openai, anthropic, etc.
	Endpoint string   `json:"endpoint"`
	Models   []string `json:"models"` // 支持的模型列表

	Status InstanceStatus `json:"status"`
	Weight float64        `json:"weight"` // 静态优先级权重（越大越优先）

	MaxConcurrent int `json:"max_concurrent"`
	CurrentLoad   int `json:"current_load"`

	Perf   Performance `json:"performance"`
	Quota  QuotaLimits `json:"quota"`
	Usage  QuotaUsage  `json:"usage"`
	Health HealthState `json:"health"`
}

// SupportsModel 检查实例是否支持指定模型
func (i *Instance) SupportsModel(model string) bool {
	for _, m := range i.Models {
		if m == model {
			return true
		}
	}
	return false
}

// HasCapacity 检查是否还有空闲并发槽位
func (i *Instance) HasCapacity() bool {
	return i.MaxConcurrent <= 0 || i.CurrentLoad < i.MaxConcurrent
}

// LoadRatio 当前负载比例 [0,1]
func (i *Instance) LoadRatio() float64 {
	if i.MaxConcurrent <= 0 {
		return 0
	}
	return float64(i.CurrentLoad) / float64(i.MaxConcurrent)
}

// UnderQuota 检查配额是否允许再接收一个expectedUnits规模的请求
//
// 只读判断：窗口外的计数视为0，窗口滚动由写路径（RecordOutcome）完成。
func (i *Instance) UnderQuota(now time.Time, expectedUnits int) bool {
	minuteCurrent := now.Sub(i.Usage.MinuteStart) < time.Minute
	dayCurrent := sameUTCDay(i.Usage.DayStart, now)

	if i.Quota.RequestsPerMin > 0 && minuteCurrent && i.Usage.MinuteRequests >= i.Quota.RequestsPerMin {
		return false
	}
	if i.Quota.UnitsPerMin > 0 && minuteCurrent && i.Usage.MinuteUnits+expectedUnits > i.Quota.UnitsPerMin {
		return false
	}
	if i.Quota.DailyCap > 0 && dayCurrent && i.Usage.DayRequests >= i.Quota.DailyCap {
		return false
	}
	return true
}

// RecentSuccessRate 最近N次调用的成功率；样本不足时second返回false
func (i *Instance) RecentSuccessRate(minSamples int) (float64, bool) {
	if len(i.Perf.Recent) < minSamples {
		return 0, false
	}
	ok := 0
	for _, s := range i.Perf.Recent {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(i.Perf.Recent)), true
}

// Clone 返回实例的深拷贝（供选择器和对外查询使用）
func (i *Instance) Clone() *Instance {
	c := *i
	c.Models = append([]string(nil), i.Models...)
	c.Perf.Recent = append([]bool(nil), i.Perf.Recent...)
	return &c
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
