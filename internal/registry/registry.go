package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"aiorchestrator/internal/domain"
	"aiorchestrator/pkg/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
)

const (
	// emaAlpha 性能指标的指数移动平均平滑因子（新样本权重）
	emaAlpha = 0.1
	// DefaultFailoverThreshold 连续失败多少次后摘除实例
	DefaultFailoverThreshold = 3
)

// Registry 实例注册表，独占管理所有实例的可变状态
type Registry struct {
	mu                sync.RWMutex
	instances         map[string]*domain.Instance
	clock             clockwork.Clock
	failoverThreshold int
	logger            *log.Helper
}

// NewRegistry 创建实例注册表
func NewRegistry(clock clockwork.Clock, logger log.Logger) *Registry {
	return &Registry{
		instances:         make(map[string]*domain.Instance),
		clock:             clock,
		failoverThreshold: DefaultFailoverThreshold,
		logger:            log.NewHelper(logger),
	}
}

// Register 注册实例
func (r *Registry) Register(inst *domain.Instance) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("instance id is required")
	}
	if len(inst.Models) == 0 {
		return fmt.Errorf("instance %s supports no models", inst.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s already registered", inst.ID)
	}

	c := inst.Clone()
	if c.Status == "" {
		c.Status = domain.InstanceStatusActive
	}
	if c.Weight <= 0 {
		c.Weight = 1
	}
	if c.Perf.SuccessRate == 0 && c.Perf.TotalRequests == 0 {
		c.Perf.SuccessRate = 1.0 // 未观测前默认健康
	}
	if c.Health.UptimeRatio == 0 {
		c.Health.UptimeRatio = 1.0
	}
	c.CurrentLoad = 0

	r.instances[c.ID] = c
	metrics.InstanceLoad.WithLabelValues(c.ID).Set(0)
	r.logger.Infof("instance registered: %s (provider=%s, models=%v)", c.ID, c.Provider, c.Models)
	return nil
}

// Deregister 注销实例
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[id]; !exists {
		return fmt.Errorf("instance %s not registered", id)
	}
	delete(r.instances, id)
	metrics.InstanceLoad.DeleteLabelValues(id)
	r.logger.Infof("instance deregistered: %s", id)
	return nil
}

// Get 获取实例快照
func (r *Registry) Get(id string) (*domain.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

// List 获取所有实例快照（按ID排序）
func (r *Registry) List() []*domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Candidates 返回满足路由上下文的候选实例快照（按ID排序，保证确定性）
func (r *Registry) Candidates(req *domain.RequestContext) []*domain.Instance {
	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.Status != domain.InstanceStatusActive {
			continue
		}
		if !inst.SupportsModel(req.Model) {
			continue
		}
		if !inst.HasCapacity() {
			continue
		}
		if !inst.UnderQuota(now, req.Units()) {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AcquireSlot 占用一个并发槽位；实例满载时返回错误
func (r *Registry) AcquireSlot(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not registered", id)
	}
	if !inst.HasCapacity() {
		return fmt.Errorf("instance %s is at capacity (%d/%d)", id, inst.CurrentLoad, inst.MaxConcurrent)
	}
	inst.CurrentLoad++
	metrics.InstanceLoad.WithLabelValues(id).Set(float64(inst.CurrentLoad))
	if inst.MaxConcurrent > 0 && inst.CurrentLoad >= inst.MaxConcurrent &&
		inst.Status == domain.InstanceStatusActive {
		inst.Status = domain.InstanceStatusOverloaded
	}
	return nil
}

// ReleaseSlot 释放一个并发槽位；计数不会降到0以下
func (r *Registry) ReleaseSlot(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return
	}
	if inst.CurrentLoad > 0 {
		inst.CurrentLoad--
	}
	metrics.InstanceLoad.WithLabelValues(id).Set(float64(inst.CurrentLoad))
	if inst.Status == domain.InstanceStatusOverloaded && inst.HasCapacity() {
		inst.Status = domain.InstanceStatusActive
	}
}

// UpdateLoad 调整并发计数（delta为正负整数），结果夹在[0, MaxConcurrent]
//
// 正向调整是原子的：任一步占槽失败则回滚已占槽位后返回错误。
func (r *Registry) UpdateLoad(id string, delta int) error {
	if delta >= 0 {
		for i := 0; i < delta; i++ {
			if err := r.AcquireSlot(id); err != nil {
				for j := 0; j < i; j++ {
					r.ReleaseSlot(id)
				}
				return err
			}
		}
		return nil
	}
	for i := 0; i < -delta; i++ {
		r.ReleaseSlot(id)
	}
	return nil
}

// RecordOutcome 上报一次调用结果，更新滚动性能与配额计数
//
// latencyMs与costPerUnit使用指数移动平均（新样本权重0.1）。
func (r *Registry) RecordOutcome(id string, latencyMs float64, success bool, costPerUnit float64) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return
	}

	p := &inst.Perf
	sample := 0.0
	if success {
		sample = 1.0
	}
	if p.TotalRequests == 0 {
		p.AvgLatencyMs = latencyMs
		p.SuccessRate = sample
	} else {
		p.AvgLatencyMs = emaAlpha*latencyMs + (1-emaAlpha)*p.AvgLatencyMs
		p.SuccessRate = emaAlpha*sample + (1-emaAlpha)*p.SuccessRate
	}
	if costPerUnit > 0 {
		if p.CostPerUnit == 0 {
			p.CostPerUnit = costPerUnit
		} else {
			p.CostPerUnit = emaAlpha*costPerUnit + (1-emaAlpha)*p.CostPerUnit
		}
	}
	p.TotalRequests++

	p.Recent = append(p.Recent, success)
	if len(p.Recent) > domain.PerformanceWindowSize {
		p.Recent = p.Recent[len(p.Recent)-domain.PerformanceWindowSize:]
	}

	r.rollQuotaWindows(inst, now)
	inst.Usage.MinuteRequests++
	inst.Usage.DayRequests++
}

// ConsumeUnits 记录配额内的工作量消耗
func (r *Registry) ConsumeUnits(id string, units int) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return
	}
	r.rollQuotaWindows(inst, now)
	inst.Usage.MinuteUnits += units
}

// rollQuotaWindows 滚动分钟/天配额窗口，调用方必须持有写锁
func (r *Registry) rollQuotaWindows(inst *domain.Instance, now time.Time) {
	if now.Sub(inst.Usage.MinuteStart) >= time.Minute {
		inst.Perf.ThroughputRPM = float64(inst.Usage.MinuteRequests)
		inst.Usage.MinuteStart = now
		inst.Usage.MinuteRequests = 0
		inst.Usage.MinuteUnits = 0
	}
	if !sameDay(inst.Usage.DayStart, now) {
		inst.Usage.DayStart = now
		inst.Usage.DayRequests = 0
	}
}

// SetStatus 手动设置实例状态（管理接口）
func (r *Registry) SetStatus(id string, status domain.InstanceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not registered", id)
	}
	inst.Status = status
	return nil
}

// recordProbe 上报一次健康探测结果，由健康检查器调用
func (r *Registry) recordProbe(id string, healthy bool) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return
	}

	h := &inst.Health
	h.LastCheck = now
	sample := 0.0
	if healthy {
		sample = 1.0
	}
	h.UptimeRatio = emaAlpha*sample + (1-emaAlpha)*h.UptimeRatio

	if !healthy {
		h.ConsecutiveFails++
		if h.ConsecutiveFails >= r.failoverThreshold &&
			inst.Status != domain.InstanceStatusMaintenance {
			if inst.Status != domain.InstanceStatusInactive {
				r.logger.Warnf("instance %s failed %d consecutive probes, deactivating",
					id, h.ConsecutiveFails)
			}
			inst.Status = domain.InstanceStatusInactive
		}
		return
	}

	recovered := h.ConsecutiveFails >= r.failoverThreshold
	h.ConsecutiveFails = 0
	if recovered && inst.Status == domain.InstanceStatusInactive {
		r.logger.Infof("instance %s recovered, reactivating", id)
		inst.Status = domain.InstanceStatusActive
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
