package registry

import (
	"context"
	"sync"
	"time"

	"aiorchestrator/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
)

// DefaultHealthCheckInterval 默认健康检查周期
const DefaultHealthCheckInterval = 30 * time.Second

// Prober 健康探测能力，由外部注入（生产环境为HTTP探测，测试为桩）
type Prober interface {
	// Probe 探测实例，返回nil表示健康
	Probe(ctx context.Context, inst *domain.Instance) error
}

// ProberFunc 函数式Prober适配
type ProberFunc func(ctx context.Context, inst *domain.Instance) error

// Probe 实现Prober
func (f ProberFunc) Probe(ctx context.Context, inst *domain.Instance) error {
	return f(ctx, inst)
}

// HealthChecker 周期性健康检查器
type HealthChecker struct {
	registry *Registry
	prober   Prober
	interval time.Duration
	clock    clockwork.Clock
	logger   *log.Helper

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(registry *Registry, prober Prober, interval time.Duration, clock clockwork.Clock, logger log.Logger) *HealthChecker {
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	return &HealthChecker{
		registry: registry,
		prober:   prober,
		interval: interval,
		clock:    clock,
		logger:   log.NewHelper(logger),
		stopChan: make(chan struct{}),
	}
}

// Start 启动检查循环，阻塞直到Stop或ctx取消
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.logger.Infof("health checker started (interval=%s)", hc.interval)

	ticker := hc.clock.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			hc.CheckAll(ctx)
		case <-hc.stopChan:
			hc.logger.Info("health checker stopped")
			return
		case <-ctx.Done():
			hc.logger.Info("health checker context cancelled")
			return
		}
	}
}

// Stop 停止检查循环
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
}

// CheckAll 对所有实例执行一轮探测
//
// 连续失败达到阈值的实例被摘除；探测成功会重置计数并恢复实例。
// 维护状态的实例跳过探测。
func (hc *HealthChecker) CheckAll(ctx context.Context) {
	for _, inst := range hc.registry.List() {
		if inst.Status == domain.InstanceStatusMaintenance {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := hc.prober.Probe(probeCtx, inst)
		cancel()

		if err != nil {
			hc.logger.Warnf("health probe failed for instance %s: %v", inst.ID, err)
		}
		hc.registry.recordProbe(inst.ID, err == nil)
	}
}
