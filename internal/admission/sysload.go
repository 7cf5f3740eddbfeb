package admission

import (
	"context"
	"sync"
	"time"

	"aiorchestrator/pkg/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
)

// LoadMonitorConfig 系统负载监控配置
type LoadMonitorConfig struct {
	Interval  time.Duration // 重算周期
	Window    time.Duration // 观测样本的滚动窗口
	Threshold float64       // 超过该负载分数后自适应规则开始收缩
	MinFactor float64       // 限额收缩的下限系数
	// 归一化基准（经验值，可调）
	LatencyNormMs float64 // 平均延迟归一化基准
	CostNormUSD   float64 // 窗口总成本归一化基准
}

// DefaultLoadMonitorConfig 默认监控配置
func DefaultLoadMonitorConfig() LoadMonitorConfig {
	return LoadMonitorConfig{
		Interval:      30 * time.Second,
		Window:        5 * time.Minute,
		Threshold:     0.7,
		MinFactor:     0.2,
		LatencyNormMs: 5000,
		CostNormUSD:   10,
	}
}

type loadSample struct {
	at        time.Time
	latencyMs float64
	failed    bool
	costUSD   float64
}

// LoadMonitor 系统负载监控器
//
// 从执行路径收集观测样本，周期性折算为单一负载分数[0,1]，
// 供自适应限流算法收缩限额。
type LoadMonitor struct {
	mu      sync.Mutex
	samples []loadSample
	score   float64

	cfg    LoadMonitorConfig
	clock  clockwork.Clock
	logger *log.Helper

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewLoadMonitor 创建负载监控器
func NewLoadMonitor(cfg LoadMonitorConfig, clock clockwork.Clock, logger log.Logger) *LoadMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.7
	}
	if cfg.MinFactor <= 0 {
		cfg.MinFactor = 0.2
	}
	if cfg.LatencyNormMs <= 0 {
		cfg.LatencyNormMs = 5000
	}
	if cfg.CostNormUSD <= 0 {
		cfg.CostNormUSD = 10
	}
	return &LoadMonitor{
		cfg:      cfg,
		clock:    clock,
		logger:   log.NewHelper(logger),
		stopChan: make(chan struct{}),
	}
}

// RecordObservation 上报一次执行观测
func (m *LoadMonitor) RecordObservation(latencyMs float64, success bool, costUSD float64) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, loadSample{
		at:        now,
		latencyMs: latencyMs,
		failed:    !success,
		costUSD:   costUSD,
	})
}

// Start 启动重算循环，阻塞直到Stop或ctx取消
func (m *LoadMonitor) Start(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.Recompute()
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop 停止重算循环
func (m *LoadMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// Recompute 重算负载分数：错误率、归一化平均延迟、归一化总成本的均值
func (m *LoadMonitor) Recompute() {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.Window)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.samples[:0]
	for _, s := range m.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.samples = kept

	if len(m.samples) == 0 {
		m.score = 0
		metrics.SystemLoadScore.Set(0)
		return
	}

	var failures int
	var latencySum, costSum float64
	for _, s := range m.samples {
		if s.failed {
			failures++
		}
		latencySum += s.latencyMs
		costSum += s.costUSD
	}

	errorRate := float64(failures) / float64(len(m.samples))
	latencyScore := clamp01(latencySum / float64(len(m.samples)) / m.cfg.LatencyNormMs)
	costScore := clamp01(costSum / m.cfg.CostNormUSD)

	m.score = (errorRate + latencyScore + costScore) / 3.0
	metrics.SystemLoadScore.Set(m.score)
	if m.score > m.cfg.Threshold {
		m.logger.Warnf("system load elevated: score=%.2f (errors=%.2f latency=%.2f cost=%.2f)",
			m.score, errorRate, latencyScore, costScore)
	}
}

// Score 当前负载分数[0,1]
func (m *LoadMonitor) Score() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.score
}

// LimitFactor 自适应规则的限额系数
//
// 负载低于阈值时为1.0；超过阈值后随负载线性收缩，不低于MinFactor。
func (m *LoadMonitor) LimitFactor() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.score <= m.cfg.Threshold {
		return 1.0
	}
	factor := 1.0 - m.score
	if factor < m.cfg.MinFactor {
		factor = m.cfg.MinFactor
	}
	return factor
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
