package registry

import (
	"context"
	"math"
	"sort"
	"sync/atomic"

	"aiorchestrator/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
)

// Strategy 选择策略
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyLeastResponseTime  Strategy = "least_response_time"
	StrategyCostOptimized      Strategy = "cost_optimized"
	StrategyAdaptive           Strategy = "adaptive"
)

// Valid 检查策略取值是否合法
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyLeastConnections,
		StrategyLeastResponseTime, StrategyCostOptimized, StrategyAdaptive:
		return true
	}
	return false
}

// AdaptiveWeights 自适应策略的因子权重（经验值，可调）
type AdaptiveWeights struct {
	Latency  float64
	Cost     float64
	Success  float64
	Capacity float64
}

// DefaultAdaptiveWeights 默认因子权重
func DefaultAdaptiveWeights() AdaptiveWeights {
	return AdaptiveWeights{Latency: 0.35, Cost: 0.25, Success: 0.25, Capacity: 0.15}
}

// Selector 实例选择器
type Selector struct {
	registry *Registry
	strategy Strategy
	weights  AdaptiveWeights
	rrSeq    uint64
	logger   *log.Helper
}

// NewSelector 创建选择器
func NewSelector(registry *Registry, strategy Strategy, logger log.Logger) *Selector {
	if !strategy.Valid() {
		strategy = StrategyAdaptive
	}
	return &Selector{
		registry: registry,
		strategy: strategy,
		weights:  DefaultAdaptiveWeights(),
		logger:   log.NewHelper(logger),
	}
}

// Strategy 当前策略
func (s *Selector) Strategy() Strategy {
	return s.strategy
}

// Select 为请求选择实例
//
// 无候选实例时返回NoCompatibleInstance。平分时取最小实例ID，保证确定性。
func (s *Selector) Select(ctx context.Context, req *domain.RequestContext) (*domain.SelectionResult, error) {
	candidates := s.registry.Candidates(req)
	if len(candidates) == 0 {
		return nil, domain.ErrNoCompatibleInstance
	}

	ordered := s.rank(candidates, req)
	chosen := ordered[0]

	fallbacks := make([]string, 0, len(ordered)-1)
	for _, inst := range ordered[1:] {
		fallbacks = append(fallbacks, inst.ID)
	}

	result := &domain.SelectionResult{
		Instance:           chosen,
		EstimatedLatencyMs: chosen.Perf.AvgLatencyMs,
		EstimatedCost:      chosen.Perf.CostPerUnit * float64(req.Units()),
		Confidence:         confidence(chosen),
		Fallbacks:          fallbacks,
		Strategy:           string(s.strategy),
	}

	s.logger.Debugf("selected instance %s for model %s (strategy=%s, confidence=%.2f)",
		chosen.ID, req.Model, s.strategy, result.Confidence)
	return result, nil
}

// rank 按策略排序候选实例，首个元素为选中实例
//
// candidates已按ID升序，稳定排序保证平分时ID最小者胜出。
func (s *Selector) rank(candidates []*domain.Instance, req *domain.RequestContext) []*domain.Instance {
	switch s.strategy {
	case StrategyRoundRobin:
		return rotate(candidates, int(atomic.AddUint64(&s.rrSeq, 1)-1))

	case StrategyWeightedRoundRobin:
		return s.weightedRotate(candidates)

	case StrategyLeastConnections:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].CurrentLoad < candidates[j].CurrentLoad
		})
		return candidates

	case StrategyLeastResponseTime:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Perf.AvgLatencyMs < candidates[j].Perf.AvgLatencyMs
		})
		return candidates

	case StrategyCostOptimized:
		units := float64(req.Units())
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Perf.CostPerUnit*units < candidates[j].Perf.CostPerUnit*units
		})
		return candidates

	case StrategyAdaptive:
		fallthrough
	default:
		scores := make(map[string]float64, len(candidates))
		for _, inst := range candidates {
			scores[inst.ID] = s.adaptiveScore(inst, req)
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return scores[candidates[i].ID] > scores[candidates[j].ID]
		})
		return candidates
	}
}

// adaptiveScore 自适应得分（越高越好）
//
// 四个归一化因子的加权线性组合，乘以优先级系数和静态权重系数。
func (s *Selector) adaptiveScore(inst *domain.Instance, req *domain.RequestContext) float64 {
	latencyScore := 1.0 / (1.0 + inst.Perf.AvgLatencyMs/1000.0)
	costScore := 1.0 / (1.0 + inst.Perf.CostPerUnit*float64(req.Units()))
	successScore := inst.Perf.SuccessRate
	capacityScore := 1.0 - inst.LoadRatio()

	score := s.weights.Latency*latencyScore +
		s.weights.Cost*costScore +
		s.weights.Success*successScore +
		s.weights.Capacity*capacityScore

	// 优先级系数：高优先级请求倾向高权重实例，超预算实例降权
	multiplier := 1.0
	if req.Priority == domain.PriorityHigh || req.Priority == domain.PriorityCritical {
		multiplier += 0.25 * math.Min(inst.Weight/10.0, 1.0)
	}
	if req.MaxLatencyMs > 0 && inst.Perf.AvgLatencyMs > req.MaxLatencyMs {
		multiplier *= 0.5
	}
	if req.MaxCostUSD > 0 && inst.Perf.CostPerUnit*float64(req.Units()) > req.MaxCostUSD {
		multiplier *= 0.5
	}

	// 静态权重系数
	staticFactor := 1.0 + inst.Weight/10.0

	return score * multiplier * staticFactor
}

// confidence 选择置信度：成功率按负载比和近期连续失败折减，
// 样本足够时与10次滚动成功率各取一半。
func confidence(inst *domain.Instance) float64 {
	c := inst.Perf.SuccessRate * (1.0 - 0.5*inst.LoadRatio())
	c *= math.Pow(0.8, float64(inst.Health.ConsecutiveFails))

	if rolling, ok := inst.RecentSuccessRate(5); ok {
		c = 0.5*c + 0.5*rolling
	}

	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

// rotate 以seq为起点轮转切片
func rotate(items []*domain.Instance, seq int) []*domain.Instance {
	n := len(items)
	start := seq % n
	out := make([]*domain.Instance, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, items[(start+i)%n])
	}
	return out
}

// weightedRotate 加权轮询：按静态权重展开后轮转
func (s *Selector) weightedRotate(candidates []*domain.Instance) []*domain.Instance {
	total := 0
	for _, inst := range candidates {
		w := int(inst.Weight)
		if w < 1 {
			w = 1
		}
		total += w
	}

	seq := int(atomic.AddUint64(&s.rrSeq, 1)-1) % total

	// 定位seq落在的实例
	var first *domain.Instance
	acc := 0
	for _, inst := range candidates {
		w := int(inst.Weight)
		if w < 1 {
			w = 1
		}
		acc += w
		if seq < acc {
			first = inst
			break
		}
	}

	out := make([]*domain.Instance, 0, len(candidates))
	out = append(out, first)
	for _, inst := range candidates {
		if inst.ID != first.ID {
			out = append(out, inst)
		}
	}
	return out
}
