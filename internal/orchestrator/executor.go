package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"aiorchestrator/internal/admission"
	"aiorchestrator/internal/cache"
	"aiorchestrator/internal/domain"
	"aiorchestrator/internal/provider"
	"aiorchestrator/internal/registry"
	"aiorchestrator/pkg/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
)

// taskExecutor 把队列取出的任务变成一次实例调用
//
// 执行路径：缓存读穿 -> 实例选择 -> 占槽调用 -> 释放槽并上报结果。
// 主选实例失败时按选择结果的候补列表依次降级。
type taskExecutor struct {
	registry *registry.Registry
	selector *registry.Selector
	cache    *cache.ResponseCache
	invoker  provider.Invoker
	loadMon  *admission.LoadMonitor

	clock  clockwork.Clock
	logger *log.Helper
}

func newTaskExecutor(
	reg *registry.Registry,
	sel *registry.Selector,
	respCache *cache.ResponseCache,
	invoker provider.Invoker,
	loadMon *admission.LoadMonitor,
	clock clockwork.Clock,
	logger log.Logger,
) *taskExecutor {
	return &taskExecutor{
		registry: reg,
		selector: sel,
		cache:    respCache,
		invoker:  invoker,
		loadMon:  loadMon,
		clock:    clock,
		logger:   log.NewHelper(logger),
	}
}

// Execute 执行任务并返回结果
func (e *taskExecutor) Execute(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
	if task.SkipCache {
		res, err := e.invokeWithFallback(ctx, task)
		if err != nil {
			return nil, err
		}
		return res.Output, nil
	}

	raw, _, err := e.cache.Wrap(ctx, task.Kind, task.Model, task.Payload, false,
		func(ctx context.Context) (json.RawMessage, cache.Metadata, error) {
			res, err := e.invokeWithFallback(ctx, task)
			if err != nil {
				return nil, cache.Metadata{}, err
			}
			data, err := json.Marshal(res.Output)
			if err != nil {
				return nil, cache.Metadata{}, fmt.Errorf("marshal output: %w", err)
			}
			return data, cache.Metadata{
				CostUSD: res.CostUSD,
				Size:    int64(len(data)),
				Quality: res.Quality,
			}, nil
		})
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode cached output: %w", err)
	}
	return out, nil
}

// invokeWithFallback 按选择顺序尝试主选与候补实例
func (e *taskExecutor) invokeWithFallback(ctx context.Context, task *domain.Task) (*provider.Result, error) {
	sel, err := e.selector.Select(ctx, task.RequestContext())
	if err != nil {
		return nil, err
	}

	order := append([]string{sel.Instance.ID}, sel.Fallbacks...)
	var lastErr error
	for _, id := range order {
		res, err := e.invokeOne(ctx, id, task)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !domain.IsRetriable(err) {
			return nil, err
		}
		lastErr = err
		e.logger.Warnf("task %s failed on instance %s, trying next: %v", task.ID, id, err)
	}
	return nil, lastErr
}

// invokeOne 在单个实例上执行一次调用并上报观测
func (e *taskExecutor) invokeOne(ctx context.Context, instanceID string, task *domain.Task) (*provider.Result, error) {
	inst, ok := e.registry.Get(instanceID)
	if !ok {
		return nil, fmt.Errorf("instance %s no longer registered", instanceID)
	}
	if err := e.registry.AcquireSlot(instanceID); err != nil {
		return nil, err
	}
	defer e.registry.ReleaseSlot(instanceID)

	start := e.clock.Now()
	res, err := e.invoker.Invoke(ctx, inst, task.Model, task.Payload)
	latencyMs := float64(e.clock.Since(start).Milliseconds())

	success := err == nil
	var costUSD, costPerUnit float64
	if res != nil {
		costUSD = res.CostUSD
		if res.UnitsConsumed > 0 {
			costPerUnit = res.CostUSD / float64(res.UnitsConsumed)
		}
	}
	e.registry.RecordOutcome(instanceID, latencyMs, success, costPerUnit)
	if e.loadMon != nil {
		e.loadMon.RecordObservation(latencyMs, success, costUSD)
	}

	if err != nil {
		return nil, err
	}
	e.registry.ConsumeUnits(instanceID, res.UnitsConsumed)
	metrics.ProviderCostTotal.WithLabelValues(task.Model, inst.Provider).Add(res.CostUSD)
	return res, nil
}
