package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aiorchestrator/internal/admission"
	"aiorchestrator/internal/cache"
	"aiorchestrator/internal/domain"
	"aiorchestrator/internal/events"
	"aiorchestrator/internal/persistence"
	"aiorchestrator/internal/provider"
	"aiorchestrator/internal/queue"
	"aiorchestrator/internal/registry"
	"aiorchestrator/pkg/metrics"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore 进程内快照存储，测试重启恢复路径用
type memStore struct {
	mu   sync.Mutex
	snap *persistence.Snapshot
}

func (m *memStore) Save(ctx context.Context, snap *persistence.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	return nil
}

func (m *memStore) Load(ctx context.Context) (*persistence.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

type testHarness struct {
	orch      *Orchestrator
	clock     *clockwork.FakeClock
	publisher *events.MockPublisher
	invoked   *int64
}

func newHarness(t *testing.T, invoker provider.Invoker, store persistence.Store) *testHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	logger := log.NewStdLogger(os.Stdout)

	reg := registry.NewRegistry(clock, logger)
	sel := registry.NewSelector(reg, registry.StrategyLeastConnections, logger)
	prober := registry.ProberFunc(func(ctx context.Context, inst *domain.Instance) error { return nil })
	hc := registry.NewHealthChecker(reg, prober, time.Minute, clock, logger)
	mon := admission.NewLoadMonitor(admission.DefaultLoadMonitorConfig(), clock, logger)
	lim := admission.NewLimiter(mon, clock, logger)
	respCache := cache.NewResponseCache(cache.Config{}, clock, logger)
	q := queue.NewQueue(queue.Config{}, clock, logger)
	publisher := events.NewMockPublisher()

	var invoked int64
	if invoker == nil {
		invoker = provider.InvokerFunc(func(ctx context.Context, inst *domain.Instance, model string, payload map[string]interface{}) (*provider.Result, error) {
			atomic.AddInt64(&invoked, 1)
			return &provider.Result{
				Output:        map[string]interface{}{"text": "hello from " + inst.ID},
				UnitsConsumed: 10,
				CostUSD:       0.002,
			}, nil
		})
	}

	orch := New(reg, sel, hc, lim, mon, respCache, q, invoker,
		queue.SchedulerConfig{}, store, nil, publisher, Options{}, clock, logger)

	return &testHarness{orch: orch, clock: clock, publisher: publisher, invoked: &invoked}
}

func (h *testHarness) registerInstance(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.orch.RegisterInstance(&domain.Instance{
		ID:            id,
		Provider:      "openai",
		Endpoint:      "http://" + id + ":9000",
		Models:        []string{"gpt-4o"},
		MaxConcurrent: 8,
	}))
}

func (h *testHarness) drainUntil(t *testing.T, id string, status domain.TaskStatus) *domain.Task {
	t.Helper()
	var got *domain.Task
	require.Eventually(t, func() bool {
		h.orch.scheduler.Tick(context.Background())
		task, err := h.orch.GetTask(id)
		if err != nil {
			return false
		}
		got = task
		return task.Status == status
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func TestOrchestrator_SubmitTaskLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.registerInstance(t, "inst-a")

	task := &domain.Task{Kind: "chat", Model: "gpt-4o", Identity: "user-1", Retryable: true}
	costBefore := testutil.ToFloat64(metrics.ProviderCostTotal.WithLabelValues("gpt-4o", "openai"))
	accepted, err := h.orch.SubmitTask(context.Background(), task, SubmitOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, accepted.ID)
	assert.Equal(t, domain.TaskStatusPending, accepted.Status)

	got := h.drainUntil(t, accepted.ID, domain.TaskStatusCompleted)
	result, ok := got.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello from inst-a", result["text"])
	assert.Equal(t, int64(1), atomic.LoadInt64(h.invoked))

	t.Run("实例观测已上报", func(t *testing.T) {
		instances := h.orch.ListInstances()
		require.Len(t, instances, 1)
		assert.Equal(t, int64(1), instances[0].Perf.TotalRequests)
		assert.Equal(t, 0, instances[0].CurrentLoad, "slot released after invoke")
		assert.InDelta(t, costBefore+0.002,
			testutil.ToFloat64(metrics.ProviderCostTotal.WithLabelValues("gpt-4o", "openai")), 1e-9)
	})

	t.Run("生命周期事件已发布", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			types := make(map[string]bool)
			for _, ev := range h.publisher.Events() {
				if ev.TaskID == accepted.ID {
					types[ev.EventType] = true
				}
			}
			return types["task.enqueued"] && types["task.started"] && types["task.completed"]
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestOrchestrator_AdmissionGate(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.registerInstance(t, "inst-a")

	require.NoError(t, h.orch.AddRule(&admission.Rule{
		ID: "chat-strict", Pattern: "tasks:chat", Priority: 1, Enabled: true,
		Tiers: map[admission.Tier]admission.TierLimit{
			admission.TierAuthenticated: {
				Algorithm: admission.AlgorithmSlidingWindow, Max: 1, Window: time.Minute,
			},
		},
	}))

	first := &domain.Task{Kind: "chat", Model: "gpt-4o", Identity: "user-1"}
	_, err := h.orch.SubmitTask(context.Background(), first, SubmitOptions{})
	require.NoError(t, err)

	t.Run("超限提交被拒并携带retry-after", func(t *testing.T) {
		second := &domain.Task{Kind: "chat", Model: "gpt-4o", Identity: "user-1"}
		_, err := h.orch.SubmitTask(context.Background(), second, SubmitOptions{})
		require.Error(t, err)
		assert.True(t, domain.ErrAdmissionDenied.Is(err))

		ke := kerrors.FromError(err)
		assert.NotEmpty(t, ke.Metadata["retry_after"])
	})

	t.Run("其他任务类型不受该规则限制", func(t *testing.T) {
		embed := &domain.Task{Kind: "embedding", Model: "gpt-4o", Identity: "user-1"}
		_, err := h.orch.SubmitTask(context.Background(), embed, SubmitOptions{})
		assert.NoError(t, err)
	})
}

func TestOrchestrator_ValidatorRejects(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.registerInstance(t, "inst-a")
	h.orch.SetValidator(validatorFunc(func(ctx context.Context, kind string, payload map[string]interface{}) error {
		return domain.ErrContentRejected
	}))

	task := &domain.Task{Kind: "chat", Model: "gpt-4o"}
	_, err := h.orch.SubmitTask(context.Background(), task, SubmitOptions{})
	assert.True(t, domain.ErrContentRejected.Is(err))
	assert.Empty(t, h.orch.ListTasks(), "rejected task is not enqueued")
}

type validatorFunc func(ctx context.Context, kind string, payload map[string]interface{}) error

func (f validatorFunc) Validate(ctx context.Context, kind string, payload map[string]interface{}) error {
	return f(ctx, kind, payload)
}

func TestOrchestrator_CachedCall(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.registerInstance(t, "inst-a")
	params := map[string]interface{}{"prompt": "hello"}

	val, md, err := h.orch.CachedCall(context.Background(), "chat", "gpt-4o", params, false)
	require.NoError(t, err)
	assert.Equal(t, 0.002, md.CostUSD)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(val, &out))
	assert.Equal(t, "hello from inst-a", out["text"])

	t.Run("第二次调用命中缓存", func(t *testing.T) {
		_, _, err := h.orch.CachedCall(context.Background(), "chat", "gpt-4o", params, false)
		require.NoError(t, err)
		assert.Equal(t, int64(1), atomic.LoadInt64(h.invoked))
		assert.Equal(t, int64(1), h.orch.Stats().Cache.Hits)
	})

	t.Run("forceRefresh重新调用", func(t *testing.T) {
		_, _, err := h.orch.CachedCall(context.Background(), "chat", "gpt-4o", params, true)
		require.NoError(t, err)
		assert.Equal(t, int64(2), atomic.LoadInt64(h.invoked))
	})
}

func TestOrchestrator_FallbackOnInstanceFailure(t *testing.T) {
	invoker := provider.InvokerFunc(func(ctx context.Context, inst *domain.Instance, model string, payload map[string]interface{}) (*provider.Result, error) {
		if inst.ID == "inst-a" {
			return nil, domain.NewProviderError(assert.AnError)
		}
		return &provider.Result{Output: map[string]interface{}{"served_by": inst.ID}, UnitsConsumed: 1}, nil
	})
	h := newHarness(t, invoker, nil)
	h.registerInstance(t, "inst-a")
	h.registerInstance(t, "inst-b")

	val, _, err := h.orch.CachedCall(context.Background(), "chat", "gpt-4o", map[string]interface{}{"p": 1}, false)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(val, &out))
	assert.Equal(t, "inst-b", out["served_by"])

	// 主选实例的失败已计入性能观测
	inst, ok := findInstance(h.orch.ListInstances(), "inst-a")
	require.True(t, ok)
	assert.Equal(t, 0.0, inst.Perf.SuccessRate)
}

func findInstance(instances []*domain.Instance, id string) (*domain.Instance, bool) {
	for _, inst := range instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return nil, false
}

func TestOrchestrator_NoCompatibleInstance(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.orch.SelectInstance(context.Background(), &domain.RequestContext{Model: "gpt-4o"})
	assert.True(t, domain.ErrNoCompatibleInstance.Is(err))

	_, _, err = h.orch.CachedCall(context.Background(), "chat", "gpt-4o", map[string]interface{}{"p": 1}, false)
	assert.True(t, domain.ErrNoCompatibleInstance.Is(err))
}

func TestOrchestrator_SnapshotRoundTrip(t *testing.T) {
	store := &memStore{}

	h := newHarness(t, nil, store)
	h.registerInstance(t, "inst-a")

	task := &domain.Task{Kind: "chat", Model: "gpt-4o", Delay: time.Hour}
	accepted, err := h.orch.SubmitTask(context.Background(), task, SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, h.orch.Stop(context.Background()))

	t.Run("重启后恢复任务与实例", func(t *testing.T) {
		restarted := newHarness(t, nil, store)
		require.NoError(t, restarted.orch.Start(context.Background()))
		defer restarted.orch.Stop(context.Background())

		got, err := restarted.orch.GetTask(accepted.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		assert.Len(t, restarted.orch.ListInstances(), 1)
	})
}

func TestOrchestrator_StatsAggregation(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.registerInstance(t, "inst-a")
	require.NoError(t, h.orch.SetInstanceStatus("inst-a", domain.InstanceStatusMaintenance))
	h.registerInstance(t, "inst-b")

	stats := h.orch.Stats()
	assert.Equal(t, 2, stats.Instances)
	assert.Equal(t, 1, stats.ActiveInstances)
	assert.Equal(t, 1.0, stats.LimitFactor)
	assert.Zero(t, stats.SuccessRate, "no terminal task yet")
	assert.Zero(t, stats.CacheHitRatio, "no lookup yet")

	task := &domain.Task{Kind: "chat", Model: "gpt-4o", Retryable: true}
	_, err := h.orch.SubmitTask(context.Background(), task, SubmitOptions{})
	require.NoError(t, err)
	h.drainUntil(t, task.ID, domain.TaskStatusCompleted)

	params := map[string]interface{}{"prompt": "ratio"}
	_, _, err = h.orch.CachedCall(context.Background(), "chat", "gpt-4o", params, false)
	require.NoError(t, err)
	_, _, err = h.orch.CachedCall(context.Background(), "chat", "gpt-4o", params, false)
	require.NoError(t, err)

	stats = h.orch.Stats()
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.InDelta(t, float64(stats.Cache.Hits)/float64(stats.Cache.Hits+stats.Cache.Misses), stats.CacheHitRatio, 1e-9)
	assert.Greater(t, stats.CacheHitRatio, 0.0)
}
