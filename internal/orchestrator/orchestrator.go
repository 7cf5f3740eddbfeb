package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"aiorchestrator/internal/admission"
	"aiorchestrator/internal/cache"
	"aiorchestrator/internal/domain"
	"aiorchestrator/internal/events"
	"aiorchestrator/internal/persistence"
	"aiorchestrator/internal/provider"
	"aiorchestrator/internal/queue"
	"aiorchestrator/internal/registry"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSnapshotInterval 周期快照间隔
const DefaultSnapshotInterval = 1 * time.Minute

// Validator 内容校验器，拒绝时返回的错误直接透传给调用方
type Validator interface {
	Validate(ctx context.Context, kind string, payload map[string]interface{}) error
}

// Options 编排器选项
type Options struct {
	SnapshotInterval time.Duration
	DefaultTier      admission.Tier
}

// SubmitOptions 单次提交的选项
type SubmitOptions struct {
	Tier           admission.Tier
	IdempotencyKey string
}

// Stats 聚合统计
type Stats struct {
	Queue           queue.Stats `json:"queue"`
	Cache           cache.Stats `json:"cache"`
	SuccessRate     float64     `json:"success_rate"`    // 累计完成数 / (完成+失败)
	CacheHitRatio   float64     `json:"cache_hit_ratio"` // 命中数 / (命中+未命中)
	LoadScore       float64     `json:"load_score"`
	LimitFactor     float64     `json:"limit_factor"`
	Instances       int         `json:"instances"`
	ActiveInstances int         `json:"active_instances"`
}

// Orchestrator 请求编排层门面
//
// 组合注册表、准入、缓存与队列四个子系统，对外提供统一操作面。
// Start/Stop实现kratos transport.Server生命周期。
type Orchestrator struct {
	registry  *registry.Registry
	selector  *registry.Selector
	health    *registry.HealthChecker
	limiter   *admission.Limiter
	loadMon   *admission.LoadMonitor
	cache     *cache.ResponseCache
	queue     *queue.Queue
	scheduler *queue.Scheduler
	executor  *taskExecutor

	store     persistence.Store
	archive   persistence.DeadLetterArchive
	idem      *persistence.IdempotencyStore
	publisher events.Publisher
	validator Validator

	opts   Options
	tracer trace.Tracer
	clock  clockwork.Clock
	logger *log.Helper

	cancelBg context.CancelFunc
}

// New 创建编排器并接线子系统间的回调
func New(
	reg *registry.Registry,
	sel *registry.Selector,
	hc *registry.HealthChecker,
	lim *admission.Limiter,
	mon *admission.LoadMonitor,
	respCache *cache.ResponseCache,
	q *queue.Queue,
	invoker provider.Invoker,
	schedCfg queue.SchedulerConfig,
	store persistence.Store,
	archive persistence.DeadLetterArchive,
	publisher events.Publisher,
	opts Options,
	clock clockwork.Clock,
	logger log.Logger,
) *Orchestrator {
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = DefaultSnapshotInterval
	}
	if opts.DefaultTier == "" {
		opts.DefaultTier = admission.TierAuthenticated
	}
	if store == nil {
		store = persistence.NopStore{}
	}
	if archive == nil {
		archive = persistence.NopArchive{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	o := &Orchestrator{
		registry:  reg,
		selector:  sel,
		health:    hc,
		limiter:   lim,
		loadMon:   mon,
		cache:     respCache,
		queue:     q,
		store:     store,
		archive:   archive,
		publisher: publisher,
		opts:      opts,
		tracer:    otel.Tracer("aiorchestrator/orchestrator"),
		clock:     clock,
		logger:    log.NewHelper(logger),
	}
	o.executor = newTaskExecutor(reg, sel, respCache, invoker, mon, clock, logger)
	o.scheduler = queue.NewScheduler(q, o.executor, schedCfg, clock, logger)

	q.OnDeadLetter = o.onDeadLetter
	q.OnTransition = o.onTransition
	return o
}

// SetValidator 注入内容校验器
func (o *Orchestrator) SetValidator(v Validator) { o.validator = v }

// SetIdempotencyStore 注入幂等键存储
func (o *Orchestrator) SetIdempotencyStore(s *persistence.IdempotencyStore) { o.idem = s }

// Start 恢复快照并启动后台循环
func (o *Orchestrator) Start(ctx context.Context) error {
	o.restoreSnapshot(ctx)

	bgCtx, cancel := context.WithCancel(context.Background())
	o.cancelBg = cancel

	go o.health.Start(bgCtx)
	go o.loadMon.Start(bgCtx)
	go func() {
		if err := o.cache.Start(bgCtx); err != nil && err != context.Canceled {
			o.logger.Errorf("cache sweeper exited: %v", err)
		}
	}()
	go func() {
		if err := o.scheduler.Start(bgCtx); err != nil && err != context.Canceled {
			o.logger.Errorf("scheduler exited: %v", err)
		}
	}()
	go o.snapshotLoop(bgCtx)

	o.logger.Info("orchestrator started")
	return nil
}

// Stop 停止后台循环并落盘最终快照
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.scheduler.Stop()
	o.health.Stop()
	o.loadMon.Stop()
	o.cache.Stop()
	if o.cancelBg != nil {
		o.cancelBg()
	}

	if err := o.saveSnapshot(ctx); err != nil {
		o.logger.Errorf("final snapshot failed: %v", err)
	}
	if err := o.publisher.Close(); err != nil {
		o.logger.Warnf("close publisher: %v", err)
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// SubmitTask 提交异步任务
//
// 顺序：内容校验 -> 准入 -> 幂等去重 -> 入队。准入拒绝携带retry-after。
func (o *Orchestrator) SubmitTask(ctx context.Context, task *domain.Task, opts SubmitOptions) (*domain.Task, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.SubmitTask",
		trace.WithAttributes(
			attribute.String("task.kind", task.Kind),
			attribute.String("task.priority", string(task.Priority)),
		))
	defer span.End()

	if o.validator != nil {
		if err := o.validator.Validate(ctx, task.Kind, task.Payload); err != nil {
			return nil, err
		}
	}

	tier := opts.Tier
	if tier == "" {
		tier = o.opts.DefaultTier
	}
	decision := o.limiter.Check("tasks:"+task.Kind, task.Identity, tier)
	if !decision.Allowed {
		return nil, domain.NewAdmissionDenied(decision.RetryAfter)
	}
	if decision.Warning != "" {
		span.AddEvent("admission fail-open")
	}

	if task.ID == "" {
		task.ID = domain.NewTaskID()
	}
	if opts.IdempotencyKey != "" && o.idem != nil {
		existing, first, err := o.idem.Claim(ctx, opts.IdempotencyKey, task.ID)
		if err != nil {
			// 幂等存储不可用不阻塞提交
			o.logger.Warnf("idempotency claim failed, proceeding: %v", err)
		} else if !first {
			return o.GetTask(existing)
		}
	}

	if err := o.queue.Enqueue(task); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("task.id", task.ID))
	return o.queue.Get(task.ID)
}

// GetTask 查询任务
func (o *Orchestrator) GetTask(id string) (*domain.Task, error) {
	return o.queue.Get(id)
}

// ListTasks 列出全部任务
func (o *Orchestrator) ListTasks() []*domain.Task {
	return o.queue.List()
}

// CancelTask 取消任务
func (o *Orchestrator) CancelTask(id string) error {
	return o.queue.Cancel(id)
}

// RetryTask 手动重试失败任务
func (o *Orchestrator) RetryTask(id string) error {
	return o.queue.Retry(id)
}

// DeadLetters 死信任务
func (o *Orchestrator) DeadLetters() []*domain.Task {
	return o.queue.DeadLetters()
}

// CheckAdmission 独立的准入检查（同步接口用）
func (o *Orchestrator) CheckAdmission(endpoint, identity string, tier admission.Tier) admission.Decision {
	if tier == "" {
		tier = o.opts.DefaultTier
	}
	return o.limiter.Check(endpoint, identity, tier)
}

// SelectInstance 只做实例选择，不执行调用
func (o *Orchestrator) SelectInstance(ctx context.Context, req *domain.RequestContext) (*domain.SelectionResult, error) {
	return o.selector.Select(ctx, req)
}

// CachedCall 同步的缓存读穿调用
func (o *Orchestrator) CachedCall(ctx context.Context, kind, model string, params map[string]interface{}, forceRefresh bool) (json.RawMessage, cache.Metadata, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.CachedCall",
		trace.WithAttributes(
			attribute.String("call.kind", kind),
			attribute.String("call.model", model),
		))
	defer span.End()

	task := &domain.Task{
		ID:       domain.NewTaskID(),
		Kind:     kind,
		Model:    model,
		Payload:  params,
		Priority: domain.PriorityNormal,
	}
	return o.cache.Wrap(ctx, kind, model, params, forceRefresh,
		func(ctx context.Context) (json.RawMessage, cache.Metadata, error) {
			res, err := o.executor.invokeWithFallback(ctx, task)
			if err != nil {
				return nil, cache.Metadata{}, err
			}
			data, err := json.Marshal(res.Output)
			if err != nil {
				return nil, cache.Metadata{}, err
			}
			return data, cache.Metadata{
				CostUSD: res.CostUSD,
				Size:    int64(len(data)),
				Quality: res.Quality,
			}, nil
		})
}

// RegisterInstance 注册实例（管理接口）
func (o *Orchestrator) RegisterInstance(inst *domain.Instance) error {
	return o.registry.Register(inst)
}

// DeregisterInstance 注销实例（管理接口）
func (o *Orchestrator) DeregisterInstance(id string) error {
	return o.registry.Deregister(id)
}

// SetInstanceStatus 设置实例状态（管理接口）
func (o *Orchestrator) SetInstanceStatus(id string, status domain.InstanceStatus) error {
	return o.registry.SetStatus(id, status)
}

// ListInstances 列出全部实例
func (o *Orchestrator) ListInstances() []*domain.Instance {
	return o.registry.List()
}

// AddRule 添加或更新限流规则（管理接口）
func (o *Orchestrator) AddRule(rule *admission.Rule) error {
	return o.limiter.AddRule(rule)
}

// RemoveRule 删除限流规则（管理接口）
func (o *Orchestrator) RemoveRule(id string) bool {
	return o.limiter.RemoveRule(id)
}

// ListRules 列出限流规则
func (o *Orchestrator) ListRules() []*admission.Rule {
	return o.limiter.Rules()
}

// Stats 聚合统计
func (o *Orchestrator) Stats() Stats {
	instances := o.registry.List()
	active := 0
	for _, inst := range instances {
		if inst.Status == domain.InstanceStatusActive {
			active++
		}
	}
	qs := o.queue.Stats()
	cs := o.cache.Stats()
	s := Stats{
		Queue:           qs,
		Cache:           cs,
		LoadScore:       o.loadMon.Score(),
		LimitFactor:     o.loadMon.LimitFactor(),
		Instances:       len(instances),
		ActiveInstances: active,
	}
	if done := qs.CompletedTotal + qs.FailedTotal; done > 0 {
		s.SuccessRate = float64(qs.CompletedTotal) / float64(done)
	}
	if lookups := cs.Hits + cs.Misses; lookups > 0 {
		s.CacheHitRatio = float64(cs.Hits) / float64(lookups)
	}
	return s
}

// onDeadLetter 死信归档与事件发布，不阻塞队列
func (o *Orchestrator) onDeadLetter(task *domain.Task) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.archive.Archive(ctx, task); err != nil {
			o.logger.Errorf("archive dead letter %s: %v", task.ID, err)
		}
		o.publish(ctx, events.NewTaskEvent("task.dead_lettered", task))
	}()
}

// onTransition 任务状态事件发布，不阻塞队列
func (o *Orchestrator) onTransition(task *domain.Task) {
	eventType := ""
	switch task.Status {
	case domain.TaskStatusPending:
		if task.RetryCount > 0 {
			eventType = "task.retrying"
		} else {
			eventType = "task.enqueued"
		}
	case domain.TaskStatusScheduled:
		eventType = "task.scheduled"
	case domain.TaskStatusRunning:
		eventType = "task.started"
	case domain.TaskStatusCompleted:
		eventType = "task.completed"
	case domain.TaskStatusFailed:
		// 死信路径单独发布task.dead_lettered
		eventType = "task.failed"
	case domain.TaskStatusCancelled:
		eventType = "task.cancelled"
	}
	if eventType == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.publish(ctx, events.NewTaskEvent(eventType, task))
	}()
}

func (o *Orchestrator) publish(ctx context.Context, ev *events.TaskEvent) {
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warnf("publish %s for task %s: %v", ev.EventType, ev.TaskID, err)
	}
}

// snapshotLoop 周期落盘快照
func (o *Orchestrator) snapshotLoop(ctx context.Context) {
	ticker := o.clock.NewTicker(o.opts.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := o.saveSnapshot(ctx); err != nil {
				o.logger.Warnf("periodic snapshot failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// saveSnapshot 聚合各分区快照并写入存储
func (o *Orchestrator) saveSnapshot(ctx context.Context) error {
	snap := &persistence.Snapshot{SavedAt: o.clock.Now()}

	var err error
	if snap.Admission, err = o.limiter.Snapshot(); err != nil {
		o.logger.Warnf("snapshot admission: %v", err)
	}
	if snap.Cache, err = o.cache.Snapshot(); err != nil {
		o.logger.Warnf("snapshot cache: %v", err)
	}
	if snap.Queue, err = o.queue.Snapshot(); err != nil {
		o.logger.Warnf("snapshot queue: %v", err)
	}
	if data, err := json.Marshal(o.registry.List()); err == nil {
		snap.Registry = data
	}

	return o.store.Save(ctx, snap)
}

// restoreSnapshot 启动时恢复状态；缺失或损坏的分区降级为冷启动
func (o *Orchestrator) restoreSnapshot(ctx context.Context) {
	snap, err := o.store.Load(ctx)
	if err != nil {
		o.logger.Warnf("load snapshot failed, cold start: %v", err)
		return
	}
	if snap == nil {
		o.logger.Info("no snapshot found, cold start")
		return
	}

	if len(snap.Registry) > 0 {
		var instances []*domain.Instance
		if err := json.Unmarshal(snap.Registry, &instances); err != nil {
			o.logger.Warnf("restore registry: %v", err)
		} else {
			for _, inst := range instances {
				if err := o.registry.Register(inst); err != nil {
					o.logger.Debugf("restore instance %s: %v", inst.ID, err)
				}
			}
		}
	}
	if len(snap.Admission) > 0 {
		if err := o.limiter.Restore(snap.Admission); err != nil {
			o.logger.Warnf("restore admission: %v", err)
		}
	}
	if len(snap.Cache) > 0 {
		if err := o.cache.Restore(snap.Cache); err != nil {
			o.logger.Warnf("restore cache: %v", err)
		}
	}
	if len(snap.Queue) > 0 {
		if err := o.queue.Restore(snap.Queue); err != nil {
			o.logger.Warnf("restore queue: %v", err)
		}
	}
	o.logger.Infof("snapshot restored, saved_at=%s", snap.SavedAt.Format(time.RFC3339))
}
