package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"aiorchestrator/internal/domain"
	"aiorchestrator/pkg/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
)

// Config 任务队列配置
type Config struct {
	Capacity          int           `json:"capacity" yaml:"capacity"`                       // 非终态任务总数上限
	MaxDeadLetters    int           `json:"max_dead_letters" yaml:"max_dead_letters"`       // 死信保留上限
	BackoffBase       time.Duration `json:"backoff_base" yaml:"backoff_base"`               // 重试退避基数
	BackoffMax        time.Duration `json:"backoff_max" yaml:"backoff_max"`                 // 重试退避上限
	DefaultMaxRetries int           `json:"default_max_retries" yaml:"default_max_retries"` // 未指定时的最大重试次数
	DefaultTimeout    time.Duration `json:"default_timeout" yaml:"default_timeout"`         // 未指定时的执行超时
	TerminalTTL       time.Duration `json:"terminal_ttl" yaml:"terminal_ttl"`               // 终态任务保留时长，超期清理
}

// DefaultConfig 默认队列配置
func DefaultConfig() Config {
	return Config{
		Capacity:          1000,
		MaxDeadLetters:    200,
		BackoffBase:       2 * time.Second,
		BackoffMax:        5 * time.Minute,
		DefaultMaxRetries: 3,
		DefaultTimeout:    5 * time.Minute,
		TerminalTTL:       30 * time.Minute,
	}
}

// Stats 队列统计
type Stats struct {
	Pending      int   `json:"pending"`
	Scheduled    int   `json:"scheduled"`
	Running      int   `json:"running"`
	Completed    int   `json:"completed"`
	Failed       int   `json:"failed"`
	Cancelled    int   `json:"cancelled"`
	DeadLetters  int   `json:"dead_letters"`
	Enqueued     int64 `json:"enqueued"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`

	// 累计终态计数，不随终态任务清理而减少
	CompletedTotal int64 `json:"completed_total"`
	FailedTotal    int64 `json:"failed_total"`
	CancelledTotal int64 `json:"cancelled_total"`
}

// Queue 内存任务队列
//
// 所有任务状态由队列独占持有，外部只拿到副本。
// 调度器与队列同包，直接操作内部状态，外部调用方走导出方法。
type Queue struct {
	mu             sync.Mutex
	tasks          map[string]*domain.Task
	deadLetters    []string                          // 死信任务ID，入列顺序
	runningCancels map[string]context.CancelFunc     // 运行中任务的中断句柄，由调度器维护

	enqueued     int64
	retried      int64
	deadLettered int64
	completed    int64
	failed       int64
	cancelled    int64

	cfg    Config
	clock  clockwork.Clock
	logger *log.Helper

	// OnDeadLetter 任务进入死信时的回调（归档、事件发布用），可为nil
	OnDeadLetter func(task *domain.Task)
	// OnTransition 任务状态变化时的回调，可为nil
	OnTransition func(task *domain.Task)
}

// NewQueue 创建任务队列
func NewQueue(cfg Config, clock clockwork.Clock, logger log.Logger) *Queue {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxDeadLetters <= 0 {
		cfg.MaxDeadLetters = def.MaxDeadLetters
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.TerminalTTL <= 0 {
		cfg.TerminalTTL = def.TerminalTTL
	}
	return &Queue{
		tasks:          make(map[string]*domain.Task),
		runningCancels: make(map[string]context.CancelFunc),
		cfg:            cfg,
		clock:          clock,
		logger:         log.NewHelper(logger),
	}
}

// Enqueue 入队任务
//
// 容量按非终态任务计数，超限返回ErrQueueFull。
// 依赖必须是已入队的任务ID，未知依赖返回ErrUnsatisfiedDependency。
func (q *Queue) Enqueue(task *domain.Task) error {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.activeCountLocked() >= q.cfg.Capacity {
		return domain.ErrQueueFull
	}
	if _, ok := q.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already enqueued", task.ID)
	}
	for _, dep := range task.DependsOn {
		if _, ok := q.tasks[dep]; !ok {
			return domain.ErrUnsatisfiedDependency
		}
	}

	c := task.Clone()
	if c.ID == "" {
		c.ID = domain.NewTaskID()
	}
	if !c.Priority.Valid() {
		c.Priority = domain.PriorityNormal
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = q.cfg.DefaultMaxRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = q.cfg.DefaultTimeout
	}
	c.Status = domain.TaskStatusPending
	c.CreatedAt = now

	q.tasks[c.ID] = c
	q.enqueued++
	task.ID = c.ID
	task.Status = c.Status
	task.CreatedAt = c.CreatedAt

	q.logger.Infof("task %s enqueued, kind=%s priority=%s", c.ID, c.Kind, c.Priority)
	q.notifyLocked(c)
	return nil
}

// Get 查询任务副本
func (q *Queue) Get(id string) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// List 所有任务副本（创建时间升序）
func (q *Queue) List() []*domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*domain.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cancel 取消待执行任务
//
// pending/scheduled直接取消；running由调度器中断执行上下文后进入取消态；
// 终态任务返回错误。
func (q *Queue) Cancel(id string) error {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if t.IsTerminal() {
		return fmt.Errorf("task %s already %s", id, t.Status)
	}
	if t.Status == domain.TaskStatusRunning {
		if cancel, ok := q.runningCancels[id]; ok {
			cancel()
		}
		// 终态由执行协程落盘
		return nil
	}

	t.Cancel(now)
	q.logger.Infof("task %s cancelled", id)
	q.notifyLocked(t)
	return nil
}

// Retry 手动重试失败任务，仅failed可重试
func (q *Queue) Retry(id string) error {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusFailed {
		return fmt.Errorf("task %s is %s, only failed tasks can be retried", id, t.Status)
	}

	t.Status = domain.TaskStatusPending
	t.RetryCount = 0
	t.Error = ""
	t.NotBefore = now
	t.StartedAt = nil
	t.CompletedAt = nil
	q.removeDeadLetterLocked(id)
	q.retried++

	q.logger.Infof("task %s manually retried", id)
	q.notifyLocked(t)
	return nil
}

// DeadLetters 死信任务副本（入列顺序）
func (q *Queue) DeadLetters() []*domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*domain.Task, 0, len(q.deadLetters))
	for _, id := range q.deadLetters {
		if t, ok := q.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Stats 当前统计
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		DeadLetters:    len(q.deadLetters),
		Enqueued:       q.enqueued,
		Retried:        q.retried,
		DeadLettered:   q.deadLettered,
		CompletedTotal: q.completed,
		FailedTotal:    q.failed,
		CancelledTotal: q.cancelled,
	}
	for _, t := range q.tasks {
		switch t.Status {
		case domain.TaskStatusPending:
			s.Pending++
		case domain.TaskStatusScheduled:
			s.Scheduled++
		case domain.TaskStatusRunning:
			s.Running++
		case domain.TaskStatusCompleted:
			s.Completed++
		case domain.TaskStatusFailed:
			s.Failed++
		case domain.TaskStatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// activeCountLocked 非终态任务数，调用方持锁
func (q *Queue) activeCountLocked() int {
	n := 0
	for _, t := range q.tasks {
		if !t.IsTerminal() {
			n++
		}
	}
	return n
}

// notifyLocked 记录状态变化并触发回调，调用方持锁
func (q *Queue) notifyLocked(t *domain.Task) {
	switch t.Status {
	case domain.TaskStatusCompleted:
		q.completed++
	case domain.TaskStatusFailed:
		q.failed++
	case domain.TaskStatusCancelled:
		q.cancelled++
	}
	if t.IsTerminal() {
		metrics.TasksTotal.WithLabelValues(t.Kind, string(t.Status)).Inc()
	}
	q.updateDepthLocked()
	if q.OnTransition != nil {
		q.OnTransition(t.Clone())
	}
}

// updateDepthLocked 刷新队列深度指标，调用方持锁
func (q *Queue) updateDepthLocked() {
	var pending, scheduled, running int
	for _, t := range q.tasks {
		switch t.Status {
		case domain.TaskStatusPending:
			pending++
		case domain.TaskStatusScheduled:
			scheduled++
		case domain.TaskStatusRunning:
			running++
		}
	}
	metrics.QueueDepth.WithLabelValues(string(domain.TaskStatusPending)).Set(float64(pending))
	metrics.QueueDepth.WithLabelValues(string(domain.TaskStatusScheduled)).Set(float64(scheduled))
	metrics.QueueDepth.WithLabelValues(string(domain.TaskStatusRunning)).Set(float64(running))
}

// purgeTerminals 清理超过保留期的终态任务，返回清理数量
//
// 死信列表内的任务与仍被非终态任务依赖的任务不清理。
func (q *Queue) purgeTerminals(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	keep := make(map[string]struct{}, len(q.deadLetters))
	for _, id := range q.deadLetters {
		keep[id] = struct{}{}
	}
	for _, t := range q.tasks {
		if t.IsTerminal() {
			continue
		}
		for _, dep := range t.DependsOn {
			keep[dep] = struct{}{}
		}
	}

	removed := 0
	for id, t := range q.tasks {
		if !t.IsTerminal() || t.CompletedAt == nil {
			continue
		}
		if _, ok := keep[id]; ok {
			continue
		}
		if now.Sub(*t.CompletedAt) < q.cfg.TerminalTTL {
			continue
		}
		delete(q.tasks, id)
		removed++
	}
	if removed > 0 {
		q.logger.Debugf("purged %d terminal tasks past retention", removed)
	}
	return removed
}

// depsStateLocked 依赖满足度，调用方持锁
//
// 返回 (全部完成, 存在失败或取消的依赖及其ID)。
func (q *Queue) depsStateLocked(t *domain.Task) (ready bool, blockedBy string) {
	ready = true
	for _, dep := range t.DependsOn {
		d, ok := q.tasks[dep]
		if !ok {
			return false, dep
		}
		switch d.Status {
		case domain.TaskStatusCompleted:
		case domain.TaskStatusFailed, domain.TaskStatusCancelled:
			return false, dep
		default:
			ready = false
		}
	}
	return ready, ""
}

// backoffDelay 指数退避：min(base * 2^retryCount, max)
func (q *Queue) backoffDelay(retryCount int) time.Duration {
	d := time.Duration(float64(q.cfg.BackoffBase) * math.Pow(2, float64(retryCount)))
	if d > q.cfg.BackoffMax || d <= 0 {
		d = q.cfg.BackoffMax
	}
	return d
}

// failForGoodLocked 任务最终失败并进入死信，调用方持锁
func (q *Queue) failForGoodLocked(t *domain.Task, msg string, now time.Time) {
	t.Fail(msg, now)
	q.deadLetters = append(q.deadLetters, t.ID)
	q.deadLettered++
	if len(q.deadLetters) > q.cfg.MaxDeadLetters {
		drop := q.deadLetters[0]
		q.deadLetters = q.deadLetters[1:]
		delete(q.tasks, drop)
	}
	q.logger.Warnf("task %s dead-lettered after %d retries: %s", t.ID, t.RetryCount, msg)
	if q.OnDeadLetter != nil {
		q.OnDeadLetter(t.Clone())
	}
	q.notifyLocked(t)
}

// removeDeadLetterLocked 从死信列表移除，调用方持锁
func (q *Queue) removeDeadLetterLocked(id string) {
	for i, d := range q.deadLetters {
		if d == id {
			q.deadLetters = append(q.deadLetters[:i], q.deadLetters[i+1:]...)
			return
		}
	}
}

// queueSnapshot 持久化快照格式
type queueSnapshot struct {
	Tasks        []*domain.Task `json:"tasks"`
	DeadLetters  []string       `json:"dead_letters"`
	Enqueued     int64          `json:"enqueued"`
	Retried      int64          `json:"retried"`
	DeadLettered int64          `json:"dead_lettered"`
	Completed    int64          `json:"completed"`
	Failed       int64          `json:"failed"`
	Cancelled    int64          `json:"cancelled"`
}

// Snapshot 导出全部任务与死信列表
func (q *Queue) Snapshot() (json.RawMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := queueSnapshot{
		DeadLetters:  append([]string(nil), q.deadLetters...),
		Enqueued:     q.enqueued,
		Retried:      q.retried,
		DeadLettered: q.deadLettered,
		Completed:    q.completed,
		Failed:       q.failed,
		Cancelled:    q.cancelled,
	}
	for _, t := range q.tasks {
		snap.Tasks = append(snap.Tasks, t.Clone())
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].ID < snap.Tasks[j].ID })
	return json.Marshal(snap)
}

// Restore 恢复快照
//
// 进程崩溃时正在执行的任务无法断点续跑，恢复为scheduled重新调度。
func (q *Queue) Restore(data json.RawMessage) error {
	var snap queueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode queue snapshot: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range snap.Tasks {
		if t == nil || t.ID == "" {
			continue
		}
		if t.Status == domain.TaskStatusRunning {
			t.Status = domain.TaskStatusScheduled
			t.StartedAt = nil
		}
		q.tasks[t.ID] = t
	}
	q.deadLetters = snap.DeadLetters
	q.enqueued = snap.Enqueued
	q.retried = snap.Retried
	q.deadLettered = snap.DeadLettered
	q.completed = snap.Completed
	q.failed = snap.Failed
	q.cancelled = snap.Cancelled
	return nil
}
