package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"aiorchestrator/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
)

// DefaultTickInterval 调度循环周期
const DefaultTickInterval = 1 * time.Second

// Executor 任务执行器
//
// 由编排层注入，调度器只关心任务生命周期，不关心实例选择与调用细节。
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) (map[string]interface{}, error)
}

// ExecutorFunc 函数式Executor
type ExecutorFunc func(ctx context.Context, task *domain.Task) (map[string]interface{}, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
	return f(ctx, task)
}

// WorkerSlot 工作槽配置
//
// Kinds为空表示接受任意任务类型。
type WorkerSlot struct {
	Name        string   `json:"name" yaml:"name"`
	Kinds       []string `json:"kinds" yaml:"kinds"`
	Concurrency int      `json:"concurrency" yaml:"concurrency"`
}

// accepts 判断槽位是否接受该任务类型
func (s WorkerSlot) accepts(kind string) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`
	Slots        []WorkerSlot  `json:"slots" yaml:"slots"`
}

// Scheduler 任务调度器
//
// 单调度循环：每个tick先将就绪任务置为scheduled，再按优先级
// 分派到空闲工作槽。实际执行在独立协程，超时与取消通过上下文中断。
type Scheduler struct {
	queue *Queue
	exec  Executor

	mu        sync.Mutex
	slotUsage map[string]int

	cfg    SchedulerConfig
	clock  clockwork.Clock
	logger *log.Helper

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewScheduler 创建调度器
func NewScheduler(q *Queue, exec Executor, cfg SchedulerConfig, clock clockwork.Clock, logger log.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if len(cfg.Slots) == 0 {
		cfg.Slots = []WorkerSlot{{Name: "general", Concurrency: 4}}
	}
	return &Scheduler{
		queue:     q,
		exec:      exec,
		slotUsage: make(map[string]int),
		cfg:       cfg,
		clock:     clock,
		logger:    log.NewHelper(logger),
		stopChan:  make(chan struct{}),
	}
}

// Start 启动调度循环，阻塞直到Stop或ctx取消
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Infof("scheduler started, tick=%s slots=%d", s.cfg.TickInterval, len(s.cfg.Slots))
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.Tick(ctx)
		case <-s.stopChan:
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		}
	}
}

// Stop 停止调度循环并等待在途任务结束
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Tick 执行一轮调度：晋升就绪任务，分派到空闲槽位，清理过期终态任务
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()
	s.promote(now)
	s.dispatch(ctx, now)
	s.queue.purgeTerminals(now)
}

// promote 将就绪的pending任务置为scheduled；依赖已失败的任务直接失败
func (s *Scheduler) promote(now time.Time) {
	q := s.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.tasks {
		if t.Status != domain.TaskStatusPending {
			continue
		}
		ready, blockedBy := q.depsStateLocked(t)
		if blockedBy != "" {
			t.Fail(fmt.Sprintf("dependency %s did not complete", blockedBy), now)
			q.logger.Warnf("task %s failed, dependency %s did not complete", t.ID, blockedBy)
			q.notifyLocked(t)
			continue
		}
		if !ready {
			continue
		}
		if t.ReadyAt().After(now) || t.NotBefore.After(now) {
			continue
		}
		t.Schedule(now, t.NotBefore)
		q.notifyLocked(t)
	}
}

// dispatch 按（优先级权重降序, 创建时间升序）分派scheduled任务
func (s *Scheduler) dispatch(ctx context.Context, now time.Time) {
	q := s.queue
	q.mu.Lock()

	var ready []*domain.Task
	for _, t := range q.tasks {
		if t.Status == domain.TaskStatusScheduled {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		wi, wj := ready[i].Priority.Weight(), ready[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})

	s.mu.Lock()
	var started []*domain.Task
	for _, t := range ready {
		slot := s.freeSlotLocked(t.Kind)
		if slot == "" {
			continue
		}
		s.slotUsage[slot]++
		t.Start(now)
		started = append(started, t.Clone())
		s.launch(ctx, slot, t.Clone())
	}
	s.mu.Unlock()
	q.mu.Unlock()

	for _, t := range started {
		if q.OnTransition != nil {
			q.OnTransition(t)
		}
	}
}

// freeSlotLocked 寻找接受该类型且有空闲容量的槽位，调用方持锁
func (s *Scheduler) freeSlotLocked(kind string) string {
	for _, slot := range s.cfg.Slots {
		if slot.accepts(kind) && s.slotUsage[slot.Name] < slot.Concurrency {
			return slot.Name
		}
	}
	return ""
}

// launch 启动执行协程
func (s *Scheduler) launch(ctx context.Context, slot string, task *domain.Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.slotUsage[slot]--
			s.mu.Unlock()
		}()
		s.runTask(ctx, task)
	}()
}

// runTask 执行单个任务并落盘结果
func (s *Scheduler) runTask(parent context.Context, task *domain.Task) {
	ctx, cancel := context.WithTimeout(parent, task.Timeout)
	defer cancel()

	s.queue.mu.Lock()
	s.queue.runningCancels[task.ID] = cancel
	s.queue.mu.Unlock()
	defer func() {
		s.queue.mu.Lock()
		delete(s.queue.runningCancels, task.ID)
		s.queue.mu.Unlock()
	}()

	result, err := s.execute(ctx, task)

	if err == nil {
		s.complete(task.ID, result)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || domain.ErrTaskTimeout.Is(err) {
		s.handleFailure(task.ID, domain.ErrTaskTimeout.Message, true)
		return
	}
	if errors.Is(err, context.Canceled) {
		s.markCancelled(task.ID)
		return
	}
	s.handleFailure(task.ID, err.Error(), domain.IsRetriable(err))
}

// execute 带panic保护地调用执行器
func (s *Scheduler) execute(ctx context.Context, task *domain.Task) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("task %s executor panic: %v", task.ID, r)
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return s.exec.Execute(ctx, task)
}

// complete 任务成功落盘
func (s *Scheduler) complete(id string, result map[string]interface{}) {
	now := s.clock.Now()
	q := s.queue

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.IsTerminal() {
		return
	}
	t.Complete(result, now)
	q.logger.Infof("task %s completed", id)
	q.notifyLocked(t)
}

// markCancelled 任务被中断后落盘取消态
func (s *Scheduler) markCancelled(id string) {
	now := s.clock.Now()
	q := s.queue

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.IsTerminal() {
		return
	}
	t.Cancel(now)
	q.logger.Infof("task %s cancelled during execution", id)
	q.notifyLocked(t)
}

// handleFailure 失败处理：可重试则按指数退避重新排队，否则进死信
func (s *Scheduler) handleFailure(id, msg string, retriable bool) {
	now := s.clock.Now()
	q := s.queue

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.IsTerminal() {
		return
	}

	if retriable && t.Retryable && t.RetryCount < t.MaxRetries {
		delay := q.backoffDelay(t.RetryCount)
		t.RetryCount++
		t.Status = domain.TaskStatusPending
		t.Error = msg
		t.NotBefore = now.Add(delay)
		t.StartedAt = nil
		q.retried++
		q.logger.Warnf("task %s failed (%s), retry %d/%d after %s", id, msg, t.RetryCount, t.MaxRetries, delay)
		q.notifyLocked(t)
		return
	}

	q.failForGoodLocked(t, msg, now)
}
