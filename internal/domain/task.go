package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"   // 已入队，未满足调度条件
	TaskStatusScheduled TaskStatus = "scheduled" // 等待空闲worker（含重试退避中）
	TaskStatusRunning   TaskStatus = "running"   // 执行中
	TaskStatusCompleted TaskStatus = "completed" // 成功（终态）
	TaskStatusFailed    TaskStatus = "failed"    // 重试预算耗尽（终态）
	TaskStatusCancelled TaskStatus = "cancelled" // 已取消（终态）
)

// Task 一个延迟执行的工作单元，由任务队列独占管理
type Task struct {
	ID       string                 `json:"id"`
	Kind     string                 `json:"kind"` // chat / embedding / transcription / image
	Payload  map[string]interface{} `json:"payload"`
	Priority Priority               `json:"priority"`
	Identity string                 `json:"identity"`

	// 路由参数
	Model         string  `json:"model"`
	ExpectedUnits int     `json:"expected_units"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	MaxCostUSD    float64 `json:"max_cost_usd"`

	// 重试与超时
	Retryable  bool          `json:"retryable"`
	MaxRetries int           `json:"max_retries"`
	RetryCount int           `json:"retry_count"`
	Timeout    time.Duration `json:"timeout"`

	// 调度约束
	Delay     time.Duration `json:"delay"`      // 入队后的最小等待时间
	DependsOn []string      `json:"depends_on"` // 依赖的任务ID，必须全部completed
	NotBefore time.Time     `json:"not_before"` // 最早可调度时间（含重试退避）

	Status    TaskStatus  `json:"status"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Progress  float64     `json:"progress"`
	SkipCache bool        `json:"skip_cache"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTaskID 生成任务ID
func NewTaskID() string {
	return "task_" + uuid.New().String()
}

// Schedule 进入待执行状态（首次调度或重试退避后）
func (t *Task) Schedule(now, notBefore time.Time) {
	t.Status = TaskStatusScheduled
	t.NotBefore = notBefore
	ts := now
	t.ScheduledAt = &ts
}

// Start 开始执行
func (t *Task) Start(now time.Time) {
	t.Status = TaskStatusRunning
	ts := now
	t.StartedAt = &ts
}

// Complete 执行成功
func (t *Task) Complete(result interface{}, now time.Time) {
	t.Status = TaskStatusCompleted
	t.Result = result
	t.Progress = 1.0
	ts := now
	t.CompletedAt = &ts
}

// Fail 执行失败（终态，重试预算已耗尽）
func (t *Task) Fail(errMsg string, now time.Time) {
	t.Status = TaskStatusFailed
	t.Error = errMsg
	ts := now
	t.CompletedAt = &ts
}

// Cancel 取消任务
func (t *Task) Cancel(now time.Time) {
	t.Status = TaskStatusCancelled
	ts := now
	t.CompletedAt = &ts
}

// IsTerminal 是否处于终态
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted ||
		t.Status == TaskStatusFailed ||
		t.Status == TaskStatusCancelled
}

// ReadyAt 可进入调度的最早时间
func (t *Task) ReadyAt() time.Time {
	ready := t.CreatedAt.Add(t.Delay)
	if t.NotBefore.After(ready) {
		return t.NotBefore
	}
	return ready
}

// RequestContext 任务对应的路由上下文
func (t *Task) RequestContext() *RequestContext {
	return &RequestContext{
		Model:         t.Model,
		Priority:      t.Priority,
		ExpectedUnits: t.ExpectedUnits,
		MaxLatencyMs:  t.MaxLatencyMs,
		MaxCostUSD:    t.MaxCostUSD,
		Retryable:     t.Retryable,
		Identity:      t.Identity,
	}
}

// Clone 返回任务副本（对外查询用，防止外部篡改内部状态）
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	return &c
}
