package queue

import (
	"os"
	"testing"
	"time"

	"aiorchestrator/internal/domain"
	"aiorchestrator/pkg/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	return NewQueue(cfg, clock, log.NewStdLogger(os.Stdout)), clock
}

func chatTask() *domain.Task {
	return &domain.Task{Kind: "chat", Model: "gpt-4o", Retryable: true}
}

func TestQueue_Enqueue(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	t.Run("补齐默认值", func(t *testing.T) {
		task := chatTask()
		require.NoError(t, q.Enqueue(task))
		assert.NotEmpty(t, task.ID)

		got, err := q.Get(task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		assert.Equal(t, domain.PriorityNormal, got.Priority)
		assert.Equal(t, DefaultConfig().DefaultMaxRetries, got.MaxRetries)
		assert.Equal(t, DefaultConfig().DefaultTimeout, got.Timeout)
	})

	t.Run("未知依赖拒绝入队", func(t *testing.T) {
		task := chatTask()
		task.DependsOn = []string{"task_missing"}
		err := q.Enqueue(task)
		assert.True(t, domain.ErrUnsatisfiedDependency.Is(err))
	})

	t.Run("查询未知任务", func(t *testing.T) {
		_, err := q.Get("task_missing")
		assert.True(t, domain.ErrTaskNotFound.Is(err))
	})
}

func TestQueue_TransitionMetrics(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	cancelledBefore := testutil.ToFloat64(metrics.TasksTotal.WithLabelValues("chat", string(domain.TaskStatusCancelled)))

	task := chatTask()
	require.NoError(t, q.Enqueue(task))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues(string(domain.TaskStatusPending))))

	require.NoError(t, q.Cancel(task.ID))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues(string(domain.TaskStatusPending))))
	assert.Equal(t, cancelledBefore+1, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues("chat", string(domain.TaskStatusCancelled))))
	assert.Equal(t, int64(1), q.Stats().CancelledTotal)
}

func TestQueue_CapacityByActiveTasks(t *testing.T) {
	q, clock := newTestQueue(t, Config{Capacity: 2})

	a, b := chatTask(), chatTask()
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))

	t.Run("满载拒绝", func(t *testing.T) {
		err := q.Enqueue(chatTask())
		assert.True(t, domain.ErrQueueFull.Is(err))
	})

	t.Run("终态任务不占容量", func(t *testing.T) {
		q.mu.Lock()
		q.tasks[a.ID].Complete(nil, clock.Now())
		q.mu.Unlock()

		assert.NoError(t, q.Enqueue(chatTask()))
	})
}

func TestQueue_CancelAndRetry(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	task := chatTask()
	require.NoError(t, q.Enqueue(task))

	t.Run("pending任务可取消", func(t *testing.T) {
		require.NoError(t, q.Cancel(task.ID))
		got, _ := q.Get(task.ID)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	})

	t.Run("终态任务不可重复取消", func(t *testing.T) {
		assert.Error(t, q.Cancel(task.ID))
	})

	t.Run("仅failed任务可手动重试", func(t *testing.T) {
		assert.Error(t, q.Retry(task.ID))
	})

	t.Run("failed任务重试后回到pending", func(t *testing.T) {
		failed := chatTask()
		require.NoError(t, q.Enqueue(failed))
		q.mu.Lock()
		ft := q.tasks[failed.ID]
		ft.RetryCount = 3
		q.failForGoodLocked(ft, "provider down", q.clock.Now())
		q.mu.Unlock()
		require.Len(t, q.DeadLetters(), 1)

		require.NoError(t, q.Retry(failed.ID))
		got, _ := q.Get(failed.ID)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		assert.Equal(t, 0, got.RetryCount)
		assert.Empty(t, got.Error)
		assert.Empty(t, q.DeadLetters(), "retried task leaves the dead letter list")
	})
}

func TestQueue_BackoffDelay(t *testing.T) {
	q, _ := newTestQueue(t, Config{BackoffBase: 2 * time.Second, BackoffMax: 5 * time.Minute})

	assert.Equal(t, 4*time.Second, q.backoffDelay(1))
	assert.Equal(t, 8*time.Second, q.backoffDelay(2))
	assert.Equal(t, 16*time.Second, q.backoffDelay(3))
	assert.Equal(t, 5*time.Minute, q.backoffDelay(20), "capped at max")
}

func TestQueue_DeadLetterCap(t *testing.T) {
	q, clock := newTestQueue(t, Config{Capacity: 100, MaxDeadLetters: 2})

	ids := make([]string, 3)
	for i := range ids {
		task := chatTask()
		require.NoError(t, q.Enqueue(task))
		ids[i] = task.ID

		q.mu.Lock()
		q.failForGoodLocked(q.tasks[task.ID], "boom", clock.Now())
		q.mu.Unlock()
	}

	letters := q.DeadLetters()
	require.Len(t, letters, 2)
	assert.Equal(t, ids[1], letters[0].ID, "oldest dead letter dropped")
	assert.Equal(t, ids[2], letters[1].ID)

	// 被挤出的死信任务连同记录一起移除
	_, err := q.Get(ids[0])
	assert.True(t, domain.ErrTaskNotFound.Is(err))
	assert.Equal(t, int64(3), q.Stats().DeadLettered)
}

func TestQueue_TransitionHooks(t *testing.T) {
	q, clock := newTestQueue(t, Config{})

	var transitions []domain.TaskStatus
	var deadLettered []string
	q.OnTransition = func(task *domain.Task) { transitions = append(transitions, task.Status) }
	q.OnDeadLetter = func(task *domain.Task) { deadLettered = append(deadLettered, task.ID) }

	task := chatTask()
	require.NoError(t, q.Enqueue(task))
	q.mu.Lock()
	q.failForGoodLocked(q.tasks[task.ID], "boom", clock.Now())
	q.mu.Unlock()

	assert.Equal(t, []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusFailed}, transitions)
	assert.Equal(t, []string{task.ID}, deadLettered)
}

func TestQueue_SnapshotRestore(t *testing.T) {
	q, clock := newTestQueue(t, Config{})

	running := chatTask()
	require.NoError(t, q.Enqueue(running))
	pending := chatTask()
	require.NoError(t, q.Enqueue(pending))

	q.mu.Lock()
	q.tasks[running.ID].Schedule(clock.Now(), clock.Now())
	q.tasks[running.ID].Start(clock.Now())
	q.mu.Unlock()

	data, err := q.Snapshot()
	require.NoError(t, err)

	t.Run("运行中任务恢复为scheduled重新调度", func(t *testing.T) {
		restored, _ := newTestQueue(t, Config{})
		require.NoError(t, restored.Restore(data))

		got, err := restored.Get(running.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusScheduled, got.Status)
		assert.Nil(t, got.StartedAt)

		got, err = restored.Get(pending.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		assert.Equal(t, int64(2), restored.Stats().Enqueued)
	})

	t.Run("损坏快照返回错误", func(t *testing.T) {
		restored, _ := newTestQueue(t, Config{})
		assert.Error(t, restored.Restore([]byte("junk")))
	})
}
