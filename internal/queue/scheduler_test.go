package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"aiorchestrator/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickAndWait 执行一轮调度并等待本轮启动的执行协程结束
func tickAndWait(s *Scheduler, ctx context.Context) {
	s.Tick(ctx)
	s.wg.Wait()
}

func newTestScheduler(t *testing.T, exec Executor, cfg SchedulerConfig) (*Scheduler, *Queue, *clockwork.FakeClock) {
	t.Helper()
	q, clock := newTestQueue(t, Config{BackoffBase: 2 * time.Second, BackoffMax: time.Minute})
	return NewScheduler(q, exec, cfg, clock, log.NewStdLogger(os.Stdout)), q, clock
}

func TestScheduler_CompletesTask(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
		return map[string]interface{}{"answer": "ok"}, nil
	})
	s, q, _ := newTestScheduler(t, exec, SchedulerConfig{})

	task := chatTask()
	require.NoError(t, q.Enqueue(task))

	tickAndWait(s, context.Background())

	got, err := q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, map[string]interface{}{"answer": "ok"}, got.Result)
	assert.Equal(t, 1.0, got.Progress)
	require.NotNil(t, got.CompletedAt)
}

func TestScheduler_PriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
		mu.Lock()
		order = append(order, string(task.Priority))
		mu.Unlock()
		return nil, nil
	})
	// 单并发槽位，逐个出队
	s, q, clock := newTestScheduler(t, exec, SchedulerConfig{
		Slots: []WorkerSlot{{Name: "solo", Concurrency: 1}},
	})

	low := chatTask()
	low.Priority = domain.PriorityLow
	require.NoError(t, q.Enqueue(low))
	clock.Advance(time.Millisecond)

	critical := chatTask()
	critical.Priority = domain.PriorityCritical
	require.NoError(t, q.Enqueue(critical))
	clock.Advance(time.Millisecond)

	normal := chatTask()
	require.NoError(t, q.Enqueue(normal))

	for i := 0; i < 3; i++ {
		tickAndWait(s, context.Background())
	}

	assert.Equal(t, []string{"critical", "normal", "low"}, order)
}

func TestScheduler_DelayedTask(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
		return nil, nil
	})
	s, q, clock := newTestScheduler(t, exec, SchedulerConfig{})

	task := chatTask()
	task.Delay = 10 * time.Second
	require.NoError(t, q.Enqueue(task))

	tickAndWait(s, context.Background())
	got, _ := q.Get(task.ID)
	assert.Equal(t, domain.TaskStatusPending, got.Status, "delay not elapsed yet")

	clock.Advance(11 * time.Second)
	tickAndWait(s, context.Background())
	got, _ = q.Get(task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
}

func TestScheduler_RetryWithBackoff(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
		return nil, domain.NewProviderError(assert.AnError)
	})
	s, q, clock := newTestScheduler(t, exec, SchedulerConfig{})

	task := chatTask()
	task.MaxRetries = 2
	require.NoError(t, q.Enqueue(task))

	t.Run("首次失败按基数退避重新排队", func(t *testing.T) {
		tickAndWait(s, context.Background())
		got, _ := q.Get(task.ID)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, clock.Now().Add(2*time.Second), got.NotBefore)
	})

	t.Run("退避期内不调度", func(t *testing.T) {
		tickAndWait(s, context.Background())
		got, _ := q.Get(task.ID)
		assert.Equal(t, 1, got.RetryCount)
	})

	t.Run("重试耗尽进入死信", func(t *testing.T) {
		clock.Advance(5 * time.Second)
		tickAndWait(s, context.Background()) // retry 2
		got, _ := q.Get(task.ID)
		assert.Equal(t, clock.Now().Add(4*time.Second), got.NotBefore, "delay doubles on second retry")
		clock.Advance(10 * time.Second)
		tickAndWait(s, context.Background()) // budget exhausted

		got, _ = q.Get(task.ID)
		assert.Equal(t, domain.TaskStatusFailed, got.Status)
		assert.Equal(t, 2, got.RetryCount)
		require.Len(t, q.DeadLetters(), 1)
		assert.Equal(t, int64(2), q.Stats().Retried)
	})
}

func TestScheduler_NonRetriableFailsImmediately(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
		return nil, domain.ErrContentRejected
	})
	s, q, _ := newTestScheduler(t, exec, SchedulerConfig{})

	task := chatTask()
	require.NoError(t, q.Enqueue(task))
	tickAndWait(s, context.Background())

	got, _ := q.Get(task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Len(t, q.DeadLetters(), 1)
}

func TestScheduler_ExecutorPanicIsFailure(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
		panic("executor exploded")
	})
	s, q, _ := newTestScheduler(t, exec, SchedulerConfig{})

	task := chatTask()
	task.Retryable = false
	require.NoError(t, q.Enqueue(task))
	tickAndWait(s, context.Background())

	got, _ := q.Get(task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "executor panic")
}

func TestScheduler_Dependencies(t *testing.T) {
	t.Run("依赖完成后才调度", func(t *testing.T) {
		var mu sync.Mutex
		var order []string
		exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
			mu.Lock()
			order = append(order, task.ID)
			mu.Unlock()
			return nil, nil
		})
		s, q, _ := newTestScheduler(t, exec, SchedulerConfig{})

		parent := chatTask()
		require.NoError(t, q.Enqueue(parent))
		child := chatTask()
		child.DependsOn = []string{parent.ID}
		require.NoError(t, q.Enqueue(child))

		tickAndWait(s, context.Background()) // parent完成，child保持pending
		got, _ := q.Get(child.ID)
		require.NotEqual(t, domain.TaskStatusCompleted, got.Status)

		tickAndWait(s, context.Background())
		got, _ = q.Get(child.ID)
		assert.Equal(t, domain.TaskStatusCompleted, got.Status)
		assert.Equal(t, []string{parent.ID, child.ID}, order)
	})

	t.Run("依赖失败时任务直接失败且不进死信", func(t *testing.T) {
		exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
			return nil, domain.ErrContentRejected
		})
		s, q, _ := newTestScheduler(t, exec, SchedulerConfig{})

		parent := chatTask()
		require.NoError(t, q.Enqueue(parent))
		child := chatTask()
		child.DependsOn = []string{parent.ID}
		require.NoError(t, q.Enqueue(child))

		tickAndWait(s, context.Background()) // parent失败
		tickAndWait(s, context.Background()) // child因依赖失败被判失败

		got, _ := q.Get(child.ID)
		assert.Equal(t, domain.TaskStatusFailed, got.Status)
		assert.Contains(t, got.Error, parent.ID)

		letters := q.DeadLetters()
		require.Len(t, letters, 1, "only the executed parent is dead-lettered")
		assert.Equal(t, parent.ID, letters[0].ID)
	})
}

func TestScheduler_CancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, q, _ := newTestScheduler(t, exec, SchedulerConfig{})

	task := chatTask()
	require.NoError(t, q.Enqueue(task))

	s.Tick(context.Background())
	<-started

	require.NoError(t, q.Cancel(task.ID))
	s.wg.Wait()

	got, _ := q.Get(task.ID)
	assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	assert.Empty(t, q.DeadLetters())
}

func TestScheduler_TimeoutIsRetriable(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, q, _ := newTestScheduler(t, exec, SchedulerConfig{})

	task := chatTask()
	task.Timeout = 20 * time.Millisecond
	require.NoError(t, q.Enqueue(task))

	tickAndWait(s, context.Background())

	got, _ := q.Get(task.ID)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, domain.ErrTaskTimeout.Message, got.Error)
}

func TestScheduler_TerminalTaskRetention(t *testing.T) {
	t.Run("超过保留期的终态任务被清理", func(t *testing.T) {
		exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
			return nil, nil
		})
		q, clock := newTestQueue(t, Config{TerminalTTL: time.Minute})
		s := NewScheduler(q, exec, SchedulerConfig{
			Slots: []WorkerSlot{{Name: "wide", Concurrency: 128}},
		}, clock, log.NewStdLogger(os.Stdout))

		for i := 0; i < 100; i++ {
			require.NoError(t, q.Enqueue(chatTask()))
		}
		tickAndWait(s, context.Background())
		assert.Equal(t, 100, q.Stats().Completed)

		clock.Advance(30 * time.Second)
		s.Tick(context.Background())
		q.mu.Lock()
		held := len(q.tasks)
		q.mu.Unlock()
		assert.Equal(t, 100, held, "within retention window")

		clock.Advance(31 * time.Second)
		s.Tick(context.Background())
		q.mu.Lock()
		held = len(q.tasks)
		q.mu.Unlock()
		assert.Zero(t, held)
		assert.Equal(t, int64(100), q.Stats().CompletedTotal, "cumulative counts survive the purge")
	})

	t.Run("死信与被依赖的任务不清理", func(t *testing.T) {
		exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
			if task.Kind == "bad" {
				return nil, domain.ErrContentRejected
			}
			return nil, nil
		})
		q, clock := newTestQueue(t, Config{TerminalTTL: time.Minute})
		s := NewScheduler(q, exec, SchedulerConfig{}, clock, log.NewStdLogger(os.Stdout))

		bad := chatTask()
		bad.Kind = "bad"
		require.NoError(t, q.Enqueue(bad))
		parent := chatTask()
		require.NoError(t, q.Enqueue(parent))
		child := chatTask()
		child.Delay = time.Hour
		child.DependsOn = []string{parent.ID}
		require.NoError(t, q.Enqueue(child))

		tickAndWait(s, context.Background())
		clock.Advance(2 * time.Minute)
		s.Tick(context.Background())

		_, err := q.Get(bad.ID)
		assert.NoError(t, err, "dead-lettered task is retained")
		_, err = q.Get(parent.ID)
		assert.NoError(t, err, "completed dependency of a live task is retained")
		got, err := q.Get(child.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
	})
}

func TestScheduler_KindSlots(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (map[string]interface{}, error) {
		return nil, nil
	})
	s, q, _ := newTestScheduler(t, exec, SchedulerConfig{
		Slots: []WorkerSlot{{Name: "chat-only", Kinds: []string{"chat"}, Concurrency: 2}},
	})

	chat := chatTask()
	require.NoError(t, q.Enqueue(chat))
	embed := chatTask()
	embed.Kind = "embedding"
	require.NoError(t, q.Enqueue(embed))

	tickAndWait(s, context.Background())

	got, _ := q.Get(chat.ID)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	got, _ = q.Get(embed.ID)
	assert.Equal(t, domain.TaskStatusScheduled, got.Status, "no slot accepts this kind")
}
