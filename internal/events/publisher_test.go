package events

import (
	"context"
	"testing"

	"aiorchestrator/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskEvent(t *testing.T) {
	task := &domain.Task{
		ID:         "task_1",
		Kind:       "chat",
		Priority:   domain.PriorityHigh,
		Identity:   "user-1",
		Status:     domain.TaskStatusFailed,
		Error:      "provider down",
		RetryCount: 2,
	}

	ev := NewTaskEvent("task.failed", task)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, "task.failed", ev.EventType)
	assert.Equal(t, "task_1", ev.TaskID)
	assert.Equal(t, "chat", ev.Kind)
	assert.Equal(t, "high", ev.Priority)
	assert.Equal(t, "failed", ev.Status)
	assert.Equal(t, "provider down", ev.Error)
	assert.Equal(t, 2, ev.RetryCount)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestMockPublisher(t *testing.T) {
	pub := NewMockPublisher()

	task := &domain.Task{ID: "task_1", Kind: "chat"}
	require.NoError(t, pub.Publish(context.Background(), NewTaskEvent("task.enqueued", task)))
	require.NoError(t, pub.Publish(context.Background(), NewTaskEvent("task.completed", task)))

	events := pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "task.enqueued", events[0].EventType)
	assert.Equal(t, "task.completed", events[1].EventType)
	require.NoError(t, pub.Close())
}
