package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"aiorchestrator/internal/domain"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// TaskEvent 任务生命周期事件
type TaskEvent struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"` // task.enqueued / task.completed / task.dead_lettered 等
	TaskID     string                 `json:"task_id"`
	Kind       string                 `json:"kind"`
	Priority   string                 `json:"priority"`
	Status     string                 `json:"status"`
	Identity   string                 `json:"identity,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RetryCount int                    `json:"retry_count"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// NewTaskEvent 从任务构造事件
func NewTaskEvent(eventType string, task *domain.Task) *TaskEvent {
	return &TaskEvent{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		TaskID:     task.ID,
		Kind:       task.Kind,
		Priority:   string(task.Priority),
		Status:     string(task.Status),
		Identity:   task.Identity,
		Error:      task.Error,
		RetryCount: task.RetryCount,
		Timestamp:  time.Now().UTC(),
	}
}

// Publisher 事件发布器接口
type Publisher interface {
	// Publish 发布事件
	Publish(ctx context.Context, event *TaskEvent) error
	// Close 关闭发布器
	Close() error
}

// PublisherConfig 发布器配置
type PublisherConfig struct {
	Brokers      []string `json:"brokers" yaml:"brokers"`
	Topic        string   `json:"topic" yaml:"topic"`
	RetryMax     int      `json:"retry_max" yaml:"retry_max"`
	RequiredAcks sarama.RequiredAcks
}

// DefaultPublisherConfig 默认配置
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "orchestrator.task.events",
		RetryMax:     3,
		RequiredAcks: sarama.WaitForLocal,
	}
}

// KafkaPublisher Kafka 事件发布器
type KafkaPublisher struct {
	producer sarama.SyncProducer
	config   *PublisherConfig
}

// NewKafkaPublisher 创建 Kafka 发布器
func NewKafkaPublisher(config *PublisherConfig) (*KafkaPublisher, error) {
	if config == nil {
		config = DefaultPublisherConfig()
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.RequiredAcks = config.RequiredAcks
	kafkaConfig.Producer.Retry.Max = config.RetryMax
	kafkaConfig.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(config.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaPublisher{producer: producer, config: config}, nil
}

// Publish 发布事件
func (p *KafkaPublisher) Publish(ctx context.Context, event *TaskEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.config.Topic,
		Key:   sarama.StringEncoder(event.TaskID), // 同一任务的事件保序
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.EventType)},
		},
		Timestamp: event.Timestamp,
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close 关闭发布器
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NopPublisher 空发布器，未配置Kafka时使用
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event *TaskEvent) error { return nil }

func (NopPublisher) Close() error { return nil }

// MockPublisher 模拟发布器（用于测试）
type MockPublisher struct {
	mu     sync.Mutex
	events []*TaskEvent
}

// NewMockPublisher 创建模拟发布器
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// Publish 发布事件
func (m *MockPublisher) Publish(ctx context.Context, event *TaskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Close 关闭
func (m *MockPublisher) Close() error { return nil }

// Events 已发布事件副本
func (m *MockPublisher) Events() []*TaskEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*TaskEvent(nil), m.events...)
}
