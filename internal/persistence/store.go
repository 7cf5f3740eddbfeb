package persistence

import (
	"context"
	"encoding/json"
	"time"

	"aiorchestrator/internal/domain"
)

// Snapshot 编排器全量状态快照
//
// 各分区由对应组件自行编解码，存储层只负责整体存取。
type Snapshot struct {
	SavedAt   time.Time       `json:"saved_at"`
	Admission json.RawMessage `json:"admission,omitempty"`
	Cache     json.RawMessage `json:"cache,omitempty"`
	Queue     json.RawMessage `json:"queue,omitempty"`
	Registry  json.RawMessage `json:"registry,omitempty"`
}

// Store 快照存储
//
// Load在快照不存在时返回(nil, nil)，调用方冷启动。
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
}

// DeadLetterArchive 死信归档
type DeadLetterArchive interface {
	Archive(ctx context.Context, task *domain.Task) error
}

// NopStore 空实现，未配置持久化时使用
type NopStore struct{}

func (NopStore) Save(ctx context.Context, snap *Snapshot) error { return nil }

func (NopStore) Load(ctx context.Context) (*Snapshot, error) { return nil, nil }

// NopArchive 空死信归档
type NopArchive struct{}

func (NopArchive) Archive(ctx context.Context, task *domain.Task) error { return nil }
