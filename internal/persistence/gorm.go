package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aiorchestrator/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// snapshotRecord 快照表，单行覆盖写
type snapshotRecord struct {
	ID      uint      `gorm:"primaryKey"`
	SavedAt time.Time `gorm:"index"`
	Data    []byte    `gorm:"type:blob"`
}

func (snapshotRecord) TableName() string { return "orchestrator_snapshots" }

// deadLetterRecord 死信归档表
type deadLetterRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	TaskID     string    `gorm:"size:64;uniqueIndex"`
	Kind       string    `gorm:"size:64;index"`
	Priority   string    `gorm:"size:16"`
	Identity   string    `gorm:"size:128;index"`
	Error      string    `gorm:"type:text"`
	RetryCount int
	Payload    []byte    `gorm:"type:blob"`
	ArchivedAt time.Time `gorm:"index"`
}

func (deadLetterRecord) TableName() string { return "dead_letter_tasks" }

// GormStore 关系库快照存储与死信归档
type GormStore struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewGormStore 创建存储并迁移表结构
func NewGormStore(db *gorm.DB, logger log.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&snapshotRecord{}, &deadLetterRecord{}); err != nil {
		return nil, fmt.Errorf("migrate persistence tables: %w", err)
	}
	return &GormStore{db: db, logger: log.NewHelper(logger)}, nil
}

// Save 覆盖写入单行快照
func (s *GormStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	rec := snapshotRecord{ID: 1, SavedAt: snap.SavedAt, Data: data}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load 读取快照；无记录返回(nil, nil)
func (s *GormStore) Load(ctx context.Context) (*Snapshot, error) {
	var rec snapshotRecord
	err := s.db.WithContext(ctx).First(&rec, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(rec.Data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Archive 归档死信任务，同一任务重复归档时覆盖
func (s *GormStore) Archive(ctx context.Context, task *domain.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal dead letter task: %w", err)
	}
	rec := deadLetterRecord{
		TaskID:     task.ID,
		Kind:       task.Kind,
		Priority:   string(task.Priority),
		Identity:   task.Identity,
		Error:      task.Error,
		RetryCount: task.RetryCount,
		Payload:    payload,
		ArchivedAt: time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).
		Where("task_id = ?", task.ID).
		Assign(rec).
		FirstOrCreate(&deadLetterRecord{}).Error
	if err != nil {
		return fmt.Errorf("archive dead letter: %w", err)
	}
	s.logger.Infof("dead letter task %s archived", task.ID)
	return nil
}

// ListArchived 查询最近归档的死信（archived_at降序）
func (s *GormStore) ListArchived(ctx context.Context, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []deadLetterRecord
	err := s.db.WithContext(ctx).
		Order("archived_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list archived dead letters: %w", err)
	}

	out := make([]*domain.Task, 0, len(recs))
	for _, rec := range recs {
		var t domain.Task
		if err := json.Unmarshal(rec.Payload, &t); err != nil {
			s.logger.Warnf("skip corrupt dead letter record %s: %v", rec.TaskID, err)
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}
