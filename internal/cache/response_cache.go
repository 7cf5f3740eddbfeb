package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"aiorchestrator/pkg/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultSweepInterval 过期清扫周期
	DefaultSweepInterval = 5 * time.Minute

	// evictBatchRatio 超过条数上限时一次驱逐的比例
	evictBatchRatio = 0.10

	// sizeTargetRatio 超过容量上限时驱逐到的水位
	sizeTargetRatio = 0.80
)

// Metadata 缓存值的附加元信息
type Metadata struct {
	CostUSD float64 `json:"cost_usd"` // 生成该值的原始成本
	Size    int64   `json:"size"`     // 值的字节数
	Quality float64 `json:"quality"`  // 生成质量评分（可选）
}

// Entry 缓存条目
type Entry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Metadata   Metadata        `json:"metadata"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Hits       int64           `json:"hits"`
	LastAccess time.Time       `json:"last_access"`
}

// Stats 缓存统计
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	Expirations  int64   `json:"expirations"`
	Entries      int     `json:"entries"`
	TotalSize    int64   `json:"total_size"`
	SavedCostUSD float64 `json:"saved_cost_usd"` // 命中避免的累计成本
}

// Config 缓存配置
type Config struct {
	MaxEntries    int                      `json:"max_entries" yaml:"max_entries"`
	MaxTotalSize  int64                    `json:"max_total_size" yaml:"max_total_size"`
	DefaultTTL    time.Duration            `json:"default_ttl" yaml:"default_ttl"`
	KindTTL       map[string]time.Duration `json:"kind_ttl" yaml:"kind_ttl"` // 按任务类型覆盖TTL
	SweepInterval time.Duration            `json:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultConfig 默认缓存配置
func DefaultConfig() Config {
	return Config{
		MaxEntries:   10000,
		MaxTotalSize: 256 << 20, // 256MB
		DefaultTTL:   1 * time.Hour,
		KindTTL: map[string]time.Duration{
			"chat":       15 * time.Minute,
			"completion": 15 * time.Minute,
			"embedding":  24 * time.Hour,
		},
		SweepInterval: DefaultSweepInterval,
	}
}

// FillFunc 未命中时生成值的回调
type FillFunc func(ctx context.Context) (json.RawMessage, Metadata, error)

// inflight 同键并发填充的去重句柄
type inflight struct {
	done chan struct{}
	val  json.RawMessage
	md   Metadata
	err  error
}

// ResponseCache 响应缓存
//
// 混合驱逐：条数超限按（命中数升序, 创建时间升序）批量驱逐10%，
// 容量超限按命中密度（hits/size）升序驱逐至80%水位。
// 过期采用惰性判定加周期清扫。
type ResponseCache struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	calls     map[string]*inflight
	totalSize int64
	stats     Stats

	cfg    Config
	clock  clockwork.Clock
	logger *log.Helper

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewResponseCache 创建响应缓存
func NewResponseCache(cfg Config, clock clockwork.Clock, logger log.Logger) *ResponseCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.MaxTotalSize <= 0 {
		cfg.MaxTotalSize = DefaultConfig().MaxTotalSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &ResponseCache{
		entries:  make(map[string]*Entry),
		calls:    make(map[string]*inflight),
		cfg:      cfg,
		clock:    clock,
		logger:   log.NewHelper(logger),
		stopChan: make(chan struct{}),
	}
}

// ttlFor 任务类型对应的TTL
func (c *ResponseCache) ttlFor(kind string) time.Duration {
	if ttl, ok := c.cfg.KindTTL[kind]; ok && ttl > 0 {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// Get 查询缓存；过期条目视为未命中并立刻移除
func (c *ResponseCache) Get(key string) (json.RawMessage, Metadata, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		metrics.CacheOperations.WithLabelValues("miss").Inc()
		return nil, Metadata{}, false
	}
	if !e.ExpiresAt.After(now) {
		c.removeLocked(key)
		c.stats.Expirations++
		c.stats.Misses++
		metrics.CacheOperations.WithLabelValues("expire").Inc()
		metrics.CacheOperations.WithLabelValues("miss").Inc()
		return nil, Metadata{}, false
	}

	e.Hits++
	e.LastAccess = now
	c.stats.Hits++
	c.stats.SavedCostUSD += e.Metadata.CostUSD
	metrics.CacheOperations.WithLabelValues("hit").Inc()
	metrics.CacheSavedCost.Add(e.Metadata.CostUSD)

	val := make(json.RawMessage, len(e.Value))
	copy(val, e.Value)
	return val, e.Metadata, true
}

// Set 写入缓存并按需驱逐
func (c *ResponseCache) Set(key, kind string, value json.RawMessage, md Metadata) {
	now := c.clock.Now()
	if md.Size <= 0 {
		md.Size = int64(len(value))
	}

	stored := make(json.RawMessage, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.totalSize -= old.Metadata.Size
	}
	c.entries[key] = &Entry{
		Key:        key,
		Value:      stored,
		Metadata:   md,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.ttlFor(kind)),
		LastAccess: now,
	}
	c.totalSize += md.Size

	c.evictLocked()
}

// Delete 删除指定条目
func (c *ResponseCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.removeLocked(key)
	return true
}

// Wrap 读穿缓存：命中直接返回，未命中执行fill并回填。
// 同一键的并发Wrap只执行一次fill，其余调用等待结果。
// forceRefresh跳过命中判定但仍回填。
func (c *ResponseCache) Wrap(ctx context.Context, kind, model string, params map[string]interface{}, forceRefresh bool, fill FillFunc) (json.RawMessage, Metadata, error) {
	key, err := Fingerprint(kind, model, params)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("fingerprint request: %w", err)
	}

	if !forceRefresh {
		if val, md, ok := c.Get(key); ok {
			return val, md, nil
		}
	}

	c.mu.Lock()
	if call, ok := c.calls[key]; ok && !forceRefresh {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.val, call.md, call.err
		case <-ctx.Done():
			return nil, Metadata{}, ctx.Err()
		}
	}
	call := &inflight{done: make(chan struct{})}
	c.calls[key] = call
	c.mu.Unlock()

	call.val, call.md, call.err = fill(ctx)
	if call.err == nil {
		c.Set(key, kind, call.val, call.md)
	}

	// forceRefresh可能已用新句柄覆盖注册，只清理自己的
	c.mu.Lock()
	if cur, ok := c.calls[key]; ok && cur == call {
		delete(c.calls, key)
	}
	c.mu.Unlock()
	close(call.done)

	return call.val, call.md, call.err
}

// Start 启动周期清扫，阻塞直到Stop或ctx取消
func (c *ResponseCache) Start(ctx context.Context) error {
	c.logger.Infof("cache sweeper started, interval=%s", c.cfg.SweepInterval)
	ticker := c.clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			removed := c.Sweep()
			if removed > 0 {
				c.logger.Debugf("cache sweep removed %d expired entries", removed)
			}
		case <-c.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop 停止清扫循环
func (c *ResponseCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// Sweep 移除所有已过期条目，返回移除数量
func (c *ResponseCache) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if !e.ExpiresAt.After(now) {
			c.removeLocked(key)
			c.stats.Expirations++
			metrics.CacheOperations.WithLabelValues("expire").Inc()
			removed++
		}
	}
	return removed
}

// Stats 当前统计快照
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.TotalSize = c.totalSize
	return s
}

// removeLocked 删除条目并扣减容量，调用方持锁
func (c *ResponseCache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.totalSize -= e.Metadata.Size
	delete(c.entries, key)
}

// evictLocked 执行混合驱逐，调用方持锁
func (c *ResponseCache) evictLocked() {
	// 条数超限：按命中数升序（再按创建时间升序）驱逐一批
	if len(c.entries) > c.cfg.MaxEntries {
		batch := int(float64(c.cfg.MaxEntries) * evictBatchRatio)
		if batch < 1 {
			batch = 1
		}
		ordered := c.sortedLocked(func(a, b *Entry) bool {
			if a.Hits != b.Hits {
				return a.Hits < b.Hits
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
		for i := 0; i < batch && i < len(ordered); i++ {
			c.removeLocked(ordered[i].Key)
			c.stats.Evictions++
			metrics.CacheOperations.WithLabelValues("evict").Inc()
		}
	}

	// 容量超限：按命中密度升序驱逐至目标水位
	if c.totalSize > c.cfg.MaxTotalSize {
		target := int64(float64(c.cfg.MaxTotalSize) * sizeTargetRatio)
		ordered := c.sortedLocked(func(a, b *Entry) bool {
			return density(a) < density(b)
		})
		for _, e := range ordered {
			if c.totalSize <= target {
				break
			}
			c.removeLocked(e.Key)
			c.stats.Evictions++
			metrics.CacheOperations.WithLabelValues("evict").Inc()
		}
	}
}

// sortedLocked 条目按给定序返回，调用方持锁
func (c *ResponseCache) sortedLocked(less func(a, b *Entry) bool) []*Entry {
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// density 命中密度，字节数为0时按1计
func density(e *Entry) float64 {
	size := e.Metadata.Size
	if size <= 0 {
		size = 1
	}
	return float64(e.Hits) / float64(size)
}

// cacheSnapshot 持久化快照格式
type cacheSnapshot struct {
	Entries []*Entry `json:"entries"`
	Stats   Stats    `json:"stats"`
}

// Snapshot 导出未过期条目与统计
func (c *ResponseCache) Snapshot() (json.RawMessage, error) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := cacheSnapshot{Stats: c.stats}
	for _, e := range c.entries {
		if e.ExpiresAt.After(now) {
			cp := *e
			snap.Entries = append(snap.Entries, &cp)
		}
	}
	return json.Marshal(snap)
}

// Restore 恢复快照；已过期条目直接丢弃
func (c *ResponseCache) Restore(data json.RawMessage) error {
	var snap cacheSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode cache snapshot: %w", err)
	}

	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range snap.Entries {
		if e == nil || e.Key == "" || !e.ExpiresAt.After(now) {
			continue
		}
		if old, ok := c.entries[e.Key]; ok {
			c.totalSize -= old.Metadata.Size
		}
		c.entries[e.Key] = e
		c.totalSize += e.Metadata.Size
	}
	c.stats = snap.Stats
	c.evictLocked()
	return nil
}
