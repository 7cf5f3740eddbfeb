package admission

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jonboulle/clockwork"
)

// overageBlockThreshold 连续超限多少次后进入惩罚性封禁
const overageBlockThreshold = 5

// Decision 准入决策
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	RuleID     string        `json:"rule_id,omitempty"`
	Warning    string        `json:"warning,omitempty"` // fail-open时携带内部错误说明
}

// limitState 单个（身份, 规则, 等级）的计数器状态
//
// 同一时刻只与一种算法的字段组合有效，由规则的算法标签决定。
type limitState struct {
	mu sync.Mutex

	Timestamps   []time.Time `json:"timestamps,omitempty"`    // sliding_window / adaptive
	Tokens       float64     `json:"tokens"`                  // token_bucket
	LastRefill   time.Time   `json:"last_refill"`             // token_bucket
	Level        float64     `json:"level"`                   // leaky_bucket
	LastLeak     time.Time   `json:"last_leak"`               // leaky_bucket
	Warnings     int         `json:"warnings"`                // 连续超限次数
	BlockedUntil time.Time   `json:"blocked_until,omitempty"` // 惩罚性封禁截止
	initialized  bool
}

// Limiter 准入控制器（限流器）
//
// Check永不阻塞；内部错误时fail-open（放行并携带警告），
// 可用性优先于严格配额。
type Limiter struct {
	mu     sync.RWMutex
	rules  map[string]*Rule
	states map[string]*limitState

	loadMon *LoadMonitor // 可为nil（无自适应收缩）
	clock   clockwork.Clock
	logger  *log.Helper

	// OnFailOpen fail-open时的回调（指标上报用），可为nil
	OnFailOpen func(endpoint string)
}

// NewLimiter 创建限流器
func NewLimiter(loadMon *LoadMonitor, clock clockwork.Clock, logger log.Logger) *Limiter {
	return &Limiter{
		rules:   make(map[string]*Rule),
		states:  make(map[string]*limitState),
		loadMon: loadMon,
		clock:   clock,
		logger:  log.NewHelper(logger),
	}
}

// AddRule 添加或更新规则
func (l *Limiter) AddRule(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c := *rule
	l.rules[rule.ID] = &c
	return nil
}

// RemoveRule 删除规则
func (l *Limiter) RemoveRule(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rules[id]; !ok {
		return false
	}
	delete(l.rules, id)
	return true
}

// Rules 所有规则（按ID排序）
func (l *Limiter) Rules() []*Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Rule, 0, len(l.rules))
	for _, r := range l.rules {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Check 准入检查，同步返回决策
func (l *Limiter) Check(endpoint, identity string, tier Tier) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("limiter panic on %s, failing open: %v", endpoint, r)
			decision = l.failOpen(endpoint, fmt.Sprintf("internal panic: %v", r))
		}
	}()

	rule := l.resolve(endpoint)
	if rule == nil {
		// 无匹配规则：不限流
		return Decision{Allowed: true, Limit: -1, Remaining: -1}
	}

	tl, ok := rule.Tiers[tier]
	if !ok {
		return l.failOpen(endpoint, fmt.Sprintf("rule %s has no tier %q", rule.ID, tier))
	}

	st := l.state(identity, rule.ID, tier)
	d, err := l.evaluate(rule, tl, st)
	if err != nil {
		return l.failOpen(endpoint, err.Error())
	}
	d.RuleID = rule.ID
	return d
}

// failOpen 内部错误时放行并携带警告
func (l *Limiter) failOpen(endpoint, warning string) Decision {
	l.logger.Warnf("admission fail-open on %s: %s", endpoint, warning)
	if l.OnFailOpen != nil {
		l.OnFailOpen(endpoint)
	}
	return Decision{Allowed: true, Limit: -1, Remaining: -1, Warning: warning}
}

// resolve 规则解析：最特异的匹配优先，其次数值优先级最小，仅启用规则参与
func (l *Limiter) resolve(endpoint string) *Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var best *Rule
	bestSpec := -1
	for _, r := range l.rules {
		if !r.Enabled {
			continue
		}
		matched, spec := r.Matches(endpoint)
		if !matched {
			continue
		}
		switch {
		case spec > bestSpec:
			best, bestSpec = r, spec
		case spec == bestSpec && best != nil && r.Priority < best.Priority:
			best = r
		case spec == bestSpec && best != nil && r.Priority == best.Priority && r.ID < best.ID:
			best = r
		}
	}
	return best
}

// state 懒创建计数器状态
func (l *Limiter) state(identity, ruleID string, tier Tier) *limitState {
	key := identity + "|" + ruleID + "|" + string(tier)

	l.mu.RLock()
	st, ok := l.states[key]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.states[key]; ok {
		return st
	}
	st = &limitState{}
	l.states[key] = st
	return st
}

// evaluate 按规则算法执行一次判定
func (l *Limiter) evaluate(rule *Rule, tl TierLimit, st *limitState) (Decision, error) {
	now := l.clock.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	// 惩罚性封禁
	if st.BlockedUntil.After(now) {
		return Decision{
			Allowed:    false,
			Limit:      tl.Max,
			Remaining:  0,
			ResetAt:    st.BlockedUntil,
			RetryAfter: st.BlockedUntil.Sub(now),
		}, nil
	}

	var d Decision
	switch tl.Algorithm {
	case AlgorithmSlidingWindow:
		d = slidingWindow(st, now, tl.Max, tl.Window)
	case AlgorithmTokenBucket:
		d = tokenBucket(st, now, tl)
	case AlgorithmLeakyBucket:
		d = leakyBucket(st, now, tl)
	case AlgorithmAdaptive:
		d = slidingWindow(st, now, l.adaptiveMax(rule, tl), tl.Window)
	default:
		return Decision{}, fmt.Errorf("unknown rate limit algorithm %q", tl.Algorithm)
	}

	if d.Allowed {
		st.Warnings = 0
	} else {
		st.Warnings++
		if st.Warnings >= overageBlockThreshold {
			st.BlockedUntil = now.Add(tl.Window)
			st.Warnings = 0
			d.ResetAt = st.BlockedUntil
			d.RetryAfter = tl.Window
		}
	}
	return d, nil
}

// adaptiveMax 自适应有效限额：基础限额按系统负载系数与规则优先级倒数收缩，
// 不低于配置的下限。
func (l *Limiter) adaptiveMax(rule *Rule, tl TierLimit) int {
	factor := 1.0
	if l.loadMon != nil {
		factor = l.loadMon.LimitFactor()
	}
	priority := rule.Priority
	if priority < 1 {
		priority = 1
	}

	eff := int(float64(tl.Max) * factor / float64(priority))
	min := tl.MinLimit
	if min <= 0 {
		min = 1
	}
	if eff < min {
		eff = min
	}
	return eff
}

// slidingWindow 滑动窗口：保留[now-window, now]内的时间戳，数量<max则放行
func slidingWindow(st *limitState, now time.Time, max int, window time.Duration) Decision {
	cutoff := now.Add(-window)
	kept := st.Timestamps[:0]
	for _, ts := range st.Timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.Timestamps = kept

	resetAt := now.Add(window)
	if len(st.Timestamps) > 0 {
		resetAt = st.Timestamps[0].Add(window)
	}

	if len(st.Timestamps) < max {
		st.Timestamps = append(st.Timestamps, now)
		return Decision{
			Allowed:   true,
			Limit:     max,
			Remaining: max - len(st.Timestamps),
			ResetAt:   resetAt,
		}
	}

	return Decision{
		Allowed:    false,
		Limit:      max,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: resetAt.Sub(now),
	}
}

// tokenBucket 令牌桶：按max/window速率连续补充，封顶burst（未配置取max）
func tokenBucket(st *limitState, now time.Time, tl TierLimit) Decision {
	capacity := float64(tl.Max)
	if tl.Burst > 0 {
		capacity = float64(tl.Burst)
	}
	rate := float64(tl.Max) / tl.Window.Seconds()

	if !st.initialized {
		st.Tokens = capacity
		st.LastRefill = now
		st.initialized = true
	}

	elapsed := now.Sub(st.LastRefill).Seconds()
	if elapsed > 0 {
		st.Tokens += elapsed * rate
		if st.Tokens > capacity {
			st.Tokens = capacity
		}
		st.LastRefill = now
	}

	if st.Tokens >= 1 {
		st.Tokens--
		return Decision{
			Allowed:   true,
			Limit:     tl.Max,
			Remaining: int(st.Tokens),
			ResetAt:   now.Add(time.Duration((capacity - st.Tokens) / rate * float64(time.Second))),
		}
	}

	wait := time.Duration((1 - st.Tokens) / rate * float64(time.Second))
	return Decision{
		Allowed:    false,
		Limit:      tl.Max,
		Remaining:  0,
		ResetAt:    now.Add(wait),
		RetryAfter: wait,
	}
}

// leakyBucket 漏桶：计数器以恒定速率泄漏，低于max则放行并加一
func leakyBucket(st *limitState, now time.Time, tl TierLimit) Decision {
	rate := float64(tl.Max) / tl.Window.Seconds()

	if !st.initialized {
		st.LastLeak = now
		st.initialized = true
	}

	elapsed := now.Sub(st.LastLeak).Seconds()
	if elapsed > 0 {
		st.Level -= elapsed * rate
		if st.Level < 0 {
			st.Level = 0
		}
		st.LastLeak = now
	}

	if st.Level < float64(tl.Max) {
		st.Level++
		return Decision{
			Allowed:   true,
			Limit:     tl.Max,
			Remaining: tl.Max - int(st.Level),
			ResetAt:   now.Add(time.Duration(st.Level / rate * float64(time.Second))),
		}
	}

	wait := time.Duration((st.Level - float64(tl.Max) + 1) / rate * float64(time.Second))
	return Decision{
		Allowed:    false,
		Limit:      tl.Max,
		Remaining:  0,
		ResetAt:    now.Add(wait),
		RetryAfter: wait,
	}
}

// limiterSnapshot 持久化快照格式
type limiterSnapshot struct {
	Rules  []*Rule                `json:"rules"`
	States map[string]*limitState `json:"states"`
}

// Snapshot 导出规则与计数器状态
func (l *Limiter) Snapshot() (json.RawMessage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := limiterSnapshot{
		Rules:  make([]*Rule, 0, len(l.rules)),
		States: make(map[string]*limitState, len(l.states)),
	}
	for _, r := range l.rules {
		c := *r
		snap.Rules = append(snap.Rules, &c)
	}
	for k, st := range l.states {
		st.mu.Lock()
		c := limitState{
			Timestamps:   append([]time.Time(nil), st.Timestamps...),
			Tokens:       st.Tokens,
			LastRefill:   st.LastRefill,
			Level:        st.Level,
			LastLeak:     st.LastLeak,
			Warnings:     st.Warnings,
			BlockedUntil: st.BlockedUntil,
		}
		st.mu.Unlock()
		snap.States[k] = &c
	}
	return json.Marshal(snap)
}

// Restore 恢复快照；损坏的快照返回错误，调用方降级为空状态冷启动
func (l *Limiter) Restore(data json.RawMessage) error {
	var snap limiterSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode limiter snapshot: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range snap.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid rule in snapshot: %w", err)
		}
		l.rules[r.ID] = r
	}
	for k, st := range snap.States {
		st.initialized = true
		l.states[k] = st
	}
	return nil
}
