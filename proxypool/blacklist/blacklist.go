package blacklist

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"fastproxy_pool/internal/shared/logger"
	"fastproxy_pool/proxypool/model"
)

// 重测间隔随失败次数翻倍，最多翻 maxBackoffShift 次 (8 倍)。
const maxBackoffShift = 3

// Policy 决定黑名单条目何时重新获得测试资格，以及何时被淘汰。
// 零值表示条目永远不会被重测，也不会被淘汰。
type Policy struct {
	// RetestAfter 是失败后到可以重测之间的基础间隔，0 表示不按年龄重测。
	RetestAfter time.Duration
	// RetestProbability 是每次刷新中随机给未到期条目一次重测机会的概率。
	RetestProbability float64
	// EvictAfter 超过该时长没有再次失败的条目会被移除，0 表示不淘汰。
	EvictAfter time.Duration
	// Rand 返回 [0,1) 的随机数，为 nil 时使用 math/rand/v2。
	Rand func() float64
}

// retestAge 返回某条目获得重测资格所需的年龄。
func (p Policy) retestAge(failureCount int) time.Duration {
	shift := failureCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return p.RetestAfter << shift
}

func (p Policy) roll() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

// Blacklist 是验证失败代理的内存集合，并发安全。持久化由 storage 负责。
type Blacklist struct {
	policy  Policy
	entries map[model.ProxyCandidate]*model.BlacklistEntry
	mu      sync.RWMutex
}

func New(policy Policy) *Blacklist {
	return &Blacklist{
		policy:  policy,
		entries: make(map[model.ProxyCandidate]*model.BlacklistEntry),
	}
}

// Contains 报告候选代理是否在黑名单中，不考虑重测资格。
func (b *Blacklist) Contains(c model.ProxyCandidate) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[c]
	return ok
}

// Get 返回条目的副本。
func (b *Blacklist) Get(c model.ProxyCandidate) (model.BlacklistEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[c]
	if !ok {
		return model.BlacklistEntry{}, false
	}
	return *e, true
}

// ShouldSkip 报告本次刷新是否应跳过该候选：在黑名单中且尚未获得重测资格。
func (b *Blacklist) ShouldSkip(c model.ProxyCandidate, now time.Time) bool {
	b.mu.RLock()
	e, ok := b.entries[c]
	var failedAt time.Time
	var count int
	if ok {
		failedAt, count = e.FailedAt, e.FailureCount
	}
	b.mu.RUnlock()

	if !ok {
		return false
	}
	if b.policy.RetestAfter > 0 && now.Sub(failedAt) >= b.policy.retestAge(count) {
		return false
	}
	if b.policy.RetestProbability > 0 && b.policy.roll() < b.policy.RetestProbability {
		return false
	}
	return true
}

// RecordFailure 创建条目，或递增已有条目的失败次数并刷新失败时间。
func (b *Blacklist) RecordFailure(c model.ProxyCandidate, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[c]; ok {
		e.FailureCount++
		e.FailedAt = at
		return
	}
	b.entries[c] = &model.BlacklistEntry{Candidate: c, FailedAt: at, FailureCount: 1}
}

// Remove 删除条目，返回条目是否存在。
func (b *Blacklist) Remove(c model.ProxyCandidate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[c]
	delete(b.entries, c)
	return ok
}

// Evict 按 EvictAfter 删除过旧的条目，返回删除数量。
func (b *Blacklist) Evict(now time.Time) int {
	if b.policy.EvictAfter <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for c, e := range b.entries {
		if now.Sub(e.FailedAt) >= b.policy.EvictAfter {
			delete(b.entries, c)
			removed++
		}
	}
	if removed > 0 {
		l := logger.WithComponent("ProxyPool/Blacklist")
		l.Info().Int("count", removed).Msg("Evicted aged blacklist entries.")
	}
	return removed
}

// Len 返回条目数量。
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Entries 返回按地址排序的全部条目快照。
func (b *Blacklist) Entries() []model.BlacklistEntry {
	b.mu.RLock()
	out := make([]model.BlacklistEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, *e)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Candidate.Addr() != out[j].Candidate.Addr() {
			return out[i].Candidate.Addr() < out[j].Candidate.Addr()
		}
		return out[i].Candidate.Protocol < out[j].Candidate.Protocol
	})
	return out
}

// Replace 用给定条目整体替换内容，用于从存储加载。重复条目保留失败次数较多者。
func (b *Blacklist) Replace(entries []model.BlacklistEntry) {
	m := make(map[model.ProxyCandidate]*model.BlacklistEntry, len(entries))
	for i := range entries {
		e := entries[i]
		if old, ok := m[e.Candidate]; ok && old.FailureCount >= e.FailureCount {
			continue
		}
		m[e.Candidate] = &e
	}
	b.mu.Lock()
	b.entries = m
	b.mu.Unlock()
}
