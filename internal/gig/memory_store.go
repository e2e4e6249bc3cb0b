package gig

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "MoltMarket-Core/internal/errors"
)

// MemoryStore 以内存方式保存 gig，用于测试与单机部署。
type MemoryStore struct {
	mu   sync.RWMutex
	gigs map[string]*Gig
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{gigs: make(map[string]*Gig)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, g *Gig) error {
	if g == nil || g.ID == "" || g.PosterID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "gig 记录不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gigs[g.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "gig ID 已存在")
	}
	now := time.Now().Unix()
	if g.CreatedAt == 0 {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	m.gigs[g.ID] = g.Clone()
	return nil
}

// Get 返回指定 gig。
func (m *MemoryStore) Get(_ context.Context, id string) (*Gig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gigs[id]
	if !ok {
		return nil, ErrGigNotFound
	}
	return g.Clone(), nil
}

// Update 覆盖写入 gig。
func (m *MemoryStore) Update(_ context.Context, g *Gig) error {
	if g == nil || g.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "gig 记录不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gigs[g.ID]; !ok {
		return ErrGigNotFound
	}
	g.UpdatedAt = time.Now().Unix()
	m.gigs[g.ID] = g.Clone()
	return nil
}

// ListByStatus 按创建时间倒序返回指定状态的 gig。
func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Gig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Gig
	for _, g := range m.gigs {
		if g.Status == status {
			results = append(results, g.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
