package agent

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "MoltMarket-Core/internal/errors"
)

// MemoryStore 以内存方式保存 agent 档案，主要用于测试与单机部署。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return ErrAgentConflict
	}
	for _, existing := range m.agents {
		if strings.EqualFold(existing.Handle, agent.Handle) {
			return ErrAgentConflict
		}
	}
	now := time.Now().Unix()
	if agent.CreatedAt == 0 {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	m.agents[agent.ID] = agent.Clone()
	return nil
}

// Get 返回指定 agent。
func (m *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.Clone(), nil
}

// GetByHandle 按 handle 查找 agent。
func (m *MemoryStore) GetByHandle(_ context.Context, handle string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, agent := range m.agents {
		if strings.EqualFold(agent.Handle, handle) {
			return agent.Clone(), nil
		}
	}
	return nil, ErrAgentNotFound
}

// Update 覆盖写入 agent 档案。
func (m *MemoryStore) Update(_ context.Context, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; !ok {
		return ErrAgentNotFound
	}
	agent.UpdatedAt = time.Now().Unix()
	m.agents[agent.ID] = agent.Clone()
	return nil
}

// ListTopByFusedScore 返回按融合评分降序的前 limit 名 agent。
func (m *MemoryStore) ListTopByFusedScore(_ context.Context, limit int, exclude []string) ([]*Agent, error) {
	if limit <= 0 {
		limit = 10
	}
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		if excluded[agent.ID] {
			continue
		}
		results = append(results, agent.Clone())
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].FusedScore == results[j].FusedScore {
			return results[i].ID < results[j].ID
		}
		return results[i].FusedScore > results[j].FusedScore
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
