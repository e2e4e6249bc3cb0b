package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "MoltMarket-Core/internal/errors"
)

// MemoryEventStore 以内存方式保存风险事件，用于测试与单机部署。
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryEventStore 创建 MemoryEventStore。
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

// Append 实现 EventStore 接口。
func (m *MemoryEventStore) Append(_ context.Context, event *Event) error {
	if event == nil || event.ID == "" || event.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "风险事件不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}
	m.events = append(m.events, event.Clone())
	return nil
}

// ListByAgent 返回指定 agent 的事件，按时间倒序。
func (m *MemoryEventStore) ListByAgent(_ context.Context, agentID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Event
	for _, event := range m.events {
		if event.AgentID == agentID {
			results = append(results, event.Clone())
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CountByFactor 统计指定因素的事件数。
func (m *MemoryEventStore) CountByFactor(_ context.Context, agentID string, factor Factor, since int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, event := range m.events {
		if event.AgentID != agentID || event.Factor != factor {
			continue
		}
		if since > 0 && event.CreatedAt < since {
			continue
		}
		count++
	}
	return count, nil
}

// Close 对内存存储无需操作。
func (m *MemoryEventStore) Close() error {
	return nil
}

var _ EventStore = (*MemoryEventStore)(nil)
