package bond

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "MoltMarket-Core/internal/errors"
)

// MemoryEventStore 以内存方式保存账本事件，用于测试与单机部署。
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []*Event
	seqs   map[string]int64
}

// NewMemoryEventStore 创建 MemoryEventStore。
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{seqs: make(map[string]int64)}
}

// Append 实现 EventStore 接口，为事件分配单调递增的序号。
func (m *MemoryEventStore) Append(_ context.Context, event *Event) error {
	if event == nil || event.ID == "" || event.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "账本事件不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}
	m.seqs[event.AgentID]++
	event.Seq = m.seqs[event.AgentID]
	m.events = append(m.events, event.Clone())
	return nil
}

// ListByAgent 返回指定 agent 的事件，按写入序号倒序。
func (m *MemoryEventStore) ListByAgent(_ context.Context, agentID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Event
	for _, event := range m.events {
		if event.AgentID == agentID {
			results = append(results, event.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Seq > results[j].Seq
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CountByType 统计指定类型的事件数。
func (m *MemoryEventStore) CountByType(_ context.Context, agentID string, eventType EventType, since int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, event := range m.events {
		if event.AgentID != agentID || event.Type != eventType {
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
