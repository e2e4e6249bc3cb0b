package events

import (
	"context"
	"sync"
)

// Publisher 抽象领域事件的投递。发布是尽力而为的：业务状态转移
// 永远不因事件投递失败而回滚。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// MemoryPublisher 把事件留在进程内，用于测试与单机部署。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher 创建内存发布器。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 实现 Publisher 接口。
func (m *MemoryPublisher) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events 返回已发布事件的快照，测试用。
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]Event, len(m.events))
	copy(snapshot, m.events)
	return snapshot
}

// ByTopic 返回指定主题的事件，测试用。
func (m *MemoryPublisher) ByTopic(topic string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []Event
	for _, event := range m.events {
		if event.Topic == topic {
			matched = append(matched, event)
		}
	}
	return matched
}

// Close 对内存发布器无需操作。
func (m *MemoryPublisher) Close() error {
	return nil
}

var _ Publisher = (*MemoryPublisher)(nil)
