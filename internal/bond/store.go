package bond

import "context"

// EventStore 抽象保证金账本的持久化。账本只追加，事件一经写入
// 不再修改或删除。
type EventStore interface {
	Append(ctx context.Context, event *Event) error
	// ListByAgent 返回指定 agent 的事件，按写入序号倒序，最多 limit 条。
	// limit <= 0 表示不限制。存储层为每条事件分配单调递增的 Seq，
	// created_at 只有秒级精度，不足以定序。
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*Event, error)
	// CountByType 统计 since（epoch 秒，0 表示不限）之后指定类型的事件数。
	// 风险引擎的罚没与提现分量都从这里取数。
	CountByType(ctx context.Context, agentID string, eventType EventType, since int64) (int, error)
	Close() error
}
