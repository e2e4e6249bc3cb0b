package risk

import "context"

// EventStore 抽象风险事件的持久化。事件只追加，不修改不删除。
type EventStore interface {
	Append(ctx context.Context, event *Event) error
	// ListByAgent 返回指定 agent 的事件，按时间倒序，最多 limit 条。
	// limit <= 0 表示不限制。
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*Event, error)
	// CountByFactor 统计 since（epoch 秒，0 表示不限）之后指定因素的事件数。
	CountByFactor(ctx context.Context, agentID string, factor Factor, since int64) (int, error)
	Close() error
}
