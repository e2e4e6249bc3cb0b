package agent

import "context"

// Store 抽象了 agent 档案的持久化接口。Update 为整行覆盖写，
// 调用方需通过 per-agent 锁串行化读改写序列。
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	GetByHandle(ctx context.Context, handle string) (*Agent, error)
	Update(ctx context.Context, agent *Agent) error
	// ListTopByFusedScore 返回按融合评分降序的前 limit 名 agent，
	// exclude 中的 ID 被跳过。用于验证者遴选。
	ListTopByFusedScore(ctx context.Context, limit int, exclude []string) ([]*Agent, error)
	Close() error
}
