package escrow

import "context"

// Store 抽象托管交易的持久化。Create 必须保证同一 gig 至多一条
// 托管交易（唯一约束或等价的检查后写入）。
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	GetByGigID(ctx context.Context, gigID string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	Close() error
}
