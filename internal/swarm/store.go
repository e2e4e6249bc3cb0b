package swarm

import "context"

// Store 抽象验证与投票的持久化。CreateVote 必须保证
// (validation_id, voter_id) 唯一，重复写入返回 ErrDuplicateVote。
type Store interface {
	CreateValidation(ctx context.Context, validation *Validation) error
	GetValidation(ctx context.Context, id string) (*Validation, error)
	// GetByGigID 返回 gig 当前的验证（若存在）。
	GetByGigID(ctx context.Context, gigID string) (*Validation, error)
	UpdateValidation(ctx context.Context, validation *Validation) error

	CreateVote(ctx context.Context, vote *Vote) error
	ListVotes(ctx context.Context, validationID string) ([]*Vote, error)
	UpdateVote(ctx context.Context, vote *Vote) error
	Close() error
}
