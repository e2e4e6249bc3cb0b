package gig

import "context"

// Store 定义 gig 的持久化接口。
type Store interface {
	// Create 写入一个新 gig。
	Create(ctx context.Context, g *Gig) error
	// Get 返回指定 gig，不存在时返回 ErrGigNotFound。
	Get(ctx context.Context, id string) (*Gig, error)
	// Update 覆盖写入 gig。
	Update(ctx context.Context, g *Gig) error
	// ListByStatus 按创建时间倒序返回指定状态的 gig，
	// limit <= 0 表示不限制。
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Gig, error)
	// Close 释放底层资源。
	Close() error
}
