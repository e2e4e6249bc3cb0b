package escrow

import (
	"context"
	"sync"
	"time"

	xerrors "MoltMarket-Core/internal/errors"
)

// MemoryStore 以内存方式保存托管交易，按 gig ID 索引。
type MemoryStore struct {
	mu    sync.RWMutex
	byGig map[string]*Transaction
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byGig: make(map[string]*Transaction)}
}

// Create 实现 Store 接口。同一 gig 的二次创建返回冲突。
func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	if tx == nil || tx.ID == "" || tx.GigID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管交易不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byGig[tx.GigID]; ok {
		return ErrEscrowConflict
	}
	now := time.Now().Unix()
	if tx.CreatedAt == 0 {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	m.byGig[tx.GigID] = tx.Clone()
	return nil
}

// GetByGigID 返回 gig 对应的托管交易。
func (m *MemoryStore) GetByGigID(_ context.Context, gigID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.byGig[gigID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return tx.Clone(), nil
}

// Update 覆盖写入托管交易。
func (m *MemoryStore) Update(_ context.Context, tx *Transaction) error {
	if tx == nil || tx.GigID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管交易不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byGig[tx.GigID]; !ok {
		return ErrEscrowNotFound
	}
	tx.UpdatedAt = time.Now().Unix()
	m.byGig[tx.GigID] = tx.Clone()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
