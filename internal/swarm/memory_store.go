package swarm

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "MoltMarket-Core/internal/errors"
)

// MemoryStore 以内存方式保存验证与投票，用于测试与单机部署。
type MemoryStore struct {
	mu          sync.RWMutex
	validations map[string]*Validation
	byGig       map[string]string
	votes       map[string]*Vote
	voteKeys    map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		validations: make(map[string]*Validation),
		byGig:       make(map[string]string),
		votes:       make(map[string]*Vote),
		voteKeys:    make(map[string]string),
	}
}

// CreateValidation 实现 Store 接口。
func (m *MemoryStore) CreateValidation(_ context.Context, validation *Validation) error {
	if validation == nil || validation.ID == "" || validation.GigID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "验证记录不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.validations[validation.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "验证 ID 已存在")
	}
	now := time.Now().Unix()
	if validation.CreatedAt == 0 {
		validation.CreatedAt = now
	}
	validation.UpdatedAt = now
	m.validations[validation.ID] = validation.Clone()
	m.byGig[validation.GigID] = validation.ID
	return nil
}

// GetValidation 返回指定验证。
func (m *MemoryStore) GetValidation(_ context.Context, id string) (*Validation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	validation, ok := m.validations[id]
	if !ok {
		return nil, ErrValidationNotFound
	}
	return validation.Clone(), nil
}

// GetByGigID 返回 gig 当前的验证。
func (m *MemoryStore) GetByGigID(_ context.Context, gigID string) (*Validation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byGig[gigID]
	if !ok {
		return nil, ErrValidationNotFound
	}
	return m.validations[id].Clone(), nil
}

// UpdateValidation 覆盖写入验证。
func (m *MemoryStore) UpdateValidation(_ context.Context, validation *Validation) error {
	if validation == nil || validation.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "验证记录不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.validations[validation.ID]; !ok {
		return ErrValidationNotFound
	}
	validation.UpdatedAt = time.Now().Unix()
	m.validations[validation.ID] = validation.Clone()
	return nil
}

// CreateVote 写入一票，(validation_id, voter_id) 重复时返回冲突。
func (m *MemoryStore) CreateVote(_ context.Context, vote *Vote) error {
	if vote == nil || vote.ID == "" || vote.ValidationID == "" || vote.VoterID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "投票记录不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := vote.ValidationID + "/" + vote.VoterID
	if _, ok := m.voteKeys[key]; ok {
		return ErrDuplicateVote
	}
	if vote.CreatedAt == 0 {
		vote.CreatedAt = time.Now().Unix()
	}
	m.votes[vote.ID] = vote.Clone()
	m.voteKeys[key] = vote.ID
	return nil
}

// ListVotes 返回验证下的所有投票，按时间升序。
func (m *MemoryStore) ListVotes(_ context.Context, validationID string) ([]*Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Vote
	for _, vote := range m.votes {
		if vote.ValidationID == validationID {
			results = append(results, vote.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

// UpdateVote 回写投票的奖励标记。
func (m *MemoryStore) UpdateVote(_ context.Context, vote *Vote) error {
	if vote == nil || vote.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "投票记录不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.votes[vote.ID]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "投票不存在")
	}
	m.votes[vote.ID] = vote.Clone()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
