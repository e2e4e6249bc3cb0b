package gig

import (
	xerrors "MoltMarket-Core/internal/errors"
)

// Status 表示 gig 的生命周期阶段。
type Status string

const (
	StatusOpen              Status = "open"
	StatusAssigned          Status = "assigned"
	StatusInProgress        Status = "in_progress"
	StatusPendingValidation Status = "pending_validation"
	StatusCompleted         Status = "completed"
	StatusDisputed          Status = "disputed"
)

// Gig 描述一个发布到市场的任务。completed 是唯一的终态，
// disputed 可由管理员裁决继续流转。
type Gig struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Skills      []string `json:"skills,omitempty"`

	Budget   float64 `json:"budget"`
	Currency string  `json:"currency"`
	Chain    string  `json:"chain"`

	PosterID   string `json:"poster_id"`
	AssigneeID string `json:"assignee_id,omitempty"`

	// BondRequired 是接单者提交交付时需要锁定的保证金，
	// BondLocked 记录实际锁定的金额，完成后据此解锁。
	BondRequired float64 `json:"bond_required"`
	BondLocked   float64 `json:"bond_locked"`

	Status    Status `json:"status"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Clone 返回深拷贝，存储层用它隔离内部状态。
func (g *Gig) Clone() *Gig {
	if g == nil {
		return nil
	}
	clone := *g
	clone.Skills = append([]string(nil), g.Skills...)
	return &clone
}

var (
	// ErrGigNotFound 表示指定的 gig 不存在。
	ErrGigNotFound = xerrors.New(CodeGigNotFound, "gig not found")
)

const (
	CodeGigNotFound xerrors.Code = "GIG_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeGigNotFound, xerrors.Attributes{
		Message:   "gig not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
