package escrow

import (
	xerrors "MoltMarket-Core/internal/errors"
)

// Status 表示托管交易的状态。
// 状态机：pending → locked → {released, refunded, disputed}，
// pending → disputed 也允许。released/refunded 为终态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// Transaction 是一个 gig 的托管交易，与 gig 一一对应。
type Transaction struct {
	ID         string  `json:"id"`
	GigID      string  `json:"gig_id"`
	PosterID   string  `json:"poster_id"`
	AssigneeID string  `json:"assignee_id,omitempty"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Chain      string  `json:"chain"`
	Status     Status  `json:"status"`

	// 托管方侧的标识，对本系统不透明。
	WalletID      string `json:"wallet_id,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Clone 返回深拷贝。
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

var (
	// ErrEscrowNotFound 表示 gig 没有对应的托管交易。
	ErrEscrowNotFound = xerrors.New(CodeEscrowNotFound, "escrow not found")
	// ErrEscrowConflict 表示该 gig 已存在托管交易。
	ErrEscrowConflict = xerrors.New(CodeEscrowConflict, "escrow already exists for gig")
)

const (
	CodeEscrowNotFound xerrors.Code = "ESCROW_NOT_FOUND"
	CodeEscrowConflict xerrors.Code = "ESCROW_CONFLICT"
)

func init() {
	xerrors.Register(CodeEscrowNotFound, xerrors.Attributes{
		Message:   "escrow not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEscrowConflict, xerrors.Attributes{
		Message:   "escrow already exists for gig",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
