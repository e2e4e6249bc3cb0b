package bond

import (
	xerrors "MoltMarket-Core/internal/errors"
)

// EventType 表示保证金账本事件类型。
type EventType string

const (
	EventDeposit  EventType = "DEPOSIT"
	EventWithdraw EventType = "WITHDRAW"
	EventLock     EventType = "LOCK"
	EventUnlock   EventType = "UNLOCK"
	EventSlash    EventType = "SLASH"
)

// Event 是一条只追加的账本记录。余额快照随事件持久化，
// 账本历史可据此回放校验，缓存的 Agent 余额只是投影。
type Event struct {
	ID      string    `json:"id"`
	AgentID string    `json:"agent_id"`
	Type    EventType `json:"type"`
	Amount  float64   `json:"amount"`
	GigID   string    `json:"gig_id,omitempty"`
	Reason  string    `json:"reason,omitempty"`

	TotalAfter     float64 `json:"total_after"`
	AvailableAfter float64 `json:"available_after"`
	LockedAfter    float64 `json:"locked_after"`

	// Seq 由存储层分配，单调递增。CreatedAt 只有秒级精度，
	// 同一秒内的事件靠 Seq 定序。
	Seq       int64 `json:"seq"`
	CreatedAt int64 `json:"created_at"`
}

// Clone 返回深拷贝。
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

const (
	CodeBondEventNotFound xerrors.Code = "BOND_EVENT_NOT_FOUND"
	CodeSlashCooldown     xerrors.Code = "SLASH_COOLDOWN"
)

func init() {
	xerrors.Register(CodeBondEventNotFound, xerrors.Attributes{
		Message:   "bond event not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSlashCooldown, xerrors.Attributes{
		Message:   "agent slashed within cooldown window",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
