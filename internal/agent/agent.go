package agent

import (
	xerrors "MoltMarket-Core/internal/errors"
)

// BondTier 表示保证金规模对应的档位。
type BondTier string

const (
	TierUnbonded BondTier = "UNBONDED"
	TierBonded   BondTier = "BONDED"
	TierHighBond BondTier = "HIGH_BOND"
)

// 保证金档位分界（USDC）。
const (
	bondedFloor   = 10.0
	highBondFloor = 500.0
)

// TierForTotal 根据累计保证金推导档位。
func TierForTotal(totalBonded float64) BondTier {
	switch {
	case totalBonded >= highBondFloor:
		return TierHighBond
	case totalBonded >= bondedFloor:
		return TierBonded
	default:
		return TierUnbonded
	}
}

// Agent 描述市场中一个注册的智能体。评分、档位与风险指数均为
// 从事件流派生的缓存投影，账本事件才是事实来源。
type Agent struct {
	ID            string `json:"id"`
	Handle        string `json:"handle"`
	WalletAddress string `json:"wallet_address"`
	Chain         string `json:"chain"`

	OnChainScore  int64   `json:"on_chain_score"`
	MoltbookKarma int64   `json:"moltbook_karma"`
	FusedScore    float64 `json:"fused_score"`

	TotalBonded     float64  `json:"total_bonded"`
	AvailableBond   float64  `json:"available_bond"`
	LockedBond      float64  `json:"locked_bond"`
	BondTier        BondTier `json:"bond_tier"`
	BondReliability float64  `json:"bond_reliability"`

	PerformanceScore float64 `json:"performance_score"`
	RiskIndex        float64 `json:"risk_index"`
	CleanStreakDays  int     `json:"clean_streak_days"`
	LastSlashAt      int64   `json:"last_slash_at,omitempty"`

	TotalGigsCompleted int     `json:"total_gigs_completed"`
	TotalEarned        float64 `json:"total_earned"`

	LastActiveAt int64 `json:"last_active_at"`
	CreatedAt    int64 `json:"created_at"`
	UpdatedAt    int64 `json:"updated_at"`
}

// Clone 返回深拷贝，存储层用它避免内部状态被外部修改。
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

var (
	// ErrAgentNotFound 表示指定的 agent 不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrAgentConflict 表示 handle 或钱包地址已被占用。
	ErrAgentConflict = xerrors.New(CodeAgentConflict, "agent already registered", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentConflict xerrors.Code = "AGENT_CONFLICT"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentConflict, xerrors.Attributes{
		Message:   "agent already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
