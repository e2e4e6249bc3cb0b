package risk

// Factor 表示触发风险重算的因素。
type Factor string

const (
	FactorSlash           Factor = "SLASH"
	FactorFailedGig       Factor = "FAILED_GIG"
	FactorDisputeOpened   Factor = "DISPUTE_OPENED"
	FactorDisputeResolved Factor = "DISPUTE_RESOLVED"
	FactorInactivity      Factor = "INACTIVITY"
	FactorBondDepletion   Factor = "BOND_DEPLETION"
)

// Event 是一条只追加的风险事件。Delta 记录该事件对风险指数的
// 推动方向，趋势分类按 Delta 均值计算。
type Event struct {
	ID        string  `json:"id"`
	AgentID   string  `json:"agent_id"`
	Factor    Factor  `json:"factor"`
	Delta     float64 `json:"delta"`
	GigID     string  `json:"gig_id,omitempty"`
	CreatedAt int64   `json:"created_at"`
}

// Clone 返回深拷贝。
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}
