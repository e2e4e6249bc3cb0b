package bond

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"MoltMarket-Core/internal/agent"
	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/internal/events"
	"MoltMarket-Core/internal/reputation"
	"MoltMarket-Core/pkg/keymutex"
	"MoltMarket-Core/pkg/logger"
)

const (
	// 最低入金额度（USDC）。
	minDeposit = 10.0
	// 罚没比例：锁定保证金的 20%。
	slashRate = 0.20
	// 罚没冷却窗口：7 天内不得二次罚没。
	slashCooldown = 7 * 24 * time.Hour
	// 履约评分低于此线的 agent 不得承接保证金单。
	performanceFloor = 50.0
)

// LockResult 描述 lockBondForGig 的结果。不合格时 SlashedAmount
// 记录已经扣除的惩罚金额。
type LockResult struct {
	AgentID          string  `json:"agent_id"`
	GigID            string  `json:"gig_id"`
	Eligible         bool    `json:"eligible"`
	PerformanceScore float64 `json:"performance_score"`
	LockedAmount     float64 `json:"locked_amount"`
	SlashedAmount    float64 `json:"slashed_amount"`
}

// Reconciliation 是一次账本对账的结果。Replayed* 来自事件流，
// Cached* 来自 Agent 档案投影。
type Reconciliation struct {
	AgentID         string  `json:"agent_id"`
	EventCount      int     `json:"event_count"`
	CachedTotal     float64 `json:"cached_total"`
	CachedAvailable float64 `json:"cached_available"`
	CachedLocked    float64 `json:"cached_locked"`
	LedgerTotal     float64 `json:"ledger_total"`
	LedgerAvailable float64 `json:"ledger_available"`
	LedgerLocked    float64 `json:"ledger_locked"`
	Drift           bool    `json:"drift"`
	InvariantBroken bool    `json:"invariant_broken"`
	Repaired        bool    `json:"repaired"`
}

// Ledger 管理保证金的入金、提现、锁定与罚没。每个操作都在
// per-agent 锁内完成读改写并追加一条账本事件。
type Ledger struct {
	agents    agent.Store
	events    EventStore
	locks     *keymutex.KeyMutex
	publisher events.Publisher
}

// NewLedger 构造保证金账本服务。locks 与 agent、swarm 服务共享，
// publisher 可为 nil（不投递领域事件）。
func NewLedger(agents agent.Store, store EventStore, locks *keymutex.KeyMutex, publisher events.Publisher) *Ledger {
	if locks == nil {
		locks = keymutex.New()
	}
	return &Ledger{agents: agents, events: store, locks: locks, publisher: publisher}
}

// Deposit 入金。最低 10 USDC，入账后重算档位与可靠度。
func (l *Ledger) Deposit(ctx context.Context, agentID string, amount float64) (*agent.Agent, error) {
	if amount < minDeposit {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("入金金额不得低于 %.0f USDC", minDeposit))
	}
	l.locks.Lock(agentID)
	defer l.locks.Unlock(agentID)

	profile, err := l.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	profile.AvailableBond += amount
	profile.TotalBonded += amount

	if err := l.commit(ctx, profile, &Event{
		AgentID: agentID,
		Type:    EventDeposit,
		Amount:  amount,
	}); err != nil {
		return nil, err
	}
	l.emit(ctx, events.TopicBondDeposited, map[string]string{
		"agent_id": agentID,
		"amount":   fmt.Sprintf("%.2f", amount),
	})
	return profile, nil
}

// Withdraw 提现。只能动用可用余额。
func (l *Ledger) Withdraw(ctx context.Context, agentID string, amount float64) (*agent.Agent, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提现金额必须为正数")
	}
	l.locks.Lock(agentID)
	defer l.locks.Unlock(agentID)

	profile, err := l.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if amount > profile.AvailableBond {
		return nil, xerrors.New(xerrors.CodeInsufficientFunds,
			fmt.Sprintf("可用保证金 %.2f 不足以提现 %.2f", profile.AvailableBond, amount),
			xerrors.WithMetadata("available_bond", fmt.Sprintf("%.2f", profile.AvailableBond)))
	}
	profile.AvailableBond -= amount
	profile.TotalBonded -= amount

	if err := l.commit(ctx, profile, &Event{
		AgentID: agentID,
		Type:    EventWithdraw,
		Amount:  amount,
	}); err != nil {
		return nil, err
	}
	return profile, nil
}

// Lock 把可用保证金转入锁定桶，绑定到一个 gig。
func (l *Ledger) Lock(ctx context.Context, agentID, gigID string, amount float64) (*agent.Agent, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "锁定金额必须为正数")
	}
	l.locks.Lock(agentID)
	defer l.locks.Unlock(agentID)
	return l.lockLocked(ctx, agentID, gigID, amount)
}

// lockLocked 在持有 per-agent 锁的前提下执行锁定。
func (l *Ledger) lockLocked(ctx context.Context, agentID, gigID string, amount float64) (*agent.Agent, error) {
	profile, err := l.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if amount > profile.AvailableBond {
		return nil, xerrors.New(xerrors.CodeInsufficientFunds,
			fmt.Sprintf("可用保证金 %.2f 不足以锁定 %.2f", profile.AvailableBond, amount),
			xerrors.WithMetadata("available_bond", fmt.Sprintf("%.2f", profile.AvailableBond)))
	}
	profile.AvailableBond -= amount
	profile.LockedBond += amount

	if err := l.commit(ctx, profile, &Event{
		AgentID: agentID,
		Type:    EventLock,
		Amount:  amount,
		GigID:   gigID,
	}); err != nil {
		return nil, err
	}
	return profile, nil
}

// Unlock 把锁定保证金释放回可用桶。金额超过当前锁定量时按锁定量封顶，
// 永远不会解锁出超过已锁定的资金。
func (l *Ledger) Unlock(ctx context.Context, agentID, gigID string, amount float64) (*agent.Agent, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "解锁金额必须为正数")
	}
	l.locks.Lock(agentID)
	defer l.locks.Unlock(agentID)

	profile, err := l.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	released := math.Min(amount, profile.LockedBond)
	if released <= 0 {
		return profile, nil
	}
	profile.LockedBond -= released
	profile.AvailableBond += released

	if err := l.commit(ctx, profile, &Event{
		AgentID: agentID,
		Type:    EventUnlock,
		Amount:  released,
		GigID:   gigID,
	}); err != nil {
		return nil, err
	}
	return profile, nil
}

// Slash 罚没锁定保证金的 20%。7 天内已被罚没或没有锁定保证金时拒绝。
func (l *Ledger) Slash(ctx context.Context, agentID, gigID, reason string) (*agent.Agent, error) {
	l.locks.Lock(agentID)
	defer l.locks.Unlock(agentID)

	profile, err := l.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if profile.LastSlashAt > 0 {
		elapsed := time.Since(time.Unix(profile.LastSlashAt, 0))
		if elapsed < slashCooldown {
			return nil, xerrors.New(CodeSlashCooldown,
				fmt.Sprintf("距上次罚没仅 %.0f 小时，7 天冷却期内不得二次罚没", elapsed.Hours()),
				xerrors.WithMetadata("last_slash_at", fmt.Sprintf("%d", profile.LastSlashAt)))
		}
	}
	if profile.LockedBond <= 0 {
		return nil, xerrors.New(xerrors.CodeInsufficientFunds, "没有锁定保证金可供罚没",
			xerrors.WithState("locked_bond=0"))
	}

	slashed := math.Min(profile.LockedBond*slashRate, profile.LockedBond)
	profile.LockedBond -= slashed
	profile.TotalBonded -= slashed
	profile.LastSlashAt = time.Now().Unix()
	profile.CleanStreakDays = 0

	if err := l.commit(ctx, profile, &Event{
		AgentID: agentID,
		Type:    EventSlash,
		Amount:  slashed,
		GigID:   gigID,
		Reason:  reason,
	}); err != nil {
		return nil, err
	}
	l.emit(ctx, events.TopicBondSlashed, map[string]string{
		"agent_id": agentID,
		"gig_id":   gigID,
		"amount":   fmt.Sprintf("%.2f", slashed),
		"reason":   reason,
	})
	return profile, nil
}

// LockBondForGig 在承接 gig 前锁定保证金。履约评分低于 50 的 agent
// 不予锁定，改为从可用余额扣除 min(bondRequired*0.20, availableBond)
// 作为惩罚，并返回 INELIGIBLE。
func (l *Ledger) LockBondForGig(ctx context.Context, agentID, gigID string, bondRequired float64) (*LockResult, error) {
	if bondRequired <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "保证金要求必须为正数")
	}
	l.locks.Lock(agentID)
	defer l.locks.Unlock(agentID)

	profile, err := l.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	performance := reputation.PerformanceScore(profile.FusedScore,
		profile.BondReliability, profile.TotalGigsCompleted)
	result := &LockResult{
		AgentID:          agentID,
		GigID:            gigID,
		PerformanceScore: performance,
	}

	if performance < performanceFloor {
		penalty := math.Min(bondRequired*slashRate, profile.AvailableBond)
		if penalty > 0 {
			profile.AvailableBond -= penalty
			profile.TotalBonded -= penalty
			profile.LastSlashAt = time.Now().Unix()
			profile.CleanStreakDays = 0
			if err := l.commit(ctx, profile, &Event{
				AgentID: agentID,
				Type:    EventSlash,
				Amount:  penalty,
				GigID:   gigID,
				Reason:  "performance below bonded-work floor",
			}); err != nil {
				return nil, err
			}
			l.emit(ctx, events.TopicBondSlashed, map[string]string{
				"agent_id": agentID,
				"gig_id":   gigID,
				"amount":   fmt.Sprintf("%.2f", penalty),
				"reason":   "performance below bonded-work floor",
			})
		}
		result.SlashedAmount = penalty
		return result, xerrors.New(xerrors.CodeIneligible,
			fmt.Sprintf("履约评分 %.0f 低于保证金单门槛 %.0f", performance, performanceFloor),
			xerrors.WithMetadata("performance_score", fmt.Sprintf("%.0f", performance)),
			xerrors.WithMetadata("slashed_amount", fmt.Sprintf("%.2f", penalty)))
	}

	if _, err := l.lockLocked(ctx, agentID, gigID, bondRequired); err != nil {
		return nil, err
	}
	result.Eligible = true
	result.LockedAmount = bondRequired
	return result, nil
}

// Reconcile 用事件流校验缓存投影：对比最后一条事件的余额快照与
// Agent 档案字段，并检查每条快照的 available+locked=total 不变量。
// 发现漂移时以账本为准修复投影。
func (l *Ledger) Reconcile(ctx context.Context, agentID string) (*Reconciliation, error) {
	l.locks.Lock(agentID)
	defer l.locks.Unlock(agentID)

	profile, err := l.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	history, err := l.events.ListByAgent(ctx, agentID, 0)
	if err != nil {
		return nil, err
	}

	report := &Reconciliation{
		AgentID:         agentID,
		EventCount:      len(history),
		CachedTotal:     profile.TotalBonded,
		CachedAvailable: profile.AvailableBond,
		CachedLocked:    profile.LockedBond,
	}
	for _, event := range history {
		if !moneyEqual(event.AvailableAfter+event.LockedAfter, event.TotalAfter) {
			report.InvariantBroken = true
		}
	}
	if len(history) > 0 {
		latest := history[0]
		report.LedgerTotal = latest.TotalAfter
		report.LedgerAvailable = latest.AvailableAfter
		report.LedgerLocked = latest.LockedAfter
	}

	report.Drift = !moneyEqual(report.CachedTotal, report.LedgerTotal) ||
		!moneyEqual(report.CachedAvailable, report.LedgerAvailable) ||
		!moneyEqual(report.CachedLocked, report.LedgerLocked)
	if report.Drift && len(history) > 0 {
		profile.TotalBonded = report.LedgerTotal
		profile.AvailableBond = report.LedgerAvailable
		profile.LockedBond = report.LedgerLocked
		profile.BondTier = agent.TierForTotal(profile.TotalBonded)
		if err := l.agents.Update(ctx, profile); err != nil {
			return nil, err
		}
		report.Repaired = true
		logger.Audit().Warn("保证金投影与账本漂移，已按账本修复",
			slog.String("agent_id", agentID),
			slog.Float64("cached_total", report.CachedTotal),
			slog.Float64("ledger_total", report.LedgerTotal),
		)
	}
	return report, nil
}

// History 返回账本事件，按写入序号倒序。
func (l *Ledger) History(ctx context.Context, agentID string, limit int) ([]*Event, error) {
	return l.events.ListByAgent(ctx, agentID, limit)
}

// Events 返回底层事件存储，风险引擎从这里取罚没与提现计数。
func (l *Ledger) Events() EventStore {
	return l.events
}

// commit 追加账本事件并回写投影。事件携带变更后的余额快照；
// 先落账本再重算可靠度，罚没计数才包含本次事件。
func (l *Ledger) commit(ctx context.Context, profile *agent.Agent, event *Event) error {
	event.ID = uuid.NewString()
	event.TotalAfter = profile.TotalBonded
	event.AvailableAfter = profile.AvailableBond
	event.LockedAfter = profile.LockedBond
	event.CreatedAt = time.Now().Unix()
	if err := l.events.Append(ctx, event); err != nil {
		return err
	}

	profile.BondTier = agent.TierForTotal(profile.TotalBonded)
	reliability, err := l.reliability(ctx, profile)
	if err != nil {
		return err
	}
	profile.BondReliability = reliability
	profile.PerformanceScore = reputation.PerformanceScore(profile.FusedScore,
		profile.BondReliability, profile.TotalGigsCompleted)
	if err := l.agents.Update(ctx, profile); err != nil {
		return err
	}

	logger.Audit().Info("保证金账本事件",
		slog.String("agent_id", profile.ID),
		slog.String("event_type", string(event.Type)),
		slog.Float64("amount", event.Amount),
		slog.String("gig_id", event.GigID),
		slog.Float64("total_after", event.TotalAfter),
		slog.Float64("available_after", event.AvailableAfter),
		slog.Float64("locked_after", event.LockedAfter),
	)
	return nil
}

// reliability 计算保证金可靠度：(完成单数-罚没次数)/分母*100，
// 分母取 max(完成单数, 罚没次数) 避免除法异常，无历史时为 100。
func (l *Ledger) reliability(ctx context.Context, profile *agent.Agent) (float64, error) {
	slashCount, err := l.events.CountByType(ctx, profile.ID, EventSlash, 0)
	if err != nil {
		return 0, err
	}
	completed := profile.TotalGigsCompleted
	if completed == 0 && slashCount == 0 {
		return 100, nil
	}
	denominator := completed
	if slashCount > denominator {
		denominator = slashCount
	}
	if denominator == 0 {
		return 100, nil
	}
	score := float64(completed-slashCount) / float64(denominator) * 100
	return math.Max(0, math.Min(100, math.Round(score))), nil
}

func (l *Ledger) emit(ctx context.Context, topic string, attrs map[string]string) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, events.NewEvent(topic, attrs)); err != nil {
		logger.L().Warn("领域事件投递失败", slog.String("topic", topic), slog.Any("error", err))
	}
}

// moneyEqual 以一分钱的精度比较金额，规避浮点误差。
func moneyEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}
