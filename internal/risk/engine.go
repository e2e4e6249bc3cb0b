package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"MoltMarket-Core/internal/agent"
	"MoltMarket-Core/internal/bond"
	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/internal/events"
	"MoltMarket-Core/pkg/keymutex"
	"MoltMarket-Core/pkg/logger"
)

// 各风险分量的权重与窗口。分量各自封顶，总分钳制在 [0,100]。
const (
	slashWindow        = 90 * 24 * time.Hour
	slashWeight        = 15.0
	slashCap           = 45.0
	failedRatioWeight  = 25.0
	disputeWeight      = 20.0
	disputeCap         = 40.0
	inactivityFreeDays = 14.0
	inactivityRampDays = 30.0
	inactivityCap      = 10.0
	withdrawalWindow   = 30 * 24 * time.Hour
	withdrawalCap      = 5.0
	withdrawalWeight   = 10.0
	cleanStreakDays    = 30
	cleanStreakRate    = 0.10
	// DefaultEligibilityThreshold 是承接 gig 的默认风险上限。
	DefaultEligibilityThreshold = 75.0
)

// Trend 表示风险走向。
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
)

// 趋势分类窗口：最近 20 条事件对半比较均值。
const trendWindow = 20

// Assessment 是一次风险重算的分量明细。
type Assessment struct {
	AgentID             string  `json:"agent_id"`
	RiskIndex           float64 `json:"risk_index"`
	SlashComponent      float64 `json:"slash_component"`
	FailedGigComponent  float64 `json:"failed_gig_component"`
	DisputeComponent    float64 `json:"dispute_component"`
	InactivityComponent float64 `json:"inactivity_component"`
	DepletionComponent  float64 `json:"depletion_component"`
	CleanStreakDays     int     `json:"clean_streak_days"`
	DiscountApplied     bool    `json:"discount_applied"`
	FeeDiscount         float64 `json:"fee_discount"`
}

// Engine 维护风险指数投影。风险事件流是事实来源，Agent.RiskIndex
// 只是重算后的缓存。
type Engine struct {
	agents    agent.Store
	events    EventStore
	bonds     bond.EventStore
	locks     *keymutex.KeyMutex
	publisher events.Publisher
	threshold float64
}

// NewEngine 构造风险引擎。bonds 提供罚没与提现计数，threshold <= 0
// 时使用默认资格上限 75。
func NewEngine(agents agent.Store, store EventStore, bonds bond.EventStore, locks *keymutex.KeyMutex, publisher events.Publisher, threshold float64) *Engine {
	if locks == nil {
		locks = keymutex.New()
	}
	if threshold <= 0 {
		threshold = DefaultEligibilityThreshold
	}
	return &Engine{
		agents:    agents,
		events:    store,
		bonds:     bonds,
		locks:     locks,
		publisher: publisher,
		threshold: threshold,
	}
}

// Record 追加一条风险事件并在同一把 per-agent 锁内重算风险指数。
func (e *Engine) Record(ctx context.Context, agentID string, factor Factor, delta float64, gigID string) (*Assessment, error) {
	e.locks.Lock(agentID)
	defer e.locks.Unlock(agentID)

	if err := e.events.Append(ctx, &Event{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Factor:    factor,
		Delta:     delta,
		GigID:     gigID,
		CreatedAt: time.Now().Unix(),
	}); err != nil {
		return nil, err
	}
	assessment, err := e.recomputeLocked(ctx, agentID)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, agentID, assessment, factor)
	return assessment, nil
}

// Recompute 重算风险指数，不追加任何事件。
func (e *Engine) Recompute(ctx context.Context, agentID string) (*Assessment, error) {
	e.locks.Lock(agentID)
	defer e.locks.Unlock(agentID)
	return e.recomputeLocked(ctx, agentID)
}

func (e *Engine) recomputeLocked(ctx context.Context, agentID string) (*Assessment, error) {
	profile, err := e.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	recentSlashes, err := e.bonds.CountByType(ctx, agentID, bond.EventSlash, now.Add(-slashWindow).Unix())
	if err != nil {
		return nil, err
	}
	failedGigs, err := e.events.CountByFactor(ctx, agentID, FactorFailedGig, 0)
	if err != nil {
		return nil, err
	}
	opened, err := e.events.CountByFactor(ctx, agentID, FactorDisputeOpened, 0)
	if err != nil {
		return nil, err
	}
	resolved, err := e.events.CountByFactor(ctx, agentID, FactorDisputeResolved, 0)
	if err != nil {
		return nil, err
	}
	withdrawals, err := e.bonds.CountByType(ctx, agentID, bond.EventWithdraw, now.Add(-withdrawalWindow).Unix())
	if err != nil {
		return nil, err
	}

	assessment := &Assessment{AgentID: agentID}
	assessment.SlashComponent = math.Min(float64(recentSlashes)*slashWeight, slashCap)

	completed := profile.TotalGigsCompleted
	if completed+failedGigs > 0 {
		failedRatio := float64(failedGigs) / float64(completed+failedGigs)
		assessment.FailedGigComponent = math.Min(failedRatio*failedRatioWeight, failedRatioWeight)
	}

	activeDisputes := opened - resolved
	if activeDisputes < 0 {
		activeDisputes = 0
	}
	assessment.DisputeComponent = math.Min(float64(activeDisputes)*disputeWeight, disputeCap)

	if profile.LastActiveAt > 0 {
		idleDays := now.Sub(time.Unix(profile.LastActiveAt, 0)).Hours() / 24
		if idleDays > inactivityFreeDays {
			assessment.InactivityComponent = math.Min((idleDays-inactivityFreeDays)/inactivityRampDays, 1) * inactivityCap
		}
	}

	assessment.DepletionComponent = math.Min(float64(withdrawals), withdrawalCap) / withdrawalCap * withdrawalWeight

	raw := assessment.SlashComponent +
		assessment.FailedGigComponent +
		assessment.DisputeComponent +
		assessment.InactivityComponent +
		assessment.DepletionComponent

	assessment.CleanStreakDays = e.cleanStreak(profile, now)
	if assessment.CleanStreakDays >= cleanStreakDays {
		raw -= raw * cleanStreakRate
		assessment.DiscountApplied = true
	}
	assessment.RiskIndex = round1(clamp(raw, 0, 100))
	assessment.FeeDiscount = FeeDiscount(assessment.RiskIndex)

	profile.RiskIndex = assessment.RiskIndex
	profile.CleanStreakDays = assessment.CleanStreakDays
	if err := e.agents.Update(ctx, profile); err != nil {
		return nil, err
	}
	return assessment, nil
}

// cleanStreak 推导无事故天数：自上次罚没起算，从未罚没则自注册起算。
func (e *Engine) cleanStreak(profile *agent.Agent, now time.Time) int {
	anchor := profile.LastSlashAt
	if anchor == 0 {
		anchor = profile.CreatedAt
	}
	if anchor == 0 {
		return 0
	}
	days := int(now.Sub(time.Unix(anchor, 0)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// FeeDiscount 返回风险指数对应的基础费率折扣。
func FeeDiscount(riskIndex float64) float64 {
	switch {
	case riskIndex <= 10:
		return 0.15
	case riskIndex <= 25:
		return 0.10
	case riskIndex <= 50:
		return 0.05
	default:
		return 0
	}
}

// Trend 对比最近 20 条风险事件前后两半的 Delta 均值，
// 给出 improving / stable / worsening 的分类。
func (e *Engine) Trend(ctx context.Context, agentID string) (Trend, error) {
	history, err := e.events.ListByAgent(ctx, agentID, trendWindow)
	if err != nil {
		return TrendStable, err
	}
	if len(history) < 4 {
		return TrendStable, nil
	}

	half := len(history) / 2
	recentMean := meanDelta(history[:half])
	olderMean := meanDelta(history[half:])
	diff := recentMean - olderMean
	switch {
	case diff < -2:
		return TrendImproving, nil
	case diff > 2:
		return TrendWorsening, nil
	default:
		return TrendStable, nil
	}
}

// CheckEligibility 判断 agent 的风险指数是否允许承接 gig。
// 超过阈值时返回 INELIGIBLE，并附带当前指数与阈值。
func (e *Engine) CheckEligibility(ctx context.Context, agentID string) error {
	profile, err := e.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if profile.RiskIndex > e.threshold {
		return xerrors.New(xerrors.CodeIneligible,
			fmt.Sprintf("风险指数 %.1f 超过资格上限 %.1f", profile.RiskIndex, e.threshold),
			xerrors.WithMetadata("risk_index", fmt.Sprintf("%.1f", profile.RiskIndex)),
			xerrors.WithMetadata("threshold", fmt.Sprintf("%.1f", e.threshold)))
	}
	return nil
}

// History 返回风险事件，按时间倒序。
func (e *Engine) History(ctx context.Context, agentID string, limit int) ([]*Event, error) {
	return e.events.ListByAgent(ctx, agentID, limit)
}

func (e *Engine) emit(ctx context.Context, agentID string, assessment *Assessment, factor Factor) {
	if e.publisher == nil {
		return
	}
	event := events.NewEvent(events.TopicRiskRecomputed, map[string]string{
		"agent_id":   agentID,
		"factor":     string(factor),
		"risk_index": fmt.Sprintf("%.1f", assessment.RiskIndex),
	})
	if err := e.publisher.Publish(ctx, event); err != nil {
		logger.L().Warn("领域事件投递失败", slog.String("topic", event.Topic), slog.Any("error", err))
	}
}

func meanDelta(events []*Event) float64 {
	if len(events) == 0 {
		return 0
	}
	var sum float64
	for _, event := range events {
		sum += event.Delta
	}
	return sum / float64(len(events))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
