package reputation

import (
	"context"
	"log/slog"
	"math"
	"time"

	"MoltMarket-Core/internal/agent"
	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/pkg/keymutex"
	"MoltMarket-Core/pkg/logger"
)

// 信任查询的默认最低分数线：Silver Molt 起步。
const defaultMinScore = 40.0

// TrustResult 是一次信任查询的结论。
type TrustResult struct {
	AgentID        string  `json:"agent_id"`
	FusedScore     float64 `json:"fused_score"`
	EffectiveScore float64 `json:"effective_score"`
	Tier           Tier    `json:"tier"`
	Hireable       bool    `json:"hireable"`
	Decayed        bool    `json:"decayed"`
}

// Service 维护 agent 的声望投影：实时刷新、信任查询与验证者加分。
type Service struct {
	agents agent.Store
	fuser  *Fuser
	locks  *keymutex.KeyMutex
}

// NewService 构造声望服务。locks 与 agent、bond 服务共享。
func NewService(agents agent.Store, fuser *Fuser, locks *keymutex.KeyMutex) *Service {
	if locks == nil {
		locks = keymutex.New()
	}
	return &Service{agents: agents, fuser: fuser, locks: locks}
}

// Refresh 拉取最新的链上与社交信号，重算融合评分与履约评分并回写档案。
func (s *Service) Refresh(ctx context.Context, agentID string) (*Snapshot, error) {
	if s.agents == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent 存储未初始化")
	}
	s.locks.Lock(agentID)
	defer s.locks.Unlock(agentID)

	profile, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	snapshot := s.fuser.Snapshot(ctx, profile.WalletAddress, profile.Handle,
		profile.OnChainScore, profile.MoltbookKarma)

	profile.OnChainScore = snapshot.OnChainScore
	profile.MoltbookKarma = snapshot.MoltbookKarma
	profile.FusedScore = snapshot.FusedScore
	profile.PerformanceScore = PerformanceScore(profile.FusedScore,
		profile.BondReliability, profile.TotalGigsCompleted)
	if err := s.agents.Update(ctx, profile); err != nil {
		return nil, err
	}

	logger.L().Info("声望刷新完成",
		slog.String("agent_id", agentID),
		slog.Float64("fused_score", snapshot.FusedScore),
		slog.String("source", string(snapshot.Source)),
	)
	return &snapshot, nil
}

// TrustCheck 回答"这个 agent 现在值得雇佣吗"。有效评分在 30 天
// 未活跃后衰减 20%，衰减只影响查询结果不回写档案。minScore <= 0
// 时使用默认分数线 40。
func (s *Service) TrustCheck(ctx context.Context, agentID string, minScore float64) (*TrustResult, error) {
	if s.agents == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent 存储未初始化")
	}
	profile, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if minScore <= 0 {
		minScore = defaultMinScore
	}

	lastActive := time.Unix(profile.LastActiveAt, 0)
	effective := EffectiveScore(profile.FusedScore, lastActive, time.Now())
	return &TrustResult{
		AgentID:        profile.ID,
		FusedScore:     profile.FusedScore,
		EffectiveScore: effective,
		Tier:           TierOf(effective),
		Hireable:       effective >= minScore,
		Decayed:        effective != profile.FusedScore,
	}, nil
}

// 一个链上信誉点折算的融合评分：0.6 * 100 / 1000。
const chainPointWeight = onChainWeight * maxFusedScore / onChainScale

// CreditScore 给 agent 的融合评分加上 delta（可为负），钳制在 [0,100]。
// 群体验证通过后给投赞成票的验证者加分时走这里。加分落在链上信誉
// 分量（OnChainScore）上，这样 Refresh 重算融合评分时不会把它冲掉。
func (s *Service) CreditScore(ctx context.Context, agentID string, delta float64) error {
	if s.agents == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "agent 存储未初始化")
	}
	s.locks.Lock(agentID)
	defer s.locks.Unlock(agentID)

	profile, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}

	chainDelta := int64(math.Round(delta / chainPointWeight))
	before := Fuse(profile.OnChainScore, profile.MoltbookKarma)
	profile.OnChainScore = int64(clamp(float64(profile.OnChainScore+chainDelta), 0, onChainScale))
	after := Fuse(profile.OnChainScore, profile.MoltbookKarma)

	// 用前后差值而不是整体重算，保留已经算进 FusedScore 的病毒式加成。
	profile.FusedScore = clamp(round1(profile.FusedScore+(after-before)), 0, maxFusedScore)
	profile.PerformanceScore = PerformanceScore(profile.FusedScore,
		profile.BondReliability, profile.TotalGigsCompleted)
	return s.agents.Update(ctx, profile)
}
