package gig

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"MoltMarket-Core/internal/agent"
	"MoltMarket-Core/internal/bond"
	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/internal/escrow"
	"MoltMarket-Core/internal/events"
	"MoltMarket-Core/internal/reputation"
	"MoltMarket-Core/internal/risk"
	"MoltMarket-Core/internal/swarm"
	"MoltMarket-Core/pkg/keymutex"
	"MoltMarket-Core/pkg/logger"
)

// 风险事件的趋势增量：开争议推高风险，裁决落地后回落。
const (
	disputeOpenedDelta   = 20.0
	disputeResolvedDelta = -20.0
	failedGigDelta       = 25.0
)

// PostInput 描述发布一个 gig 所需的字段。
type PostInput struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Skills       []string `json:"skills,omitempty"`
	Budget       float64  `json:"budget"`
	Currency     string   `json:"currency"`
	Chain        string   `json:"chain"`
	PosterID     string   `json:"poster_id"`
	BondRequired float64  `json:"bond_required"`
}

// PostResult 携带新建的 gig 与托管结果。托管的上游失败不阻塞发布，
// 通过 Escrow.UpstreamError 暴露。
type PostResult struct {
	Gig    *Gig           `json:"gig"`
	Escrow *escrow.Result `json:"escrow"`
}

// Service 是 gig 生命周期的编排层：状态机流转由它驱动，
// 资金、保证金、风险与验证分别委托给对应子系统。
type Service struct {
	gigs       Store
	agents     agent.Store
	reputation *reputation.Service
	risk       *risk.Engine
	bonds      *bond.Ledger
	escrow     *escrow.Service
	swarm      *swarm.Service
	locks      *keymutex.KeyMutex
	publisher  events.Publisher
}

// gig 状态锁使用独立的键空间。托管与群体验证内部按原始 gig ID
// 加锁，编排层若复用同一个键会在委托调用时自锁。
func gigKey(gigID string) string {
	return "gig/" + gigID
}

// NewService 构造编排服务。locks 必须与各子系统共享同一实例，
// 同一 gig 或 agent 的并发变更才会被串行化。
func NewService(
	gigs Store,
	agents agent.Store,
	rep *reputation.Service,
	riskEngine *risk.Engine,
	bonds *bond.Ledger,
	esc *escrow.Service,
	swarmSvc *swarm.Service,
	locks *keymutex.KeyMutex,
	publisher events.Publisher,
) *Service {
	if locks == nil {
		locks = keymutex.New()
	}
	return &Service{
		gigs:       gigs,
		agents:     agents,
		reputation: rep,
		risk:       riskEngine,
		bonds:      bonds,
		escrow:     esc,
		swarm:      swarmSvc,
		locks:      locks,
		publisher:  publisher,
	}
}

// Post 发布 gig 并由发布者注资托管。托管创建失败（熔断、重复）时
// 不落 gig；钱包上游失败按降级成功处理，gig 照常发布。
func (s *Service) Post(ctx context.Context, input PostInput) (*PostResult, error) {
	if input.Title == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "gig 标题不能为空")
	}
	if input.Budget <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "gig 预算必须为正数")
	}
	if input.BondRequired < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "保证金要求不能为负数")
	}
	if _, err := s.agents.Get(ctx, input.PosterID); err != nil {
		return nil, err
	}

	g := &Gig{
		ID:           uuid.NewString(),
		Title:        input.Title,
		Description:  input.Description,
		Skills:       input.Skills,
		Budget:       input.Budget,
		Currency:     input.Currency,
		Chain:        input.Chain,
		PosterID:     input.PosterID,
		BondRequired: input.BondRequired,
		Status:       StatusOpen,
	}

	escrowResult, err := s.escrow.Create(ctx, input.PosterID, escrow.CreateRequest{
		GigID:    g.ID,
		PosterID: input.PosterID,
		Amount:   input.Budget,
		Currency: input.Currency,
		Chain:    input.Chain,
	})
	if err != nil {
		return nil, err
	}
	if err := s.gigs.Create(ctx, g); err != nil {
		return nil, err
	}

	s.emit(ctx, events.TopicGigPosted, g)
	logger.Audit().Info("gig 发布",
		slog.String("gig_id", g.ID),
		slog.String("poster_id", g.PosterID),
		slog.Float64("budget", g.Budget),
		slog.String("escrow_status", string(escrowResult.Transaction.Status)),
	)
	return &PostResult{Gig: g, Escrow: escrowResult}, nil
}

// Get 返回指定 gig。
func (s *Service) Get(ctx context.Context, id string) (*Gig, error) {
	return s.gigs.Get(ctx, id)
}

// ListOpen 返回尚未指派的 gig。
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Gig, error) {
	return s.gigs.ListByStatus(ctx, StatusOpen, limit)
}

// Assign 把开放的 gig 指派给接单者。接单者必须通过风险准入与
// 信誉校验，指派同时写到托管上供结算定位放款对象。
func (s *Service) Assign(ctx context.Context, gigID, assigneeID string) (*Gig, error) {
	if assigneeID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "接单者不能为空")
	}

	s.locks.Lock(gigKey(gigID))
	defer s.locks.Unlock(gigKey(gigID))

	g, err := s.gigs.Get(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if g.Status != StatusOpen {
		return nil, s.transitionConflict(g, "assign")
	}
	if assigneeID == g.PosterID {
		return nil, xerrors.New(xerrors.CodeIneligible, "发布者不能接自己的 gig")
	}
	if _, err := s.agents.Get(ctx, assigneeID); err != nil {
		return nil, err
	}
	if err := s.risk.CheckEligibility(ctx, assigneeID); err != nil {
		return nil, err
	}
	trust, err := s.reputation.TrustCheck(ctx, assigneeID, 0)
	if err != nil {
		return nil, err
	}
	if !trust.Hireable {
		return nil, xerrors.New(xerrors.CodeIneligible,
			fmt.Sprintf("信誉不足：有效评分 %.1f", trust.EffectiveScore),
			xerrors.WithMetadata("effective_score", fmt.Sprintf("%.1f", trust.EffectiveScore)),
			xerrors.WithMetadata("tier", string(trust.Tier)))
	}

	if err := s.escrow.Assign(ctx, gigID, assigneeID); err != nil {
		return nil, err
	}
	g.AssigneeID = assigneeID
	g.Status = StatusAssigned
	if err := s.gigs.Update(ctx, g); err != nil {
		return nil, err
	}

	s.emit(ctx, events.TopicGigAssigned, g)
	logger.Audit().Info("gig 指派",
		slog.String("gig_id", g.ID),
		slog.String("assignee_id", assigneeID),
	)
	return g, nil
}

// Start 由接单者把 gig 从 assigned 推进到 in_progress。
func (s *Service) Start(ctx context.Context, gigID, actorID string) (*Gig, error) {
	s.locks.Lock(gigKey(gigID))
	defer s.locks.Unlock(gigKey(gigID))

	g, err := s.gigs.Get(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if g.Status != StatusAssigned {
		return nil, s.transitionConflict(g, "start")
	}
	if actorID != g.AssigneeID {
		return nil, xerrors.New(xerrors.CodeIneligible, "只有接单者可以开始 gig")
	}
	g.Status = StatusInProgress
	if err := s.gigs.Update(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// SubmitForValidation 由接单者提交交付：先锁定保证金，再发起群体
// 验证。验证发起失败时回滚刚锁定的保证金。
func (s *Service) SubmitForValidation(ctx context.Context, gigID, actorID string) (*Gig, *swarm.Validation, error) {
	s.locks.Lock(gigKey(gigID))
	defer s.locks.Unlock(gigKey(gigID))

	g, err := s.gigs.Get(ctx, gigID)
	if err != nil {
		return nil, nil, err
	}
	if g.Status != StatusInProgress {
		return nil, nil, s.transitionConflict(g, "submit_for_validation")
	}
	if actorID != g.AssigneeID {
		return nil, nil, xerrors.New(xerrors.CodeIneligible, "只有接单者可以提交交付")
	}

	if g.BondRequired > 0 {
		lock, err := s.bonds.LockBondForGig(ctx, g.AssigneeID, g.ID, g.BondRequired)
		if err != nil {
			return nil, nil, err
		}
		g.BondLocked = lock.LockedAmount
	}

	validation, err := s.swarm.RequestValidation(ctx, swarm.RequestInput{
		GigID:      g.ID,
		PosterID:   g.PosterID,
		AssigneeID: g.AssigneeID,
		Budget:     g.Budget,
	})
	if err != nil {
		if g.BondLocked > 0 {
			if _, unlockErr := s.bonds.Unlock(ctx, g.AssigneeID, g.ID, g.BondLocked); unlockErr != nil {
				logger.L().Error("验证发起失败后保证金回滚失败",
					slog.String("gig_id", g.ID),
					slog.String("assignee_id", g.AssigneeID),
					slog.Any("error", unlockErr))
			}
			g.BondLocked = 0
		}
		return nil, nil, err
	}

	g.Status = StatusPendingValidation
	if err := s.gigs.Update(ctx, g); err != nil {
		return nil, nil, err
	}

	logger.Audit().Info("gig 提交验证",
		slog.String("gig_id", g.ID),
		slog.String("validation_id", validation.ID),
		slog.Float64("bond_locked", g.BondLocked),
	)
	return g, validation, nil
}

// Dispute 由发布者或接单者对 assigned/in_progress/pending_validation
// 的 gig 开启争议，托管同步转入 disputed 并记一条风险事件。
func (s *Service) Dispute(ctx context.Context, gigID, actorID string) (*Gig, error) {
	s.locks.Lock(gigKey(gigID))
	defer s.locks.Unlock(gigKey(gigID))

	g, err := s.gigs.Get(ctx, gigID)
	if err != nil {
		return nil, err
	}
	switch g.Status {
	case StatusAssigned, StatusInProgress, StatusPendingValidation:
	default:
		return nil, s.transitionConflict(g, "dispute")
	}
	if actorID != g.PosterID && actorID != g.AssigneeID {
		return nil, xerrors.New(xerrors.CodeIneligible, "只有发布者或接单者可以开启争议")
	}

	if _, err := s.escrow.Dispute(ctx, actorID, gigID); err != nil {
		return nil, err
	}
	g.Status = StatusDisputed
	if err := s.gigs.Update(ctx, g); err != nil {
		return nil, err
	}

	if g.AssigneeID != "" {
		if _, err := s.risk.Record(ctx, g.AssigneeID, risk.FactorDisputeOpened, disputeOpenedDelta, g.ID); err != nil {
			logger.L().Warn("争议风险事件记录失败",
				slog.String("gig_id", g.ID), slog.Any("error", err))
		}
	}

	s.emit(ctx, events.TopicGigDisputed, g)
	logger.Audit().Info("gig 争议开启",
		slog.String("gig_id", g.ID),
		slog.String("actor_id", actorID),
	)
	return g, nil
}

// ResolveDispute 执行管理员裁决并同步 gig 状态：放款给接单者则
// gig 完成并解锁保证金；退款给发布者则罚没接单者锁定的保证金，
// gig 保持 disputed。两种结果都会落一条争议解决的风险事件。
func (s *Service) ResolveDispute(ctx context.Context, adminID, gigID, action string) (*Gig, error) {
	s.locks.Lock(gigKey(gigID))
	defer s.locks.Unlock(gigKey(gigID))

	g, err := s.gigs.Get(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if g.Status != StatusDisputed {
		return nil, s.transitionConflict(g, "resolve_dispute")
	}

	if _, err := s.escrow.AdminResolve(ctx, adminID, gigID, action); err != nil {
		// 群体验证否决时托管已被退款，裁决结果与既成事实一致
		// 就不算冲突。白名单校验仍由 AdminResolve 把关。
		if xerrors.CodeOf(err) != xerrors.CodeConflict || !s.escrowSettled(ctx, gigID, action) {
			return nil, err
		}
	}

	switch action {
	case escrow.ResolveReleaseToAssignee:
		g.Status = StatusCompleted
		s.releaseBond(ctx, g)
	case escrow.ResolveRefundToPoster:
		if g.AssigneeID != "" && g.BondLocked > 0 {
			if _, err := s.bonds.Slash(ctx, g.AssigneeID, g.ID, "争议裁决退款"); err != nil {
				logger.L().Warn("争议裁决后保证金罚没失败",
					slog.String("gig_id", g.ID), slog.Any("error", err))
			}
		}
	}
	if err := s.gigs.Update(ctx, g); err != nil {
		return nil, err
	}

	if g.AssigneeID != "" {
		if _, err := s.risk.Record(ctx, g.AssigneeID, risk.FactorDisputeResolved, disputeResolvedDelta, g.ID); err != nil {
			logger.L().Warn("争议解决风险事件记录失败",
				slog.String("gig_id", g.ID), slog.Any("error", err))
		}
	}

	logger.Audit().Info("gig 争议裁决",
		slog.String("gig_id", g.ID),
		slog.String("admin_id", adminID),
		slog.String("action", action),
		slog.String("status", string(g.Status)),
	)
	return g, nil
}

// MarkCompleted 在群体验证通过后把 gig 推进到 completed 并解锁
// 接单者的保证金。实现 swarm 的 gig 回写接口。
func (s *Service) MarkCompleted(ctx context.Context, gigID string) error {
	s.locks.Lock(gigKey(gigID))
	defer s.locks.Unlock(gigKey(gigID))

	g, err := s.gigs.Get(ctx, gigID)
	if err != nil {
		return err
	}
	if g.Status != StatusPendingValidation {
		return s.transitionConflict(g, "complete")
	}
	g.Status = StatusCompleted
	s.releaseBond(ctx, g)
	if err := s.gigs.Update(ctx, g); err != nil {
		return err
	}
	s.emit(ctx, events.TopicGigCompleted, g)
	return nil
}

// MarkDisputed 在群体验证否决后把 gig 转入 disputed，并给接单者
// 记一条失败 gig 的风险事件。保证金保持锁定，等待争议裁决。
func (s *Service) MarkDisputed(ctx context.Context, gigID string) error {
	s.locks.Lock(gigKey(gigID))
	defer s.locks.Unlock(gigKey(gigID))

	g, err := s.gigs.Get(ctx, gigID)
	if err != nil {
		return err
	}
	if g.Status != StatusPendingValidation {
		return s.transitionConflict(g, "dispute")
	}
	g.Status = StatusDisputed
	if err := s.gigs.Update(ctx, g); err != nil {
		return err
	}
	if g.AssigneeID != "" {
		if _, err := s.risk.Record(ctx, g.AssigneeID, risk.FactorFailedGig, failedGigDelta, g.ID); err != nil {
			logger.L().Warn("失败 gig 风险事件记录失败",
				slog.String("gig_id", g.ID), slog.Any("error", err))
		}
	}
	s.emit(ctx, events.TopicGigDisputed, g)
	return nil
}

// releaseBond 解锁 gig 上锁定的保证金，失败只告警不回滚完成状态。
func (s *Service) releaseBond(ctx context.Context, g *Gig) {
	if g.AssigneeID == "" || g.BondLocked == 0 {
		return
	}
	if _, err := s.bonds.Unlock(ctx, g.AssigneeID, g.ID, g.BondLocked); err != nil {
		logger.L().Warn("gig 完成后保证金解锁失败",
			slog.String("gig_id", g.ID),
			slog.String("assignee_id", g.AssigneeID),
			slog.Any("error", err))
		return
	}
	g.BondLocked = 0
}

// escrowSettled 判断托管是否已经停在与裁决动作一致的终态。
func (s *Service) escrowSettled(ctx context.Context, gigID, action string) bool {
	tx, err := s.escrow.Get(ctx, gigID)
	if err != nil {
		return false
	}
	switch action {
	case escrow.ResolveReleaseToAssignee:
		return tx.Status == escrow.StatusReleased
	case escrow.ResolveRefundToPoster:
		return tx.Status == escrow.StatusRefunded
	default:
		return false
	}
}

func (s *Service) transitionConflict(g *Gig, attempted string) error {
	return xerrors.New(xerrors.CodeConflict,
		fmt.Sprintf("gig 状态 %s 不允许 %s", g.Status, attempted),
		xerrors.WithState(string(g.Status)),
		xerrors.WithMetadata("attempted", attempted))
}

func (s *Service) emit(ctx context.Context, topic string, g *Gig) {
	if s.publisher == nil {
		return
	}
	event := events.NewEvent(topic, map[string]string{
		"gig_id":    g.ID,
		"poster_id": g.PosterID,
		"status":    string(g.Status),
	})
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.L().Warn("领域事件投递失败", slog.String("topic", topic), slog.Any("error", err))
	}
}

var _ swarm.GigResolver = (*Service)(nil)
