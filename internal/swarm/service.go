package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"MoltMarket-Core/internal/agent"
	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/internal/escrow"
	"MoltMarket-Core/internal/events"
	"MoltMarket-Core/internal/reputation"
	"MoltMarket-Core/pkg/keymutex"
	"MoltMarket-Core/pkg/logger"
)

const (
	// 默认候选池规模：融合评分最高的前 5 名。
	defaultPoolSize = 5
	// 门槛系数：ceil(0.6 * 候选数)。
	thresholdRate = 0.6
	// 奖励池费率：gig 预算的 0.5%。
	rewardPoolRate = 0.005
	// 验证者赞成票通过后的声望加分。
	validatorScoreCredit = 0.5
	// 交付通过后接单者的声望加分。
	assigneeScoreCredit = 1.0
)

// GigResolver 在验证结算时回写 gig 状态，由 gig 编排层实现。
type GigResolver interface {
	MarkCompleted(ctx context.Context, gigID string) error
	MarkDisputed(ctx context.Context, gigID string) error
}

// RequestInput 描述一次验证请求。Threshold 与 PoolSize 为 0 时
// 使用默认规则。
type RequestInput struct {
	GigID      string   `json:"gig_id"`
	PosterID   string   `json:"poster_id"`
	AssigneeID string   `json:"assignee_id"`
	Budget     float64  `json:"budget"`
	Exclusions []string `json:"exclusions,omitempty"`
	Threshold  int      `json:"threshold,omitempty"`
	PoolSize   int      `json:"pool_size,omitempty"`
}

// Service 驱动群体验证：遴选验证者、计票、在门槛达成时触发结算。
type Service struct {
	store      Store
	agents     agent.Store
	reputation *reputation.Service
	escrow     *escrow.Service
	resolver   GigResolver
	locks      *keymutex.KeyMutex
	publisher  events.Publisher
	poolSize   int
}

// NewService 构造群体验证服务。poolSize <= 0 时默认取前 5 名。
// GigResolver 由 gig 编排层在装配阶段注入。
func NewService(store Store, agents agent.Store, rep *reputation.Service, esc *escrow.Service, locks *keymutex.KeyMutex, publisher events.Publisher, poolSize int) *Service {
	if locks == nil {
		locks = keymutex.New()
	}
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	return &Service{
		store:      store,
		agents:     agents,
		reputation: rep,
		escrow:     esc,
		locks:      locks,
		publisher:  publisher,
		poolSize:   poolSize,
	}
}

// SetResolver 注入 gig 状态回写实现。swarm 与 gig 互相依赖，
// 装配顺序上只能后置注入。
func (s *Service) SetResolver(resolver GigResolver) {
	s.resolver = resolver
}

// RequestValidation 创建一次验证：按融合评分遴选候选验证者并冻结，
// 计算门槛与奖励池。候选数不足门槛时拒绝。
func (s *Service) RequestValidation(ctx context.Context, input RequestInput) (*Validation, error) {
	if input.GigID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "gig ID 不能为空")
	}
	if input.Budget <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "gig 预算必须为正数")
	}

	s.locks.Lock(input.GigID)
	defer s.locks.Unlock(input.GigID)

	if existing, err := s.store.GetByGigID(ctx, input.GigID); err == nil && existing.Status == StatusPending {
		return nil, xerrors.New(xerrors.CodeConflict, "该 gig 已有进行中的验证",
			xerrors.WithState(string(existing.Status)))
	}

	poolSize := input.PoolSize
	if poolSize <= 0 {
		poolSize = s.poolSize
	}
	exclude := append([]string{input.PosterID, input.AssigneeID}, input.Exclusions...)
	candidates, err := s.agents.ListTopByFusedScore(ctx, poolSize, exclude)
	if err != nil {
		return nil, err
	}

	threshold := input.Threshold
	if threshold <= 0 {
		threshold = int(math.Ceil(thresholdRate * float64(len(candidates))))
	}
	if threshold <= 0 || len(candidates) < threshold {
		return nil, xerrors.New(xerrors.CodeIneligible,
			fmt.Sprintf("合格验证者不足：候选 %d 人，门槛 %d", len(candidates), threshold),
			xerrors.WithMetadata("candidates", fmt.Sprintf("%d", len(candidates))),
			xerrors.WithMetadata("threshold", fmt.Sprintf("%d", threshold)))
	}

	selected := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		selected = append(selected, candidate.ID)
	}
	rewardPool := input.Budget * rewardPoolRate
	validation := &Validation{
		ID:                 uuid.NewString(),
		GigID:              input.GigID,
		Status:             StatusPending,
		Threshold:          threshold,
		SelectedValidators: selected,
		TotalRewardPool:    rewardPool,
		// 奖励按门槛人数均分，不是按全部入选人数。
		RewardPerValidator: rewardPool / float64(threshold),
	}
	if err := s.store.CreateValidation(ctx, validation); err != nil {
		return nil, err
	}

	s.emit(ctx, events.TopicSwarmRequested, validation)
	logger.Audit().Info("群体验证发起",
		slog.String("gig_id", validation.GigID),
		slog.String("validation_id", validation.ID),
		slog.Int("threshold", validation.Threshold),
		slog.Int("selected", len(selected)),
		slog.Float64("reward_pool", validation.TotalRewardPool),
	)
	return validation, nil
}

// Get 返回指定验证。
func (s *Service) Get(ctx context.Context, id string) (*Validation, error) {
	return s.store.GetValidation(ctx, id)
}

// GetByGigID 返回 gig 当前的验证。
func (s *Service) GetByGigID(ctx context.Context, gigID string) (*Validation, error) {
	return s.store.GetByGigID(ctx, gigID)
}

// Votes 返回验证下的所有投票。
func (s *Service) Votes(ctx context.Context, validationID string) ([]*Vote, error) {
	return s.store.ListVotes(ctx, validationID)
}

// CastVote 记一票并在每票之后检查是否达成决议。一人一票，
// 资格只对冻结的验证者集合判定。
func (s *Service) CastVote(ctx context.Context, validationID, voterID string, choice Choice) (*Validation, error) {
	if choice != ChoiceApprove && choice != ChoiceReject {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知投票方向 %q", choice),
			xerrors.WithAlternatives(string(ChoiceApprove)+","+string(ChoiceReject)))
	}
	s.locks.Lock(validationID)
	defer s.locks.Unlock(validationID)

	validation, err := s.store.GetValidation(ctx, validationID)
	if err != nil {
		return nil, err
	}
	if validation.Status != StatusPending {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("验证已结束，状态 %s", validation.Status),
			xerrors.WithState(string(validation.Status)))
	}
	if !validation.Eligible(voterID) {
		return nil, xerrors.New(xerrors.CodeIneligible, "投票人不在冻结的验证者集合内")
	}

	if err := s.store.CreateVote(ctx, &Vote{
		ID:           uuid.NewString(),
		ValidationID: validationID,
		VoterID:      voterID,
		Choice:       choice,
	}); err != nil {
		return nil, err
	}
	if choice == ChoiceApprove {
		validation.VotesFor++
	} else {
		validation.VotesAgainst++
	}

	logger.Audit().Info("群体验证投票",
		slog.String("validation_id", validationID),
		slog.String("voter_id", voterID),
		slog.String("choice", string(choice)),
		slog.Int("votes_for", validation.VotesFor),
		slog.Int("votes_against", validation.VotesAgainst),
	)

	switch {
	case validation.VotesFor >= validation.Threshold:
		if err := s.approve(ctx, validation); err != nil {
			return nil, err
		}
	case validation.VotesAgainst >= validation.Threshold:
		if err := s.reject(ctx, validation); err != nil {
			return nil, err
		}
	default:
		if err := s.store.UpdateValidation(ctx, validation); err != nil {
			return nil, err
		}
	}
	return validation, nil
}

// approve 结算通过：放款、标记 gig 完成、给接单者与赞成票验证者加分发奖。
// 划转失败不阻塞决议，熔断器与审计日志负责暴露。
func (s *Service) approve(ctx context.Context, validation *Validation) error {
	validation.Status = StatusApproved
	validation.ResolvedAt = time.Now().Unix()
	if err := s.store.UpdateValidation(ctx, validation); err != nil {
		return err
	}

	var assigneeID string
	if s.escrow != nil {
		result, err := s.escrow.ReleaseForSettlement(ctx, validation.GigID, "")
		if err != nil {
			logger.L().Warn("验证通过但托管放款失败",
				slog.String("gig_id", validation.GigID), slog.Any("error", err))
		} else {
			assigneeID = result.Transaction.AssigneeID
			if result.UpstreamError != "" {
				logger.L().Warn("托管放款降级完成",
					slog.String("gig_id", validation.GigID),
					slog.String("upstream_error", result.UpstreamError))
			}
		}
	}
	if s.resolver != nil {
		if err := s.resolver.MarkCompleted(ctx, validation.GigID); err != nil {
			logger.L().Warn("验证通过但 gig 状态回写失败",
				slog.String("gig_id", validation.GigID), slog.Any("error", err))
		}
	}
	if assigneeID != "" && s.reputation != nil {
		if err := s.reputation.CreditScore(ctx, assigneeID, assigneeScoreCredit); err != nil {
			logger.L().Warn("接单者声望加分失败",
				slog.String("assignee_id", assigneeID), slog.Any("error", err))
		}
	}
	if err := s.payApprovingVoters(ctx, validation); err != nil {
		return err
	}

	s.emit(ctx, events.TopicSwarmResolved, validation)
	logger.Audit().Info("群体验证通过",
		slog.String("gig_id", validation.GigID),
		slog.String("validation_id", validation.ID),
		slog.Int("votes_for", validation.VotesFor),
	)
	return nil
}

// reject 结算否决：退款并把 gig 转入争议。否决票不发奖励。
func (s *Service) reject(ctx context.Context, validation *Validation) error {
	validation.Status = StatusRejected
	validation.ResolvedAt = time.Now().Unix()
	if err := s.store.UpdateValidation(ctx, validation); err != nil {
		return err
	}

	if s.escrow != nil {
		if _, err := s.escrow.RefundForSettlement(ctx, validation.GigID); err != nil {
			logger.L().Warn("验证否决但托管退款失败",
				slog.String("gig_id", validation.GigID), slog.Any("error", err))
		}
	}
	if s.resolver != nil {
		if err := s.resolver.MarkDisputed(ctx, validation.GigID); err != nil {
			logger.L().Warn("验证否决但 gig 状态回写失败",
				slog.String("gig_id", validation.GigID), slog.Any("error", err))
		}
	}

	s.emit(ctx, events.TopicSwarmResolved, validation)
	logger.Audit().Info("群体验证否决",
		slog.String("gig_id", validation.GigID),
		slog.String("validation_id", validation.ID),
		slog.Int("votes_against", validation.VotesAgainst),
	)
	return nil
}

// payApprovingVoters 给投赞成票的验证者发放冻结的单人奖励并加声望分。
func (s *Service) payApprovingVoters(ctx context.Context, validation *Validation) error {
	votes, err := s.store.ListVotes(ctx, validation.ID)
	if err != nil {
		return err
	}
	for _, vote := range votes {
		if vote.Choice != ChoiceApprove || vote.RewardClaimed {
			continue
		}
		vote.RewardAmount = validation.RewardPerValidator
		vote.RewardClaimed = true
		if err := s.store.UpdateVote(ctx, vote); err != nil {
			return err
		}
		s.creditVoter(ctx, vote.VoterID, validation.RewardPerValidator)
	}
	return nil
}

func (s *Service) creditVoter(ctx context.Context, voterID string, reward float64) {
	s.locks.Lock(voterID)
	voter, err := s.agents.Get(ctx, voterID)
	if err == nil {
		voter.TotalEarned += reward
		voter.LastActiveAt = time.Now().Unix()
		if err := s.agents.Update(ctx, voter); err != nil {
			logger.L().Warn("验证者奖励入账失败",
				slog.String("voter_id", voterID), slog.Any("error", err))
		}
	}
	s.locks.Unlock(voterID)

	if s.reputation != nil {
		if err := s.reputation.CreditScore(ctx, voterID, validatorScoreCredit); err != nil {
			logger.L().Warn("验证者声望加分失败",
				slog.String("voter_id", voterID), slog.Any("error", err))
		}
	}
}

func (s *Service) emit(ctx context.Context, topic string, validation *Validation) {
	if s.publisher == nil {
		return
	}
	event := events.NewEvent(topic, map[string]string{
		"gig_id":        validation.GigID,
		"validation_id": validation.ID,
		"status":        string(validation.Status),
	})
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.L().Warn("领域事件投递失败", slog.String("topic", topic), slog.Any("error", err))
	}
}
