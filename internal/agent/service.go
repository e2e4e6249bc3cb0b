package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/internal/events"
	"MoltMarket-Core/pkg/keymutex"
	"MoltMarket-Core/pkg/logger"
)

// RegisterRequest 描述注册一个新 agent 所需的信息。
type RegisterRequest struct {
	Handle        string `json:"handle"`
	WalletAddress string `json:"wallet_address"`
	Chain         string `json:"chain"`
}

// Service 负责 agent 档案的注册与查询。
type Service struct {
	store     Store
	locks     *keymutex.KeyMutex
	publisher events.Publisher
}

// NewService 构造 agent 服务。locks 在 bond、swarm、reputation 服务间
// 共享，保证同一 agent 的读改写序列串行执行。
func NewService(store Store, locks *keymutex.KeyMutex, publisher events.Publisher) *Service {
	if locks == nil {
		locks = keymutex.New()
	}
	return &Service{store: store, locks: locks, publisher: publisher}
}

// Register 创建一个新 agent。初始评分为零值，由 reputation 服务的
// Refresh 在注册后补齐。
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent 存储未初始化")
	}
	handle := strings.TrimSpace(req.Handle)
	if handle == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "handle 不能为空")
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if wallet == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包地址不能为空")
	}

	now := time.Now().Unix()
	agent := &Agent{
		ID:              uuid.NewString(),
		Handle:          handle,
		WalletAddress:   wallet,
		Chain:           strings.TrimSpace(req.Chain),
		BondTier:        TierUnbonded,
		BondReliability: 100,
		LastActiveAt:    now,
	}
	if err := s.store.Create(ctx, agent); err != nil {
		return nil, err
	}

	logger.Audit().Info("agent 注册成功",
		slog.String("agent_id", agent.ID),
		slog.String("handle", agent.Handle),
		slog.String("chain", agent.Chain),
	)
	if s.publisher != nil {
		event := events.NewEvent(events.TopicAgentRegistered, map[string]string{
			"agent_id": agent.ID,
			"handle":   agent.Handle,
		})
		if err := s.publisher.Publish(ctx, event); err != nil {
			logger.L().Warn("发布 agent.registered 事件失败",
				slog.String("agent_id", agent.ID), slog.Any("error", err))
		}
	}
	return agent, nil
}

// Get 返回指定 agent 的档案。
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent 存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// GetByHandle 按 handle 返回档案。
func (s *Service) GetByHandle(ctx context.Context, handle string) (*Agent, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent 存储未初始化")
	}
	return s.store.GetByHandle(ctx, handle)
}

// RecordActivity 更新 agent 的最近活跃时间，供评分衰减与风险
// 不活跃分量使用。
func (s *Service) RecordActivity(ctx context.Context, id string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "agent 存储未初始化")
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	agent, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	agent.LastActiveAt = time.Now().Unix()
	return s.store.Update(ctx, agent)
}

// Locks 返回服务间共享的 per-agent 锁。
func (s *Service) Locks() *keymutex.KeyMutex {
	return s.locks
}

// Store 返回底层存储，供同进程的兄弟服务复用。
func (s *Service) Store() Store {
	return s.store
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
