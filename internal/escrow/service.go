package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"MoltMarket-Core/internal/agent"
	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/internal/events"
	"MoltMarket-Core/internal/wallet"
	"MoltMarket-Core/pkg/keymutex"
	"MoltMarket-Core/pkg/logger"
)

// 管理员裁决动作。
const (
	ResolveReleaseToAssignee = "release_to_assignee"
	ResolveRefundToPoster    = "refund_to_poster"
)

// CreateRequest 描述创建托管交易所需的信息。
type CreateRequest struct {
	GigID    string  `json:"gig_id"`
	PosterID string  `json:"poster_id"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Chain    string  `json:"chain"`
}

// Result 是一次托管操作的结果。外部划转失败时本地状态转移仍然
// 完成，UpstreamError 向调用方报告降级情况。
type Result struct {
	Transaction   *Transaction `json:"transaction"`
	UpstreamError string       `json:"upstream_error,omitempty"`
}

// Service 驱动托管状态机。所有资金划转都经过熔断器，开闸期间
// 一切托管变更被拒绝。
type Service struct {
	store     Store
	agents    agent.Store
	provider  wallet.Provider
	breaker   *CircuitBreaker
	locks     *keymutex.KeyMutex
	publisher events.Publisher
	admins    map[string]bool
}

// NewService 构造托管服务。adminAllowList 是允许裁决争议的管理员
// 身份列表，breaker 为 nil 时使用默认的 5 次 / 5 分钟熔断器。
func NewService(store Store, agents agent.Store, provider wallet.Provider, breaker *CircuitBreaker, locks *keymutex.KeyMutex, publisher events.Publisher, adminAllowList []string) *Service {
	if breaker == nil {
		breaker = NewCircuitBreaker(0, 0)
	}
	if locks == nil {
		locks = keymutex.New()
	}
	admins := make(map[string]bool, len(adminAllowList))
	for _, id := range adminAllowList {
		id = strings.TrimSpace(id)
		if id != "" {
			admins[id] = true
		}
	}
	return &Service{
		store:     store,
		agents:    agents,
		provider:  provider,
		breaker:   breaker,
		locks:     locks,
		publisher: publisher,
		admins:    admins,
	}
}

// Create 由 gig 发布者出资创建托管。开托管钱包成功后状态进入
// locked；钱包开设失败时保留 pending 并报告上游故障。
func (s *Service) Create(ctx context.Context, callerID string, req CreateRequest) (*Result, error) {
	if err := s.breaker.Allow(); err != nil {
		return nil, err
	}
	if req.GigID == "" || req.PosterID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "gig 与发布者不能为空")
	}
	if req.Amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "托管金额必须为正数")
	}
	if callerID != req.PosterID {
		return nil, xerrors.New(xerrors.CodeIneligible, "只有 gig 发布者可以创建托管")
	}

	s.locks.Lock(req.GigID)
	defer s.locks.Unlock(req.GigID)

	tx := &Transaction{
		ID:       uuid.NewString(),
		GigID:    req.GigID,
		PosterID: req.PosterID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Chain:    req.Chain,
		Status:   StatusPending,
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}

	result := &Result{Transaction: tx}
	escrowWallet, err := s.provider.CreateWallet(ctx, req.Chain)
	if err != nil {
		s.recordTransferFailure(ctx)
		result.UpstreamError = err.Error()
		logger.Audit().Warn("托管钱包开设失败，托管保持 pending",
			slog.String("gig_id", req.GigID), slog.Any("error", err))
		return result, nil
	}
	s.breaker.RecordSuccess()

	tx.WalletID = escrowWallet.ID
	tx.WalletAddress = escrowWallet.Address
	tx.Status = StatusLocked
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	result.Transaction = tx

	s.emit(ctx, events.TopicEscrowCreated, tx)
	logger.Audit().Info("托管创建并锁定",
		slog.String("gig_id", tx.GigID),
		slog.String("escrow_id", tx.ID),
		slog.Float64("amount", tx.Amount),
		slog.String("chain", tx.Chain),
	)
	return result, nil
}

// Get 返回 gig 对应的托管交易。
func (s *Service) Get(ctx context.Context, gigID string) (*Transaction, error) {
	return s.store.GetByGigID(ctx, gigID)
}

// Assign 在 gig 指派后记录接单者，结算路径据此确定放款对象。
func (s *Service) Assign(ctx context.Context, gigID, assigneeID string) error {
	if assigneeID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "接单者不能为空")
	}
	s.locks.Lock(gigID)
	defer s.locks.Unlock(gigID)

	tx, err := s.store.GetByGigID(ctx, gigID)
	if err != nil {
		return err
	}
	if tx.Status != StatusPending && tx.Status != StatusLocked {
		return s.transitionConflict(tx, "assign")
	}
	tx.AssigneeID = assigneeID
	return s.store.Update(ctx, tx)
}

// Release 由发布者放款给接单者。幂等保护：非 pending/locked 状态拒绝。
func (s *Service) Release(ctx context.Context, callerID, gigID, assigneeID string) (*Result, error) {
	return s.release(ctx, gigID, assigneeID, callerID, true)
}

// ReleaseForSettlement 供群体验证结算调用，不校验发起人。
func (s *Service) ReleaseForSettlement(ctx context.Context, gigID, assigneeID string) (*Result, error) {
	return s.release(ctx, gigID, assigneeID, "", false)
}

func (s *Service) release(ctx context.Context, gigID, assigneeID, callerID string, enforcePoster bool) (*Result, error) {
	if err := s.breaker.Allow(); err != nil {
		return nil, err
	}
	s.locks.Lock(gigID)
	defer s.locks.Unlock(gigID)

	tx, err := s.store.GetByGigID(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if enforcePoster && callerID != tx.PosterID {
		return nil, xerrors.New(xerrors.CodeIneligible, "只有 gig 发布者可以放款")
	}
	if tx.Status != StatusPending && tx.Status != StatusLocked {
		return nil, s.transitionConflict(tx, "release")
	}
	if assigneeID == "" {
		assigneeID = tx.AssigneeID
	}
	if assigneeID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "放款需要指定接单者")
	}
	assignee, err := s.agents.Get(ctx, assigneeID)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	transfer, transferErr := s.provider.Transfer(ctx, tx.WalletID, assignee.WalletAddress, tx.Amount, tx.Chain)
	if transferErr != nil {
		s.recordTransferFailure(ctx)
		result.UpstreamError = transferErr.Error()
	} else {
		s.breaker.RecordSuccess()
		tx.TransactionID = transfer.TransactionID
	}

	// 划转失败不阻塞状态转移：本地记账先行，重试交给熔断恢复后的补偿。
	tx.AssigneeID = assigneeID
	tx.Status = StatusReleased
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	result.Transaction = tx

	s.creditAssignee(ctx, assigneeID, tx.Amount)
	s.emit(ctx, events.TopicEscrowReleased, tx)
	logger.Audit().Info("托管放款",
		slog.String("gig_id", tx.GigID),
		slog.String("assignee_id", assigneeID),
		slog.Float64("amount", tx.Amount),
		slog.String("transaction_id", tx.TransactionID),
		slog.Bool("transfer_degraded", result.UpstreamError != ""),
	)
	return result, nil
}

// Refund 由发布者撤回资金。
func (s *Service) Refund(ctx context.Context, callerID, gigID string) (*Result, error) {
	return s.refund(ctx, gigID, callerID, true)
}

// RefundForSettlement 供群体验证结算调用，不校验发起人。
func (s *Service) RefundForSettlement(ctx context.Context, gigID string) (*Result, error) {
	return s.refund(ctx, gigID, "", false)
}

func (s *Service) refund(ctx context.Context, gigID, callerID string, enforcePoster bool) (*Result, error) {
	if err := s.breaker.Allow(); err != nil {
		return nil, err
	}
	s.locks.Lock(gigID)
	defer s.locks.Unlock(gigID)

	tx, err := s.store.GetByGigID(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if enforcePoster && callerID != tx.PosterID {
		return nil, xerrors.New(xerrors.CodeIneligible, "只有 gig 发布者可以撤回托管")
	}
	if tx.Status != StatusPending && tx.Status != StatusLocked {
		return nil, s.transitionConflict(tx, "refund")
	}
	return s.refundLocked(ctx, tx)
}

func (s *Service) refundLocked(ctx context.Context, tx *Transaction) (*Result, error) {
	poster, err := s.agents.Get(ctx, tx.PosterID)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	transfer, transferErr := s.provider.Transfer(ctx, tx.WalletID, poster.WalletAddress, tx.Amount, tx.Chain)
	if transferErr != nil {
		s.recordTransferFailure(ctx)
		result.UpstreamError = transferErr.Error()
	} else {
		s.breaker.RecordSuccess()
		tx.TransactionID = transfer.TransactionID
	}

	tx.Status = StatusRefunded
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	result.Transaction = tx

	s.emit(ctx, events.TopicEscrowRefunded, tx)
	logger.Audit().Info("托管退款",
		slog.String("gig_id", tx.GigID),
		slog.Float64("amount", tx.Amount),
		slog.String("transaction_id", tx.TransactionID),
		slog.Bool("transfer_degraded", result.UpstreamError != ""),
	)
	return result, nil
}

// Dispute 由发布者或接单者对托管提出争议。
func (s *Service) Dispute(ctx context.Context, callerID, gigID string) (*Transaction, error) {
	if err := s.breaker.Allow(); err != nil {
		return nil, err
	}
	s.locks.Lock(gigID)
	defer s.locks.Unlock(gigID)

	tx, err := s.store.GetByGigID(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if callerID != tx.PosterID && (tx.AssigneeID == "" || callerID != tx.AssigneeID) {
		return nil, xerrors.New(xerrors.CodeIneligible, "只有发布者或接单者可以提出托管争议")
	}
	if tx.Status != StatusPending && tx.Status != StatusLocked {
		return nil, s.transitionConflict(tx, "dispute")
	}
	tx.Status = StatusDisputed
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}

	s.emit(ctx, events.TopicEscrowDisputed, tx)
	logger.Audit().Info("托管进入争议",
		slog.String("gig_id", tx.GigID),
		slog.String("caller_id", callerID),
	)
	return tx, nil
}

// AdminResolve 对争议中的托管做带外裁决，仅允许白名单管理员。
func (s *Service) AdminResolve(ctx context.Context, adminID, gigID, action string) (*Result, error) {
	if !s.admins[adminID] {
		return nil, xerrors.New(xerrors.CodeIneligible, "调用方不在管理员白名单内")
	}
	if err := s.breaker.Allow(); err != nil {
		return nil, err
	}
	s.locks.Lock(gigID)
	defer s.locks.Unlock(gigID)

	tx, err := s.store.GetByGigID(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusDisputed {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("只有争议中的托管可以裁决，当前状态 %s", tx.Status),
			xerrors.WithState(string(tx.Status)))
	}

	switch action {
	case ResolveReleaseToAssignee:
		if tx.AssigneeID == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "托管没有接单者，无法放款")
		}
		assignee, err := s.agents.Get(ctx, tx.AssigneeID)
		if err != nil {
			return nil, err
		}
		result := &Result{}
		transfer, transferErr := s.provider.Transfer(ctx, tx.WalletID, assignee.WalletAddress, tx.Amount, tx.Chain)
		if transferErr != nil {
			s.recordTransferFailure(ctx)
			result.UpstreamError = transferErr.Error()
		} else {
			s.breaker.RecordSuccess()
			tx.TransactionID = transfer.TransactionID
		}
		tx.Status = StatusReleased
		if err := s.store.Update(ctx, tx); err != nil {
			return nil, err
		}
		result.Transaction = tx
		s.creditAssignee(ctx, tx.AssigneeID, tx.Amount)
		s.emit(ctx, events.TopicEscrowReleased, tx)
		logger.Audit().Info("管理员裁决放款",
			slog.String("gig_id", tx.GigID),
			slog.String("admin_id", adminID),
		)
		return result, nil
	case ResolveRefundToPoster:
		result, err := s.refundLocked(ctx, tx)
		if err != nil {
			return nil, err
		}
		logger.Audit().Info("管理员裁决退款",
			slog.String("gig_id", tx.GigID),
			slog.String("admin_id", adminID),
		)
		return result, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知裁决动作 %q", action),
			xerrors.WithAlternatives(ResolveReleaseToAssignee+","+ResolveRefundToPoster))
	}
}

// Breaker 返回托管共享的熔断器，gig 编排层据此上报健康状态。
func (s *Service) Breaker() *CircuitBreaker {
	return s.breaker
}

// creditAssignee 在放款后累计接单者的完成单数与收入。
func (s *Service) creditAssignee(ctx context.Context, assigneeID string, amount float64) {
	s.locks.Lock(assigneeID)
	defer s.locks.Unlock(assigneeID)

	assignee, err := s.agents.Get(ctx, assigneeID)
	if err != nil {
		logger.L().Warn("放款后累计接单者档案失败",
			slog.String("assignee_id", assigneeID), slog.Any("error", err))
		return
	}
	assignee.TotalGigsCompleted++
	assignee.TotalEarned += amount
	assignee.LastActiveAt = time.Now().Unix()
	if err := s.agents.Update(ctx, assignee); err != nil {
		logger.L().Warn("放款后更新接单者档案失败",
			slog.String("assignee_id", assigneeID), slog.Any("error", err))
	}
}

func (s *Service) recordTransferFailure(ctx context.Context) {
	if !s.breaker.RecordFailure() {
		return
	}
	logger.Audit().Error("托管熔断器开闸，资金划转暂停")
	if s.publisher != nil {
		event := events.NewEvent(events.TopicBreakerOpened, nil)
		if err := s.publisher.Publish(ctx, event); err != nil {
			logger.L().Warn("领域事件投递失败", slog.String("topic", event.Topic), slog.Any("error", err))
		}
	}
}

func (s *Service) transitionConflict(tx *Transaction, attempted string) error {
	alternatives := ""
	switch tx.Status {
	case StatusDisputed:
		alternatives = "admin_resolve"
	case StatusReleased, StatusRefunded:
		alternatives = "none (terminal)"
	}
	return xerrors.New(xerrors.CodeConflict,
		fmt.Sprintf("托管当前状态 %s 不允许 %s", tx.Status, attempted),
		xerrors.WithState(string(tx.Status)),
		xerrors.WithAlternatives(alternatives))
}

func (s *Service) emit(ctx context.Context, topic string, tx *Transaction) {
	if s.publisher == nil {
		return
	}
	event := events.NewEvent(topic, map[string]string{
		"gig_id":    tx.GigID,
		"escrow_id": tx.ID,
		"status":    string(tx.Status),
		"amount":    fmt.Sprintf("%.2f", tx.Amount),
	})
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.L().Warn("领域事件投递失败", slog.String("topic", topic), slog.Any("error", err))
	}
}
