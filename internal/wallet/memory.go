package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	xerrors "MoltMarket-Core/internal/errors"
)

// MemoryProvider 在进程内模拟托管钱包服务，用于测试与单机部署。
// FailNext 可注入连续失败，熔断器测试靠它触发开闸。
type MemoryProvider struct {
	mu        sync.Mutex
	wallets   map[string]*Wallet
	balances  map[string]float64
	transfers map[string]string
	failNext  int
	calls     int
}

// NewMemoryProvider 创建内存托管钱包。
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		wallets:   make(map[string]*Wallet),
		balances:  make(map[string]float64),
		transfers: make(map[string]string),
	}
}

// FailNext 让接下来的 n 次上游调用（开钱包或转账）失败。
func (m *MemoryProvider) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// TransferCalls 返回累计的转账调用次数，测试用。
func (m *MemoryProvider) TransferCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// CreateWallet 实现 Provider 接口。
func (m *MemoryProvider) CreateWallet(_ context.Context, chain string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, "托管钱包服务暂不可用")
	}
	wallet := &Wallet{
		ID:      uuid.NewString(),
		Address: "0x" + uuid.NewString()[:8],
		Chain:   chain,
	}
	m.wallets[wallet.ID] = wallet
	return wallet, nil
}

// Transfer 实现 Provider 接口。
func (m *MemoryProvider) Transfer(_ context.Context, sourceID, destAddress string, amount float64, chain string) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, "托管钱包服务暂不可用")
	}
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正数")
	}
	transfer := &Transfer{
		TransactionID: uuid.NewString(),
		Status:        StatusConfirmed,
	}
	m.transfers[transfer.TransactionID] = transfer.Status
	m.balances[sourceID] -= amount
	return transfer, nil
}

// GetBalance 实现 Provider 接口。
func (m *MemoryProvider) GetBalance(_ context.Context, walletID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[walletID]
	if !ok {
		if _, exists := m.wallets[walletID]; !exists {
			return 0, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("钱包 %s 不存在", walletID))
		}
	}
	return balance, nil
}

// GetTransactionStatus 实现 Provider 接口。
func (m *MemoryProvider) GetTransactionStatus(_ context.Context, transactionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.transfers[transactionID]
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("转账 %s 不存在", transactionID))
	}
	return status, nil
}

var _ Provider = (*MemoryProvider)(nil)
