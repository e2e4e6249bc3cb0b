package wallet

import "context"

// 转账在托管方侧的状态。
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Wallet 是托管方托管的一个钱包。
type Wallet struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

// Transfer 是一次托管转账的回执。
type Transfer struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// Provider 抽象外部托管钱包服务。对本系统而言它是一个不透明的
// 资金划转协作方，只在接口边界上约定行为。
type Provider interface {
	CreateWallet(ctx context.Context, chain string) (*Wallet, error)
	Transfer(ctx context.Context, sourceID, destAddress string, amount float64, chain string) (*Transfer, error)
	GetBalance(ctx context.Context, walletID string) (float64, error)
	GetTransactionStatus(ctx context.Context, transactionID string) (string, error)
}
