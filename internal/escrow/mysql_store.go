package escrow

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "MoltMarket-Core/internal/errors"
)

// MySQLStore 使用 MySQL 持久化托管交易。gig_id 上的唯一键保证
// 每个 gig 至多一条托管交易。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于共享连接池创建托管交易存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

// Create 插入托管交易，唯一键冲突映射为 ESCROW_CONFLICT。
func (s *MySQLStore) Create(ctx context.Context, tx *Transaction) error {
	if tx == nil || tx.ID == "" || tx.GigID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管交易不完整")
	}
	now := time.Now().Unix()
	if tx.CreatedAt == 0 {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	const stmt = `INSERT INTO escrow_transactions
        (id, gig_id, poster_id, assignee_id, amount, currency, chain, status, wallet_id, wallet_address, transaction_id, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		tx.ID,
		tx.GigID,
		tx.PosterID,
		tx.AssigneeID,
		tx.Amount,
		tx.Currency,
		tx.Chain,
		string(tx.Status),
		tx.WalletID,
		tx.WalletAddress,
		tx.TransactionID,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrEscrowConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入托管交易失败")
	}
	return nil
}

// GetByGigID 返回 gig 对应的托管交易。
func (s *MySQLStore) GetByGigID(ctx context.Context, gigID string) (*Transaction, error) {
	const stmt = `SELECT id, gig_id, poster_id, assignee_id, amount, currency, chain, status, wallet_id, wallet_address, transaction_id, created_at, updated_at
        FROM escrow_transactions WHERE gig_id = ?`
	row := s.db.QueryRowContext(ctx, stmt, gigID)

	var tx Transaction
	var status string
	if err := row.Scan(
		&tx.ID,
		&tx.GigID,
		&tx.PosterID,
		&tx.AssigneeID,
		&tx.Amount,
		&tx.Currency,
		&tx.Chain,
		&status,
		&tx.WalletID,
		&tx.WalletAddress,
		&tx.TransactionID,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrEscrowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管交易失败")
	}
	tx.Status = Status(status)
	return &tx, nil
}

// Update 覆盖写入托管交易。
func (s *MySQLStore) Update(ctx context.Context, tx *Transaction) error {
	if tx == nil || tx.GigID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管交易不完整")
	}
	tx.UpdatedAt = time.Now().Unix()

	const stmt = `UPDATE escrow_transactions SET assignee_id = ?, status = ?, wallet_id = ?, wallet_address = ?, transaction_id = ?, updated_at = ?
        WHERE gig_id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		tx.AssigneeID,
		string(tx.Status),
		tx.WalletID,
		tx.WalletAddress,
		tx.TransactionID,
		tx.UpdatedAt,
		tx.GigID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新托管交易失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// Close 不关闭共享连接池，由所有者统一释放。
func (s *MySQLStore) Close() error {
	return nil
}

var _ Store = (*MySQLStore)(nil)
