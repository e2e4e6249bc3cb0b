package agent

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "MoltMarket-Core/internal/errors"
)

// MySQLStore 使用 MySQL 持久化 agent 档案。handle 与钱包地址上的
// 唯一键防止重复注册。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于共享连接池创建 agent 存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

const agentColumns = `id, handle, wallet_address, chain, on_chain_score, moltbook_karma, fused_score,
        total_bonded, available_bond, locked_bond, bond_tier, bond_reliability,
        performance_score, risk_index, clean_streak_days, last_slash_at,
        total_gigs_completed, total_earned, last_active_at, created_at, updated_at`

// Create 插入 agent 档案，唯一键冲突映射为重复注册。
func (s *MySQLStore) Create(ctx context.Context, a *Agent) error {
	if a == nil || a.ID == "" || a.Handle == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 档案不完整")
	}
	now := time.Now().Unix()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.BondTier == "" {
		a.BondTier = TierUnbonded
	}

	const stmt = `INSERT INTO agents (` + agentColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		a.ID, a.Handle, a.WalletAddress, a.Chain,
		a.OnChainScore, a.MoltbookKarma, a.FusedScore,
		a.TotalBonded, a.AvailableBond, a.LockedBond, string(a.BondTier), a.BondReliability,
		a.PerformanceScore, a.RiskIndex, a.CleanStreakDays, a.LastSlashAt,
		a.TotalGigsCompleted, a.TotalEarned, a.LastActiveAt, a.CreatedAt, a.UpdatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAgentConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入 agent 失败")
	}
	return nil
}

// Get 返回指定 agent。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Agent, error) {
	return s.get(ctx, `WHERE id = ?`, id)
}

// GetByHandle 按 handle 查找 agent。
func (s *MySQLStore) GetByHandle(ctx context.Context, handle string) (*Agent, error) {
	return s.get(ctx, `WHERE handle = ?`, handle)
}

func (s *MySQLStore) get(ctx context.Context, clause string, args ...any) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents `+clause, args...)
	a, err := scanAgent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 agent 失败")
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var tier string
	if err := row.Scan(
		&a.ID, &a.Handle, &a.WalletAddress, &a.Chain,
		&a.OnChainScore, &a.MoltbookKarma, &a.FusedScore,
		&a.TotalBonded, &a.AvailableBond, &a.LockedBond, &tier, &a.BondReliability,
		&a.PerformanceScore, &a.RiskIndex, &a.CleanStreakDays, &a.LastSlashAt,
		&a.TotalGigsCompleted, &a.TotalEarned, &a.LastActiveAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.BondTier = BondTier(tier)
	return &a, nil
}

// Update 整行覆盖写入 agent 档案。
func (s *MySQLStore) Update(ctx context.Context, a *Agent) error {
	if a == nil || a.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 档案不完整")
	}
	a.UpdatedAt = time.Now().Unix()

	const stmt = `UPDATE agents SET handle = ?, wallet_address = ?, chain = ?,
        on_chain_score = ?, moltbook_karma = ?, fused_score = ?,
        total_bonded = ?, available_bond = ?, locked_bond = ?, bond_tier = ?, bond_reliability = ?,
        performance_score = ?, risk_index = ?, clean_streak_days = ?, last_slash_at = ?,
        total_gigs_completed = ?, total_earned = ?, last_active_at = ?, updated_at = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		a.Handle, a.WalletAddress, a.Chain,
		a.OnChainScore, a.MoltbookKarma, a.FusedScore,
		a.TotalBonded, a.AvailableBond, a.LockedBond, string(a.BondTier), a.BondReliability,
		a.PerformanceScore, a.RiskIndex, a.CleanStreakDays, a.LastSlashAt,
		a.TotalGigsCompleted, a.TotalEarned, a.LastActiveAt, a.UpdatedAt,
		a.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 agent 失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// ListTopByFusedScore 返回按融合评分降序的前 limit 名 agent。
func (s *MySQLStore) ListTopByFusedScore(ctx context.Context, limit int, exclude []string) ([]*Agent, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if len(exclude) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(exclude)), ",")
		query += ` WHERE id NOT IN (` + placeholders + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY fused_score DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 agent 排行失败")
	}
	defer rows.Close()

	var results []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 agent 失败")
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 agent 失败")
	}
	return results, nil
}

// Close 不关闭共享连接池，由所有者统一释放。
func (s *MySQLStore) Close() error {
	return nil
}

var _ Store = (*MySQLStore)(nil)
