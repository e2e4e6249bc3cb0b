package gig

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "MoltMarket-Core/internal/errors"
)

// MySQLStore 使用 MySQL 持久化 gig，技能列表以 JSON 落库。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于共享连接池创建 gig 存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

// Create 插入 gig 记录。
func (s *MySQLStore) Create(ctx context.Context, g *Gig) error {
	if g == nil || g.ID == "" || g.PosterID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "gig 记录不完整")
	}
	now := time.Now().Unix()
	if g.CreatedAt == 0 {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	skills, err := json.Marshal(g.Skills)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码技能列表失败")
	}

	const stmt = `INSERT INTO gigs
        (id, title, description, skills, budget, currency, chain, poster_id, assignee_id, bond_required, bond_locked, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		g.ID,
		g.Title,
		g.Description,
		string(skills),
		g.Budget,
		g.Currency,
		g.Chain,
		g.PosterID,
		g.AssigneeID,
		g.BondRequired,
		g.BondLocked,
		string(g.Status),
		g.CreatedAt,
		g.UpdatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "gig ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入 gig 失败")
	}
	return nil
}

const gigColumns = `id, title, description, skills, budget, currency, chain, poster_id, assignee_id, bond_required, bond_locked, status, created_at, updated_at`

// Get 返回指定 gig。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Gig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gigColumns+` FROM gigs WHERE id = ?`, id)
	g, err := scanGig(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrGigNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 gig 失败")
	}
	return g, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGig(row rowScanner) (*Gig, error) {
	var g Gig
	var skills, status string
	if err := row.Scan(
		&g.ID,
		&g.Title,
		&g.Description,
		&skills,
		&g.Budget,
		&g.Currency,
		&g.Chain,
		&g.PosterID,
		&g.AssigneeID,
		&g.BondRequired,
		&g.BondLocked,
		&status,
		&g.CreatedAt,
		&g.UpdatedAt,
	); err != nil {
		return nil, err
	}
	g.Status = Status(status)
	if skills != "" {
		if err := json.Unmarshal([]byte(skills), &g.Skills); err != nil {
			return nil, err
		}
	}
	return &g, nil
}

// Update 覆盖写入 gig。
func (s *MySQLStore) Update(ctx context.Context, g *Gig) error {
	if g == nil || g.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "gig 记录不完整")
	}
	g.UpdatedAt = time.Now().Unix()

	skills, err := json.Marshal(g.Skills)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码技能列表失败")
	}

	const stmt = `UPDATE gigs SET title = ?, description = ?, skills = ?, budget = ?, currency = ?, chain = ?, assignee_id = ?, bond_required = ?, bond_locked = ?, status = ?, updated_at = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		g.Title,
		g.Description,
		string(skills),
		g.Budget,
		g.Currency,
		g.Chain,
		g.AssigneeID,
		g.BondRequired,
		g.BondLocked,
		string(g.Status),
		g.UpdatedAt,
		g.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 gig 失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrGigNotFound
	}
	return nil
}

// ListByStatus 按创建时间倒序返回指定状态的 gig。
func (s *MySQLStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Gig, error) {
	query := `SELECT ` + gigColumns + ` FROM gigs WHERE status = ? ORDER BY created_at DESC, id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 gig 列表失败")
	}
	defer rows.Close()

	var results []*Gig
	for rows.Next() {
		g, err := scanGig(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 gig 失败")
		}
		results = append(results, g)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 gig 失败")
	}
	return results, nil
}

// Close 不关闭共享连接池，由所有者统一释放。
func (s *MySQLStore) Close() error {
	return nil
}

var _ Store = (*MySQLStore)(nil)
