package risk

import (
	"context"
	"database/sql"

	xerrors "MoltMarket-Core/internal/errors"
)

// MySQLEventStore 使用 MySQL 持久化风险事件。表结构由
// internal/storage/mysql 的迁移创建，连接池由进程共享。
type MySQLEventStore struct {
	db *sql.DB
}

// NewMySQLEventStore 基于共享连接池创建风险事件存储。
func NewMySQLEventStore(db *sql.DB) (*MySQLEventStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLEventStore{db: db}, nil
}

// Append 插入一条风险事件。
func (s *MySQLEventStore) Append(ctx context.Context, event *Event) error {
	if event == nil || event.ID == "" || event.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "风险事件不完整")
	}
	const stmt = `INSERT INTO risk_events (id, agent_id, factor, delta, gig_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		event.ID,
		event.AgentID,
		string(event.Factor),
		event.Delta,
		event.GigID,
		event.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入风险事件失败")
	}
	return nil
}

// ListByAgent 返回指定 agent 的事件，按时间倒序。
func (s *MySQLEventStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Event, error) {
	query := `SELECT id, agent_id, factor, delta, gig_id, created_at
        FROM risk_events WHERE agent_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询风险事件失败")
	}
	defer rows.Close()

	var results []*Event
	for rows.Next() {
		var event Event
		var factor string
		if err := rows.Scan(
			&event.ID,
			&event.AgentID,
			&factor,
			&event.Delta,
			&event.GigID,
			&event.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析风险事件失败")
		}
		event.Factor = Factor(factor)
		results = append(results, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历风险事件失败")
	}
	return results, nil
}

// CountByFactor 统计 since 之后指定因素的事件数。
func (s *MySQLEventStore) CountByFactor(ctx context.Context, agentID string, factor Factor, since int64) (int, error) {
	const stmt = `SELECT COUNT(*) FROM risk_events WHERE agent_id = ? AND factor = ? AND created_at >= ?`
	row := s.db.QueryRowContext(ctx, stmt, agentID, string(factor), since)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计风险事件失败")
	}
	return count, nil
}

// Close 不关闭共享连接池，由所有者统一释放。
func (s *MySQLEventStore) Close() error {
	return nil
}

var _ EventStore = (*MySQLEventStore)(nil)
