package bond

import (
	"context"
	"database/sql"

	xerrors "MoltMarket-Core/internal/errors"
)

// MySQLEventStore 使用 MySQL 持久化保证金账本。表结构由
// internal/storage/mysql 的迁移创建，连接池由进程共享。
type MySQLEventStore struct {
	db *sql.DB
}

// NewMySQLEventStore 基于共享连接池创建账本存储。
func NewMySQLEventStore(db *sql.DB) (*MySQLEventStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLEventStore{db: db}, nil
}

// Append 插入一条账本事件。
func (s *MySQLEventStore) Append(ctx context.Context, event *Event) error {
	if event == nil || event.ID == "" || event.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "账本事件不完整")
	}
	const stmt = `INSERT INTO bond_events
        (id, agent_id, event_type, amount, gig_id, reason, total_after, available_after, locked_after, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		event.ID,
		event.AgentID,
		string(event.Type),
		event.Amount,
		event.GigID,
		event.Reason,
		event.TotalAfter,
		event.AvailableAfter,
		event.LockedAfter,
		event.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入保证金账本失败")
	}
	return nil
}

// ListByAgent 返回指定 agent 的事件，按写入序号倒序。created_at 只有
// 秒级精度，同一秒内的事件靠自增的 seq 定序。
func (s *MySQLEventStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Event, error) {
	query := `SELECT seq, id, agent_id, event_type, amount, gig_id, reason, total_after, available_after, locked_after, created_at
        FROM bond_events WHERE agent_id = ? ORDER BY seq DESC`
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询保证金账本失败")
	}
	defer rows.Close()

	var results []*Event
	for rows.Next() {
		var event Event
		var eventType string
		if err := rows.Scan(
			&event.Seq,
			&event.ID,
			&event.AgentID,
			&eventType,
			&event.Amount,
			&event.GigID,
			&event.Reason,
			&event.TotalAfter,
			&event.AvailableAfter,
			&event.LockedAfter,
			&event.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账本事件失败")
		}
		event.Type = EventType(eventType)
		results = append(results, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历账本事件失败")
	}
	return results, nil
}

// CountByType 统计 since 之后指定类型的事件数。
func (s *MySQLEventStore) CountByType(ctx context.Context, agentID string, eventType EventType, since int64) (int, error) {
	const stmt = `SELECT COUNT(*) FROM bond_events WHERE agent_id = ? AND event_type = ? AND created_at >= ?`
	row := s.db.QueryRowContext(ctx, stmt, agentID, string(eventType), since)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计账本事件失败")
	}
	return count, nil
}

// Close 不关闭共享连接池，由所有者统一释放。
func (s *MySQLEventStore) Close() error {
	return nil
}

var _ EventStore = (*MySQLEventStore)(nil)
