package swarm

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "MoltMarket-Core/internal/errors"
)

// MySQLStore 使用 MySQL 持久化验证与投票。
// swarm_votes 上的 (validation_id, voter_id) 唯一键保证一人一票。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于共享连接池创建验证存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

// CreateValidation 插入验证记录，冻结的验证者集合以 JSON 落库。
func (s *MySQLStore) CreateValidation(ctx context.Context, validation *Validation) error {
	if validation == nil || validation.ID == "" || validation.GigID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "验证记录不完整")
	}
	now := time.Now().Unix()
	if validation.CreatedAt == 0 {
		validation.CreatedAt = now
	}
	validation.UpdatedAt = now

	validators, err := json.Marshal(validation.SelectedValidators)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码验证者集合失败")
	}

	const stmt = `INSERT INTO swarm_validations
        (id, gig_id, status, threshold, selected_validators, votes_for, votes_against, total_reward_pool, reward_per_validator, created_at, updated_at, resolved_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		validation.ID,
		validation.GigID,
		string(validation.Status),
		validation.Threshold,
		string(validators),
		validation.VotesFor,
		validation.VotesAgainst,
		validation.TotalRewardPool,
		validation.RewardPerValidator,
		validation.CreatedAt,
		validation.UpdatedAt,
		validation.ResolvedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "该 gig 已存在验证")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入验证记录失败")
	}
	return nil
}

// GetValidation 返回指定验证。
func (s *MySQLStore) GetValidation(ctx context.Context, id string) (*Validation, error) {
	return s.getValidation(ctx, `WHERE id = ?`, id)
}

// GetByGigID 返回 gig 最近一次验证。
func (s *MySQLStore) GetByGigID(ctx context.Context, gigID string) (*Validation, error) {
	return s.getValidation(ctx, `WHERE gig_id = ? ORDER BY created_at DESC LIMIT 1`, gigID)
}

func (s *MySQLStore) getValidation(ctx context.Context, clause string, args ...any) (*Validation, error) {
	query := `SELECT id, gig_id, status, threshold, selected_validators, votes_for, votes_against, total_reward_pool, reward_per_validator, created_at, updated_at, resolved_at
        FROM swarm_validations ` + clause
	row := s.db.QueryRowContext(ctx, query, args...)

	var validation Validation
	var status, validators string
	if err := row.Scan(
		&validation.ID,
		&validation.GigID,
		&status,
		&validation.Threshold,
		&validators,
		&validation.VotesFor,
		&validation.VotesAgainst,
		&validation.TotalRewardPool,
		&validation.RewardPerValidator,
		&validation.CreatedAt,
		&validation.UpdatedAt,
		&validation.ResolvedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrValidationNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询验证记录失败")
	}
	validation.Status = Status(status)
	if err := json.Unmarshal([]byte(validators), &validation.SelectedValidators); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析验证者集合失败")
	}
	return &validation, nil
}

// UpdateValidation 回写计票与状态。
func (s *MySQLStore) UpdateValidation(ctx context.Context, validation *Validation) error {
	if validation == nil || validation.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "验证记录不完整")
	}
	validation.UpdatedAt = time.Now().Unix()

	const stmt = `UPDATE swarm_validations SET status = ?, votes_for = ?, votes_against = ?, updated_at = ?, resolved_at = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(validation.Status),
		validation.VotesFor,
		validation.VotesAgainst,
		validation.UpdatedAt,
		validation.ResolvedAt,
		validation.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新验证记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrValidationNotFound
	}
	return nil
}

// CreateVote 写入一票，唯一键冲突映射为重复投票。
func (s *MySQLStore) CreateVote(ctx context.Context, vote *Vote) error {
	if vote == nil || vote.ID == "" || vote.ValidationID == "" || vote.VoterID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "投票记录不完整")
	}
	if vote.CreatedAt == 0 {
		vote.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO swarm_votes
        (id, validation_id, voter_id, choice, reward_amount, reward_claimed, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		vote.ID,
		vote.ValidationID,
		vote.VoterID,
		string(vote.Choice),
		vote.RewardAmount,
		vote.RewardClaimed,
		vote.CreatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateVote
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入投票失败")
	}
	return nil
}

// ListVotes 返回验证下的所有投票，按时间升序。
func (s *MySQLStore) ListVotes(ctx context.Context, validationID string) ([]*Vote, error) {
	const stmt = `SELECT id, validation_id, voter_id, choice, reward_amount, reward_claimed, created_at
        FROM swarm_votes WHERE validation_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, stmt, validationID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询投票失败")
	}
	defer rows.Close()

	var results []*Vote
	for rows.Next() {
		var vote Vote
		var choice string
		if err := rows.Scan(
			&vote.ID,
			&vote.ValidationID,
			&vote.VoterID,
			&choice,
			&vote.RewardAmount,
			&vote.RewardClaimed,
			&vote.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析投票失败")
		}
		vote.Choice = Choice(choice)
		results = append(results, &vote)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历投票失败")
	}
	return results, nil
}

// UpdateVote 回写投票的奖励标记。
func (s *MySQLStore) UpdateVote(ctx context.Context, vote *Vote) error {
	if vote == nil || vote.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "投票记录不完整")
	}
	const stmt = `UPDATE swarm_votes SET reward_amount = ?, reward_claimed = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, vote.RewardAmount, vote.RewardClaimed, vote.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新投票失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return xerrors.New(xerrors.CodeNotFound, "投票不存在")
	}
	return nil
}

// Close 不关闭共享连接池，由所有者统一释放。
func (s *MySQLStore) Close() error {
	return nil
}

var _ Store = (*MySQLStore)(nil)
