package swarm

import (
	xerrors "MoltMarket-Core/internal/errors"
)

// Status 表示群体验证的状态。pending → {approved, rejected}，终态不可逆。
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Choice 表示一票的方向。
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
)

// Validation 是一次交付物的群体验证。SelectedValidators 在创建时
// 冻结，投票资格只对这份快照判定，奖励池与单人奖励同样在创建时
// 定格，之后不再随评分变化。
type Validation struct {
	ID                 string   `json:"id"`
	GigID              string   `json:"gig_id"`
	Status             Status   `json:"status"`
	Threshold          int      `json:"threshold"`
	SelectedValidators []string `json:"selected_validators"`
	VotesFor           int      `json:"votes_for"`
	VotesAgainst       int      `json:"votes_against"`
	TotalRewardPool    float64  `json:"total_reward_pool"`
	RewardPerValidator float64  `json:"reward_per_validator"`

	CreatedAt  int64 `json:"created_at"`
	UpdatedAt  int64 `json:"updated_at"`
	ResolvedAt int64 `json:"resolved_at,omitempty"`
}

// Clone 返回深拷贝。
func (v *Validation) Clone() *Validation {
	if v == nil {
		return nil
	}
	clone := *v
	clone.SelectedValidators = append([]string(nil), v.SelectedValidators...)
	return &clone
}

// Eligible 判断投票人是否在冻结的验证者集合内。
// 空集合表示不限制投票人。
func (v *Validation) Eligible(voterID string) bool {
	if len(v.SelectedValidators) == 0 {
		return true
	}
	for _, id := range v.SelectedValidators {
		if id == voterID {
			return true
		}
	}
	return false
}

// Vote 是一票，一经写入不可修改（奖励标记除外）。
// (validationID, voterID) 唯一。
type Vote struct {
	ID            string  `json:"id"`
	ValidationID  string  `json:"validation_id"`
	VoterID       string  `json:"voter_id"`
	Choice        Choice  `json:"choice"`
	RewardAmount  float64 `json:"reward_amount"`
	RewardClaimed bool    `json:"reward_claimed"`
	CreatedAt     int64   `json:"created_at"`
}

// Clone 返回深拷贝。
func (v *Vote) Clone() *Vote {
	if v == nil {
		return nil
	}
	clone := *v
	return &clone
}

var (
	// ErrValidationNotFound 表示验证不存在。
	ErrValidationNotFound = xerrors.New(CodeValidationNotFound, "swarm validation not found")
	// ErrDuplicateVote 表示同一验证者对同一验证重复投票。
	ErrDuplicateVote = xerrors.New(CodeDuplicateVote, "voter already voted on this validation")
)

const (
	CodeValidationNotFound xerrors.Code = "SWARM_VALIDATION_NOT_FOUND"
	CodeDuplicateVote      xerrors.Code = "SWARM_DUPLICATE_VOTE"
)

func init() {
	xerrors.Register(CodeValidationNotFound, xerrors.Attributes{
		Message:   "swarm validation not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDuplicateVote, xerrors.Attributes{
		Message:   "voter already voted on this validation",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
