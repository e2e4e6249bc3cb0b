package moltbook

import (
	"context"

	xerrors "MoltMarket-Core/internal/errors"
)

// Source 标记一次 profile 读取的数据来源。
type Source string

const (
	SourceAPI    Source = "api"
	SourceScrape Source = "scrape"
	SourceCached Source = "cached"
)

// Post 描述一条帖子的互动数据，用于病毒式传播加成的计算。
type Post struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
}

// Profile 是 Moltbook 上一个 agent 的公开画像。
type Profile struct {
	Handle    string `json:"handle"`
	Karma     int64  `json:"karma"`
	PostCount int64  `json:"post_count"`
	Followers int64  `json:"followers"`
	TopPosts  []Post `json:"top_posts"`
	Source    Source `json:"source"`
}

// Reader 抽象了社交平台画像的读取能力。
type Reader interface {
	FetchProfile(ctx context.Context, handle string) (Profile, error)
}

const (
	CodeProfileNotFound xerrors.Code = "MOLTBOOK_PROFILE_NOT_FOUND"
	CodeRateLimited     xerrors.Code = "MOLTBOOK_RATE_LIMITED"
)

// ErrProfileNotFound 表示指定 handle 在 Moltbook 上不存在。
var ErrProfileNotFound = xerrors.New(CodeProfileNotFound, "moltbook profile not found")

func init() {
	xerrors.Register(CodeProfileNotFound, xerrors.Attributes{
		Message:   "moltbook profile not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:   "moltbook rate limit exceeded",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}
