package reputation

import (
	"context"
	"log/slog"

	"MoltMarket-Core/internal/moltbook"
	"MoltMarket-Core/internal/web3"
	"MoltMarket-Core/pkg/logger"
)

// Source 标记一次融合计算的数据来源。任一上游回退到缓存值时整体
// 标记为 fallback，调用方绝不能无感知地使用陈旧数据。
type Source string

const (
	SourceLive     Source = "live"
	SourceFallback Source = "fallback"
)

// Snapshot 是一次实时融合的结果。
type Snapshot struct {
	OnChainScore    int64   `json:"on_chain_score"`
	AverageFeedback float64 `json:"average_feedback"`
	MoltbookKarma   int64   `json:"moltbook_karma"`
	ViralBonus      float64 `json:"viral_bonus"`
	FusedScore      float64 `json:"fused_score"`
	Source          Source  `json:"source"`
}

// Fuser 从链上 registry 与 Moltbook 实时拉取信号并融合。
// 任一上游失败时退回调用方提供的缓存值，并以 Source 显式标记降级。
type Fuser struct {
	chain  web3.Client
	social moltbook.Reader
}

// NewFuser 构造实时融合器。chain 与 social 均可为 nil，对应信号
// 直接走缓存回退路径。
func NewFuser(chain web3.Client, social moltbook.Reader) *Fuser {
	return &Fuser{chain: chain, social: social}
}

// Snapshot 实时融合一个 agent 的链上评分与社交声望。
func (f *Fuser) Snapshot(ctx context.Context, address, handle string, cachedOnChain, cachedKarma int64) Snapshot {
	snapshot := Snapshot{
		OnChainScore:  cachedOnChain,
		MoltbookKarma: cachedKarma,
		Source:        SourceLive,
	}

	if f == nil || f.chain == nil {
		snapshot.Source = SourceFallback
	} else {
		score, err := f.chain.Score(ctx, address)
		if err != nil {
			logger.L().Warn("链上评分拉取失败，回退缓存值",
				slog.String("address", address), slog.Any("error", err))
			snapshot.Source = SourceFallback
		} else {
			snapshot.OnChainScore = score
			if avg, err := f.chain.AverageFeedback(ctx, address); err == nil {
				snapshot.AverageFeedback = avg
			}
		}
	}

	if f == nil || f.social == nil {
		snapshot.Source = SourceFallback
	} else {
		profile, err := f.social.FetchProfile(ctx, handle)
		if err != nil {
			logger.L().Warn("Moltbook 画像拉取失败，回退缓存值",
				slog.String("handle", handle), slog.Any("error", err))
			snapshot.Source = SourceFallback
		} else {
			snapshot.MoltbookKarma = profile.Karma
			snapshot.ViralBonus = ViralBonus(convertPosts(profile.TopPosts))
		}
	}

	snapshot.FusedScore = FuseWithBonus(snapshot.OnChainScore, snapshot.MoltbookKarma, snapshot.ViralBonus)
	return snapshot
}

func convertPosts(posts []moltbook.Post) []Post {
	converted := make([]Post, 0, len(posts))
	for _, post := range posts {
		converted = append(converted, Post{
			Likes:    post.Likes,
			Comments: post.Comments,
			Shares:   post.Shares,
		})
	}
	return converted
}
