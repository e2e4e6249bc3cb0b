package reputation

import (
	"math"
	"time"
)

// 融合评分的权重与归一化上限。链上信誉占 0.6，Moltbook 社交声望占 0.4。
const (
	onChainWeight  = 0.6
	socialWeight   = 0.4
	onChainScale   = 1000
	socialScale    = 10000
	viralBonusCap  = 15.0
	maxFusedScore  = 100.0
	decayAfterDays = 30
	decayFactor    = 0.8
)

// Tier 表示融合评分对应的声望等级。
type Tier string

const (
	TierHatchling   Tier = "Hatchling"
	TierBronzePinch Tier = "Bronze Pinch"
	TierSilverMolt  Tier = "Silver Molt"
	TierGoldShell   Tier = "Gold Shell"
	TierDiamondClaw Tier = "Diamond Claw"
)

// Fuse 将链上评分（0-1000）与 Moltbook karma（0 起，归一化上限 10000）
// 融合为 0-100 的综合评分，保留一位小数。
func Fuse(onChainScore, moltbookKarma int64) float64 {
	onChain := math.Min(float64(onChainScore)/onChainScale, 1) * 100
	social := math.Min(float64(moltbookKarma)/socialScale, 1) * 100
	fused := round1(onChainWeight*onChain + socialWeight*social)
	return clamp(fused, 0, maxFusedScore)
}

// FuseWithBonus 在标准融合之上叠加病毒式传播加成。加成作用于
// 归一化后的社交分量（0-100 量纲，封顶 15），整体结果仍钳制在 [0,100]。
func FuseWithBonus(onChainScore, moltbookKarma int64, viralBonus float64) float64 {
	onChain := math.Min(float64(onChainScore)/onChainScale, 1) * 100
	social := math.Min(math.Min(float64(moltbookKarma)/socialScale, 1)*100+viralBonus, 100)
	fused := round1(onChainWeight*onChain + socialWeight*social)
	return clamp(fused, 0, maxFusedScore)
}

// Post 描述一条 Moltbook 帖子的互动数据。
type Post struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
}

// ViralBonus 根据帖子互动计算病毒式传播加成。
// interactions = likes + 2*comments + 3*shares，
// weighted = Σ log2(1+interactions)*2，最终取一位小数并封顶 15。
func ViralBonus(posts []Post) float64 {
	var weighted float64
	for _, post := range posts {
		interactions := float64(post.Likes + 2*post.Comments + 3*post.Shares)
		if interactions <= 0 {
			continue
		}
		weighted += math.Log2(1+interactions) * 2
	}
	return math.Min(round1(weighted), viralBonusCap)
}

// TierOf 返回融合评分对应的声望等级。
// 历史实现里展示层用过 30/50/70/90 的分界，结算与资格判断一直用
// 20/40/60/80，这里以后者为唯一标准（见 DESIGN.md）。
func TierOf(fusedScore float64) Tier {
	switch {
	case fusedScore >= 80:
		return TierDiamondClaw
	case fusedScore >= 60:
		return TierGoldShell
	case fusedScore >= 40:
		return TierSilverMolt
	case fusedScore >= 20:
		return TierBronzePinch
	default:
		return TierHatchling
	}
}

// PerformanceScore 计算履约评分：0.5*融合评分 + 0.3*保证金可靠度 +
// 0.2*min(完成单数*5, 100)，四舍五入到整数。
func PerformanceScore(fusedScore, bondReliability float64, totalGigsCompleted int) float64 {
	completion := math.Min(float64(totalGigsCompleted)*5, 100)
	return math.Round(0.5*fusedScore + 0.3*bondReliability + 0.2*completion)
}

// EffectiveScore 计算信任查询用的有效评分：超过 30 天未活跃时衰减 20%。
// 衰减只作用于查询结果，不回写存储的融合评分。
func EffectiveScore(fusedScore float64, lastActiveAt, now time.Time) float64 {
	if lastActiveAt.IsZero() {
		return round1(fusedScore * decayFactor)
	}
	idleDays := now.Sub(lastActiveAt).Hours() / 24
	if idleDays > decayAfterDays {
		return round1(fusedScore * decayFactor)
	}
	return fusedScore
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
