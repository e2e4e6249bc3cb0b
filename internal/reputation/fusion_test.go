package reputation

import (
	"testing"
	"time"
)

func TestFuseMidpoint(t *testing.T) {
	got := Fuse(500, 5000)
	if got != 50.0 {
		t.Fatalf("Fuse(500, 5000) = %v, want 50.0", got)
	}
}

func TestFuseClampsInputs(t *testing.T) {
	if got := Fuse(2000, 50000); got != 100.0 {
		t.Fatalf("oversized inputs should clamp to 100, got %v", got)
	}
	if got := Fuse(0, 0); got != 0.0 {
		t.Fatalf("zero inputs should yield 0, got %v", got)
	}
}

func TestFuseMonotonic(t *testing.T) {
	base := Fuse(400, 4000)
	if higher := Fuse(500, 4000); higher <= base {
		t.Fatalf("raising on-chain score should raise fused score: %v <= %v", higher, base)
	}
	if higher := Fuse(400, 5000); higher <= base {
		t.Fatalf("raising karma should raise fused score: %v <= %v", higher, base)
	}
}

func TestFuseWithBonusCapsSocialComponent(t *testing.T) {
	// karma 已打满 100 分量，加成不应把社交分量推过 100。
	capped := FuseWithBonus(0, 10000, 15)
	if capped != 40.0 {
		t.Fatalf("bonus on saturated social component = %v, want 40.0", capped)
	}
	boosted := FuseWithBonus(0, 5000, 10)
	if boosted != 24.0 {
		t.Fatalf("FuseWithBonus(0, 5000, 10) = %v, want 24.0", boosted)
	}
}

func TestViralBonus(t *testing.T) {
	if got := ViralBonus(nil); got != 0 {
		t.Fatalf("no posts should yield 0 bonus, got %v", got)
	}
	// 单帖 likes=1 comments=1 shares=1 → interactions=6 → log2(7)*2 ≈ 5.6
	got := ViralBonus([]Post{{Likes: 1, Comments: 1, Shares: 1}})
	if got != 5.6 {
		t.Fatalf("single-post bonus = %v, want 5.6", got)
	}
	// 多条爆款帖必须封顶在 15。
	viral := make([]Post, 10)
	for i := range viral {
		viral[i] = Post{Likes: 10000, Shares: 5000}
	}
	if got := ViralBonus(viral); got != 15.0 {
		t.Fatalf("viral bonus should cap at 15, got %v", got)
	}
}

func TestTierBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  Tier
	}{
		{0, TierHatchling},
		{19.9, TierHatchling},
		{20, TierBronzePinch},
		{39.9, TierBronzePinch},
		{40, TierSilverMolt},
		{59.9, TierSilverMolt},
		{60, TierGoldShell},
		{79.9, TierGoldShell},
		{80, TierDiamondClaw},
		{100, TierDiamondClaw},
	}
	for _, tc := range cases {
		if got := TierOf(tc.score); got != tc.want {
			t.Fatalf("TierOf(%v) = %v, want %v", tc.score, got, tc.want)
		}
	}
}

func TestEffectiveScoreDecay(t *testing.T) {
	now := time.Now()

	active := EffectiveScore(60, now.Add(-10*24*time.Hour), now)
	if active != 60 {
		t.Fatalf("recently active agent should keep full score, got %v", active)
	}

	idle := EffectiveScore(60, now.Add(-31*24*time.Hour), now)
	if idle != 48.0 {
		t.Fatalf("31-day idle agent should decay to 48.0, got %v", idle)
	}

	// 衰减后 48 >= 40，仍可雇佣；50 分的闲置 agent 衰减到 40.0 恰好压线。
	borderline := EffectiveScore(50, now.Add(-40*24*time.Hour), now)
	if borderline != 40.0 {
		t.Fatalf("idle 50-score agent should decay to exactly 40.0, got %v", borderline)
	}
}

func TestPerformanceScore(t *testing.T) {
	// 0.5*80 + 0.3*90 + 0.2*min(10*5,100) = 40 + 27 + 10 = 77
	if got := PerformanceScore(80, 90, 10); got != 77 {
		t.Fatalf("PerformanceScore(80, 90, 10) = %v, want 77", got)
	}
	// 完成单数分量封顶：100 单与 20 单等价。
	if PerformanceScore(80, 90, 100) != PerformanceScore(80, 90, 20) {
		t.Fatal("completion component should cap at 20 gigs")
	}
}
