package bond

import (
	"context"
	"testing"
	"time"

	"MoltMarket-Core/internal/agent"
	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/internal/events"
)

func newTestLedger(t *testing.T) (*Ledger, agent.Store, *events.MemoryPublisher) {
	t.Helper()
	agents := agent.NewMemoryStore()
	publisher := events.NewMemoryPublisher()
	ledger := NewLedger(agents, NewMemoryEventStore(), nil, publisher)
	return ledger, agents, publisher
}

func seedAgent(t *testing.T, agents agent.Store) *agent.Agent {
	t.Helper()
	a := &agent.Agent{
		ID:              "agent-1",
		Handle:          "clawdia",
		WalletAddress:   "0xabc",
		BondTier:        agent.TierUnbonded,
		BondReliability: 100,
		LastActiveAt:    time.Now().Unix(),
	}
	if err := agents.Create(context.Background(), a); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return a
}

func assertInvariant(t *testing.T, a *agent.Agent) {
	t.Helper()
	if !moneyEqual(a.AvailableBond+a.LockedBond, a.TotalBonded) {
		t.Fatalf("bond invariant broken: available=%v locked=%v total=%v",
			a.AvailableBond, a.LockedBond, a.TotalBonded)
	}
}

func TestDepositTierTransitions(t *testing.T) {
	ledger, agents, _ := newTestLedger(t)
	seeded := seedAgent(t, agents)
	ctx := context.Background()

	updated, err := ledger.Deposit(ctx, seeded.ID, 10)
	if err != nil {
		t.Fatalf("Deposit(10): %v", err)
	}
	assertInvariant(t, updated)
	if updated.BondTier != agent.TierBonded {
		t.Fatalf("tier after 10 = %v, want BONDED", updated.BondTier)
	}

	updated, err = ledger.Deposit(ctx, seeded.ID, 490)
	if err != nil {
		t.Fatalf("Deposit(490): %v", err)
	}
	assertInvariant(t, updated)
	if updated.TotalBonded != 500 || updated.BondTier != agent.TierHighBond {
		t.Fatalf("after total 500 tier = %v total = %v, want HIGH_BOND/500", updated.BondTier, updated.TotalBonded)
	}
}

func TestDepositBelowMinimumRejected(t *testing.T) {
	ledger, agents, _ := newTestLedger(t)
	seeded := seedAgent(t, agents)

	if _, err := ledger.Deposit(context.Background(), seeded.ID, 9.99); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("deposit below minimum should be INVALID_ARGUMENT, got %v", err)
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	ledger, agents, _ := newTestLedger(t)
	seeded := seedAgent(t, agents)
	ctx := context.Background()

	if _, err := ledger.Deposit(ctx, seeded.ID, 100); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := ledger.Lock(ctx, seeded.ID, "gig-1", 60); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	// 可用余额只剩 40，锁定部分不可提现。
	if _, err := ledger.Withdraw(ctx, seeded.ID, 50); xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("withdraw over available should be INSUFFICIENT_FUNDS, got %v", err)
	}
	updated, err := ledger.Withdraw(ctx, seeded.ID, 40)
	if err != nil {
		t.Fatalf("Withdraw(40): %v", err)
	}
	assertInvariant(t, updated)
	if updated.TotalBonded != 60 || updated.LockedBond != 60 {
		t.Fatalf("after withdraw total=%v locked=%v, want 60/60", updated.TotalBonded, updated.LockedBond)
	}
}

func TestUnlockClampsToLocked(t *testing.T) {
	ledger, agents, _ := newTestLedger(t)
	seeded := seedAgent(t, agents)
	ctx := context.Background()

	if _, err := ledger.Deposit(ctx, seeded.ID, 100); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := ledger.Lock(ctx, seeded.ID, "gig-1", 30); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	updated, err := ledger.Unlock(ctx, seeded.ID, "gig-1", 1000)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	assertInvariant(t, updated)
	if updated.LockedBond != 0 || updated.AvailableBond != 100 {
		t.Fatalf("unlock should clamp to locked amount: locked=%v available=%v", updated.LockedBond, updated.AvailableBond)
	}
}

func TestSlashTakesTwentyPercentOfLocked(t *testing.T) {
	ledger, agents, publisher := newTestLedger(t)
	seeded := seedAgent(t, agents)
	ctx := context.Background()

	if _, err := ledger.Deposit(ctx, seeded.ID, 200); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := ledger.Lock(ctx, seeded.ID, "gig-1", 100); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	updated, err := ledger.Slash(ctx, seeded.ID, "gig-1", "missed deadline")
	if err != nil {
		t.Fatalf("Slash: %v", err)
	}
	assertInvariant(t, updated)
	if updated.LockedBond != 80 || updated.TotalBonded != 180 {
		t.Fatalf("slash should take 20%% of locked: locked=%v total=%v", updated.LockedBond, updated.TotalBonded)
	}
	if updated.LastSlashAt == 0 {
		t.Fatal("slash must record lastSlashAt")
	}
	if updated.CleanStreakDays != 0 {
		t.Fatalf("slash must reset clean streak, got %d", updated.CleanStreakDays)
	}
	if got := publisher.ByTopic(events.TopicBondSlashed); len(got) != 1 {
		t.Fatalf("expected one slash event published, got %d", len(got))
	}
}

func TestSlashCooldownBlocksSecondSlash(t *testing.T) {
	ledger, agents, _ := newTestLedger(t)
	seeded := seedAgent(t, agents)
	ctx := context.Background()

	if _, err := ledger.Deposit(ctx, seeded.ID, 200); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := ledger.Lock(ctx, seeded.ID, "gig-1", 100); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := ledger.Slash(ctx, seeded.ID, "gig-1", "missed deadline"); err != nil {
		t.Fatalf("first Slash: %v", err)
	}
	if _, err := ledger.Slash(ctx, seeded.ID, "gig-2", "second offense"); xerrors.CodeOf(err) != CodeSlashCooldown {
		t.Fatalf("second slash within 7 days should hit cooldown, got %v", err)
	}
}

func TestSlashWithoutLockedBondRejected(t *testing.T) {
	ledger, agents, _ := newTestLedger(t)
	seeded := seedAgent(t, agents)
	ctx := context.Background()

	if _, err := ledger.Deposit(ctx, seeded.ID, 50); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := ledger.Slash(ctx, seeded.ID, "gig-1", "no locked bond"); xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("slash with zero locked bond should be INSUFFICIENT_FUNDS, got %v", err)
	}
}

func TestLockBondForGigEligible(t *testing.T) {
	ledger, agents, _ := newTestLedger(t)
	seeded := seedAgent(t, agents)
	ctx := context.Background()

	seeded.FusedScore = 80
	seeded.TotalGigsCompleted = 10
	if err := agents.Update(ctx, seeded); err != nil {
		t.Fatalf("update seed: %v", err)
	}
	if _, err := ledger.Deposit(ctx, seeded.ID, 100); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	result, err := ledger.LockBondForGig(ctx, seeded.ID, "gig-1", 50)
	if err != nil {
		t.Fatalf("LockBondForGig: %v", err)
	}
	if !result.Eligible || result.LockedAmount != 50 {
		t.Fatalf("high performer should lock bond: %+v", result)
	}

	fresh, err := agents.Get(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertInvariant(t, fresh)
	if fresh.LockedBond != 50 {
		t.Fatalf("locked bond = %v, want 50", fresh.LockedBond)
	}
}

func TestLockBondForGigAutoSlashesLowPerformer(t *testing.T) {
	ledger, agents, _ := newTestLedger(t)
	seeded := seedAgent(t, agents)
	ctx := context.Background()

	// 融合评分 20、零完成单：履约评分 0.5*20+0.3*100 = 40 < 50。
	seeded.FusedScore = 20
	if err := agents.Update(ctx, seeded); err != nil {
		t.Fatalf("update seed: %v", err)
	}
	if _, err := ledger.Deposit(ctx, seeded.ID, 100); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	result, err := ledger.LockBondForGig(ctx, seeded.ID, "gig-1", 50)
	if xerrors.CodeOf(err) != xerrors.CodeIneligible {
		t.Fatalf("low performer should be INELIGIBLE, got %v", err)
	}
	if result == nil || result.Eligible {
		t.Fatalf("result should report non-eligibility: %+v", result)
	}
	if result.SlashedAmount != 10 {
		t.Fatalf("auto-slash = %v, want 10 (20%% of required 50)", result.SlashedAmount)
	}

	fresh, err := agents.Get(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertInvariant(t, fresh)
	if fresh.AvailableBond != 90 || fresh.TotalBonded != 90 {
		t.Fatalf("penalty should come from available bucket: available=%v total=%v", fresh.AvailableBond, fresh.TotalBonded)
	}
	if fresh.LockedBond != 0 {
		t.Fatalf("nothing should be locked for ineligible agent, got %v", fresh.LockedBond)
	}
}

func TestReconcileDetectsAndRepairsDrift(t *testing.T) {
	ledger, agents, _ := newTestLedger(t)
	seeded := seedAgent(t, agents)
	ctx := context.Background()

	if _, err := ledger.Deposit(ctx, seeded.ID, 100); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := ledger.Lock(ctx, seeded.ID, "gig-1", 40); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	clean, err := ledger.Reconcile(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if clean.Drift || clean.InvariantBroken {
		t.Fatalf("fresh ledger should reconcile cleanly: %+v", clean)
	}

	// 绕过账本直接篡改投影，模拟漂移。
	tampered, err := agents.Get(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	tampered.AvailableBond = 999
	tampered.TotalBonded = 1039
	if err := agents.Update(ctx, tampered); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, err := ledger.Reconcile(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("Reconcile after tamper: %v", err)
	}
	if !report.Drift || !report.Repaired {
		t.Fatalf("reconcile should detect and repair drift: %+v", report)
	}
	fresh, err := agents.Get(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fresh.AvailableBond != 60 || fresh.LockedBond != 40 || fresh.TotalBonded != 100 {
		t.Fatalf("repaired projection = %v/%v/%v, want 60/40/100",
			fresh.AvailableBond, fresh.LockedBond, fresh.TotalBonded)
	}
}

func TestHistoryOrdersSameSecondEvents(t *testing.T) {
	ledger, agents, _ := newTestLedger(t)
	seeded := seedAgent(t, agents)
	ctx := context.Background()

	// 三个事件几乎总落在同一个 created_at 秒内，顺序必须靠 Seq 保住。
	if _, err := ledger.Deposit(ctx, seeded.ID, 100); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := ledger.Lock(ctx, seeded.ID, "gig-1", 40); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := ledger.Unlock(ctx, seeded.ID, "gig-1", 15); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	history, err := ledger.History(ctx, seeded.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	wantTypes := []EventType{EventUnlock, EventLock, EventDeposit}
	for i, want := range wantTypes {
		if history[i].Type != want {
			t.Fatalf("history[%d] = %v, want %v", i, history[i].Type, want)
		}
	}
	for i := 1; i < len(history); i++ {
		if history[i].Seq >= history[i-1].Seq {
			t.Fatalf("history seq not descending: %d then %d", history[i-1].Seq, history[i].Seq)
		}
	}
	latest := history[0]
	if latest.AvailableAfter != 75 || latest.LockedAfter != 25 || latest.TotalAfter != 100 {
		t.Fatalf("latest snapshot = %v/%v/%v, want 75/25/100",
			latest.AvailableAfter, latest.LockedAfter, latest.TotalAfter)
	}

	// 最新快照取对了，对账就不会把正确的投影改回陈旧值。
	report, err := ledger.Reconcile(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Drift || report.Repaired {
		t.Fatalf("ordered ledger should reconcile cleanly: %+v", report)
	}
}

func TestBondReliabilityAfterSlash(t *testing.T) {
	ledger, agents, _ := newTestLedger(t)
	seeded := seedAgent(t, agents)
	ctx := context.Background()

	seeded.TotalGigsCompleted = 4
	if err := agents.Update(ctx, seeded); err != nil {
		t.Fatalf("update seed: %v", err)
	}
	if _, err := ledger.Deposit(ctx, seeded.ID, 200); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := ledger.Lock(ctx, seeded.ID, "gig-1", 100); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	updated, err := ledger.Slash(ctx, seeded.ID, "gig-1", "missed deadline")
	if err != nil {
		t.Fatalf("Slash: %v", err)
	}
	// (4 完成 - 1 罚没) / 4 * 100 = 75。
	if updated.BondReliability != 75 {
		t.Fatalf("reliability after slash = %v, want 75", updated.BondReliability)
	}
}
