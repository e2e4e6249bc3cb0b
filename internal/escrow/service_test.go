package escrow

import (
	"context"
	"testing"
	"time"

	"MoltMarket-Core/internal/agent"
	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/internal/events"
	"MoltMarket-Core/internal/wallet"
)

type fixture struct {
	service   *Service
	agents    agent.Store
	provider  *wallet.MemoryProvider
	publisher *events.MemoryPublisher
	breaker   *CircuitBreaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	agents := agent.NewMemoryStore()
	provider := wallet.NewMemoryProvider()
	publisher := events.NewMemoryPublisher()
	breaker := NewCircuitBreaker(5, 5*time.Minute)
	service := NewService(NewMemoryStore(), agents, provider, breaker, nil, publisher, []string{"admin-1"})
	return &fixture{service: service, agents: agents, provider: provider, publisher: publisher, breaker: breaker}
}

func (f *fixture) seedAgent(t *testing.T, id string) *agent.Agent {
	t.Helper()
	a := &agent.Agent{
		ID:            id,
		Handle:        "crab-" + id,
		WalletAddress: "0x" + id,
		LastActiveAt:  time.Now().Unix(),
	}
	if err := f.agents.Create(context.Background(), a); err != nil {
		t.Fatalf("seed agent %s: %v", id, err)
	}
	return a
}

func createLocked(t *testing.T, f *fixture, gigID, posterID string, amount float64) *Transaction {
	t.Helper()
	result, err := f.service.Create(context.Background(), posterID, CreateRequest{
		GigID:    gigID,
		PosterID: posterID,
		Amount:   amount,
		Currency: "USDC",
		Chain:    "base",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result.Transaction.Status != StatusLocked {
		t.Fatalf("escrow status = %v, want locked", result.Transaction.Status)
	}
	return result.Transaction
}

func TestCreateRejectsDuplicateForSameGig(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "poster")
	createLocked(t, f, "gig-1", "poster", 100)

	_, err := f.service.Create(context.Background(), "poster", CreateRequest{
		GigID: "gig-1", PosterID: "poster", Amount: 100, Currency: "USDC", Chain: "base",
	})
	if xerrors.CodeOf(err) != CodeEscrowConflict {
		t.Fatalf("second create for same gig should conflict, got %v", err)
	}
}

func TestCreateRequiresPoster(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Create(context.Background(), "someone-else", CreateRequest{
		GigID: "gig-1", PosterID: "poster", Amount: 100,
	})
	if xerrors.CodeOf(err) != xerrors.CodeIneligible {
		t.Fatalf("non-poster create should be INELIGIBLE, got %v", err)
	}
}

func TestReleaseCreditsAssignee(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "poster")
	assignee := f.seedAgent(t, "worker")
	createLocked(t, f, "gig-1", "poster", 250)
	ctx := context.Background()

	result, err := f.service.Release(ctx, "poster", "gig-1", assignee.ID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if result.Transaction.Status != StatusReleased || result.UpstreamError != "" {
		t.Fatalf("release result = %+v", result)
	}
	if result.Transaction.TransactionID == "" {
		t.Fatal("successful transfer should record a transaction id")
	}

	fresh, err := f.agents.Get(ctx, assignee.ID)
	if err != nil {
		t.Fatalf("Get assignee: %v", err)
	}
	if fresh.TotalGigsCompleted != 1 || fresh.TotalEarned != 250 {
		t.Fatalf("assignee stats = %d completed / %v earned, want 1/250",
			fresh.TotalGigsCompleted, fresh.TotalEarned)
	}
}

func TestReleaseIdempotentGuard(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "poster")
	f.seedAgent(t, "worker")
	createLocked(t, f, "gig-1", "poster", 100)
	ctx := context.Background()

	if _, err := f.service.Release(ctx, "poster", "gig-1", "worker"); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	_, err := f.service.Release(ctx, "poster", "gig-1", "worker")
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("second release should conflict, got %v", err)
	}
}

func TestReleaseToleratesTransferFailure(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "poster")
	f.seedAgent(t, "worker")
	createLocked(t, f, "gig-1", "poster", 100)
	ctx := context.Background()

	f.provider.FailNext(1)
	result, err := f.service.Release(ctx, "poster", "gig-1", "worker")
	if err != nil {
		t.Fatalf("Release with failing transfer should still succeed locally: %v", err)
	}
	if result.Transaction.Status != StatusReleased {
		t.Fatalf("local status = %v, want released despite transfer failure", result.Transaction.Status)
	}
	if result.UpstreamError == "" {
		t.Fatal("degraded release must surface the upstream failure")
	}
}

func TestDisputeRestrictedToParties(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "poster")
	f.seedAgent(t, "worker")
	createLocked(t, f, "gig-1", "poster", 100)
	ctx := context.Background()

	if _, err := f.service.Dispute(ctx, "stranger", "gig-1"); xerrors.CodeOf(err) != xerrors.CodeIneligible {
		t.Fatalf("stranger dispute should be INELIGIBLE, got %v", err)
	}
	tx, err := f.service.Dispute(ctx, "poster", "gig-1")
	if err != nil {
		t.Fatalf("poster Dispute: %v", err)
	}
	if tx.Status != StatusDisputed {
		t.Fatalf("status = %v, want disputed", tx.Status)
	}
}

func TestAdminResolveGatedByAllowList(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "poster")
	worker := f.seedAgent(t, "worker")
	createLocked(t, f, "gig-1", "poster", 100)
	ctx := context.Background()

	if _, err := f.service.Dispute(ctx, "poster", "gig-1"); err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if _, err := f.service.AdminResolve(ctx, "not-admin", "gig-1", ResolveRefundToPoster); xerrors.CodeOf(err) != xerrors.CodeIneligible {
		t.Fatalf("non-admin resolve should be INELIGIBLE, got %v", err)
	}

	// 放款给接单者前先补上 assignee。
	tx, err := f.service.Get(ctx, "gig-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	tx.AssigneeID = worker.ID
	if err := f.service.store.Update(ctx, tx); err != nil {
		t.Fatalf("Update: %v", err)
	}

	result, err := f.service.AdminResolve(ctx, "admin-1", "gig-1", ResolveReleaseToAssignee)
	if err != nil {
		t.Fatalf("AdminResolve: %v", err)
	}
	if result.Transaction.Status != StatusReleased {
		t.Fatalf("resolved status = %v, want released", result.Transaction.Status)
	}
}

func TestBreakerScenarioEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "poster")
	f.seedAgent(t, "worker")
	ctx := context.Background()

	current := time.Now()
	f.breaker.now = func() time.Time { return current }

	// 5 个 gig 的托管创建连续撞上钱包服务故障。
	f.provider.FailNext(5)
	for i, gig := range []string{"g1", "g2", "g3", "g4", "g5"} {
		result, err := f.service.Create(ctx, "poster", CreateRequest{
			GigID: gig, PosterID: "poster", Amount: 100, Currency: "USDC", Chain: "base",
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if result.UpstreamError == "" {
			t.Fatalf("create %d should report upstream failure", i)
		}
	}
	if !f.breaker.Open() {
		t.Fatal("breaker should be open after 5 consecutive failures")
	}
	if got := f.publisher.ByTopic(events.TopicBreakerOpened); len(got) != 1 {
		t.Fatalf("breaker opening should publish exactly one event, got %d", len(got))
	}

	// 开闸期间一切托管变更被拒绝。
	if _, err := f.service.Create(ctx, "poster", CreateRequest{
		GigID: "g6", PosterID: "poster", Amount: 100,
	}); xerrors.CodeOf(err) != xerrors.CodeCircuitOpen {
		t.Fatalf("create while open should be CIRCUIT_OPEN, got %v", err)
	}

	// 5 分钟后自动复位，创建恢复成功。
	current = current.Add(5 * time.Minute)
	result, err := f.service.Create(ctx, "poster", CreateRequest{
		GigID: "g6", PosterID: "poster", Amount: 100, Currency: "USDC", Chain: "base",
	})
	if err != nil {
		t.Fatalf("create after reset: %v", err)
	}
	if result.Transaction.Status != StatusLocked || result.UpstreamError != "" {
		t.Fatalf("create after reset should lock cleanly: %+v", result)
	}
}
