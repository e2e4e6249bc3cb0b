package swarm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"MoltMarket-Core/internal/agent"
	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/internal/escrow"
	"MoltMarket-Core/internal/events"
	"MoltMarket-Core/internal/reputation"
	"MoltMarket-Core/internal/wallet"
	"MoltMarket-Core/pkg/keymutex"
)

type fakeResolver struct {
	completed []string
	disputed  []string
}

func (f *fakeResolver) MarkCompleted(_ context.Context, gigID string) error {
	f.completed = append(f.completed, gigID)
	return nil
}

func (f *fakeResolver) MarkDisputed(_ context.Context, gigID string) error {
	f.disputed = append(f.disputed, gigID)
	return nil
}

type fixture struct {
	service   *Service
	agents    agent.Store
	escrow    *escrow.Service
	resolver  *fakeResolver
	publisher *events.MemoryPublisher
	rep       *reputation.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	agents := agent.NewMemoryStore()
	publisher := events.NewMemoryPublisher()
	locks := keymutex.New()
	provider := wallet.NewMemoryProvider()
	escrowSvc := escrow.NewService(escrow.NewMemoryStore(), agents, provider, nil, locks, publisher, nil)
	rep := reputation.NewService(agents, reputation.NewFuser(nil, nil), locks)
	resolver := &fakeResolver{}

	service := NewService(NewMemoryStore(), agents, rep, escrowSvc, locks, publisher, 5)
	service.SetResolver(resolver)
	return &fixture{
		service:   service,
		agents:    agents,
		escrow:    escrowSvc,
		resolver:  resolver,
		publisher: publisher,
		rep:       rep,
	}
}

func (f *fixture) seedAgent(t *testing.T, id string, score float64) *agent.Agent {
	t.Helper()
	a := &agent.Agent{
		ID:            id,
		Handle:        "crab-" + id,
		WalletAddress: "0x" + id,
		FusedScore:    score,
		LastActiveAt:  time.Now().Unix(),
	}
	if err := f.agents.Create(context.Background(), a); err != nil {
		t.Fatalf("seed agent %s: %v", id, err)
	}
	return a
}

// seedMarket 铺一个发布者、一个接单者、n 个候选验证者和一条已锁定、
// 已指派的托管。
func (f *fixture) seedMarket(t *testing.T, validators int) {
	t.Helper()
	ctx := context.Background()
	f.seedAgent(t, "poster", 90)
	f.seedAgent(t, "worker", 85)
	for i := 0; i < validators; i++ {
		f.seedAgent(t, fmt.Sprintf("validator-%d", i), 80-float64(i))
	}
	result, err := f.escrow.Create(ctx, "poster", escrow.CreateRequest{
		GigID: "gig-1", PosterID: "poster", Amount: 1000, Currency: "USDC", Chain: "base",
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if result.Transaction.Status != escrow.StatusLocked {
		t.Fatalf("escrow status = %v, want locked", result.Transaction.Status)
	}
	if err := f.escrow.Assign(ctx, "gig-1", "worker"); err != nil {
		t.Fatalf("assign escrow: %v", err)
	}
}

func request(t *testing.T, f *fixture) *Validation {
	t.Helper()
	validation, err := f.service.RequestValidation(context.Background(), RequestInput{
		GigID:      "gig-1",
		PosterID:   "poster",
		AssigneeID: "worker",
		Budget:     1000,
	})
	if err != nil {
		t.Fatalf("RequestValidation: %v", err)
	}
	return validation
}

func TestRequestValidationFreezesSelectionAndRewards(t *testing.T) {
	f := newFixture(t)
	f.seedMarket(t, 5)

	validation := request(t, f)
	if len(validation.SelectedValidators) != 5 {
		t.Fatalf("selected = %d, want 5", len(validation.SelectedValidators))
	}
	// ceil(0.6*5) = 3。
	if validation.Threshold != 3 {
		t.Fatalf("threshold = %d, want 3", validation.Threshold)
	}
	// 0.5% * 1000 = 5，按门槛 3 人均分。
	if validation.TotalRewardPool != 5 {
		t.Fatalf("reward pool = %v, want 5", validation.TotalRewardPool)
	}
	if validation.RewardPerValidator != 5.0/3.0 {
		t.Fatalf("reward per validator = %v, want %v", validation.RewardPerValidator, 5.0/3.0)
	}
	// 发布者与接单者被排除。
	for _, id := range validation.SelectedValidators {
		if id == "poster" || id == "worker" {
			t.Fatalf("poster/worker must be excluded, got %v", validation.SelectedValidators)
		}
	}
}

func TestRequestValidationFailsWithoutCandidates(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "poster", 90)
	f.seedAgent(t, "worker", 85)

	_, err := f.service.RequestValidation(context.Background(), RequestInput{
		GigID: "gig-1", PosterID: "poster", AssigneeID: "worker", Budget: 1000,
	})
	if xerrors.CodeOf(err) != xerrors.CodeIneligible {
		t.Fatalf("no candidates should be INELIGIBLE, got %v", err)
	}
}

func TestCastVoteRejectsOutsiders(t *testing.T) {
	f := newFixture(t)
	f.seedMarket(t, 5)
	validation := request(t, f)

	_, err := f.service.CastVote(context.Background(), validation.ID, "worker", ChoiceApprove)
	if xerrors.CodeOf(err) != xerrors.CodeIneligible {
		t.Fatalf("outside voter should be INELIGIBLE, got %v", err)
	}
}

func TestCastVoteOnePerVoter(t *testing.T) {
	f := newFixture(t)
	f.seedMarket(t, 5)
	validation := request(t, f)
	ctx := context.Background()

	if _, err := f.service.CastVote(ctx, validation.ID, "validator-0", ChoiceApprove); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	_, err := f.service.CastVote(ctx, validation.ID, "validator-0", ChoiceReject)
	if xerrors.CodeOf(err) != CodeDuplicateVote {
		t.Fatalf("second vote by same voter should be duplicate, got %v", err)
	}
}

func TestApprovalFlipsExactlyAtThreshold(t *testing.T) {
	f := newFixture(t)
	f.seedMarket(t, 5)
	validation := request(t, f)
	ctx := context.Background()

	for i, voter := range []string{"validator-0", "validator-1"} {
		updated, err := f.service.CastVote(ctx, validation.ID, voter, ChoiceApprove)
		if err != nil {
			t.Fatalf("vote %d: %v", i+1, err)
		}
		if updated.Status != StatusPending {
			t.Fatalf("status after %d votes = %v, want pending", i+1, updated.Status)
		}
	}

	updated, err := f.service.CastVote(ctx, validation.ID, "validator-2", ChoiceApprove)
	if err != nil {
		t.Fatalf("3rd vote: %v", err)
	}
	if updated.Status != StatusApproved {
		t.Fatalf("status after 3rd vote = %v, want approved", updated.Status)
	}

	// 托管放款、gig 完成。
	tx, err := f.escrow.Get(ctx, "gig-1")
	if err != nil {
		t.Fatalf("Get escrow: %v", err)
	}
	if tx.Status != escrow.StatusReleased {
		t.Fatalf("escrow status = %v, want released", tx.Status)
	}
	if len(f.resolver.completed) != 1 || f.resolver.completed[0] != "gig-1" {
		t.Fatalf("gig should be marked completed: %v", f.resolver.completed)
	}

	// 赞成票验证者拿到冻结的单人奖励。
	votes, err := f.service.Votes(ctx, validation.ID)
	if err != nil {
		t.Fatalf("Votes: %v", err)
	}
	for _, vote := range votes {
		if !vote.RewardClaimed || vote.RewardAmount != validation.RewardPerValidator {
			t.Fatalf("approving voter should be rewarded: %+v", vote)
		}
	}
	voter, err := f.agents.Get(ctx, "validator-0")
	if err != nil {
		t.Fatalf("Get voter: %v", err)
	}
	if voter.TotalEarned != validation.RewardPerValidator {
		t.Fatalf("voter earned = %v, want %v", voter.TotalEarned, validation.RewardPerValidator)
	}
}

func TestRejectionRefundsAndDisputes(t *testing.T) {
	f := newFixture(t)
	f.seedMarket(t, 5)
	validation := request(t, f)
	ctx := context.Background()

	for _, voter := range []string{"validator-0", "validator-1", "validator-2"} {
		if _, err := f.service.CastVote(ctx, validation.ID, voter, ChoiceReject); err != nil {
			t.Fatalf("vote by %s: %v", voter, err)
		}
	}

	resolved, err := f.service.Get(ctx, validation.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resolved.Status != StatusRejected {
		t.Fatalf("status = %v, want rejected", resolved.Status)
	}
	tx, err := f.escrow.Get(ctx, "gig-1")
	if err != nil {
		t.Fatalf("Get escrow: %v", err)
	}
	if tx.Status != escrow.StatusRefunded {
		t.Fatalf("escrow status = %v, want refunded", tx.Status)
	}
	if len(f.resolver.disputed) != 1 {
		t.Fatalf("gig should be marked disputed: %v", f.resolver.disputed)
	}

	// 否决票没有奖励。
	votes, err := f.service.Votes(ctx, validation.ID)
	if err != nil {
		t.Fatalf("Votes: %v", err)
	}
	for _, vote := range votes {
		if vote.RewardClaimed || vote.RewardAmount != 0 {
			t.Fatalf("rejecting voter must not be rewarded: %+v", vote)
		}
	}
}

func TestVoteOnResolvedValidationConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedMarket(t, 5)
	validation := request(t, f)
	ctx := context.Background()

	for _, voter := range []string{"validator-0", "validator-1", "validator-2"} {
		if _, err := f.service.CastVote(ctx, validation.ID, voter, ChoiceApprove); err != nil {
			t.Fatalf("vote by %s: %v", voter, err)
		}
	}
	_, err := f.service.CastVote(ctx, validation.ID, "validator-3", ChoiceApprove)
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("vote on resolved validation should conflict, got %v", err)
	}
}
