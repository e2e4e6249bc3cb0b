package agent

import (
	"context"
	"testing"

	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/internal/events"
)

func newTestService() (*Service, *events.MemoryPublisher) {
	publisher := events.NewMemoryPublisher()
	return NewService(NewMemoryStore(), nil, publisher), publisher
}

func TestRegisterCreatesProfile(t *testing.T) {
	service, publisher := newTestService()

	registered, err := service.Register(context.Background(), RegisterRequest{
		Handle:        "molt-crab",
		WalletAddress: "0xabc",
		Chain:         "base",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if registered.ID == "" {
		t.Fatal("expected generated id")
	}
	if registered.BondTier != TierUnbonded || registered.BondReliability != 100 {
		t.Fatalf("fresh profile = %v/%v, want unbonded/100", registered.BondTier, registered.BondReliability)
	}

	fetched, err := service.GetByHandle(context.Background(), "molt-crab")
	if err != nil {
		t.Fatalf("GetByHandle: %v", err)
	}
	if fetched.ID != registered.ID {
		t.Fatalf("fetched id = %s, want %s", fetched.ID, registered.ID)
	}
	if len(publisher.ByTopic(events.TopicAgentRegistered)) != 1 {
		t.Fatal("expected one agent.registered event")
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	service, _ := newTestService()

	cases := []RegisterRequest{
		{Handle: "", WalletAddress: "0xabc"},
		{Handle: "crab", WalletAddress: "  "},
	}
	for _, req := range cases {
		if _, err := service.Register(context.Background(), req); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("Register(%+v) code = %v, want INVALID_ARGUMENT", req, xerrors.CodeOf(err))
		}
	}
}

func TestRegisterRejectsDuplicateHandle(t *testing.T) {
	service, _ := newTestService()

	req := RegisterRequest{Handle: "molt-crab", WalletAddress: "0xabc", Chain: "base"}
	if _, err := service.Register(context.Background(), req); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, err := service.Register(context.Background(), req)
	if xerrors.CodeOf(err) != CodeAgentConflict {
		t.Fatalf("duplicate Register code = %v, want AGENT_CONFLICT", xerrors.CodeOf(err))
	}
}

func TestRecordActivityBumpsTimestamp(t *testing.T) {
	service, _ := newTestService()

	registered, err := service.Register(context.Background(), RegisterRequest{
		Handle:        "molt-crab",
		WalletAddress: "0xabc",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	stale := registered.Clone()
	stale.LastActiveAt = 1
	if err := service.Store().Update(context.Background(), stale); err != nil {
		t.Fatalf("backdate profile: %v", err)
	}

	if err := service.RecordActivity(context.Background(), registered.ID); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	refreshed, err := service.Get(context.Background(), registered.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if refreshed.LastActiveAt <= 1 {
		t.Fatalf("last_active_at = %d, want bumped", refreshed.LastActiveAt)
	}
}

func TestRecordActivityUnknownAgent(t *testing.T) {
	service, _ := newTestService()

	err := service.RecordActivity(context.Background(), "ghost")
	if xerrors.CodeOf(err) != CodeAgentNotFound {
		t.Fatalf("code = %v, want AGENT_NOT_FOUND", xerrors.CodeOf(err))
	}
}
