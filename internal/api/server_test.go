package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"MoltMarket-Core/internal/agent"
	"MoltMarket-Core/internal/bond"
	"MoltMarket-Core/internal/escrow"
	"MoltMarket-Core/internal/events"
	"MoltMarket-Core/internal/gig"
	"MoltMarket-Core/internal/reputation"
	"MoltMarket-Core/internal/risk"
	"MoltMarket-Core/internal/swarm"
	"MoltMarket-Core/internal/wallet"
	"MoltMarket-Core/pkg/keymutex"
)

type fixture struct {
	server *httptest.Server
	agents agent.Store
	bonds  *bond.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	agents := agent.NewMemoryStore()
	publisher := events.NewMemoryPublisher()
	locks := keymutex.New()
	bondStore := bond.NewMemoryEventStore()
	bonds := bond.NewLedger(agents, bondStore, locks, publisher)
	riskEngine := risk.NewEngine(agents, risk.NewMemoryEventStore(), bondStore, locks, publisher, risk.DefaultEligibilityThreshold)
	rep := reputation.NewService(agents, reputation.NewFuser(nil, nil), locks)
	escrowSvc := escrow.NewService(escrow.NewMemoryStore(), agents, wallet.NewMemoryProvider(), nil, locks, publisher, []string{"admin-1"})
	swarmSvc := swarm.NewService(swarm.NewMemoryStore(), agents, rep, escrowSvc, locks, publisher, 5)
	gigSvc := gig.NewService(gig.NewMemoryStore(), agents, rep, riskEngine, bonds, escrowSvc, swarmSvc, locks, publisher)
	swarmSvc.SetResolver(gigSvc)

	api := NewServer(":0", Dependencies{
		Agents:     agent.NewService(agents, locks, publisher),
		Reputation: rep,
		Bonds:      bonds,
		Risk:       riskEngine,
		Escrow:     escrowSvc,
		Swarm:      swarmSvc,
		Gigs:       gigSvc,
	})
	server := httptest.NewServer(api.Routes())
	t.Cleanup(server.Close)
	return &fixture{server: server, agents: agents, bonds: bonds}
}

func (f *fixture) seedAgent(t *testing.T, id string, score, deposit float64) {
	t.Helper()
	ctx := context.Background()
	a := &agent.Agent{
		ID:            id,
		Handle:        "crab-" + id,
		WalletAddress: "0x" + id,
		FusedScore:    score,
		LastActiveAt:  time.Now().Unix(),
	}
	if err := f.agents.Create(ctx, a); err != nil {
		t.Fatalf("seed agent %s: %v", id, err)
	}
	if deposit > 0 {
		if _, err := f.bonds.Deposit(ctx, id, deposit); err != nil {
			t.Fatalf("deposit for %s: %v", id, err)
		}
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, &payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	decoded := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response of %s %s: %v", method, path, err)
	}
	return resp.StatusCode, decoded
}

func TestRegisterAndFetchAgent(t *testing.T) {
	f := newFixture(t)

	status, created := f.do(t, http.MethodPost, "/api/v1/agents", map[string]string{
		"handle":         "molt-crab",
		"wallet_address": "0xabc123",
		"chain":          "base",
	})
	if status != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", status)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("register response missing id: %v", created)
	}

	status, fetched := f.do(t, http.MethodGet, "/api/v1/agents/"+id, nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d, want 200", status)
	}
	if fetched["handle"] != "molt-crab" {
		t.Fatalf("handle = %v, want molt-crab", fetched["handle"])
	}
}

func TestGetAgentNotFound(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/api/v1/agents/ghost", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if body["code"] != string(agent.CodeAgentNotFound) {
		t.Fatalf("code = %v, want %s", body["code"], agent.CodeAgentNotFound)
	}
}

func TestTrustCheckQuery(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "worker", 80, 0)

	status, body := f.do(t, http.MethodGet, "/api/v1/agents/worker/trust?min_score=50", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["hireable"] != true {
		t.Fatalf("hireable = %v, want true", body["hireable"])
	}

	status, body = f.do(t, http.MethodGet, "/api/v1/agents/worker/trust?min_score=abc", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %v", status, body)
	}
}

func TestBondDepositAndOverdraw(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "worker", 80, 0)

	status, body := f.do(t, http.MethodPost, "/api/v1/agents/worker/bond/deposit", map[string]float64{"amount": 100})
	if status != http.StatusOK {
		t.Fatalf("deposit status = %d, body %v", status, body)
	}
	if body["available_bond"] != 100.0 {
		t.Fatalf("available_bond = %v, want 100", body["available_bond"])
	}

	status, body = f.do(t, http.MethodPost, "/api/v1/agents/worker/bond/withdraw", map[string]float64{"amount": 500})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("withdraw status = %d, want 422, body %v", status, body)
	}
}

func TestGigLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "poster", 90, 0)
	f.seedAgent(t, "worker", 80, 100)
	for i := 0; i < 5; i++ {
		f.seedAgent(t, fmt.Sprintf("validator-%d", i), 70-float64(i), 0)
	}

	status, posted := f.do(t, http.MethodPost, "/api/v1/gigs", map[string]any{
		"title":         "清洗链上数据集",
		"budget":        1000,
		"currency":      "USDC",
		"chain":         "base",
		"poster_id":     "poster",
		"bond_required": 50,
	})
	if status != http.StatusCreated {
		t.Fatalf("post status = %d, body %v", status, posted)
	}
	gigBody, _ := posted["gig"].(map[string]any)
	gigID, _ := gigBody["id"].(string)
	if gigID == "" {
		t.Fatalf("post response missing gig id: %v", posted)
	}

	if status, body := f.do(t, http.MethodPost, "/api/v1/gigs/"+gigID+"/assign", map[string]string{"assignee_id": "worker"}); status != http.StatusOK {
		t.Fatalf("assign status = %d, body %v", status, body)
	}
	if status, body := f.do(t, http.MethodPost, "/api/v1/gigs/"+gigID+"/start", map[string]string{"actor_id": "worker"}); status != http.StatusOK {
		t.Fatalf("start status = %d, body %v", status, body)
	}

	status, submitted := f.do(t, http.MethodPost, "/api/v1/gigs/"+gigID+"/submit", map[string]string{"actor_id": "worker"})
	if status != http.StatusOK {
		t.Fatalf("submit status = %d, body %v", status, submitted)
	}
	validation, _ := submitted["validation"].(map[string]any)
	validationID, _ := validation["id"].(string)
	if validationID == "" {
		t.Fatalf("submit response missing validation id: %v", submitted)
	}
	voters, _ := validation["selected_validators"].([]any)
	if len(voters) != 5 {
		t.Fatalf("validator pool = %d, want 5", len(voters))
	}

	for i := 0; i < 3; i++ {
		status, body := f.do(t, http.MethodPost, "/api/v1/validations/"+validationID+"/votes", map[string]string{
			"voter_id": voters[i].(string),
			"choice":   string(swarm.ChoiceApprove),
		})
		if status != http.StatusOK {
			t.Fatalf("vote %d status = %d, body %v", i, status, body)
		}
	}

	status, final := f.do(t, http.MethodGet, "/api/v1/gigs/"+gigID, nil)
	if status != http.StatusOK {
		t.Fatalf("get gig status = %d", status)
	}
	if final["status"] != string(gig.StatusCompleted) {
		t.Fatalf("gig status = %v, want completed", final["status"])
	}

	status, tx := f.do(t, http.MethodGet, "/api/v1/gigs/"+gigID+"/escrow", nil)
	if status != http.StatusOK {
		t.Fatalf("get escrow status = %d", status)
	}
	if tx["status"] != string(escrow.StatusReleased) {
		t.Fatalf("escrow status = %v, want released", tx["status"])
	}
}

func TestDuplicateVoteConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "poster", 90, 0)
	f.seedAgent(t, "worker", 80, 100)
	for i := 0; i < 5; i++ {
		f.seedAgent(t, fmt.Sprintf("validator-%d", i), 70-float64(i), 0)
	}

	_, posted := f.do(t, http.MethodPost, "/api/v1/gigs", map[string]any{
		"title": "标注语料", "budget": 500, "currency": "USDC", "chain": "base", "poster_id": "poster",
	})
	gigBody, _ := posted["gig"].(map[string]any)
	gigID, _ := gigBody["id"].(string)
	f.do(t, http.MethodPost, "/api/v1/gigs/"+gigID+"/assign", map[string]string{"assignee_id": "worker"})
	f.do(t, http.MethodPost, "/api/v1/gigs/"+gigID+"/start", map[string]string{"actor_id": "worker"})
	_, submitted := f.do(t, http.MethodPost, "/api/v1/gigs/"+gigID+"/submit", map[string]string{"actor_id": "worker"})
	validation, _ := submitted["validation"].(map[string]any)
	validationID, _ := validation["id"].(string)
	voters, _ := validation["selected_validators"].([]any)
	voter := voters[0].(string)

	vote := map[string]string{"voter_id": voter, "choice": string(swarm.ChoiceApprove)}
	if status, body := f.do(t, http.MethodPost, "/api/v1/validations/"+validationID+"/votes", vote); status != http.StatusOK {
		t.Fatalf("first vote status = %d, body %v", status, body)
	}
	status, body := f.do(t, http.MethodPost, "/api/v1/validations/"+validationID+"/votes", vote)
	if status != http.StatusConflict {
		t.Fatalf("duplicate vote status = %d, want 409, body %v", status, body)
	}
	if body["code"] != string(swarm.CodeDuplicateVote) {
		t.Fatalf("code = %v, want %s", body["code"], swarm.CodeDuplicateVote)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/healthz", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d/%v", status, body)
	}

	resp, err := f.server.Client().Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
}
