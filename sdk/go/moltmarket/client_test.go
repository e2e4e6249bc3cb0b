package moltmarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterAgentPostsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if payload["handle"] != "molt-crab" {
			t.Fatalf("unexpected handle: %q", payload["handle"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Agent{ID: "agent-1", Handle: payload["handle"]})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	registered, err := client.RegisterAgent(context.Background(), "molt-crab", "0xabc", "base")
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if registered.ID != "agent-1" {
		t.Fatalf("expected agent-1, got %q", registered.ID)
	}
}

func TestTrustCheckPassesMinScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/worker/trust" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("min_score"); got != "60" {
			t.Fatalf("unexpected min_score: %q", got)
		}
		_ = json.NewEncoder(w).Encode(TrustResult{AgentID: "worker", Hireable: true})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	result, err := client.TrustCheck(context.Background(), "worker", 60)
	if err != nil {
		t.Fatalf("trust check: %v", err)
	}
	if !result.Hireable {
		t.Fatal("expected hireable result")
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(APIError{
			Code:     "GIG_NOT_FOUND",
			Message:  "gig not found",
			Metadata: map[string]string{"gig_id": "gig-404"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.GetGig(context.Background(), "gig-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "GIG_NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if apiErr.Metadata["gig_id"] != "gig-404" {
		t.Fatalf("unexpected metadata: %+v", apiErr.Metadata)
	}
}
