package moltbook

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchProfileCachesResult(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(Profile{
			Karma:     5000,
			PostCount: 12,
			Followers: 40,
			TopPosts:  []Post{{Likes: 10, Comments: 2, Shares: 1}},
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	first, err := client.FetchProfile(ctx, "clawdia")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if first.Source != SourceAPI {
		t.Fatalf("expected api source on first fetch, got %s", first.Source)
	}
	if first.Karma != 5000 {
		t.Fatalf("unexpected karma: %d", first.Karma)
	}

	second, err := client.FetchProfile(ctx, "clawdia")
	if err != nil {
		t.Fatalf("fetch cached: %v", err)
	}
	if second.Source != SourceCached {
		t.Fatalf("expected cached source on second fetch, got %s", second.Source)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single upstream hit, got %d", hits.Load())
	}
}

func TestFetchProfileNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.FetchProfile(context.Background(), "nobody"); !stdErrors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestLimiterExhaustsWindow(t *testing.T) {
	l := newLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.allow() {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.allow() {
		t.Fatal("fourth request should be rejected inside the window")
	}
}

func TestFetchProfileRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Profile{Karma: 1})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.limiter = newLimiter(1, time.Minute)

	ctx := context.Background()
	if _, err := client.FetchProfile(ctx, "a"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	// 不同 handle 不会命中缓存，只能吃限流配额。
	if _, err := client.FetchProfile(ctx, "b"); err == nil {
		t.Fatal("expected rate limit error")
	}
}
