package fanout

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestTryReturnsFirstSuccess(t *testing.T) {
	attempted := []string{}
	call := func(ctx context.Context, id string) (string, error) {
		attempted = append(attempted, id)
		if id == "mgr-2" {
			return "ok-from-" + id, nil
		}
		return "", errors.New("unreachable")
	}

	got, err := Try(context.Background(), []string{"mgr-1", "mgr-2", "mgr-3"}, nil, call)
	if err != nil {
		t.Fatalf("Try: %v", err)
	}
	if got != "ok-from-mgr-2" {
		t.Fatalf("got %q", got)
	}
	if len(attempted) != 2 {
		t.Fatalf("attempted %v, want exactly mgr-1 then mgr-2", attempted)
	}
}

func TestTrySkipsCacheMarkedUnreachable(t *testing.T) {
	cache := NewStateCache(func() []string { return nil }, nil, slog.Default())
	cache.state["mgr-1"] = false
	cache.state["mgr-2"] = true

	var attempted []string
	call := func(ctx context.Context, id string) (int, error) {
		attempted = append(attempted, id)
		return 1, nil
	}

	got, err := Try(context.Background(), []string{"mgr-1", "mgr-2"}, cache, call)
	if err != nil {
		t.Fatalf("Try: %v", err)
	}
	if got != 1 {
		t.Fatalf("got %d", got)
	}
	if len(attempted) != 1 || attempted[0] != "mgr-2" {
		t.Fatalf("attempted %v, want only mgr-2", attempted)
	}
}

func TestTryReturnsErrorWhenAllFail(t *testing.T) {
	call := func(ctx context.Context, id string) (int, error) {
		return 0, errors.New("down: " + id)
	}
	_, err := Try(context.Background(), []string{"mgr-1", "mgr-2"}, nil, call)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestTryReturnsErrorWhenNoCandidates(t *testing.T) {
	call := func(ctx context.Context, id string) (int, error) { return 0, nil }
	_, err := Try[int](context.Background(), nil, nil, call)
	if err == nil {
		t.Fatal("expected error for empty candidate list")
	}
}

func TestStateCacheRefreshUpdatesReachability(t *testing.T) {
	probed := make(chan string, 4)
	cache := NewStateCache(
		func() []string { return []string{"mgr-1", "mgr-2"} },
		func(id string) bool {
			probed <- id
			return id == "mgr-1"
		},
		slog.Default(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cache.Start(ctx, "@every 1h"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer cache.Stop()

	deadline := time.After(time.Second)
	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case id := <-probed:
			seen[id] = true
		case <-deadline:
			t.Fatal("timed out waiting for initial refresh")
		}
	}

	if !cache.Reachable("mgr-1") {
		t.Fatal("mgr-1 should be reachable")
	}
	if cache.Reachable("mgr-2") {
		t.Fatal("mgr-2 should be unreachable")
	}
	if !cache.Reachable("mgr-unknown") {
		t.Fatal("unknown id should default reachable")
	}
}
