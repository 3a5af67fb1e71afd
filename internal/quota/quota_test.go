package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"hive/internal/errs"
)

func newTestAuthority(t *testing.T, handler http.HandlerFunc) (*Authority, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a, err := New(Config{BaseURL: srv.URL, License: "lic-1", CachePath: filepath.Join(t.TempDir(), "quota.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, srv
}

func TestPreConversationAllowed(t *testing.T) {
	a, _ := newTestAuthority(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PreConversationResponse{
			Allowed: true, Remaining: "42", ConversationToken: "tok-1",
			User: User{ID: "u1", Email: "a@b.com", Tier: "pro"},
		})
	})

	resp, err := a.PreConversation(context.Background(), "hash-1")
	if err != nil {
		t.Fatalf("PreConversation: %v", err)
	}
	if !resp.Allowed || resp.ConversationToken != "tok-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	cached, ok := a.ReadCache()
	if !ok || cached.Tier != "pro" {
		t.Fatalf("expected cache to sync tier=pro, got %+v ok=%v", cached, ok)
	}
}

func TestPreConversationAuthFailureOn401(t *testing.T) {
	a, _ := newTestAuthority(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad license"}`))
	})

	_, err := a.PreConversation(context.Background(), "hash-1")
	if !errs.Is(err, errs.KindAuthFailure) {
		t.Fatalf("expected KindAuthFailure, got %v", err)
	}
}

func TestPreConversation403WithUserPayloadIsRateLimitedNotAuthFailure(t *testing.T) {
	a, _ := newTestAuthority(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(PreConversationResponse{
			Allowed: false, Remaining: "0", Reason: "quota exhausted",
			User: User{ID: "u1", Tier: "free"},
		})
	})

	resp, err := a.PreConversation(context.Background(), "hash-1")
	if err != nil {
		t.Fatalf("expected no error for a well-formed 403, got %v", err)
	}
	if resp.Allowed {
		t.Fatalf("expected Allowed=false")
	}
	if resp.Reason != "quota exhausted" {
		t.Fatalf("expected reason to survive decoding, got %q", resp.Reason)
	}
}

func TestPreConversation403WithoutUserPayloadIsQuotaExceeded(t *testing.T) {
	a, _ := newTestAuthority(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`not json at all`))
	})

	_, err := a.PreConversation(context.Background(), "hash-1")
	if !errs.Is(err, errs.KindQuotaExceeded) {
		t.Fatalf("expected KindQuotaExceeded, got %v", err)
	}
}

func TestPostConversationSucceeds(t *testing.T) {
	a, _ := newTestAuthority(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(postConversationResponse{OK: true})
	})

	err := a.PostConversation(context.Background(), PostConversationRequest{
		ConversationToken: "tok-1", TokensIn: 100, TokensOut: 200, Cost: 0.05,
	})
	if err != nil {
		t.Fatalf("PostConversation: %v", err)
	}
}

func TestPostConversationAuthFailureOn401(t *testing.T) {
	a, _ := newTestAuthority(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := a.PostConversation(context.Background(), PostConversationRequest{ConversationToken: "tok-1"})
	if !errs.Is(err, errs.KindAuthFailure) {
		t.Fatalf("expected KindAuthFailure, got %v", err)
	}
}

func TestReadCacheEmptyWhenNeverSynced(t *testing.T) {
	a, err := New(Config{BaseURL: "http://unused", CachePath: filepath.Join(t.TempDir(), "quota.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if _, ok := a.ReadCache(); ok {
		t.Fatalf("expected no cached tier before any sync")
	}
}
