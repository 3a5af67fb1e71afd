// Package quota implements the Cost & Quota Authority (C8): the
// pre/post-conversation HTTPS contract against the remote quota service, and
// a read-only local cache mirror (tier, last-sync) for UI display.
//
// The HTTP request/response shape and 401-vs-403 distinction are grounded on
// the teacher's modelrouter client idiom (see internal/modelrouter/client.go
// streamOnce): a net/http.Client with a context-scoped timeout, explicit
// status-code branching before generic error wrapping. The local cache uses
// modernc.org/sqlite, the pack's pure-Go sqlite driver left unwired by the
// Knowledge Store (which uses mattn/go-sqlite3 for its cgo-accelerated FTS5
// and sqlite-vec extension loading) — a small read-mostly mirror has no need
// for cgo, so it gets its own lightweight, separately-driven store.
package quota

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	_ "modernc.org/sqlite"

	"hive/internal/errs"
	"hive/internal/logging"
)

// User is the identity/tier payload the quota authority returns.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Tier  string `json:"tier"`
}

// PreConversationRequest is sent before every consensus run.
type PreConversationRequest struct {
	License   string `json:"license"`
	QueryHash string `json:"query_hash"`
}

// PreConversationResponse is the quota authority's allow/deny decision.
type PreConversationResponse struct {
	Allowed          bool   `json:"allowed"`
	Remaining        string `json:"remaining"` // int or "unlimited"
	ConversationToken string `json:"conversation_token,omitempty"`
	ExpiresAt        string `json:"expires_at,omitempty"`
	Reason           string `json:"reason,omitempty"`
	User             User   `json:"user"`
}

// PostConversationRequest records a finished run's usage remotely.
type PostConversationRequest struct {
	ConversationToken string  `json:"conversation_token"`
	TokensIn          int     `json:"tokens_in"`
	TokensOut         int     `json:"tokens_out"`
	Cost              float64 `json:"cost"`
}

type postConversationResponse struct {
	OK bool `json:"ok"`
}

// Authority is the client for the remote Cost & Quota Authority.
type Authority struct {
	baseURL    string
	license    string
	httpClient *http.Client
	cache      *sql.DB
}

// Config configures a new Authority.
type Config struct {
	BaseURL    string
	License    string
	Timeout    time.Duration
	CachePath  string // sqlite file for the read-only tier/last-sync mirror
}

// New constructs an Authority and opens its local cache mirror at
// cfg.CachePath (created if absent).
func New(cfg Config) (*Authority, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	a := &Authority{
		baseURL:    cfg.BaseURL,
		license:    cfg.License,
		httpClient: &http.Client{Timeout: timeout},
	}
	if cfg.CachePath != "" {
		db, err := sql.Open("sqlite", cfg.CachePath)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorageError, "open quota cache", err)
		}
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS quota_cache (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			tier TEXT NOT NULL,
			remaining TEXT NOT NULL,
			last_sync DATETIME NOT NULL
		)`); err != nil {
			db.Close()
			return nil, errs.Wrap(errs.KindStorageError, "create quota cache table", err)
		}
		a.cache = db
	}
	return a, nil
}

// Close releases the local cache mirror's connection, if one was opened.
func (a *Authority) Close() error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Close()
}

// PreConversation asks the remote authority whether query may proceed. A
// false Allowed (HTTP 403 with a user payload) is not itself an error —
// callers must check resp.Allowed and, if false, publish QuotaExceeded and
// skip the pipeline. HTTP 401 is surfaced as errs.KindAuthFailure; HTTP 403
// WITHOUT a decodable user payload is also treated as quota-exceeded, since
// the authority's only other documented 403 shape is the rate-limited one.
func (a *Authority) PreConversation(ctx context.Context, queryHash string) (*PreConversationResponse, error) {
	body, err := json.Marshal(PreConversationRequest{License: a.license, QueryHash: queryHash})
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "marshal pre-conversation request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/pre-conversation", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "build pre-conversation request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "do pre-conversation request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "read pre-conversation response", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errs.New(errs.KindAuthFailure, "quota authority rejected credentials: "+string(raw))
	}

	// remaining arrives as either a JSON number or the string "unlimited";
	// decode it raw and keep its textual form in Remaining.
	var wire struct {
		PreConversationResponse
		Remaining json.RawMessage `json:"remaining"`
	}
	decodeErr := json.Unmarshal(raw, &wire)
	decoded := wire.PreConversationResponse
	if len(wire.Remaining) > 0 {
		if err := json.Unmarshal(wire.Remaining, &decoded.Remaining); err != nil {
			decoded.Remaining = string(wire.Remaining)
		}
	}

	if resp.StatusCode == http.StatusForbidden {
		if decodeErr != nil || decoded.User.ID == "" {
			return nil, errs.New(errs.KindQuotaExceeded, "quota exceeded: "+string(raw))
		}
		// 403 with a valid user payload: rate-limited, not auth-failed.
		decoded.Allowed = false
		a.syncCache(decoded)
		return &decoded, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindUpstreamError, fmt.Sprintf("quota authority returned %d: %s", resp.StatusCode, raw))
	}
	if decodeErr != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "decode pre-conversation response", decodeErr)
	}

	a.syncCache(decoded)
	return &decoded, nil
}

// PostConversation records a finished run's token usage and cost remotely.
// The local cache is never mutated here beyond its read-only tier mirror.
func (a *Authority) PostConversation(ctx context.Context, req PostConversationRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errs.Wrap(errs.KindUpstreamError, "marshal post-conversation request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/post-conversation", bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.KindUpstreamError, "build post-conversation request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return errs.Wrap(errs.KindUpstreamError, "do post-conversation request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errs.New(errs.KindAuthFailure, "quota authority rejected credentials on post-conversation callback")
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errs.New(errs.KindUpstreamError, fmt.Sprintf("post-conversation returned %d: %s", resp.StatusCode, raw))
	}

	var decoded postConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil && !decoded.OK {
		logging.Get(logging.CategoryQuota).Warn("post-conversation callback reported !ok for token %s", req.ConversationToken)
	}
	return nil
}

// syncCache mirrors tier/remaining for UI display. Best-effort: a cache
// write failure never blocks the quota decision already made.
func (a *Authority) syncCache(resp PreConversationResponse) {
	if a.cache == nil {
		return
	}
	_, err := a.cache.Exec(
		`INSERT INTO quota_cache (id, tier, remaining, last_sync) VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET tier = excluded.tier, remaining = excluded.remaining, last_sync = excluded.last_sync`,
		resp.User.Tier, resp.Remaining, time.Now(),
	)
	if err != nil {
		logging.Get(logging.CategoryQuota).Warn("failed to sync quota cache: %v", err)
	}
}

// CachedTier is the last-synced tier/remaining mirror, for UI display only.
type CachedTier struct {
	Tier      string
	Remaining string
	LastSync  time.Time
}

// ReadCache returns the local read-only tier/remaining mirror, or
// (CachedTier{}, false) if nothing has synced yet.
func (a *Authority) ReadCache() (CachedTier, bool) {
	if a.cache == nil {
		return CachedTier{}, false
	}
	var c CachedTier
	err := a.cache.QueryRow(`SELECT tier, remaining, last_sync FROM quota_cache WHERE id = 1`).Scan(&c.Tier, &c.Remaining, &c.LastSync)
	if err != nil {
		return CachedTier{}, false
	}
	return c, true
}
