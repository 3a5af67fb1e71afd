package modelrouter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hive/internal/errs"
)

func sseServer(t *testing.T, chunks []string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"denied"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestStreamDeliversDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
	}, http.StatusOK)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k", HardTimeout: 5 * time.Second})
	deltas, errCh := c.Stream(context.Background(), "test-model", "hi", 0.5)

	var text string
	for d := range deltas {
		if d.Done {
			break
		}
		text += d.Text
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	default:
	}
	if text != "hello" {
		t.Fatalf("expected 'hello', got %q", text)
	}
}

func TestStreamAuthFailureDoesNotRetry(t *testing.T) {
	srv := sseServer(t, nil, http.StatusUnauthorized)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "bad", HardTimeout: 5 * time.Second})
	deltas, errCh := c.Stream(context.Background(), "m", "hi", 0.5)

	for range deltas {
	}
	err := <-errCh
	if !errs.Is(err, errs.KindAuthFailure) {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
}

func TestStreamRateLimitedRetriesThenFails(t *testing.T) {
	srv := sseServer(t, nil, http.StatusTooManyRequests)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k", HardTimeout: 5 * time.Second})
	deltas, errCh := c.Stream(context.Background(), "m", "hi", 0.5)

	for range deltas {
	}
	err := <-errCh
	if err == nil {
		t.Fatalf("expected an error after exhausted retries")
	}
}
