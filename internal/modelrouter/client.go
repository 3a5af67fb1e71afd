// Package modelrouter implements hive's HTTP client to the external model
// routing provider (spec component C2): SSE-streamed chat completions, a
// periodically refreshed pricing table, and retry/backoff with distinct
// AuthFailure/RateLimited semantics. Grounded on the teacher's
// internal/perception/client_openrouter.go — same bufio.Scanner SSE loop
// over "data: " lines terminated by "[DONE]", same exponential backoff shape
// — generalized from OpenRouter's multi-provider surface to hive's single
// router endpoint, and extended with the soft/hard timeout split spec.md
// requires.
package modelrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"hive/internal/errs"
	"hive/internal/logging"
)

// Client is hive's streaming chat-completions client against a single model
// routing provider.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	softTimeout time.Duration
	hardTimeout time.Duration

	pricingMu  sync.RWMutex
	pricing    map[string]ModelPrice
	pricingURL string
}

// ModelPrice is one model's per-token pricing, refreshed periodically from
// the router's pricing endpoint.
type ModelPrice struct {
	Model            string
	InputPerMillion  float64
	OutputPerMillion float64
}

// Config configures a new Client.
type Config struct {
	BaseURL        string
	APIKey         string
	SoftTimeout    time.Duration
	HardTimeout    time.Duration
	PricingURL     string
	PricingRefresh time.Duration
}

// New creates a Client configured with c. If c.HardTimeout is non-zero, it
// backstops every request at that duration; SoftTimeout governs the
// "stalled stream" classification surfaced as errs.KindTimeoutSoft.
func New(c Config) *Client {
	transport := &http.Transport{}
	// Prefer HTTP/2 for the long-lived SSE connections the pipeline opens.
	_ = http2.ConfigureTransport(transport)

	hard := c.HardTimeout
	if hard == 0 {
		hard = 180 * time.Second
	}
	soft := c.SoftTimeout
	if soft == 0 {
		soft = 120 * time.Second
	}

	return &Client{
		baseURL:     strings.TrimRight(c.BaseURL, "/"),
		apiKey:      c.APIKey,
		httpClient:  &http.Client{Transport: transport, Timeout: hard},
		softTimeout: soft,
		hardTimeout: hard,
		pricing:     make(map[string]ModelPrice),
		pricingURL:  c.PricingURL,
	}
}

// chatRequest is the wire request body for a chat completion.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Delta is one incremental piece of a streamed completion.
type Delta struct {
	Text        string
	Done        bool
	TotalTokens int
}

// Stream opens a streaming chat completion for prompt against model at the
// given temperature, sending deltas on the returned channel until the
// response completes, the context is cancelled, or an error occurs (sent on
// the error channel, which closes the delta channel).
//
// Retries up to 3 times with backoff starting at 500ms, doubling, capped at
// 10s, except on AuthFailure (401) which never retries.
func (c *Client) Stream(ctx context.Context, model, prompt string, temperature float64) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errCh)

		const maxRetries = 3
		backoff := 500 * time.Millisecond
		const maxBackoff = 10 * time.Second

		var lastErr error
		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					errCh <- errs.Wrap(errs.KindCancelled, "stream cancelled during backoff", ctx.Err())
					return
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}

			err := c.streamOnce(ctx, model, prompt, temperature, deltas)
			if err == nil {
				return
			}
			if errs.Is(err, errs.KindAuthFailure) {
				errCh <- err
				return
			}
			if errs.Is(err, errs.KindCancelled) {
				errCh <- err
				return
			}
			lastErr = err
			logging.RouterDebug("stream attempt %d/%d failed: %v", attempt+1, maxRetries+1, err)
		}
		kind := errs.KindUpstreamError
		if errs.Is(lastErr, errs.KindRateLimited) {
			kind = errs.KindRateLimited
		}
		errCh <- errs.Wrap(kind, "exhausted retries", lastErr)
	}()

	return deltas, errCh
}

func (c *Client) streamOnce(ctx context.Context, model, prompt string, temperature float64, deltas chan<- Delta) error {
	softCtx, cancel := context.WithTimeout(ctx, c.softTimeoutOrParent(ctx))
	defer cancel()

	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: temperature,
		Stream:      true,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return errs.Wrap(errs.KindUpstreamError, "marshal chat request", err)
	}

	req, err := http.NewRequestWithContext(softCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return errs.Wrap(errs.KindUpstreamError, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindCancelled, "request cancelled", ctx.Err())
		}
		if softCtx.Err() != nil {
			return errs.Wrap(errs.KindTimeoutSoft, "soft timeout exceeded", softCtx.Err())
		}
		return errs.Wrap(errs.KindUpstreamError, "do request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errs.New(errs.KindAuthFailure, "router rejected credentials: "+string(body))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errs.New(errs.KindRateLimited, "router rate limited: "+string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errs.New(errs.KindUpstreamError, fmt.Sprintf("router returned %d: %s", resp.StatusCode, body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			deltas <- Delta{Done: true}
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return errs.New(errs.KindUpstreamError, chunk.Error.Message)
		}
		if len(chunk.Choices) > 0 {
			delta := Delta{Text: chunk.Choices[0].Delta.Content}
			if chunk.Usage != nil {
				delta.TotalTokens = chunk.Usage.TotalTokens
			}
			if delta.Text != "" || delta.TotalTokens > 0 {
				select {
				case deltas <- delta:
				case <-ctx.Done():
					return errs.Wrap(errs.KindCancelled, "delivery cancelled", ctx.Err())
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.KindUpstreamError, "stream read error", err)
	}
	return nil
}

func (c *Client) softTimeoutOrParent(ctx context.Context) time.Duration {
	if _, ok := ctx.Deadline(); ok {
		return c.hardTimeout
	}
	return c.softTimeout
}
