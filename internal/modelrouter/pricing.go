package modelrouter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"hive/internal/logging"
)

type pricingResponse struct {
	Models []struct {
		ID               string  `json:"id"`
		InputPerMillion  float64 `json:"input_cost_per_million"`
		OutputPerMillion float64 `json:"output_cost_per_million"`
	} `json:"models"`
}

// RefreshPricing fetches the current pricing table from pricingURL and
// replaces the client's in-memory table atomically under pricingMu.
func (c *Client) RefreshPricing(ctx context.Context) error {
	if c.pricingURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pricingURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return err
	}

	var parsed pricingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return err
	}

	table := make(map[string]ModelPrice, len(parsed.Models))
	for _, m := range parsed.Models {
		table[m.ID] = ModelPrice{
			Model:            m.ID,
			InputPerMillion:  m.InputPerMillion,
			OutputPerMillion: m.OutputPerMillion,
		}
	}

	c.pricingMu.Lock()
	c.pricing = table
	c.pricingMu.Unlock()

	logging.RouterDebug("pricing table refreshed: %d models", len(table))
	return nil
}

// PriceFor returns the known pricing for model, and whether it is known.
func (c *Client) PriceFor(model string) (ModelPrice, bool) {
	c.pricingMu.RLock()
	defer c.pricingMu.RUnlock()
	p, ok := c.pricing[model]
	return p, ok
}

// CostFor estimates the dollar cost of tokens total usage against model,
// split evenly between input and output tokens since a streamed response
// only reports the combined total. Returns 0 when the model's price is
// unknown (e.g. the pricing table hasn't refreshed yet).
func (c *Client) CostFor(model string, tokens int) float64 {
	price, ok := c.PriceFor(model)
	if !ok {
		return 0
	}
	in := tokens / 2
	out := tokens - in
	return float64(in)/1_000_000*price.InputPerMillion + float64(out)/1_000_000*price.OutputPerMillion
}

// StartPricingRefreshLoop runs RefreshPricing once immediately, then on
// interval, until ctx is cancelled. Intended to be launched as a background
// goroutine at process startup.
func (c *Client) StartPricingRefreshLoop(ctx context.Context, interval time.Duration) {
	if err := c.RefreshPricing(ctx); err != nil {
		logging.Get(logging.CategoryModelRouter).Warn("initial pricing refresh failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshPricing(ctx); err != nil {
				logging.Get(logging.CategoryModelRouter).Warn("pricing refresh failed: %v", err)
			}
		}
	}
}
