package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient talks to the MT5 bridge over REST. Broker I/O is the only place
// retries apply: bounded exponential backoff, capped, on network errors and
// 5xx responses. 4xx responses fail immediately.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	RetryMax   int
}

// NewHTTPClient builds a bridge client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, retryMax int) *HTTPClient {
	if retryMax <= 0 {
		retryMax = 3
	}
	return &HTTPClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
		RetryMax:   retryMax,
	}
}

// GetAccountSnapshot fetches the broker's account/position snapshot.
func (c *HTTPClient) GetAccountSnapshot(ctx context.Context, accountID string) (*AccountSnapshot, error) {
	var snap AccountSnapshot
	path := fmt.Sprintf("/api/v1/accounts/%s/snapshot", accountID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, fmt.Errorf("account snapshot: %w", err)
	}
	return &snap, nil
}

// GetQuote fetches the current bid/ask for an instrument.
func (c *HTTPClient) GetQuote(ctx context.Context, accountID, instrument string) (*Quote, error) {
	var q Quote
	path := fmt.Sprintf("/api/v1/accounts/%s/quotes/%s", accountID, instrument)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &q); err != nil {
		return nil, fmt.Errorf("quote %s: %w", instrument, err)
	}
	return &q, nil
}

// ClosePosition asks the broker to close a ticket at market.
func (c *HTTPClient) ClosePosition(ctx context.Context, accountID, ticket string, volume float64) (*CloseResult, error) {
	body := map[string]any{
		"ticket": ticket,
		"volume": volume,
	}
	var res CloseResult
	path := fmt.Sprintf("/api/v1/accounts/%s/close", accountID)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &res); err != nil {
		return nil, fmt.Errorf("close ticket %s: %w", ticket, err)
	}
	return &res, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	backoff := 250 * time.Millisecond

	for attempt := 0; attempt <= c.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
		}

		var reader *bytes.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal body: %w", err)
			}
			reader = bytes.NewReader(raw)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("X-API-Key", c.APIKey)
		}

		res, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if res.StatusCode >= 500 {
			res.Body.Close()
			lastErr = fmt.Errorf("broker status %d", res.StatusCode)
			continue
		}
		if res.StatusCode != http.StatusOK {
			res.Body.Close()
			return fmt.Errorf("broker status %d", res.StatusCode)
		}

		if out != nil {
			err = json.NewDecoder(res.Body).Decode(out)
		}
		res.Body.Close()
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("broker request failed after %d retries: %w", c.RetryMax, lastErr)
}
