package data

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/rowguard/internal/model"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
)

// Client reads collections from a data service started with NewRouter.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Backoff between retries on 5xx; defaults to one second per attempt.
	Backoff time.Duration
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: requestTimeout},
		Backoff: time.Second,
	}
}

// Records fetches a collection, optionally narrowed to ids.
func (c *Client) Records(ctx context.Context, name string, ids ...string) ([]model.Record, error) {
	u := c.BaseURL + "/" + url.PathEscape(name)
	if len(ids) > 0 {
		q := url.Values{"id": ids}
		u += "?" + q.Encode()
	}
	var recs []model.Record
	if err := c.get(ctx, u, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// Lookup returns the collection indexed by record id.
func (c *Client) Lookup(ctx context.Context, name string) (map[string]model.Record, error) {
	recs, err := c.Records(ctx, name)
	if err != nil {
		return nil, err
	}
	return index(recs), nil
}

// get retries on transport errors and 5xx; 4xx fails at once.
func (c *Client) get(ctx context.Context, u string, v any) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.Backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			err := json.NewDecoder(resp.Body).Decode(v)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("decode %s: %w", u, err)
			}
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			resp.Body.Close()
			return fmt.Errorf("data service rejected %s: HTTP %d", u, resp.StatusCode)
		}
		resp.Body.Close()
		lastErr = fmt.Errorf("data service error: HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("data service failed after %d attempts: %w", maxRetries, lastErr)
}

func index(recs []model.Record) map[string]model.Record {
	idx := make(map[string]model.Record, len(recs))
	for _, r := range recs {
		if id := r.ID(); id != "" {
			idx[id] = r
		}
	}
	return idx
}
