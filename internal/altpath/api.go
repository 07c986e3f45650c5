// Package altpath provides the secondary extraction capability used once
// the primary path exhausts its retry ceiling.
package altpath

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pricewatch-io/harvester/internal/engine"
)

// Config points at the secondary records API.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client asks a structured API for the same records the page extraction
// would have produced. It shares none of the session machinery: a blocked
// browser identity does not taint these requests.
type Client struct {
	http *resty.Client
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("alternate path base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Client{http: client}, nil
}

type recordsResponse struct {
	Records []map[string]string `json:"records"`
}

// Attempt fetches records for the item's key from the API.
func (c *Client) Attempt(ctx context.Context, item engine.WorkItem) ([]engine.Row, error) {
	var payload recordsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("key", item.Key).
		SetQueryParam("term", item.Payload.SearchTerm).
		SetResult(&payload).
		Get("/records")
	if err != nil {
		return nil, fmt.Errorf("alternate path request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("alternate path status %d", resp.StatusCode())
	}

	rows := make([]engine.Row, 0, len(payload.Records))
	for _, record := range payload.Records {
		rows = append(rows, engine.Row(record))
	}
	return engine.MeaningfulRows(rows), nil
}
