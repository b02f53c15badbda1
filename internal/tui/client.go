package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ironvale/taskforge/internal/router"
	"github.com/ironvale/taskforge/internal/sizing"
	"github.com/ironvale/taskforge/internal/store"
)

// Client reads the gateway stats endpoints.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient builds a stats client for the given gateway address.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// QueueStats mirrors /v1/stats/queues.
type QueueStats struct {
	Depths    map[string]int   `json:"depths"`
	Backlog   int64            `json:"backlog"`
	Statuses  map[string]int64 `json:"statuses"`
	ByOrigin  map[string]int64 `json:"by_origin"`
	Saturated bool             `json:"saturated"`
}

// Stats is one full dashboard refresh.
type Stats struct {
	Queues    QueueStats
	Origins   []router.OriginSnapshot
	Workers   []sizing.WorkerSnapshot
	SLA       store.SLASummary
	FetchedAt time.Time
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Healthy probes /healthz.
func (c *Client) Healthy(ctx context.Context) bool {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/healthz", &body); err != nil {
		return false
	}
	return body.Status == "ok"
}

// FetchStats pulls all dashboard panels. Origin and worker panels degrade
// to empty when their subsystems are disabled server-side.
func (c *Client) FetchStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{FetchedAt: time.Now()}

	if err := c.get(ctx, "/v1/stats/queues", &stats.Queues); err != nil {
		return nil, err
	}
	var origins struct {
		Origins []router.OriginSnapshot `json:"origins"`
	}
	if err := c.get(ctx, "/v1/stats/origins", &origins); err == nil {
		stats.Origins = origins.Origins
	}
	var workers struct {
		Workers []sizing.WorkerSnapshot `json:"workers"`
	}
	if err := c.get(ctx, "/v1/stats/sizes", &workers); err == nil {
		stats.Workers = workers.Workers
	}
	if err := c.get(ctx, "/v1/stats/sla", &stats.SLA); err != nil {
		return nil, err
	}
	return stats, nil
}
