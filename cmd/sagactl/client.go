package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client calls the orders service admin API.
type Client struct {
	http *resty.Client
}

type ClientOptions struct {
	BaseURL       string
	TenantID      string
	AdminToken    string
	CorrelationID string
	Timeout       time.Duration
}

// APIError is the error body every endpoint answers with.
type APIError struct {
	Status          int    `json:"-"`
	Message         string `json:"error"`
	Reason          string `json:"reason,omitempty"`
	ExistingOrderID string `json:"existing_order_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Tenant-ID", opts.TenantID).
		SetHeader("X-User-ID", "sagactl")
	if opts.AdminToken != "" {
		c.SetHeader("X-Admin-Token", opts.AdminToken)
	}
	if opts.CorrelationID != "" {
		c.SetHeader("X-Correlation-ID", opts.CorrelationID)
	}
	return &Client{http: c}
}

type ReplayResult struct {
	OrderID       string   `json:"order_id"`
	CorrelationID string   `json:"correlation_id"`
	Events        []string `json:"events"`
	Acknowledged  bool     `json:"acknowledged"`
}

type BatchResult struct {
	Scanned   int      `json:"scanned"`
	Replayed  int      `json:"replayed"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_order_ids,omitempty"`
}

type ConsistencyResult struct {
	OrderID    string `json:"order_id"`
	Consistent bool   `json:"consistent"`
}

type SweepReport struct {
	Scanned   int `json:"scanned"`
	Replayed  int `json:"replayed"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type CleanupResult struct {
	Deleted int64 `json:"deleted"`
}

func (c *Client) ReplayOrder(ctx context.Context, orderID string, wait bool) (*ReplayResult, error) {
	var out ReplayResult
	req := c.http.R().SetContext(ctx).SetPathParam("id", orderID)
	if wait {
		req.SetQueryParam("wait", "true")
	}
	return &out, c.send(req.SetResult(&out), resty.MethodPost, "/admin/orders/{id}/replay")
}

// ReplayByStatus and ReplayByDateRange replay every matching order of the tenant.
func (c *Client) ReplayByStatus(ctx context.Context, status string) (*BatchResult, error) {
	var out BatchResult
	req := c.http.R().SetContext(ctx).SetBody(map[string]string{"status": status}).SetResult(&out)
	return &out, c.send(req, resty.MethodPost, "/admin/replay")
}

func (c *Client) ReplayByDateRange(ctx context.Context, from, to time.Time) (*BatchResult, error) {
	var out BatchResult
	body := map[string]time.Time{"from": from}
	if !to.IsZero() {
		body["to"] = to
	}
	req := c.http.R().SetContext(ctx).SetBody(body).SetResult(&out)
	return &out, c.send(req, resty.MethodPost, "/admin/replay")
}

func (c *Client) Consistency(ctx context.Context, orderID string) (*ConsistencyResult, error) {
	var out ConsistencyResult
	req := c.http.R().SetContext(ctx).SetPathParam("id", orderID).SetResult(&out)
	return &out, c.send(req, resty.MethodGet, "/admin/orders/{id}/consistency")
}

func (c *Client) RunTimeouts(ctx context.Context) (*SweepReport, error) {
	var out SweepReport
	return &out, c.send(c.http.R().SetContext(ctx).SetResult(&out), resty.MethodPost, "/admin/sweeps/timeouts")
}

func (c *Client) RunCleanup(ctx context.Context) (*CleanupResult, error) {
	var out CleanupResult
	return &out, c.send(c.http.R().SetContext(ctx).SetResult(&out), resty.MethodPost, "/admin/sweeps/cleanup")
}

func (c *Client) send(req *resty.Request, method, path string) error {
	apiErr := &APIError{}
	resp, err := req.SetError(apiErr).Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr.Status = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = resp.Status()
		}
		return apiErr
	}
	return nil
}
