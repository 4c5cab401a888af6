// Package workerclient is the worker-side HTTP client for the
// orchestrator's control surface. The worker registers once to obtain a
// bearer token, then attaches it on every /work/* call.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the worker's view of the orchestrator's HTTP control
// surface.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	token      string
}

// NewClient constructs a Client against baseURL (the worker's
// orchestrator_url configuration).
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

// Register obtains a bearer token for workerID via POST
// /workers/register.
func (c *Client) Register(ctx context.Context, workerID string) error {
	body, err := json.Marshal(map[string]string{"worker_id": workerID})
	if err != nil {
		return err
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/workers/register", bytes.NewReader(body), false, &out); err != nil {
		return fmt.Errorf("registering with orchestrator: %w", err)
	}
	c.token = out.Token
	return nil
}

// WorkOffer is the worker-facing shape of GET /work/next's response.
type WorkOffer struct {
	WorkAvailable bool     `json:"work_available"`
	Blocked       bool     `json:"blocked"`
	Reason        string   `json:"reason"`
	IssueNumber   int      `json:"issue_number"`
	Title         string   `json:"title"`
	Body          string   `json:"body"`
	Labels        []string `json:"labels"`
	BranchName    string   `json:"branch_name"`
	Repository    string   `json:"repository"`
}

// NextWork polls GET /work/next for workerID.
func (c *Client) NextWork(ctx context.Context, workerID string) (*WorkOffer, error) {
	var offer WorkOffer
	path := "/work/next?worker_id=" + workerID
	if err := c.do(ctx, http.MethodGet, path, nil, true, &offer); err != nil {
		return nil, fmt.Errorf("requesting next work: %w", err)
	}
	return &offer, nil
}

// ReportComplete calls POST /work/complete.
func (c *Client) ReportComplete(ctx context.Context, workerID, repository string, issueNumber, prNumber int, prURL string) error {
	body, err := json.Marshal(map[string]any{
		"worker_id":    workerID,
		"repository":   repository,
		"issue_number": issueNumber,
		"pr_url":       prURL,
		"pr_number":    prNumber,
		"success":      true,
	})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/work/complete", bytes.NewReader(body), true, nil)
}

// ReportFailed calls POST /work/failed.
func (c *Client) ReportFailed(ctx context.Context, workerID, repository string, issueNumber int, kind, detail string) error {
	body, err := json.Marshal(map[string]any{
		"worker_id":    workerID,
		"repository":   repository,
		"issue_number": issueNumber,
		"kind":         kind,
		"error":        detail,
	})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/work/failed", bytes.NewReader(body), true, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, authed bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
