// Package elarasdk is a minimal Go client for the Elara HTTP API.
package elarasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Elara HTTP API client.
type Client struct {
	BaseURL     string
	WorkspaceID string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, workspaceID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		WorkspaceID: workspaceID,
		Timeout:     10 * time.Second,
	}
}

// Specialist is the API specialist model.
type Specialist struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Prompt       string   `json:"prompt"`
	Persona      string   `json:"persona_text"`
	Capabilities []string `json:"capabilities"`
}

// Approval is the API approval-request model.
type Approval struct {
	ID          string  `json:"id"`
	WorkspaceID string  `json:"workspace_id"`
	ActorID     string  `json:"actor_id"`
	Capability  string  `json:"capability"`
	Action      string  `json:"action"`
	Reason      string  `json:"reason"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	DecidedAt   *string `json:"decided_at,omitempty"`
	DecidedBy   *string `json:"decided_by,omitempty"`
}

// RunEvent is one entry in a run's replayable event sequence.
type RunEvent struct {
	AgentRunID string         `json:"agent_run_id"`
	Seq        int64          `json:"seq"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  string         `json:"created_at"`
}

// DelegatedResult is one specialist's contribution to a goal.
type DelegatedResult struct {
	SpecialistID   string `json:"specialist_id"`
	SpecialistName string `json:"specialist_name"`
	Task           string `json:"task"`
	Output         string `json:"output"`
}

// ExecutionReply aggregates a completed goal execution.
type ExecutionReply struct {
	AgentRunID       string            `json:"agent_run_id"`
	Summary          string            `json:"summary"`
	DelegatedResults []DelegatedResult `json:"delegated_results"`
}

// CompanionReply is the companion-message response.
type CompanionReply struct {
	Response   string   `json:"response"`
	MemoryHits []string `json:"memory_hits"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// UpsertSpecialist creates or updates a specialist.
func (c *Client) UpsertSpecialist(ctx context.Context, s Specialist) (Specialist, error) {
	var resp Specialist
	err := c.do(ctx, http.MethodPost, c.workspacePath("specialists"), s, &resp)
	return resp, err
}

// ListSpecialists lists the workspace's specialists.
func (c *Client) ListSpecialists(ctx context.Context) ([]Specialist, error) {
	var resp []Specialist
	err := c.do(ctx, http.MethodGet, c.workspacePath("specialists"), nil, &resp)
	return resp, err
}

// ExecuteGoal delegates a goal; a previously approved request id may be
// supplied to clear a high-impact gate.
func (c *Client) ExecuteGoal(ctx context.Context, goal string, approvedRequestIDs []string) (ExecutionReply, error) {
	body := map[string]any{"goal": goal}
	if len(approvedRequestIDs) > 0 {
		body["approved_request_ids"] = approvedRequestIDs
	}
	var resp ExecutionReply
	err := c.do(ctx, http.MethodPost, c.workspacePath("execution/goals"), body, &resp)
	return resp, err
}

// CompanionMessage sends a non-delegated message to the companion agent.
func (c *Client) CompanionMessage(ctx context.Context, message string) (CompanionReply, error) {
	var resp CompanionReply
	err := c.do(ctx, http.MethodPost, c.workspacePath("companion/messages"), map[string]any{"message": message}, &resp)
	return resp, err
}

// ReplayEvents returns a run's events with seq greater than lastSeq.
func (c *Client) ReplayEvents(ctx context.Context, agentRunID string, lastSeq int64) ([]RunEvent, error) {
	endpoint := fmt.Sprintf("v0/agent-runs/%s/events?last_seq=%d", url.PathEscape(agentRunID), lastSeq)
	var resp []RunEvent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListApprovals lists approval requests, optionally filtered by status.
func (c *Client) ListApprovals(ctx context.Context, status string) ([]Approval, error) {
	endpoint := c.workspacePath("approvals")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DecideApproval approves or denies a pending request.
func (c *Client) DecideApproval(ctx context.Context, approvalID, decision string) (Approval, error) {
	endpoint := fmt.Sprintf("v0/approvals/%s/decision", url.PathEscape(approvalID))
	var resp Approval
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"decision": decision}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workspacePath(p string) string {
	workspace := url.PathEscape(c.WorkspaceID)
	return fmt.Sprintf("v0/workspaces/%s/%s", workspace, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
