package taskplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the coordinator (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the launcher-facing coordinator API. The
// endpoints carry no session token; the coordinator expects launchers to
// reach it over a trusted network. All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("taskplane: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// Decide asks whether an agent process should be started for the given
// (agent, project) pair. The same durable state always yields the same
// answer, so launchers can poll this endpoint on a fixed interval.
func (c *Client) Decide(ctx context.Context, agentID, projectID uuid.UUID) (*Decision, error) {
	body := map[string]any{"agent_id": agentID, "project_id": projectID}
	var resp Decision
	if err := c.post(ctx, "/v1/spawn/decide", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Invalidate force-ends every session the agent holds in the project.
// Launchers call this after killing an agent process so stale sessions
// don't block the next spawn until their TTL expires.
func (c *Client) Invalidate(ctx context.Context, agentID, projectID uuid.UUID) (*InvalidateResult, error) {
	body := map[string]any{"agent_id": agentID, "project_id": projectID}
	var resp InvalidateResult
	if err := c.post(ctx, "/v1/sessions/invalidate", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Healthy reports whether the coordinator answers its health probe.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("taskplane: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("taskplane: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("taskplane: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("taskplane: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: string(raw)}
		var envelope apiError
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	var envelope apiEnvelope[json.RawMessage]
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("taskplane: decode envelope: %w", err)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("taskplane: decode response: %w", err)
		}
	}
	return nil
}
