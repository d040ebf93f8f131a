package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hollisb/conductor/internal/httpkit"
)

// Client talks to a single remote tool module. It is a pure transport:
// each call is a single attempt with the timeout the caller selects.
// Retry policy belongs to the agent loop.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a module client for the given base URL. Per-call
// timeouts are enforced via context deadlines, so the underlying HTTP
// client carries no global timeout.
func NewClient(name, baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("module", name),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

// Name returns the module name this client is bound to.
func (c *Client) Name() string {
	return c.name
}

// URL returns the module's base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// Manifest fetches the module's capability manifest within the given
// timeout. Any failure (network, non-200, malformed body) is returned
// as an error so discovery can log and skip the module.
func (c *Client) Manifest(ctx context.Context, timeout time.Duration) (*Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/manifest", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest from %s: %w", c.baseURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("manifest returned %d: %s", resp.StatusCode, errBody)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}

	c.logger.Debug("manifest fetched", "tools", len(m.Tools))
	return &m, nil
}

// Execute issues one POST /execute call with the given timeout and
// returns the outcome as a Result value. Transport failures never
// surface as Go errors here — every failure mode maps to a failed
// Result so the model can see it as tool output:
//   - HTTP 200 → the parsed Result as the module reported it
//   - non-200  → failure carrying the status and body verbatim
//   - timeout  → failure naming the timeout that was exceeded
//   - other transport errors → failure carrying the error text
func (c *Client) Execute(ctx context.Context, execReq ExecuteRequest, timeout time.Duration) *Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(execReq)
	if err != nil {
		return Failure("marshal execute request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return Failure("create execute request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("tool call timed out",
				"tool", execReq.ToolName,
				"timeout", timeout,
			)
			return Failure("tool %s timed out after %s", execReq.ToolName, timeout)
		}
		return Failure("tool %s request failed: %v", execReq.ToolName, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return Failure("module %s returned %d: %s", c.name, resp.StatusCode, errBody)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Failure("read execute response: %v", err)
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Failure("malformed execute response: %v", err)
	}

	c.logger.Debug("tool executed",
		"tool", execReq.ToolName,
		"success", result.Success,
		"elapsed", time.Since(start).Truncate(time.Millisecond),
	)
	return &result
}
