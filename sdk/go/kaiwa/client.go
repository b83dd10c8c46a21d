package kaiwa

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kaiwa server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client for unary requests. If
	// nil, a default client with a 30-second timeout is used. Turn streams
	// never use this client's timeout; their lifetime is governed by ctx.
	HTTPClient *http.Client

	// Timeout applies to individual unary API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kaiwa streaming run orchestrator API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client

	// streamClient has no client-level timeout: a turn stream legitimately
	// stays open for the full duration of a run.
	streamClient *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kaiwa: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	streamClient := &http.Client{Transport: httpClient.Transport}

	return &Client{
		baseURL:      baseURL,
		client:       httpClient,
		streamClient: streamClient,
	}, nil
}

// maxFrameSize bounds one NDJSON line of a turn stream. Trace frames carry
// tool input and output payloads, so lines can be large.
const maxFrameSize = 1 << 20

// Turn executes a turn against an agent and streams the response. fn is
// called for every frame in wire order, heartbeats included; a non-nil
// return stops reading and is returned to the caller. A nil fn discards
// frames, leaving only the terminal result.
//
// Pre-stream failures (validation, unknown thread, busy thread) return an
// *Error with the HTTP status. Failures after the stream opened return a
// *TurnError carrying the server's error frame.
func (c *Client) Turn(ctx context.Context, agentID string, req TurnRequest, fn func(TurnEvent) error) (*TurnResult, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("kaiwa: marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/agents/"+url.PathEscape(agentID)+"/turns", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("kaiwa: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("kaiwa: POST %s: %w", httpReq.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("kaiwa: read response body: %w", err)
		}
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev TurnEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("kaiwa: decode stream frame: %w", err)
		}

		if fn != nil {
			if err := fn(ev); err != nil {
				return nil, err
			}
		}

		switch ev.Type {
		case TurnEventDone:
			return &TurnResult{
				RunID:      ev.RunID,
				ThreadID:   ev.ThreadID,
				MessageID:  ev.MessageID,
				TokensUsed: ev.TokensUsed,
			}, nil
		case TurnEventError:
			return nil, &TurnError{Message: ev.Message}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("kaiwa: read stream: %w", err)
	}

	// The stream always ends with a done or error frame; hitting EOF first
	// means the connection was cut mid-run.
	return nil, fmt.Errorf("kaiwa: stream ended without a terminal frame")
}

// CreateThread creates an empty thread for an agent.
func (c *Client) CreateThread(ctx context.Context, agentID string, req CreateThreadRequest) (*Thread, error) {
	var resp Thread
	if err := c.post(ctx, "/v1/agents/"+url.PathEscape(agentID)+"/threads", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Page holds pagination parameters for list endpoints.
type Page struct {
	Limit  int
	Offset int
}

// ThreadList is one page of threads with the total count.
type ThreadList struct {
	Threads []Thread
	Total   int
}

// ListThreads returns an agent's threads, most recently created first.
func (c *Client) ListThreads(ctx context.Context, agentID string, page *Page) (*ThreadList, error) {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/threads" + pageQuery(page)
	var threads []Thread
	total, err := c.getList(ctx, path, &threads)
	if err != nil {
		return nil, err
	}
	return &ThreadList{Threads: threads, Total: total}, nil
}

// GetThread retrieves a thread with its full message history.
func (c *Client) GetThread(ctx context.Context, threadID uuid.UUID) (*ThreadWithMessages, error) {
	var resp ThreadWithMessages
	if err := c.get(ctx, "/v1/threads/"+threadID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteThread soft-deletes a thread. With hard=true the thread and all
// dependent runs, steps, and messages are removed permanently.
func (c *Client) DeleteThread(ctx context.Context, threadID uuid.UUID, hard bool) (*DeleteThreadResponse, error) {
	path := "/v1/threads/" + threadID.String()
	if hard {
		path += "?hard=true"
	}
	var resp DeleteThreadResponse
	if err := c.doDelete(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunList is one page of runs with the total count.
type RunList struct {
	Runs  []Run
	Total int
}

// ListRuns returns a thread's runs, most recently created first.
func (c *Client) ListRuns(ctx context.Context, threadID uuid.UUID, page *Page) (*RunList, error) {
	path := "/v1/threads/" + threadID.String() + "/runs" + pageQuery(page)
	var runs []Run
	total, err := c.getList(ctx, path, &runs)
	if err != nil {
		return nil, err
	}
	return &RunList{Runs: runs, Total: total}, nil
}

// GetRun retrieves a single run.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSteps returns a run's steps in start order.
func (c *Client) ListSteps(ctx context.Context, runID uuid.UUID, page *Page) ([]Step, error) {
	path := "/v1/runs/" + runID.String() + "/steps" + pageQuery(page)
	var steps []Step
	if _, err := c.getList(ctx, path, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// CancelRun requests cooperative cancellation of a run. Cancelling an
// already-terminal run is a no-op; the response reports the current status.
func (c *Client) CancelRun(ctx context.Context, runID uuid.UUID) (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/cancel", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func pageQuery(page *Page) string {
	if page == nil {
		return ""
	}
	params := url.Values{}
	if page.Limit > 0 {
		params.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Offset > 0 {
		params.Set("offset", strconv.Itoa(page.Offset))
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listEnvelope is the server's wrapper for paginated list endpoints.
type listEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kaiwa: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kaiwa: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kaiwa: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) getList(ctx context.Context, path string, dest any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("kaiwa: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("kaiwa: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("kaiwa: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return 0, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	var envelope listEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return 0, fmt.Errorf("kaiwa: decode response envelope: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return 0, fmt.Errorf("kaiwa: decode response data: %w", err)
	}
	return envelope.Total, nil
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kaiwa: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kaiwa: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kaiwa: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kaiwa: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
