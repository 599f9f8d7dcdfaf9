package copilot

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

	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
)

// Request is one upstream call. Chat modes send the running history, agent
// modes send only the prompt plus the remote session id.
type Request struct {
	Mode              chat.Mode
	Messages          []chat.Wire
	Prompt            string
	UpstreamSessionID string
}

type messagesBody struct {
	Messages []chat.Wire `json:"messages"`
}

type agentBody struct {
	Prompt      string `json:"prompt"`
	HasThoughts bool   `json:"has_thoughts"`
	SessionID   string `json:"session_id,omitempty"`
}

// Body renders the JSON request body for the request's mode.
func (r Request) Body() ([]byte, error) {
	if r.Mode.Agent() {
		return json.Marshal(agentBody{
			Prompt:      r.Prompt,
			HasThoughts: r.Mode == chat.ModeAgentReasoning,
			SessionID:   r.UpstreamSessionID,
		})
	}
	messages := r.Messages
	if messages == nil {
		messages = []chat.Wire{}
	}
	return json.Marshal(messagesBody{Messages: messages})
}

// StatusError reports a non-2xx answer from the AI endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Code)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}

// Client opens streaming POSTs against the configured AI endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. A zero headerTimeout waits
// indefinitely for the response headers; the body itself is never timed out.
func NewClient(baseURL string, headerTimeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: transport},
	}
}

// BaseURL returns the endpoint base the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Open issues the request and returns the response body for streaming. The
// body is bound to ctx: cancelling ctx aborts any pending read.
func (c *Client) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	body, err := req.Body()
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+req.Mode.Path(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", req.Mode.Path(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return resp.Body, nil
}
