package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	protocolVersion   = "2024-11-05"
	defaultTimeout    = 20 * time.Second
	maxRetries        = 3
	defaultRetryWait  = 700 * time.Millisecond
	retryMultiplier   = 1.8
	sessionIDHeader   = "mcp-session-id"
	maxErrBodySnippet = 2048
)

// GatewayError reports a failed remote tool call. Transient errors (rate
// limiting) were already retried up to the cap before surfacing.
type GatewayError struct {
	StatusCode int
	Transient  bool
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("gateway: %s: %v", e.Message, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway: HTTP %d: %s", e.StatusCode, e.Message)
	default:
		return "gateway: " + e.Message
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// rpcRequest is a JSON-RPC request to the MCP gateway.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

// rpcResponse is a JSON-RPC response from the MCP gateway.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// callToolResult is the minimal shape of an MCP tools/call result.
type callToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Client executes remote tool calls against an MCP gateway endpoint. Each
// call opens its own logical session (initialize, invoke, discard) so one
// failed call cannot poison the next.
type Client struct {
	endpoint   string
	httpClient *http.Client
	retryWait  time.Duration
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRetryWait overrides the initial rate-limit retry delay.
func WithRetryWait(d time.Duration) Option {
	return func(c *Client) {
		c.retryWait = d
	}
}

// NewClient creates a gateway Client for the given MCP endpoint.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("gateway: endpoint must not be empty")
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
		retryWait:  defaultRetryWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CallTool invokes remoteName with args over a fresh gateway session and
// returns the textual result. Rate-limit responses are retried with
// exponential backoff up to the cap; any other failure propagates
// immediately.
func (c *Client) CallTool(ctx context.Context, token, remoteName string, args map[string]any) (string, error) {
	op := func() (string, error) {
		out, err := c.callOnce(ctx, token, remoteName, args)
		if err != nil {
			var ge *GatewayError
			if errors.As(err, &ge) && ge.Transient {
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		return out, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryWait
	bo.Multiplier = retryMultiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("tool", remoteName).
			Dur("wait", wait).
			Msg("gateway rate limited, backing off")
	}

	out, err := backoff.RetryNotifyWithData(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx), notify)
	if err != nil {
		return "", err
	}
	return out, nil
}

// callOnce runs one full session: initialize, then tools/call.
func (c *Client) callOnce(ctx context.Context, token, remoteName string, args map[string]any) (string, error) {
	initParams := fmt.Sprintf(`{"protocolVersion":%q,"capabilities":{},"clientInfo":{"name":"cityassist-agent","version":"1.0.0"}}`, protocolVersion)
	initResp, sessionID, err := c.send(ctx, token, "", rpcRequest{
		JSONRPC: "2.0",
		Method:  "initialize",
		Params:  json.RawMessage(initParams),
		ID:      0,
	})
	if err != nil {
		return "", err
	}
	if initResp.Error != nil {
		return "", &GatewayError{Message: "initialize rejected: " + initResp.Error.Message}
	}

	if args == nil {
		args = map[string]any{}
	}
	params, err := json.Marshal(map[string]any{
		"name":      remoteName,
		"arguments": args,
	})
	if err != nil {
		return "", &GatewayError{Message: "marshal tool call params", Err: err}
	}

	log.Debug().
		Str("tool", remoteName).
		Str("sessionID", sessionID).
		Msg("calling gateway tool")

	resp, _, err := c.send(ctx, token, sessionID, rpcRequest{
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params:  params,
		ID:      time.Now().UnixNano(),
	})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", &GatewayError{Message: fmt.Sprintf("tool %s: %s", remoteName, resp.Error.Message)}
	}

	return flattenResult(resp.Result), nil
}

// flattenResult joins the text fragments of a tools/call result with
// newlines, falling back to the raw result object when no text is present.
func flattenResult(result json.RawMessage) string {
	var parsed callToolResult
	if err := json.Unmarshal(result, &parsed); err == nil {
		parts := make([]string, 0, len(parsed.Content))
		for _, item := range parsed.Content {
			if item.Text != "" {
				parts = append(parts, item.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return string(result)
}

// send posts one JSON-RPC request and decodes the response, unwrapping an
// SSE data frame when the gateway streams.
func (c *Client) send(ctx context.Context, token, sessionID string, rpcReq rpcRequest) (*rpcResponse, string, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, "", &GatewayError{Message: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", &GatewayError{Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", &GatewayError{Message: "request failed", Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	newSessionID := res.Header.Get(sessionIDHeader)
	if newSessionID == "" {
		newSessionID = sessionID
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrBodySnippet))
		return nil, newSessionID, &GatewayError{
			StatusCode: res.StatusCode,
			Transient:  res.StatusCode == http.StatusTooManyRequests,
			Message:    string(snippet),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, newSessionID, &GatewayError{Message: "read response body", Err: err}
	}

	data := raw
	if bytes.HasPrefix(raw, []byte("event:")) || bytes.HasPrefix(raw, []byte("data:")) {
		data = nil
		for _, line := range bytes.Split(raw, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if bytes.HasPrefix(line, []byte("data: ")) {
				data = bytes.TrimPrefix(line, []byte("data: "))
				break
			}
		}
		if len(data) == 0 {
			return nil, newSessionID, &GatewayError{Message: "no data field in SSE response"}
		}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, newSessionID, &GatewayError{Message: "unmarshal response", Err: err}
	}
	return &rpcResp, newSessionID, nil
}
