// Package proxy executes compiled tool calls as single outbound HTTP
// requests against a product's live API.
//
// Results are observations for the model, not errors for the turn: a 401
// from the product API comes back as an error-shaped Result the model can
// react to (e.g. by requesting a login), never as a failure of the chat turn.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/embedo/embedo/internal/openapi"
)

// maxResponseBytes caps product API response bodies.
const maxResponseBytes = 8 << 20

// Result is the normalized outcome of one proxied call. It is always handed
// back to the LLM as a tool result, success or failure.
type Result struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   any  `json:"error,omitempty"`
	Status  int  `json:"status"`
}

// Client executes tool calls against product APIs. Stateless per invocation.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a proxy client with a bounded per-request timeout.
func New(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Execute resolves toolName against the compiled spec and issues the HTTP
// request. baseURL overrides the spec's servers entry when non-empty.
// userToken, when present, is forwarded as a bearer credential; when absent
// no Authorization header is sent at all.
func (c *Client) Execute(ctx context.Context, spec *openapi.CompiledSpec, baseURL, toolName string, args map[string]any, userToken string) Result {
	if spec == nil {
		return Result{Success: false, Error: "no API specification available", Status: http.StatusInternalServerError}
	}
	op, ok := spec.Resolve(toolName)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown tool %q", toolName), Status: http.StatusInternalServerError}
	}

	if baseURL == "" {
		baseURL = spec.BaseURL()
	}

	reqURL, bodyArgs := buildRequest(op, baseURL, args)

	var body io.Reader
	if op.HasBody {
		// All non-path, non-query arguments become the JSON body verbatim.
		payload, err := json.Marshal(bodyArgs)
		if err != nil {
			return Result{Success: false, Error: fmt.Sprintf("encoding request body: %v", err), Status: http.StatusInternalServerError}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, reqURL, body)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Status: http.StatusInternalServerError}
	}
	if op.HasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if userToken != "" {
		req.Header.Set("Authorization", "Bearer "+userToken)
	}

	c.logger.Debug("proxying tool call", "tool", toolName, "method", op.Method, "url", reqURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failure: no response to report a status from.
		return Result{Success: false, Error: err.Error(), Status: http.StatusInternalServerError}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("reading response: %v", err), Status: resp.StatusCode}
	}

	data := decodeBody(raw)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Success: true, Data: data, Status: resp.StatusCode}
	}
	return Result{Success: false, Error: data, Status: resp.StatusCode}
}

// buildRequest substitutes path parameters into the URL template, moves
// query parameters into the query string, and returns the remaining
// arguments for use as the request body.
func buildRequest(op *openapi.Operation, baseURL string, args map[string]any) (string, map[string]any) {
	consumed := make(map[string]struct{}, len(op.Params))
	path := op.Path
	query := url.Values{}

	for _, p := range op.Params {
		v, present := args[p.Name]
		if !present {
			continue
		}
		switch p.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(stringify(v)))
			consumed[p.Name] = struct{}{}
		case "query":
			query.Set(p.Name, stringify(v))
			consumed[p.Name] = struct{}{}
		}
	}

	bodyArgs := make(map[string]any)
	for k, v := range args {
		if _, used := consumed[k]; !used {
			bodyArgs[k] = v
		}
	}

	reqURL := strings.TrimRight(baseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}
	return reqURL, bodyArgs
}

// stringify renders an argument value for URL use.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers arrive as float64; render integers without exponent.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// decodeBody returns parsed JSON when the body is JSON, the raw string
// otherwise.
func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}
