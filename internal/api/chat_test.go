package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedo/embedo/internal/knowledge"
	"github.com/embedo/embedo/internal/llm"
	"github.com/embedo/embedo/internal/log"
	"github.com/embedo/embedo/internal/openapi"
	"github.com/embedo/embedo/internal/orchestrator"
	"github.com/embedo/embedo/internal/product"
	"github.com/embedo/embedo/internal/proxy"
	"github.com/embedo/embedo/internal/session"
)

// Minimal in-memory collaborators; the orchestrator's own behavior is
// covered in its package, this file only exercises the HTTP mapping.

type stubProducts struct {
	prod *product.Product
	err  error
}

func (s *stubProducts) GetProduct(context.Context, string) (*product.Product, error) {
	return s.prod, s.err
}

type stubSessions struct{}

func (stubSessions) LoadHistory(context.Context, string) ([]llm.Message, error)       { return nil, nil }
func (stubSessions) SaveHistory(context.Context, string, string, []llm.Message) error { return nil }
func (stubSessions) AppendMessage(context.Context, session.Message) error             { return nil }
func (stubSessions) RecordEvent(context.Context, session.Event) error                 { return nil }

type stubKnowledge struct{}

func (stubKnowledge) Search(context.Context, string, string, int) ([]knowledge.Result, error) {
	return nil, nil
}

type stubCompiler struct{}

func (stubCompiler) Compile(context.Context, string) (*openapi.CompiledSpec, error) {
	return nil, fmt.Errorf("%w: offline", openapi.ErrSpecFetch)
}

type stubProxy struct{}

func (stubProxy) Execute(context.Context, *openapi.CompiledSpec, string, string, map[string]any, string) proxy.Result {
	return proxy.Result{Success: true, Status: 200}
}

// stubAdapter returns a fixed result or error for every call.
type stubAdapter struct {
	result *llm.Result
	err    error
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Chat(_ context.Context, req llm.Request) (*llm.Result, error) {
	if a.err != nil {
		return nil, a.err
	}
	res := *a.result
	res.State = &llm.State{Provider: "stub", System: req.System}
	return &res, nil
}

func (a *stubAdapter) Continue(_ context.Context, state *llm.State, _ []llm.ToolResult) (*llm.Result, error) {
	if a.err != nil {
		return nil, a.err
	}
	res := *a.result
	res.State = state
	return &res, nil
}

func (a *stubAdapter) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, 8), nil
}

func newTestServer(t *testing.T, products orchestrator.ProductReader, adapter llm.Adapter) *Server {
	t.Helper()
	orch, err := orchestrator.New(orchestrator.Config{
		Products:  products,
		Sessions:  stubSessions{},
		Knowledge: stubKnowledge{},
		Compiler:  stubCompiler{},
		Proxy:     stubProxy{},
		Adapter:   adapter,
		Logger:    log.NewNop(),
	})
	require.NoError(t, err)

	srv, err := NewServer(ServerConfig{
		Orchestrator: orch,
		Logger:       log.NewNop(),
		RatePerSec:   1000,
		Burst:        1000,
	})
	require.NoError(t, err)
	return srv
}

func postChat(srv *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func validBody() string {
	return `{"message": "hi", "productId": "prod-1", "sessionId": "sess-1"}`
}

func TestChatSuccess(t *testing.T) {
	srv := newTestServer(t,
		&stubProducts{prod: &product.Product{ID: "prod-1", Name: "Acme", AuthType: product.AuthNone}},
		&stubAdapter{result: &llm.Result{Type: llm.ResultText, Text: "Hello!"}},
	)

	rec := postChat(srv, validBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Response        string `json:"response"`
		FunctionsCalled []any  `json:"functionsCalled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Hello!", resp.Response)
	assert.Empty(t, resp.FunctionsCalled)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestChatValidation(t *testing.T) {
	srv := newTestServer(t,
		&stubProducts{prod: &product.Product{ID: "prod-1"}},
		&stubAdapter{result: &llm.Result{Type: llm.ResultText, Text: "unused"}},
	)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "###"},
		{"missing message", `{"productId": "p", "sessionId": "s"}`},
		{"blank message", `{"message": "  ", "productId": "p", "sessionId": "s"}`},
		{"missing product", `{"message": "hi", "sessionId": "s"}`},
		{"missing session", `{"message": "hi", "productId": "p"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postChat(srv, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestChatProductNotFound(t *testing.T) {
	srv := newTestServer(t,
		&stubProducts{err: fmt.Errorf("%w: %q", product.ErrProductNotFound, "prod-1")},
		&stubAdapter{result: &llm.Result{Type: llm.ResultText, Text: "unused"}},
	)

	rec := postChat(srv, validBody())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatProviderFailure(t *testing.T) {
	srv := newTestServer(t,
		&stubProducts{prod: &product.Product{ID: "prod-1"}},
		&stubAdapter{err: &llm.ProviderError{Provider: "gemini", Err: errors.New("quota exhausted")}},
	)

	rec := postChat(srv, validBody())
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "quota exhausted", "upstream detail stays out of the response")
}

func TestChatCORSPreflight(t *testing.T) {
	srv := newTestServer(t,
		&stubProducts{prod: &product.Product{ID: "prod-1"}},
		&stubAdapter{result: &llm.Result{Type: llm.ResultText, Text: "unused"}},
	)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	req.Header.Set("Origin", "https://customer.example")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://customer.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestRateLimitExhaustion(t *testing.T) {
	orch, err := orchestrator.New(orchestrator.Config{
		Products:  &stubProducts{prod: &product.Product{ID: "prod-1"}},
		Sessions:  stubSessions{},
		Knowledge: stubKnowledge{},
		Compiler:  stubCompiler{},
		Proxy:     stubProxy{},
		Adapter:   &stubAdapter{result: &llm.Result{Type: llm.ResultText, Text: "ok"}},
		Logger:    log.NewNop(),
	})
	require.NoError(t, err)

	srv, err := NewServer(ServerConfig{
		Orchestrator: orch,
		Logger:       log.NewNop(),
		RatePerSec:   1,
		Burst:        2,
	})
	require.NoError(t, err)

	var last int
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		srv.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last, "burst exhausted after repeated requests")
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t,
		&stubProducts{prod: &product.Product{ID: "prod-1"}},
		&stubAdapter{result: &llm.Result{Type: llm.ResultText, Text: "unused"}},
	)

	for _, path := range []string{"/health", "/ready"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
