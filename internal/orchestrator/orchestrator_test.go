package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/embedo/embedo/internal/knowledge"
	"github.com/embedo/embedo/internal/llm"
	"github.com/embedo/embedo/internal/log"
	"github.com/embedo/embedo/internal/openapi"
	"github.com/embedo/embedo/internal/product"
	"github.com/embedo/embedo/internal/proxy"
	"github.com/embedo/embedo/internal/session"
	"github.com/embedo/embedo/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProducts serves a single fixed product.
type fakeProducts struct {
	product *product.Product
	err     error
}

func (f *fakeProducts) GetProduct(_ context.Context, _ string) (*product.Product, error) {
	return f.product, f.err
}

// fakeSessions records every persistence call in memory.
type fakeSessions struct {
	mu       sync.Mutex
	history  []llm.Message
	messages []session.Message
	events   []session.Event
	saved    [][]llm.Message
}

func (f *fakeSessions) LoadHistory(_ context.Context, _ string) ([]llm.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeSessions) SaveHistory(_ context.Context, _, _ string, history []llm.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, history)
	return nil
}

func (f *fakeSessions) AppendMessage(_ context.Context, msg session.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeSessions) RecordEvent(_ context.Context, event session.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

// fakeKnowledge returns canned results per query.
type fakeKnowledge struct {
	mu      sync.Mutex
	results map[string][]knowledge.Result
	err     error
	queries []string
}

func (f *fakeKnowledge) Search(_ context.Context, _, query string, _ int) ([]knowledge.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

// fakeCompiler hands out a prebuilt spec or fails.
type fakeCompiler struct {
	spec *openapi.CompiledSpec
	err  error
}

func (f *fakeCompiler) Compile(_ context.Context, _ string) (*openapi.CompiledSpec, error) {
	return f.spec, f.err
}

// fakeProxy records dispatched calls and returns a fixed result.
type fakeProxy struct {
	mu     sync.Mutex
	calls  []string
	tokens []string
	result proxy.Result
}

func (f *fakeProxy) Execute(_ context.Context, _ *openapi.CompiledSpec, _, toolName string, _ map[string]any, userToken string) proxy.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolName)
	f.tokens = append(f.tokens, userToken)
	return f.result
}

// compileFixtureSpec builds a real CompiledSpec with a single getOrder tool.
func compileFixtureSpec(t *testing.T) *openapi.CompiledSpec {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"openapi": "3.0.0",
			"paths": {"/orders/{id}": {"get": {"operationId": "getOrder", "parameters": [
				{"name": "id", "in": "path", "required": true, "schema": {"type": "integer"}}
			]}}}
		}`))
	}))
	defer srv.Close()

	spec, err := openapi.NewCompiler(5*time.Second, log.NewNop()).Compile(context.Background(), srv.URL)
	require.NoError(t, err)
	return spec
}

type fixture struct {
	orch     *Orchestrator
	adapter  *testutil.ScriptedAdapter
	sessions *fakeSessions
	proxy    *fakeProxy
	search   *fakeKnowledge
}

func newFixture(t *testing.T, prod *product.Product, compiler SpecCompiler) *fixture {
	t.Helper()
	f := &fixture{
		adapter:  testutil.NewScriptedAdapter(8),
		sessions: &fakeSessions{},
		proxy:    &fakeProxy{result: proxy.Result{Success: true, Data: map[string]any{"ok": true}, Status: 200}},
		search:   &fakeKnowledge{},
	}
	orch, err := New(Config{
		Products:  &fakeProducts{product: prod},
		Sessions:  f.sessions,
		Knowledge: f.search,
		Compiler:  compiler,
		Proxy:     f.proxy,
		Adapter:   f.adapter,
		Logger:    log.NewNop(),
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func baseProduct() *product.Product {
	return &product.Product{
		ID:         "prod-1",
		Name:       "Acme Shop",
		APIBaseURL: "https://api.acme.example",
		OpenAPIURL: "https://api.acme.example/openapi.json",
		AuthType:   product.AuthNone,
	}
}

func textResult(text string) *llm.Result {
	return &llm.Result{Type: llm.ResultText, Text: text}
}

func callResult(calls ...llm.ToolCall) *llm.Result {
	return &llm.Result{Type: llm.ResultFunctionCall, ToolCalls: calls}
}

func chatRequest() Request {
	return Request{Message: "hi", ProductID: "prod-1", SessionID: "sess-1"}
}

func TestHandleMessageTextOnly(t *testing.T) {
	f := newFixture(t, baseProduct(), &fakeCompiler{spec: compileFixtureSpec(t)})
	f.adapter.Enqueue(textResult("Hello! How can I help?"))

	resp, err := f.orch.HandleMessage(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "Hello! How can I help?", resp.Text)
	assert.Empty(t, resp.FunctionsCalled)

	// User and assistant messages recorded, history saved, event emitted.
	require.Len(t, f.sessions.messages, 2)
	assert.Equal(t, session.RoleUser, f.sessions.messages[0].Role)
	assert.Equal(t, session.RoleAssistant, f.sessions.messages[1].Role)
	require.Len(t, f.sessions.events, 1)
	assert.Equal(t, "chat_message", f.sessions.events[0].EventType)
	require.Len(t, f.sessions.saved, 1)
}

func TestHandleMessageServerToolRoundTrip(t *testing.T) {
	f := newFixture(t, baseProduct(), &fakeCompiler{spec: compileFixtureSpec(t)})
	f.adapter.Enqueue(
		callResult(llm.ToolCall{ID: "1", Name: "getOrder", Arguments: map[string]any{"id": float64(42)}}),
		textResult("Order 42 is on its way."),
	)

	req := chatRequest()
	req.UserToken = "tok-abc"
	resp, err := f.orch.HandleMessage(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Order 42 is on its way.", resp.Text)
	assert.Equal(t, []string{"getOrder"}, f.proxy.calls)
	assert.Equal(t, []string{"tok-abc"}, f.proxy.tokens, "user token reaches the proxy")

	require.Len(t, resp.FunctionsCalled, 1)
	assert.Equal(t, OriginServer, resp.FunctionsCalled[0].Origin)
	result, ok := resp.FunctionsCalled[0].Response.(proxy.Result)
	require.True(t, ok)
	assert.True(t, result.Success)

	// The proxy result was fed back to the model.
	continues := f.adapter.ContinueCalls()
	require.Len(t, continues, 1)
	require.Len(t, continues[0], 1)
	assert.Equal(t, "getOrder", continues[0][0].Name)
}

func TestHandleMessageDepthBound(t *testing.T) {
	f := newFixture(t, baseProduct(), &fakeCompiler{spec: compileFixtureSpec(t)})
	// A model that never stops calling tools: exactly five rounds run (the
	// initial call plus four continuations), then the loop is cut off.
	for i := 0; i < 5; i++ {
		f.adapter.Enqueue(callResult(llm.ToolCall{ID: fmt.Sprint(i), Name: "getOrder", Arguments: map[string]any{"id": float64(i)}}))
	}

	resp, err := f.orch.HandleMessage(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Len(t, f.adapter.ContinueCalls(), 4, "initial call plus four continuations")
	assert.Len(t, f.proxy.calls, 5, "every round's tool call still executed")
	assert.Len(t, resp.FunctionsCalled, 5)
	assert.Empty(t, resp.Text, "cut-off round has no final text")
}

func TestHandleMessageClientToolDefers(t *testing.T) {
	prod := baseProduct()
	prod.ClientTools = []llm.Tool{{Name: "openCart", Description: "Open the cart drawer"}}
	f := newFixture(t, prod, &fakeCompiler{spec: compileFixtureSpec(t)})

	// Client and server calls in the same round: the server call executes,
	// but control returns to the page without another model round.
	f.adapter.Enqueue(callResult(
		llm.ToolCall{ID: "1", Name: "getOrder", Arguments: map[string]any{"id": float64(1)}},
		llm.ToolCall{ID: "2", Name: "openCart"},
	))

	resp, err := f.orch.HandleMessage(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Empty(t, resp.Text)
	assert.Empty(t, f.adapter.ContinueCalls(), "deferred round must not continue")
	assert.Equal(t, []string{"getOrder"}, f.proxy.calls)

	require.Len(t, resp.FunctionsCalled, 2)
	byName := map[string]CalledFunction{}
	for _, c := range resp.FunctionsCalled {
		byName[c.Name] = c
	}
	assert.Equal(t, OriginServer, byName["getOrder"].Origin)
	assert.NotNil(t, byName["getOrder"].Response)
	assert.Equal(t, OriginClient, byName["openCart"].Origin)
	assert.Nil(t, byName["openCart"].Response, "deferred call carries no response")
}

func TestHandleMessageRequestLoginDefers(t *testing.T) {
	prod := baseProduct()
	prod.AuthType = product.AuthBearer
	f := newFixture(t, prod, &fakeCompiler{spec: compileFixtureSpec(t)})
	f.adapter.Enqueue(callResult(llm.ToolCall{ID: "1", Name: "request_login"}))

	resp, err := f.orch.HandleMessage(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Empty(t, f.adapter.ContinueCalls())
	require.Len(t, resp.FunctionsCalled, 1)
	assert.Equal(t, OriginAuth, resp.FunctionsCalled[0].Origin)
}

func TestHandleMessageKnowledgeFanOut(t *testing.T) {
	prod := baseProduct()
	prod.KnowledgeEnabled = true
	f := newFixture(t, prod, &fakeCompiler{spec: compileFixtureSpec(t)})
	f.search.results = map[string][]knowledge.Result{
		"refund policy": {
			{ID: "doc-1", Text: "Refunds within 30 days.", Metadata: map[string]string{"source": "FAQ"}},
			{ID: "doc-2", Text: "Contact support for refunds.", Metadata: map[string]string{"source": "Help"}},
		},
		"returns": {
			{ID: "doc-2", Text: "Contact support for refunds.", Metadata: map[string]string{"source": "Help"}},
			{ID: "doc-3", Text: "Returns need an RMA number.", Metadata: map[string]string{}},
		},
	}

	f.adapter.Enqueue(
		callResult(llm.ToolCall{ID: "1", Name: "queryKnowledgeBase", Arguments: map[string]any{
			"queries": []any{"refund policy", "returns"},
		}}),
		textResult("You have 30 days."),
	)

	resp, err := f.orch.HandleMessage(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "You have 30 days.", resp.Text)

	continues := f.adapter.ContinueCalls()
	require.Len(t, continues, 1)
	contextText, ok := continues[0][0].Payload.(string)
	require.True(t, ok)

	// Duplicate doc-2 appears once; first query's ordering wins.
	assert.Equal(t, 1, strings.Count(contextText, "Contact support for refunds."))
	assert.Contains(t, contextText, "[Source: FAQ]\nRefunds within 30 days.")
	assert.Contains(t, contextText, "[Source: doc-3]\nReturns need an RMA number.", "id used when source metadata missing")
	assert.Less(t,
		strings.Index(contextText, "Refunds within 30 days."),
		strings.Index(contextText, "RMA"),
		"query order preserved")

	require.Len(t, resp.FunctionsCalled, 1)
	assert.Equal(t, OriginKnowledge, resp.FunctionsCalled[0].Origin)
}

func TestHandleMessageKnowledgeEmpty(t *testing.T) {
	prod := baseProduct()
	prod.KnowledgeEnabled = true
	f := newFixture(t, prod, &fakeCompiler{spec: compileFixtureSpec(t)})
	f.search.err = errors.New("vector index offline")

	f.adapter.Enqueue(
		callResult(llm.ToolCall{ID: "1", Name: "queryKnowledgeBase", Arguments: map[string]any{
			"queries": []any{"anything"},
		}}),
		textResult("I don't have that information."),
	)

	resp, err := f.orch.HandleMessage(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "I don't have that information.", resp.Text)

	continues := f.adapter.ContinueCalls()
	require.Len(t, continues, 1)
	assert.Equal(t, noKnowledgeFound, continues[0][0].Payload, "search failure degrades to the empty sentinel")
}

func TestHandleMessageSpecFailureDegrades(t *testing.T) {
	prod := baseProduct()
	prod.KnowledgeEnabled = true
	f := newFixture(t, prod, &fakeCompiler{err: fmt.Errorf("%w: 503", openapi.ErrSpecFetch)})
	f.adapter.Enqueue(textResult("Hi!"))

	resp, err := f.orch.HandleMessage(context.Background(), chatRequest())
	require.NoError(t, err, "spec failure must not fail the turn")
	assert.Equal(t, "Hi!", resp.Text)

	chats := f.adapter.ChatCalls()
	require.Len(t, chats, 1)
	var names []string
	for _, tool := range chats[0].Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"queryKnowledgeBase"}, names, "server tools dropped, ambient tools kept")
}

func TestHandleMessageProductNotFound(t *testing.T) {
	f := &fixture{adapter: testutil.NewScriptedAdapter(8), sessions: &fakeSessions{}, proxy: &fakeProxy{}, search: &fakeKnowledge{}}
	orch, err := New(Config{
		Products:  &fakeProducts{err: fmt.Errorf("%w: %q", product.ErrProductNotFound, "nope")},
		Sessions:  f.sessions,
		Knowledge: f.search,
		Compiler:  &fakeCompiler{},
		Proxy:     f.proxy,
		Adapter:   f.adapter,
		Logger:    log.NewNop(),
	})
	require.NoError(t, err)

	_, err = orch.HandleMessage(context.Background(), chatRequest())
	assert.ErrorIs(t, err, product.ErrProductNotFound)
	assert.Empty(t, f.sessions.messages, "nothing persisted for unknown products")
}

func TestHandleMessageToolSetAssembly(t *testing.T) {
	prod := baseProduct()
	prod.AuthType = product.AuthBearer
	prod.KnowledgeEnabled = true
	prod.ClientTools = []llm.Tool{{Name: "openCart"}}
	f := newFixture(t, prod, &fakeCompiler{spec: compileFixtureSpec(t)})
	f.adapter.Enqueue(textResult("ok"))

	_, err := f.orch.HandleMessage(context.Background(), chatRequest())
	require.NoError(t, err)

	var names []string
	for _, tool := range f.adapter.ChatCalls()[0].Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"getOrder", "openCart", "queryKnowledgeBase", "request_login"}, names)
}

func TestClassify(t *testing.T) {
	prod := baseProduct()
	prod.ClientTools = []llm.Tool{{Name: "openCart"}}

	assert.Equal(t, OriginKnowledge, classify(prod, "queryKnowledgeBase"))
	assert.Equal(t, OriginAuth, classify(prod, "request_login"))
	assert.Equal(t, OriginClient, classify(prod, "openCart"))
	assert.Equal(t, OriginServer, classify(prod, "getOrder"))
	assert.Equal(t, OriginServer, classify(prod, "completely_unknown"), "unknown names go to the proxy for an error-shaped result")
}

func TestExtractQueries(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want []string
	}{
		{"array of strings", map[string]any{"queries": []any{"a", "b"}}, []string{"a", "b"}},
		{"bare string", map[string]any{"queries": "a"}, []string{"a"}},
		{"singular key fallback", map[string]any{"query": "a"}, []string{"a"}},
		{"mixed array drops non-strings", map[string]any{"queries": []any{"a", 1.0, ""}}, []string{"a"}},
		{"missing", map[string]any{}, nil},
		{"empty string", map[string]any{"queries": ""}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractQueries(tt.args))
		})
	}
}
