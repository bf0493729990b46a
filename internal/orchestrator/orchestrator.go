// Package orchestrator implements the end-to-end control loop for one chat
// turn: build the tool set, drive the LLM adapter through bounded rounds of
// tool calls, dispatch each call to the right handler, and decide when to
// stop and what to persist.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/embedo/embedo/internal/knowledge"
	"github.com/embedo/embedo/internal/llm"
	"github.com/embedo/embedo/internal/openapi"
	"github.com/embedo/embedo/internal/product"
	"github.com/embedo/embedo/internal/proxy"
	"github.com/embedo/embedo/internal/session"
)

// DefaultMaxDepth bounds the number of LLM rounds per chat turn. The bound
// is global per turn, not per tool.
const DefaultMaxDepth = 5

// Origin classifies where a tool call is executed.
type Origin string

// Tool call origins.
const (
	OriginServer    Origin = "server"    // proxied to the product API
	OriginClient    Origin = "client"    // deferred to the embedding page
	OriginKnowledge Origin = "knowledge" // knowledge-base lookup
	OriginAuth      Origin = "auth"      // login flow, deferred to the client
)

// Fixed tool names.
const (
	toolQueryKnowledge = "queryKnowledgeBase"
	toolRequestLogin   = "request_login"
)

// ProductReader loads product configuration.
type ProductReader interface {
	GetProduct(ctx context.Context, productID string) (*product.Product, error)
}

// SessionStore persists conversation state. Only LoadHistory gates the turn;
// every write is best-effort.
type SessionStore interface {
	LoadHistory(ctx context.Context, sessionID string) ([]llm.Message, error)
	SaveHistory(ctx context.Context, sessionID, productID string, history []llm.Message) error
	AppendMessage(ctx context.Context, msg session.Message) error
	RecordEvent(ctx context.Context, event session.Event) error
}

// KnowledgeSearcher is the knowledge collaborator contract. Failures are
// treated as zero results by the orchestrator.
type KnowledgeSearcher interface {
	Search(ctx context.Context, productID, query string, limit int) ([]knowledge.Result, error)
}

// SpecCompiler compiles a product's OpenAPI document into tools.
type SpecCompiler interface {
	Compile(ctx context.Context, specURL string) (*openapi.CompiledSpec, error)
}

// ToolExecutor proxies one server tool call to the product API.
type ToolExecutor interface {
	Execute(ctx context.Context, spec *openapi.CompiledSpec, baseURL, toolName string, args map[string]any, userToken string) proxy.Result
}

// Config contains all required dependencies for the Orchestrator.
type Config struct {
	Products  ProductReader
	Sessions  SessionStore
	Knowledge KnowledgeSearcher
	Compiler  SpecCompiler
	Proxy     ToolExecutor
	Adapter   llm.Adapter
	Logger    *slog.Logger
	MaxDepth  int // zero uses DefaultMaxDepth
}

func (cfg Config) validate() error {
	if cfg.Products == nil {
		return errors.New("product reader is required")
	}
	if cfg.Sessions == nil {
		return errors.New("session store is required")
	}
	if cfg.Compiler == nil {
		return errors.New("spec compiler is required")
	}
	if cfg.Proxy == nil {
		return errors.New("tool executor is required")
	}
	if cfg.Adapter == nil {
		return errors.New("llm adapter is required")
	}
	return nil
}

// Request is one inbound chat message.
type Request struct {
	Message   string
	ProductID string
	SessionID string
	UserToken string
}

// CalledFunction is one tool call recorded during a turn, with the real
// result for executed calls and a nil response for deferred ones.
type CalledFunction struct {
	Name     string         `json:"name"`
	Args     map[string]any `json:"args,omitempty"`
	Response any            `json:"response,omitempty"`
	Origin   Origin         `json:"origin"`
}

// Response is the outcome of one chat turn. Text is empty when control is
// handed to client-side tools.
type Response struct {
	Text            string
	FunctionsCalled []CalledFunction
}

// Orchestrator drives chat turns. Stateless across turns; all conversation
// state lives in the session store. Safe for concurrent use.
type Orchestrator struct {
	products  ProductReader
	sessions  SessionStore
	knowledge KnowledgeSearcher
	compiler  SpecCompiler
	proxy     ToolExecutor
	adapter   llm.Adapter
	logger    *slog.Logger
	maxDepth  int
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		products:  cfg.Products,
		sessions:  cfg.Sessions,
		knowledge: cfg.Knowledge,
		compiler:  cfg.Compiler,
		proxy:     cfg.Proxy,
		adapter:   cfg.Adapter,
		logger:    logger,
		maxDepth:  maxDepth,
	}, nil
}

// HandleMessage processes one chat turn end to end.
func (o *Orchestrator) HandleMessage(ctx context.Context, req Request) (*Response, error) {
	prod, err := o.products.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	history, err := o.sessions.LoadHistory(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	// Server tools degrade to an empty list on spec failure: the turn
	// continues with client and knowledge tools only.
	var spec *openapi.CompiledSpec
	if prod.OpenAPIURL != "" {
		spec, err = o.compiler.Compile(ctx, prod.OpenAPIURL)
		if err != nil {
			o.logger.Warn("spec compilation failed, continuing without server tools",
				"product_id", prod.ID, "error", err)
			spec = nil
		}
	}

	tools := o.buildToolSet(prod, spec)

	// Recorded before the model is invoked so history stays consistent.
	o.persistUserMessage(ctx, req)

	res, err := o.adapter.Chat(ctx, llm.Request{
		System:  systemPrompt(prod),
		Message: req.Message,
		Tools:   tools,
		History: history,
	})
	if err != nil {
		return nil, err
	}

	var called []CalledFunction
	for round := 1; res.Type == llm.ResultFunctionCall; round++ {
		var results []llm.ToolResult
		deferred := false

		for _, call := range res.ToolCalls {
			origin := classify(prod, call.Name)
			switch origin {
			case OriginKnowledge:
				contextText := o.runKnowledgeQueries(ctx, prod.ID, call.Arguments)
				results = append(results, llm.ToolResult{ID: call.ID, Name: call.Name, Payload: contextText})
				called = append(called, CalledFunction{Name: call.Name, Args: call.Arguments, Response: contextText, Origin: origin})

			case OriginClient, OriginAuth:
				// Only the embedding page can execute these; the round is
				// terminal for the server side.
				deferred = true
				called = append(called, CalledFunction{Name: call.Name, Args: call.Arguments, Origin: origin})

			default:
				result := o.proxy.Execute(ctx, spec, prod.APIBaseURL, call.Name, call.Arguments, req.UserToken)
				results = append(results, llm.ToolResult{ID: call.ID, Name: call.Name, Payload: result})
				called = append(called, CalledFunction{Name: call.Name, Args: call.Arguments, Response: result, Origin: origin})
			}
		}

		if deferred || len(results) == 0 || round >= o.maxDepth {
			break
		}

		res, err = o.adapter.Continue(ctx, res.State, results)
		if err != nil {
			return nil, err
		}
	}

	responseText := ""
	if res.Type == llm.ResultText || res.Text != "" {
		responseText = res.Text
	}

	o.persistAssistantMessage(ctx, req, prod.ID, responseText, called, res.State)

	return &Response{Text: responseText, FunctionsCalled: called}, nil
}

// classify determines who executes a tool call. Anything that is not the
// knowledge tool, the login tool or a declared client tool goes to the proxy,
// which surfaces unknown names as error-shaped results the model can see.
func classify(prod *product.Product, name string) Origin {
	switch {
	case name == toolQueryKnowledge:
		return OriginKnowledge
	case name == toolRequestLogin:
		return OriginAuth
	default:
		for _, t := range prod.ClientTools {
			if t.Name == name {
				return OriginClient
			}
		}
		return OriginServer
	}
}

// persistUserMessage records the inbound message and its analytics event.
// Best-effort: failures are logged, never fail the turn.
func (o *Orchestrator) persistUserMessage(ctx context.Context, req Request) {
	if err := o.sessions.AppendMessage(ctx, session.Message{
		ProductID: req.ProductID,
		SessionID: req.SessionID,
		Role:      session.RoleUser,
		Content:   req.Message,
	}); err != nil {
		o.logger.Warn("appending user message", "session_id", req.SessionID, "error", err)
	}
	if err := o.sessions.RecordEvent(ctx, session.Event{
		ProductID: req.ProductID,
		EventType: "chat_message",
		Metadata:  map[string]any{"sessionId": req.SessionID},
	}); err != nil {
		o.logger.Warn("recording chat event", "session_id", req.SessionID, "error", err)
	}
}

// persistAssistantMessage records the assistant reply with its tool call
// audit trail and saves the serialized adapter history for the next turn.
func (o *Orchestrator) persistAssistantMessage(ctx context.Context, req Request, productID, text string, called []CalledFunction, state *llm.State) {
	records := make([]session.ToolCallRecord, len(called))
	for i, c := range called {
		records[i] = session.ToolCallRecord{
			Name:     c.Name,
			Args:     c.Args,
			Response: c.Response,
			Origin:   string(c.Origin),
		}
	}
	if err := o.sessions.AppendMessage(ctx, session.Message{
		ProductID: productID,
		SessionID: req.SessionID,
		Role:      session.RoleAssistant,
		Content:   text,
		ToolCalls: records,
	}); err != nil {
		o.logger.Warn("appending assistant message", "session_id", req.SessionID, "error", err)
	}

	if state != nil {
		if err := o.sessions.SaveHistory(ctx, req.SessionID, productID, state.Messages); err != nil {
			o.logger.Warn("saving session history", "session_id", req.SessionID, "error", err)
		}
	}
}

// systemPrompt frames the assistant for the product.
func systemPrompt(p *product.Product) string {
	prompt := fmt.Sprintf(
		"You are a helpful assistant embedded in %s. "+
			"Answer the user's questions and use the available tools to act on their behalf. "+
			"Prefer looking up the knowledge base before guessing product-specific facts.", p.Name)
	if p.HasAuth() {
		prompt += " If an API call fails because the user is not authenticated, call request_login."
	}
	return prompt
}
