// Package llm abstracts the LLM backends behind a single Adapter interface.
//
// Three adapters exist: Gemini and OpenAI use each provider's native
// structured tool-calling protocol; Ollama falls back to a prompt-parsed
// textual protocol when the local model has no native tool support.
//
// Conversation state is an explicit, serializable value type owned by the
// caller. Adapters rebuild their provider wire format from State on every
// call and never leak SDK objects across the boundary.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Temperature is the fixed sampling temperature used by all adapters.
const Temperature = 0.7

// Role identifies the author of a conversation message.
type Role string

// Valid message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Tool is a named, schema-described capability the model may invoke.
// Parameters is a JSON-schema-like object ({"type":"object",...}).
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is one tool invocation requested by the model.
// ID is the provider-issued correlation id; protocols that require it expect
// the id echoed back on the matching result.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult carries the outcome of one executed tool call back to the model.
// Payload is arbitrary JSON: success data or {"error": "..."}.
type ToolResult struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// Message is one provider-agnostic conversation turn.
// Tool-result messages use RoleTool with ToolCallID/Name set and the payload
// JSON-encoded in Content.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// State is the conversation state threaded through Continue calls within one
// chat turn. It carries the full role-tagged history and the tool set used
// for the session (some providers require re-sending tool schemas each turn).
type State struct {
	Provider string    `json:"provider"`
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
}

// ResultType discriminates adapter results.
type ResultType string

// Result kinds.
const (
	ResultText         ResultType = "text"
	ResultFunctionCall ResultType = "function_call"
)

// Result is the outcome of one model invocation.
type Result struct {
	Type      ResultType
	Text      string
	ToolCalls []ToolCall
	State     *State
}

// Request is the input to Adapter.Chat: a new user message plus the session
// context it runs in.
type Request struct {
	System  string
	Message string
	Tools   []Tool
	History []Message
}

// Adapter is the uniform capability over LLM backends: send a message with
// tools and history, continue with tool results, and embed text for the
// knowledge store.
type Adapter interface {
	// Name returns the provider identifier (e.g. "gemini").
	Name() string

	// Chat starts a new model round with the given request.
	Chat(ctx context.Context, req Request) (*Result, error)

	// Continue feeds tool results back into an in-flight conversation and
	// returns the model's next result.
	Continue(ctx context.Context, state *State, results []ToolResult) (*Result, error)

	// Embed returns a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// newState builds the initial conversation state for one chat turn.
func newState(provider string, req Request) *State {
	msgs := make([]Message, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, Message{Role: RoleUser, Content: req.Message})
	return &State{
		Provider: provider,
		System:   req.System,
		Messages: msgs,
		Tools:    req.Tools,
	}
}

// appendResults appends tool-result messages to the state history.
// Payloads are JSON-encoded into Content so State stays serializable.
func appendResults(state *State, results []ToolResult) {
	for _, r := range results {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			payload = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
		}
		state.Messages = append(state.Messages, Message{
			Role:       RoleTool,
			Content:    string(payload),
			ToolCallID: r.ID,
			Name:       r.Name,
		})
	}
}

// recordAssistant appends the model's reply to the state history and wraps it
// as a Result.
func recordAssistant(state *State, text string, calls []ToolCall) *Result {
	state.Messages = append(state.Messages, Message{
		Role:      RoleAssistant,
		Content:   text,
		ToolCalls: calls,
	})
	if len(calls) > 0 {
		return &Result{Type: ResultFunctionCall, Text: text, ToolCalls: calls, State: state}
	}
	return &Result{Type: ResultText, Text: text, State: state}
}
