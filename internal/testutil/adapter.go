package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/embedo/embedo/internal/llm"
)

// ScriptedAdapter is a deterministic llm.Adapter for tests. Results are
// returned in the order they were enqueued, regardless of whether the call
// is Chat or Continue; every call is recorded for assertions.
//
// Thread-safe for concurrent use.
type ScriptedAdapter struct {
	mu       sync.Mutex
	results  []*llm.Result
	embedDim int

	chatCalls     []llm.Request
	continueCalls [][]llm.ToolResult
}

// NewScriptedAdapter creates a scripted adapter producing embeddings of the
// given dimension.
func NewScriptedAdapter(embedDim int) *ScriptedAdapter {
	if embedDim <= 0 {
		embedDim = 8
	}
	return &ScriptedAdapter{embedDim: embedDim}
}

// Enqueue appends results to the script.
func (a *ScriptedAdapter) Enqueue(results ...*llm.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, results...)
}

// ChatCalls returns a copy of all recorded Chat requests.
func (a *ScriptedAdapter) ChatCalls() []llm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]llm.Request, len(a.chatCalls))
	copy(cp, a.chatCalls)
	return cp
}

// ContinueCalls returns a copy of the tool results passed to each Continue.
func (a *ScriptedAdapter) ContinueCalls() [][]llm.ToolResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([][]llm.ToolResult, len(a.continueCalls))
	copy(cp, a.continueCalls)
	return cp
}

// Name implements llm.Adapter.
func (a *ScriptedAdapter) Name() string { return "scripted" }

// Chat implements llm.Adapter.
func (a *ScriptedAdapter) Chat(_ context.Context, req llm.Request) (*llm.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chatCalls = append(a.chatCalls, req)

	state := &llm.State{
		Provider: "scripted",
		System:   req.System,
		Messages: append(append([]llm.Message{}, req.History...), llm.Message{Role: llm.RoleUser, Content: req.Message}),
		Tools:    req.Tools,
	}
	return a.pop(state)
}

// Continue implements llm.Adapter.
func (a *ScriptedAdapter) Continue(_ context.Context, state *llm.State, results []llm.ToolResult) (*llm.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.continueCalls = append(a.continueCalls, results)

	for _, r := range results {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			payload = []byte(fmt.Sprintf("%v", r.Payload))
		}
		state.Messages = append(state.Messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    string(payload),
			ToolCallID: r.ID,
			Name:       r.Name,
		})
	}
	return a.pop(state)
}

// Embed implements llm.Adapter with a deterministic hash-derived vector, so
// identical texts embed identically without a live model.
func (a *ScriptedAdapter) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, a.embedDim)
	for i := range vec {
		bits := binary.BigEndian.Uint32(sum[(i*4)%28:])
		vec[i] = float32(bits%1000)/1000 - 0.5
	}
	// Normalize for cosine distance stability.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (a *ScriptedAdapter) pop(state *llm.State) (*llm.Result, error) {
	if len(a.results) == 0 {
		return nil, fmt.Errorf("scripted adapter: no result enqueued")
	}
	res := a.results[0]
	a.results = a.results[1:]

	if res.Type == llm.ResultFunctionCall {
		state.Messages = append(state.Messages, llm.Message{Role: llm.RoleAssistant, ToolCalls: res.ToolCalls})
	} else {
		state.Messages = append(state.Messages, llm.Message{Role: llm.RoleAssistant, Content: res.Text})
	}
	res.State = state
	return res, nil
}
