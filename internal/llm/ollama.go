package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const ollamaProvider = "ollama"

// stopObservation prevents the model from hallucinating its own tool-result
// turn in the prompt-parsed protocol.
const stopObservation = "Observation:"

// Textual protocol markers.
const (
	actionMarker      = "Action:"
	finalAnswerMarker = "Final Answer:"
)

// OllamaAdapter implements Adapter against a local Ollama server.
//
// Models with native tool support (probed once via /api/show) use structured
// tool calling. Everything else falls back to a prompt-parsed protocol: the
// system prompt instructs the model to emit either a "Final Answer:" line or
// an "Action:" line carrying a function_call JSON object, which is recovered
// with the brace-depth parser in parse.go.
type OllamaAdapter struct {
	host       string
	model      string
	embedModel string
	httpClient *http.Client
	logger     *slog.Logger

	probeOnce  sync.Once
	nativeTool bool
}

// OllamaConfig configures an OllamaAdapter.
type OllamaConfig struct {
	Host       string // e.g. http://localhost:11434
	Model      string
	EmbedModel string // default: the chat model
	Logger     *slog.Logger
}

// NewOllama creates an Ollama adapter.
func NewOllama(cfg OllamaConfig) *OllamaAdapter {
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = cfg.Model
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaAdapter{
		host:       strings.TrimRight(cfg.Host, "/"),
		model:      cfg.Model,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger,
	}
}

// Name implements Adapter.
func (*OllamaAdapter) Name() string { return ollamaProvider }

// Chat implements Adapter.
func (a *OllamaAdapter) Chat(ctx context.Context, req Request) (*Result, error) {
	state := newState(ollamaProvider, req)
	return a.generate(ctx, state)
}

// Continue implements Adapter.
func (a *OllamaAdapter) Continue(ctx context.Context, state *State, results []ToolResult) (*Result, error) {
	appendResults(state, results)
	return a.generate(ctx, state)
}

// ollama wire types.

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

func (a *OllamaAdapter) generate(ctx context.Context, state *State) (*Result, error) {
	if a.supportsNativeTools(ctx) {
		return a.generateNative(ctx, state)
	}
	return a.generateTextual(ctx, state)
}

// supportsNativeTools probes the model's declared capabilities once per
// adapter instance. The probe is best-effort: any failure selects the
// textual protocol.
func (a *OllamaAdapter) supportsNativeTools(ctx context.Context) bool {
	a.probeOnce.Do(func() {
		var resp struct {
			Capabilities []string `json:"capabilities"`
		}
		err := a.post(ctx, "/api/show", map[string]any{"model": a.model}, &resp)
		if err != nil {
			a.logger.Debug("capability probe failed, using prompt-parsed protocol",
				"model", a.model, "error", err)
			return
		}
		for _, c := range resp.Capabilities {
			if c == "tools" {
				a.nativeTool = true
				return
			}
		}
	})
	return a.nativeTool
}

func (a *OllamaAdapter) generateNative(ctx context.Context, state *State) (*Result, error) {
	msgs := make([]ollamaMessage, 0, len(state.Messages)+1)
	if state.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: state.System})
	}
	for _, m := range state.Messages {
		om := ollamaMessage{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		msgs = append(msgs, om)
	}

	req := ollamaChatRequest{
		Model:    a.model,
		Messages: msgs,
		Stream:   false,
		Tools:    ollamaTools(state.Tools),
		Options:  map[string]any{"temperature": Temperature},
	}

	var resp ollamaChatResponse
	if err := a.post(ctx, "/api/chat", req, &resp); err != nil {
		return nil, providerErr(ollamaProvider, "chat: %w", err)
	}

	var calls []ToolCall
	for _, otc := range resp.Message.ToolCalls {
		calls = append(calls, ToolCall{
			ID:        uuid.NewString(),
			Name:      otc.Function.Name,
			Arguments: decodeNestedArgs(otc.Function.Arguments),
		})
	}
	return recordAssistant(state, resp.Message.Content, calls), nil
}

func (a *OllamaAdapter) generateTextual(ctx context.Context, state *State) (*Result, error) {
	msgs := []ollamaMessage{{Role: "system", Content: textualSystemPrompt(state.System, state.Tools)}}
	for _, m := range state.Messages {
		switch m.Role {
		case RoleTool:
			// Tool results re-enter the conversation as observations.
			msgs = append(msgs, ollamaMessage{
				Role:    "user",
				Content: stopObservation + " " + m.Content,
			})
		case RoleSystem:
			// folded into the protocol prompt above
		case RoleAssistant:
			content := m.Content
			if len(m.ToolCalls) > 0 {
				// Replay earlier tool calls in the same textual protocol the
				// model emitted them in.
				tc := m.ToolCalls[0]
				line, _ := json.Marshal(map[string]any{
					"function_call": map[string]any{"name": tc.Name, "arguments": tc.Arguments},
				})
				content = actionMarker + " " + string(line)
			}
			msgs = append(msgs, ollamaMessage{Role: "assistant", Content: content})
		default:
			msgs = append(msgs, ollamaMessage{Role: string(m.Role), Content: m.Content})
		}
	}

	req := ollamaChatRequest{
		Model:    a.model,
		Messages: msgs,
		Stream:   false,
		Options: map[string]any{
			"temperature": Temperature,
			"stop":        []string{stopObservation},
		},
	}

	var resp ollamaChatResponse
	if err := a.post(ctx, "/api/chat", req, &resp); err != nil {
		return nil, providerErr(ollamaProvider, "chat: %w", err)
	}

	content := resp.Message.Content

	if idx := strings.Index(content, actionMarker); idx >= 0 {
		if call := parseFunctionCall(content[idx+len(actionMarker):]); call != nil {
			call.ID = uuid.NewString()
			return recordAssistant(state, "", []ToolCall{*call}), nil
		}
		// Unrecoverable action JSON: fall through and treat the raw content
		// as the final answer.
	}

	text := content
	if idx := strings.Index(content, finalAnswerMarker); idx >= 0 {
		text = strings.TrimSpace(content[idx+len(finalAnswerMarker):])
	}
	return recordAssistant(state, text, nil), nil
}

// Embed implements Adapter.
func (a *OllamaAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := a.post(ctx, "/api/embed", map[string]any{
		"model": a.embedModel,
		"input": text,
	}, &resp)
	if err != nil {
		return nil, providerErr(ollamaProvider, "embed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, providerErr(ollamaProvider, "empty embedding for model %s", a.embedModel)
	}
	return resp.Embeddings[0], nil
}

// post sends a JSON request to the Ollama API and decodes the response.
func (a *OllamaAdapter) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.host+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, truncate(string(raw), 200))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func ollamaTools(tools []Tool) []ollamaTool {
	out := make([]ollamaTool, len(tools))
	for i, t := range tools {
		out[i].Type = "function"
		out[i].Function.Name = t.Name
		out[i].Function.Description = t.Description
		out[i].Function.Parameters = t.Parameters
	}
	return out
}

// textualSystemPrompt embeds the tool-calling protocol into the system
// prompt for models without native tool support.
func textualSystemPrompt(system string, tools []Tool) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	b.WriteString("You have access to the following tools:\n\n")
	for _, t := range tools {
		schema, _ := json.Marshal(t.Parameters)
		fmt.Fprintf(&b, "- %s: %s\n  Parameters (JSON schema): %s\n", t.Name, t.Description, schema)
	}
	b.WriteString(`
Respond using EXACTLY one of these two formats:

1. To call a tool:
Action: {"function_call": {"name": "<tool name>", "arguments": {<arguments object>}}}

2. To answer the user directly:
Final Answer: <your answer>

After an Action you will receive the tool result as an "Observation:" message.
Never write an Observation yourself.`)
	return b.String()
}

var _ Adapter = (*OllamaAdapter)(nil)
