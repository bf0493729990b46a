package llm

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

const openaiProvider = "openai"

// OpenAIAdapter implements Adapter for OpenAI and OpenAI-compatible gateways
// using native structured tool calling.
type OpenAIAdapter struct {
	client     openai.Client
	model      string
	embedModel string
	embedDim   int
	logger     *slog.Logger
}

// OpenAIConfig configures an OpenAIAdapter.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string // optional OpenAI-compatible gateway
	EmbedModel string // default: text-embedding-3-small
	EmbedDim   int    // zero-vector fallback dimension
	Logger     *slog.Logger
}

// NewOpenAI creates an OpenAI adapter.
func NewOpenAI(cfg OpenAIConfig) *OpenAIAdapter {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = string(openai.ChatModelGPT4o)
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAIAdapter{
		client:     openai.NewClient(opts...),
		model:      model,
		embedModel: embedModel,
		embedDim:   cfg.EmbedDim,
		logger:     logger,
	}
}

// Name implements Adapter.
func (*OpenAIAdapter) Name() string { return openaiProvider }

// Chat implements Adapter.
func (a *OpenAIAdapter) Chat(ctx context.Context, req Request) (*Result, error) {
	state := newState(openaiProvider, req)
	return a.generate(ctx, state)
}

// Continue implements Adapter.
func (a *OpenAIAdapter) Continue(ctx context.Context, state *State, results []ToolResult) (*Result, error) {
	appendResults(state, results)
	return a.generate(ctx, state)
}

func (a *OpenAIAdapter) generate(ctx context.Context, state *State) (*Result, error) {
	msgs := openaiMessages(state)

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(a.model),
		Messages:    msgs,
		Temperature: param.NewOpt(float64(Temperature)),
	}
	if len(state.Tools) > 0 {
		params.Tools = openaiTools(state.Tools)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, providerErr(openaiProvider, "chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, providerErr(openaiProvider, "empty response from model %s", a.model)
	}

	choice := resp.Choices[0]
	var calls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		ftc := tc.AsFunction()
		args := map[string]any{}
		if err := json.Unmarshal([]byte(ftc.Function.Arguments), &args); err != nil {
			a.logger.Warn("unparseable tool call arguments",
				"tool", ftc.Function.Name, "error", err)
		}
		calls = append(calls, ToolCall{
			ID:        ftc.ID,
			Name:      ftc.Function.Name,
			Arguments: args,
		})
	}

	return recordAssistant(state, choice.Message.Content, calls), nil
}

// Embed implements Adapter.
//
// Some OpenAI-compatible gateways cannot serve the embeddings endpoint at
// all; in that case a deterministic zero vector is returned so a knowledge
// lookup degrades instead of failing the whole turn.
func (a *OpenAIAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := a.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(a.embedModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil || len(resp.Data) == 0 {
		a.logger.Warn("embedding unavailable, falling back to zero vector",
			"model", a.embedModel, "error", err)
		return make([]float32, a.embedDim), nil
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// openaiMessages converts state history into the provider message union.
func openaiMessages(state *State) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(state.Messages)+1)
	if state.System != "" {
		msgs = append(msgs, openai.SystemMessage(state.System))
	}
	for _, m := range state.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case RoleTool:
			msgs = append(msgs, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				msgs = append(msgs, openai.AssistantMessage(m.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallUnionParam, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				toolCalls[j] = openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(argsJSON),
						},
					},
				}
			}
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: param.NewOpt(m.Content),
					},
					ToolCalls: toolCalls,
				},
			})
		}
	}
	return msgs
}

func openaiTools(tools []Tool) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(t.Parameters),
		})
	}
	return out
}

var _ Adapter = (*OpenAIAdapter)(nil)
