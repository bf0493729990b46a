package llm

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

const geminiProvider = "gemini"

// GeminiAdapter implements Adapter on top of the Gemini API using native
// structured function calling.
type GeminiAdapter struct {
	client     *genai.Client
	model      string
	embedModel string
	embedDim   int32
	logger     *slog.Logger
}

// GeminiConfig configures a GeminiAdapter.
type GeminiConfig struct {
	APIKey     string
	Model      string
	EmbedModel string // default: gemini-embedding-001
	EmbedDim   int    // output dimensionality, matches the pgvector column
	Logger     *slog.Logger
}

// NewGemini creates a Gemini adapter.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, providerErr(geminiProvider, "creating client: %w", err)
	}

	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = "gemini-embedding-001"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GeminiAdapter{
		client:     client,
		model:      cfg.Model,
		embedModel: embedModel,
		embedDim:   int32(cfg.EmbedDim),
		logger:     logger,
	}, nil
}

// Name implements Adapter.
func (*GeminiAdapter) Name() string { return geminiProvider }

// Chat implements Adapter.
func (a *GeminiAdapter) Chat(ctx context.Context, req Request) (*Result, error) {
	state := newState(geminiProvider, req)
	return a.generate(ctx, state)
}

// Continue implements Adapter.
func (a *GeminiAdapter) Continue(ctx context.Context, state *State, results []ToolResult) (*Result, error) {
	appendResults(state, results)
	return a.generate(ctx, state)
}

func (a *GeminiAdapter) generate(ctx context.Context, state *State) (*Result, error) {
	contents := geminiContents(state.Messages)
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(Temperature)),
		Tools:       geminiTools(state.Tools),
	}
	if state.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: state.System}},
		}
	}

	resp, err := a.client.Models.GenerateContent(ctx, a.model, contents, config)
	if err != nil {
		return nil, providerErr(geminiProvider, "generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, providerErr(geminiProvider, "empty response from model %s", a.model)
	}

	var text string
	var calls []ToolCall
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
		if fc := part.FunctionCall; fc != nil {
			id := fc.ID
			if id == "" {
				// Gemini does not always issue call ids; mint one so results
				// can still be correlated round-trip.
				id = uuid.NewString()
			}
			calls = append(calls, ToolCall{ID: id, Name: fc.Name, Arguments: fc.Args})
		}
	}

	return recordAssistant(state, text, calls), nil
}

// Embed implements Adapter.
func (a *GeminiAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	config := &genai.EmbedContentConfig{}
	if a.embedDim > 0 {
		dim := a.embedDim
		config.OutputDimensionality = &dim
	}

	resp, err := a.client.Models.EmbedContent(ctx, a.embedModel, genai.Text(text), config)
	if err != nil {
		return nil, providerErr(geminiProvider, "embed content: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, providerErr(geminiProvider, "empty embedding for model %s", a.embedModel)
	}
	return resp.Embeddings[0].Values, nil
}

// geminiContents converts provider-agnostic history to genai Contents.
// System messages are excluded; they travel via SystemInstruction.
func geminiContents(msgs []Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Arguments,
					},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.Name,
						Response: toResponseMap(msg.Content),
					},
				}},
			})
		case RoleSystem:
			// handled via SystemInstruction
		}
	}
	return contents
}

// toResponseMap decodes a JSON-encoded tool payload into the map shape the
// FunctionResponse API requires, wrapping non-object payloads.
func toResponseMap(content string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(content), &m); err == nil && m != nil {
		return m
	}
	var v any
	if err := json.Unmarshal([]byte(content), &v); err == nil {
		return map[string]any{"output": v}
	}
	return map[string]any{"output": content}
}

func geminiTools(tools []Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.Parameters,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

var _ Adapter = (*GeminiAdapter)(nil)
