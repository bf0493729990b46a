package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/embedo/embedo/internal/knowledge"
	"github.com/embedo/embedo/internal/llm"
	"github.com/embedo/embedo/internal/openapi"
	"github.com/embedo/embedo/internal/product"
)

// noKnowledgeFound is handed to the model when every query comes back empty,
// so it can say so instead of hallucinating sources.
const noKnowledgeFound = "No relevant information found."

// knowledgeQueryLimit caps hits per individual query; duplicates across
// queries are removed before assembly.
const knowledgeQueryLimit = 5

// buildToolSet assembles the tools offered to the model for this turn:
// compiled server tools, the product's declared client tools, plus the
// knowledge and login tools when the product enables them.
func (o *Orchestrator) buildToolSet(prod *product.Product, spec *openapi.CompiledSpec) []llm.Tool {
	var tools []llm.Tool
	if spec != nil {
		tools = append(tools, spec.Tools()...)
	}
	tools = append(tools, prod.ClientTools...)
	if prod.KnowledgeEnabled && o.knowledge != nil {
		tools = append(tools, knowledgeTool())
	}
	if prod.HasAuth() {
		tools = append(tools, loginTool())
	}
	return tools
}

// knowledgeTool declares queryKnowledgeBase. The model supplies one or more
// search phrasings; results are merged into a single context string.
func knowledgeTool() llm.Tool {
	return llm.Tool{
		Name:        toolQueryKnowledge,
		Description: "Search the product knowledge base for documentation, FAQs and product facts. Supply one or more short search queries; rephrase the user's question rather than quoting it verbatim.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"queries": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Search queries to run against the knowledge base.",
				},
			},
			"required": []string{"queries"},
		},
	}
}

// loginTool declares request_login, a client-executed tool that opens the
// product's login flow. It takes no arguments.
func loginTool() llm.Tool {
	return llm.Tool{
		Name:        toolRequestLogin,
		Description: "Ask the user to sign in. Call this when an action requires authentication or an API call was rejected as unauthenticated.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

// runKnowledgeQueries executes every query concurrently, deduplicates hits
// by document id (first query wins) and concatenates them into one context
// string for the model.
func (o *Orchestrator) runKnowledgeQueries(ctx context.Context, productID string, args map[string]any) string {
	queries := extractQueries(args)
	if len(queries) == 0 || o.knowledge == nil {
		return noKnowledgeFound
	}

	perQuery := make([][]knowledge.Result, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := o.knowledge.Search(ctx, productID, q, knowledgeQueryLimit)
			if err != nil {
				// Best-effort: a failed query contributes nothing.
				o.logger.Warn("knowledge search failed", "product_id", productID, "query", q, "error", err)
				return
			}
			perQuery[i] = hits
		}()
	}
	wg.Wait()

	seen := make(map[string]struct{})
	var blocks []string
	for _, hits := range perQuery {
		for _, hit := range hits {
			if _, dup := seen[hit.ID]; dup {
				continue
			}
			seen[hit.ID] = struct{}{}
			blocks = append(blocks, formatHit(hit))
		}
	}
	if len(blocks) == 0 {
		return noKnowledgeFound
	}
	return strings.Join(blocks, "\n\n")
}

// formatHit renders one search hit as a source-attributed context block.
func formatHit(hit knowledge.Result) string {
	source := hit.Metadata["source"]
	if source == "" {
		source = hit.ID
	}
	return fmt.Sprintf("[Source: %s]\n%s", source, hit.Text)
}

// extractQueries pulls the query list out of tool call arguments. A bare
// string is accepted as a single query since smaller models emit that shape.
func extractQueries(args map[string]any) []string {
	raw, ok := args["queries"]
	if !ok {
		if q, ok := args["query"].(string); ok && q != "" {
			return []string{q}
		}
		return nil
	}

	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		var queries []string
		for _, item := range v {
			if q, ok := item.(string); ok && q != "" {
				queries = append(queries, q)
			}
		}
		return queries
	case []string:
		return v
	default:
		return nil
	}
}
