// Package openapi fetches OpenAPI/Swagger documents and compiles them into
// tool declarations the LLM adapters understand.
//
// One tool is produced per (path, method) pair among the five supported HTTP
// verbs. The same parsed document later resolves tool names back to concrete
// operations for the execution proxy, so names stay consistent between
// compilation and dispatch.
package openapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/embedo/embedo/internal/llm"
)

// Sentinel errors. A fetch or parse failure degrades the chat turn to
// client/knowledge tools only; it never aborts the turn.
var (
	// ErrSpecFetch indicates the spec URL was unreachable or returned a
	// non-success status.
	ErrSpecFetch = errors.New("fetching OpenAPI spec")

	// ErrSpecParse indicates the document could not be parsed or compiled.
	ErrSpecParse = errors.New("parsing OpenAPI spec")
)

// supportedMethods is the fixed iteration order for operations, making
// compilation deterministic across runs.
var supportedMethods = []string{"get", "post", "put", "patch", "delete"}

// maxSpecBytes caps the spec document size.
const maxSpecBytes = 16 << 20

// maxRefDepth bounds $ref resolution against cyclic references.
const maxRefDepth = 64

// Compiler fetches and compiles OpenAPI documents.
type Compiler struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCompiler creates a Compiler whose spec fetches are bounded by timeout.
func NewCompiler(timeout time.Duration, logger *slog.Logger) *Compiler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Parameter is one path or query parameter of a resolved operation.
type Parameter struct {
	Name     string
	In       string // "path" or "query"
	Required bool
	Type     string // JSON-schema type after primitive mapping
}

// Operation is the concrete HTTP operation behind a compiled tool, as the
// execution proxy needs it.
type Operation struct {
	Path    string
	Method  string // upper-case HTTP method
	Params  []Parameter
	HasBody bool
}

// CompiledSpec is the result of compiling one OpenAPI document: the flat
// tool list plus the parsed document used to resolve names back to
// operations.
type CompiledSpec struct {
	doc     map[string]any
	baseURL string
	tools   []llm.Tool
}

// Tools returns the compiled tool declarations in deterministic order
// (paths sorted, then the fixed method order).
func (s *CompiledSpec) Tools() []llm.Tool { return s.tools }

// BaseURL returns servers[0].url from the document, or "" when absent.
func (s *CompiledSpec) BaseURL() string { return s.baseURL }

// Compile fetches, parses and compiles the spec at the given URL.
func (c *Compiler) Compile(ctx context.Context, specURL string) (*CompiledSpec, error) {
	raw, err := c.fetch(ctx, specURL)
	if err != nil {
		return nil, err
	}

	doc, err := parseDocument(raw)
	if err != nil {
		return nil, err
	}
	resolveRefs(doc, doc, 0)

	spec := &CompiledSpec{doc: doc, baseURL: serverURL(doc)}
	if err := spec.compileTools(); err != nil {
		return nil, err
	}

	c.logger.Debug("compiled OpenAPI spec", "url", specURL, "tools", len(spec.tools))
	return spec, nil
}

func (c *Compiler) fetch(ctx context.Context, specURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpecFetch, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpecFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrSpecFetch, specURL, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrSpecFetch, err)
	}
	return raw, nil
}

// parseDocument accepts JSON or YAML.
func parseDocument(raw []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err == nil {
		return doc, nil
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: document is neither valid JSON nor YAML: %v", ErrSpecParse, err)
	}
	return doc, nil
}

// resolveRefs replaces internal $ref pointers ("#/...") with the referenced
// values, in place. External references are left untouched. Depth is bounded
// to survive cyclic documents.
func resolveRefs(node any, root map[string]any, depth int) any {
	if depth > maxRefDepth {
		return node
	}
	switch n := node.(type) {
	case map[string]any:
		if ref, ok := n["$ref"].(string); ok && strings.HasPrefix(ref, "#/") {
			if target := lookupPointer(root, ref); target != nil {
				return resolveRefs(target, root, depth+1)
			}
			return n
		}
		for k, v := range n {
			n[k] = resolveRefs(v, root, depth+1)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = resolveRefs(v, root, depth+1)
		}
		return n
	default:
		return node
	}
}

// lookupPointer follows a "#/a/b/c" JSON pointer through the document.
func lookupPointer(root map[string]any, ref string) any {
	parts := strings.Split(strings.TrimPrefix(ref, "#/"), "/")
	var cur any = root
	for _, part := range parts {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func serverURL(doc map[string]any) string {
	servers, _ := doc["servers"].([]any)
	if len(servers) == 0 {
		return ""
	}
	first, _ := servers[0].(map[string]any)
	u, _ := first["url"].(string)
	return strings.TrimRight(u, "/")
}
