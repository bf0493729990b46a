package openapi

import (
	"fmt"
	"sort"
	"strings"

	"github.com/embedo/embedo/internal/llm"
)

// primitiveType maps OpenAPI parameter types onto the schema types the LLM
// adapters accept. Unknown types default to string.
func primitiveType(t string) string {
	switch t {
	case "integer", "number":
		return "number"
	case "boolean":
		return "boolean"
	case "array":
		return "array"
	case "object":
		return "object"
	case "string":
		return "string"
	default:
		return "string"
	}
}

// fallbackName derives a tool name for operations without an operationId:
// "{method}_{path}" with slashes turned into underscores and braces stripped.
// GET /users/{id} becomes get__users_id.
func fallbackName(method, path string) string {
	normalized := strings.NewReplacer("/", "_", "{", "", "}", "").Replace(path)
	return method + "_" + normalized
}

// operationName returns the tool name for an operation: its declared
// operationId when present, the deterministic fallback otherwise.
func operationName(op map[string]any, method, path string) string {
	if id, ok := op["operationId"].(string); ok && id != "" {
		return id
	}
	return fallbackName(method, path)
}

// compileTools builds the flat tool list from the parsed document.
// Two operations normalizing to the same name is a data error to surface,
// never a silent merge.
func (s *CompiledSpec) compileTools() error {
	paths, _ := s.doc["paths"].(map[string]any)
	if paths == nil {
		return fmt.Errorf("%w: document has no paths object", ErrSpecParse)
	}

	pathKeys := make([]string, 0, len(paths))
	for p := range paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	seen := make(map[string]string) // name -> "METHOD path" that claimed it
	s.tools = s.tools[:0]

	for _, path := range pathKeys {
		pathItem, _ := paths[path].(map[string]any)
		if pathItem == nil {
			continue
		}
		for _, method := range supportedMethods {
			op, _ := pathItem[method].(map[string]any)
			if op == nil {
				continue
			}

			name := operationName(op, method, path)
			if prev, dup := seen[name]; dup {
				return fmt.Errorf("%w: duplicate tool name %q (%s and %s %s)",
					ErrSpecParse, name, prev, strings.ToUpper(method), path)
			}
			seen[name] = strings.ToUpper(method) + " " + path

			s.tools = append(s.tools, llm.Tool{
				Name:        name,
				Description: operationDescription(op),
				Parameters:  buildParameterSchema(pathItem, op),
			})
		}
	}
	return nil
}

// operationDescription prefers description, falling back to summary.
func operationDescription(op map[string]any) string {
	if d, ok := op["description"].(string); ok && d != "" {
		return d
	}
	d, _ := op["summary"].(string)
	return d
}

// buildParameterSchema assembles the flat tool parameter schema: path/query
// parameters become top-level properties, and JSON request-body properties
// are merged into the same flat object. A body property sharing a name with
// a parameter overwrites it (last write wins).
func buildParameterSchema(pathItem, op map[string]any) map[string]any {
	properties := map[string]any{}
	var required []string

	for _, param := range collectParameters(pathItem, op) {
		name, _ := param["name"].(string)
		if name == "" {
			continue
		}
		in, _ := param["in"].(string)
		if in != "path" && in != "query" {
			continue
		}

		properties[name] = map[string]any{
			"type":        primitiveType(parameterType(param)),
			"description": stringOr(param["description"], ""),
		}
		if req, _ := param["required"].(bool); req {
			required = append(required, name)
		}
	}

	if bodySchema := jsonBodySchema(op); bodySchema != nil {
		if props, ok := bodySchema["properties"].(map[string]any); ok {
			for name, schema := range props {
				properties[name] = schema
			}
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// collectParameters merges path-item-level and operation-level parameters,
// operation last so it wins on overlap.
func collectParameters(pathItem, op map[string]any) []map[string]any {
	var out []map[string]any
	for _, src := range []map[string]any{pathItem, op} {
		params, _ := src["parameters"].([]any)
		for _, p := range params {
			if pm, ok := p.(map[string]any); ok {
				out = append(out, pm)
			}
		}
	}
	return out
}

// parameterType reads the parameter type from schema.type (OpenAPI 3) or the
// inline type field (Swagger 2).
func parameterType(param map[string]any) string {
	if schema, ok := param["schema"].(map[string]any); ok {
		if t, ok := schema["type"].(string); ok {
			return t
		}
	}
	t, _ := param["type"].(string)
	return t
}

// jsonBodySchema returns the application/json request body schema, or nil.
func jsonBodySchema(op map[string]any) map[string]any {
	body, _ := op["requestBody"].(map[string]any)
	if body == nil {
		return nil
	}
	content, _ := body["content"].(map[string]any)
	if content == nil {
		return nil
	}
	media, _ := content["application/json"].(map[string]any)
	if media == nil {
		return nil
	}
	schema, _ := media["schema"].(map[string]any)
	return schema
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

// Resolve re-derives the operation behind a compiled tool name by re-scanning
// the parsed document with the same naming rule used during compilation.
// Returns false when no operation matches.
func (s *CompiledSpec) Resolve(name string) (*Operation, bool) {
	paths, _ := s.doc["paths"].(map[string]any)
	if paths == nil {
		return nil, false
	}

	pathKeys := make([]string, 0, len(paths))
	for p := range paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	for _, path := range pathKeys {
		pathItem, _ := paths[path].(map[string]any)
		if pathItem == nil {
			continue
		}
		for _, method := range supportedMethods {
			op, _ := pathItem[method].(map[string]any)
			if op == nil {
				continue
			}
			if operationName(op, method, path) != name {
				continue
			}

			resolved := &Operation{
				Path:    path,
				Method:  strings.ToUpper(method),
				HasBody: jsonBodySchema(op) != nil,
			}
			for _, param := range collectParameters(pathItem, op) {
				pname, _ := param["name"].(string)
				in, _ := param["in"].(string)
				if pname == "" || (in != "path" && in != "query") {
					continue
				}
				req, _ := param["required"].(bool)
				resolved.Params = append(resolved.Params, Parameter{
					Name:     pname,
					In:       in,
					Required: req,
					Type:     primitiveType(parameterType(param)),
				})
			}
			return resolved, true
		}
	}
	return nil, false
}
