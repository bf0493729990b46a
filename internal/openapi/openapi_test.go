package openapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedo/embedo/internal/log"
)

const petStoreJSON = `{
	"openapi": "3.0.0",
	"servers": [{"url": "https://api.example.com/v1/"}],
	"components": {
		"schemas": {
			"NewPet": {
				"type": "object",
				"properties": {
					"name": {"type": "string", "description": "Pet name"},
					"tag": {"type": "string"}
				}
			}
		}
	},
	"paths": {
		"/pets": {
			"get": {
				"operationId": "listPets",
				"summary": "List all pets",
				"parameters": [
					{"name": "limit", "in": "query", "schema": {"type": "integer"}}
				]
			},
			"post": {
				"operationId": "createPet",
				"description": "Create a pet",
				"requestBody": {
					"content": {
						"application/json": {
							"schema": {"$ref": "#/components/schemas/NewPet"}
						}
					}
				}
			}
		},
		"/users/{id}": {
			"parameters": [
				{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}
			],
			"get": {
				"summary": "Get a user"
			}
		}
	}
}`

func serveSpec(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func compile(t *testing.T, body string) *CompiledSpec {
	t.Helper()
	srv := serveSpec(t, body, http.StatusOK)
	spec, err := NewCompiler(5*time.Second, log.NewNop()).Compile(context.Background(), srv.URL)
	require.NoError(t, err)
	return spec
}

func TestCompileToolNames(t *testing.T) {
	spec := compile(t, petStoreJSON)

	names := make([]string, 0, len(spec.Tools()))
	for _, tool := range spec.Tools() {
		names = append(names, tool.Name)
	}
	// Paths sorted, then the fixed method order within each path.
	assert.Equal(t, []string{"listPets", "createPet", "get__users_id"}, names)
}

func TestCompileDescriptions(t *testing.T) {
	spec := compile(t, petStoreJSON)

	byName := map[string]string{}
	for _, tool := range spec.Tools() {
		byName[tool.Name] = tool.Description
	}
	assert.Equal(t, "List all pets", byName["listPets"], "summary used when description absent")
	assert.Equal(t, "Create a pet", byName["createPet"], "description preferred over summary")
}

func TestCompileParameterSchema(t *testing.T) {
	spec := compile(t, petStoreJSON)

	var listPets map[string]any
	for _, tool := range spec.Tools() {
		if tool.Name == "listPets" {
			listPets = tool.Parameters
		}
	}
	require.NotNil(t, listPets)

	props, ok := listPets["properties"].(map[string]any)
	require.True(t, ok)
	limit, ok := props["limit"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "number", limit["type"], "integer maps to number")
}

func TestCompileRefResolutionIntoBody(t *testing.T) {
	spec := compile(t, petStoreJSON)

	var createPet map[string]any
	for _, tool := range spec.Tools() {
		if tool.Name == "createPet" {
			createPet = tool.Parameters
		}
	}
	require.NotNil(t, createPet)

	props, ok := createPet["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "name", "body properties from resolved $ref merged into schema")
	assert.Contains(t, props, "tag")
}

func TestCompilePathParameterRequired(t *testing.T) {
	spec := compile(t, petStoreJSON)

	var getUser map[string]any
	for _, tool := range spec.Tools() {
		if tool.Name == "get__users_id" {
			getUser = tool.Parameters
		}
	}
	require.NotNil(t, getUser)
	assert.Equal(t, []string{"id"}, getUser["required"])
}

func TestCompileBaseURL(t *testing.T) {
	spec := compile(t, petStoreJSON)
	assert.Equal(t, "https://api.example.com/v1", spec.BaseURL(), "trailing slash trimmed")
}

func TestCompileYAML(t *testing.T) {
	spec := compile(t, `
openapi: 3.0.0
paths:
  /ping:
    get:
      operationId: ping
`)
	require.Len(t, spec.Tools(), 1)
	assert.Equal(t, "ping", spec.Tools()[0].Name)
}

func TestCompileDuplicateNames(t *testing.T) {
	srv := serveSpec(t, `{
		"openapi": "3.0.0",
		"paths": {
			"/a": {"get": {"operationId": "dup"}},
			"/b": {"get": {"operationId": "dup"}}
		}
	}`, http.StatusOK)

	_, err := NewCompiler(5*time.Second, log.NewNop()).Compile(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrSpecParse)
	assert.Contains(t, err.Error(), "dup")
}

func TestCompileFetchErrors(t *testing.T) {
	t.Run("non-2xx status", func(t *testing.T) {
		srv := serveSpec(t, "gone", http.StatusNotFound)
		_, err := NewCompiler(5*time.Second, log.NewNop()).Compile(context.Background(), srv.URL)
		assert.ErrorIs(t, err, ErrSpecFetch)
	})

	t.Run("unreachable host", func(t *testing.T) {
		_, err := NewCompiler(time.Second, log.NewNop()).Compile(context.Background(), "http://127.0.0.1:1/spec.json")
		assert.ErrorIs(t, err, ErrSpecFetch)
	})

	t.Run("unparseable document", func(t *testing.T) {
		srv := serveSpec(t, "{zzz: [", http.StatusOK)
		_, err := NewCompiler(5*time.Second, log.NewNop()).Compile(context.Background(), srv.URL)
		assert.ErrorIs(t, err, ErrSpecParse)
	})

	t.Run("missing paths", func(t *testing.T) {
		srv := serveSpec(t, `{"openapi": "3.0.0"}`, http.StatusOK)
		_, err := NewCompiler(5*time.Second, log.NewNop()).Compile(context.Background(), srv.URL)
		assert.ErrorIs(t, err, ErrSpecParse)
	})
}

func TestResolve(t *testing.T) {
	spec := compile(t, petStoreJSON)

	t.Run("fallback name round-trips", func(t *testing.T) {
		op, ok := spec.Resolve("get__users_id")
		require.True(t, ok)
		assert.Equal(t, "/users/{id}", op.Path)
		assert.Equal(t, http.MethodGet, op.Method)
		require.Len(t, op.Params, 1)
		assert.Equal(t, Parameter{Name: "id", In: "path", Required: true, Type: "string"}, op.Params[0])
		assert.False(t, op.HasBody)
	})

	t.Run("operationId round-trips", func(t *testing.T) {
		op, ok := spec.Resolve("createPet")
		require.True(t, ok)
		assert.Equal(t, "/pets", op.Path)
		assert.Equal(t, http.MethodPost, op.Method)
		assert.True(t, op.HasBody)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, ok := spec.Resolve("nope")
		assert.False(t, ok)
	})
}

func TestFallbackName(t *testing.T) {
	assert.Equal(t, "get__users_id", fallbackName("get", "/users/{id}"))
	assert.Equal(t, "post__orders", fallbackName("post", "/orders"))
}
