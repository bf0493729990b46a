// Package product provides read access to product configuration: the
// product's API endpoints, authentication mode, owner-declared client-side
// tools and knowledge-base flag.
//
// Products are owned and mutated by the admin surface; this backend only
// reads them per chat turn.
package product

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/embedo/embedo/internal/llm"
)

// ErrProductNotFound indicates the product id does not exist. Surfaced as a
// distinct not-found condition (HTTP 404) by the API layer.
var ErrProductNotFound = errors.New("product not found")

// Auth types a product can declare.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
)

// Product is the per-product tool configuration consumed by the
// orchestrator. Read-only within a chat turn.
type Product struct {
	ID               string
	Name             string
	APIBaseURL       string
	OpenAPIURL       string
	AuthType         string
	ClientTools      []llm.Tool
	KnowledgeEnabled bool
}

// HasAuth reports whether end-user authentication is configured, which
// enables the request_login tool.
func (p *Product) HasAuth() bool {
	return p.AuthType != "" && p.AuthType != AuthNone
}

// Store reads product configuration from PostgreSQL.
// Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a product Store.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// GetProduct loads one product by id. Returns ErrProductNotFound when the id
// does not exist.
func (s *Store) GetProduct(ctx context.Context, productID string) (*Product, error) {
	var p Product
	var clientTools []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, api_base_url, openapi_url, auth_type, client_tools, knowledge_enabled
		FROM products WHERE id = $1`, productID).
		Scan(&p.ID, &p.Name, &p.APIBaseURL, &p.OpenAPIURL, &p.AuthType, &clientTools, &p.KnowledgeEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading product %q: %w", productID, err)
	}

	if len(clientTools) > 0 {
		if err := json.Unmarshal(clientTools, &p.ClientTools); err != nil {
			return nil, fmt.Errorf("decoding client tools for product %q: %w", productID, err)
		}
		p.ClientTools = validClientTools(p.ClientTools, s.logger)
	}
	return &p, nil
}

// validClientTools drops owner-declared tools whose parameter schema is not
// a well-formed JSON schema, so a bad declaration cannot poison the whole
// tool set handed to the model.
func validClientTools(tools []llm.Tool, logger *slog.Logger) []llm.Tool {
	valid := tools[:0]
	for _, t := range tools {
		if t.Name == "" {
			logger.Warn("dropping client tool without a name")
			continue
		}
		if err := validateSchema(t.Parameters); err != nil {
			logger.Warn("dropping client tool with invalid schema", "tool", t.Name, "error", err)
			continue
		}
		valid = append(valid, t)
	}
	return valid
}

// validateSchema checks that a tool parameter object parses and resolves as
// a JSON schema.
func validateSchema(params map[string]any) error {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding schema: %w", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return fmt.Errorf("decoding schema: %w", err)
	}
	if _, err := schema.Resolve(nil); err != nil {
		return fmt.Errorf("resolving schema: %w", err)
	}
	return nil
}
