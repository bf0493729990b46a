// Package knowledge manages per-product knowledge documents with vector
// search backed by PostgreSQL + pgvector.
//
// Embeddings are produced through the configured LLM adapter, so the store
// works identically across providers. Search failures are returned to the
// caller; the orchestrator treats them as zero results rather than failing
// the chat turn.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// searchTimeout bounds a single vector search query.
const searchTimeout = 10 * time.Second

// DefaultLimit is the result count used when the caller passes limit <= 0.
const DefaultLimit = 5

// Embedder produces vector embeddings for text. The llm.Adapter satisfies
// this interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Document is one knowledge entry belonging to a product.
type Document struct {
	ID        string
	ProductID string
	Content   string
	Metadata  map[string]string // "source" carries the display name used in context blocks
	CreatedAt time.Time
}

// Result is a single search hit. Score is opaque ranking input derived from
// vector distance; callers must not rely on its absolute scale.
type Result struct {
	ID       string
	Score    float32
	Text     string
	Metadata map[string]string
}

// Store manages knowledge documents. Safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *slog.Logger
}

// New creates a knowledge Store.
func New(pool *pgxpool.Pool, embedder Embedder, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, embedder: embedder, logger: logger}, nil
}

// Add inserts or updates a document. The content is embedded with the
// configured embedder before upserting.
func (s *Store) Add(ctx context.Context, doc Document) error {
	if doc.ID == "" || doc.ProductID == "" {
		return errors.New("document id and product id are required")
	}

	vec, err := s.embed(ctx, doc.Content)
	if err != nil {
		return err
	}

	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO knowledge_documents (id, product_id, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content,
		    embedding = EXCLUDED.embedding,
		    metadata = EXCLUDED.metadata,
		    updated_at = now()`,
		doc.ID, doc.ProductID, doc.Content, vec, metadata)
	if err != nil {
		return fmt.Errorf("upserting document %q: %w", doc.ID, err)
	}

	s.logger.Debug("added knowledge document", "id", doc.ID, "product_id", doc.ProductID, "content_length", len(doc.Content))
	return nil
}

// Search returns the documents most similar to query for the given product,
// best first. Score is 1 - distance as reported by pgvector's cosine
// operator and is treated as opaque by callers.
func (s *Store) Search(ctx context.Context, productID, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	vec, err := s.embed(queryCtx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(queryCtx, `
		SELECT id, content, metadata, 1 - (embedding <=> $2) AS score
		FROM knowledge_documents
		WHERE product_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3`,
		productID, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var metadata []byte
		if err := rows.Scan(&r.ID, &r.Text, &metadata, &r.Score); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			s.logger.Warn("unparseable document metadata", "document_id", r.ID, "error", err)
			r.Metadata = map[string]string{}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}
	return results, nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, docID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM knowledge_documents WHERE id = $1`, docID); err != nil {
		return fmt.Errorf("deleting document %q: %w", docID, err)
	}
	s.logger.Debug("deleted knowledge document", "id", docID)
	return nil
}

// Count returns the number of documents stored for a product.
func (s *Store) Count(ctx context.Context, productID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM knowledge_documents WHERE product_id = $1`, productID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return count, nil
}

func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	values, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding text: %w", err)
	}
	if len(values) == 0 {
		return pgvector.Vector{}, errors.New("empty embedding response")
	}
	return pgvector.NewVector(values), nil
}
