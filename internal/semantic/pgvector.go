package semantic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"
)

// pgSchema creates the chunks table the searcher reads from. Ingestion
// (chunking + embedding) is handled by the external pipeline; this side only
// needs the table to exist so a fresh database doesn't fail the first query.
const pgSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	id         BIGSERIAL PRIMARY KEY,
	content    TEXT NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}',
	embedding  vector(768)
);

CREATE INDEX IF NOT EXISTS idx_chunks_embedding_cosine
	ON chunks USING ivfflat (embedding vector_cosine_ops);
`

// PgvectorSearcher implements Searcher against a PostgreSQL database with the
// pgvector extension. The query text is embedded via the injected Embedder and
// matched by cosine distance.
type PgvectorSearcher struct {
	db       *sql.DB
	embedder Embedder
}

var _ Searcher = (*PgvectorSearcher)(nil)

// NewPgvectorSearcher connects to the database at dsn and prepares the chunks
// schema. The pgvector extension must already be installed in the database.
func NewPgvectorSearcher(dsn string, embedder Embedder) (*PgvectorSearcher, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvector: ping: %w", err)
	}
	if _, err := db.Exec(pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvector: create schema: %w", err)
	}
	return &PgvectorSearcher{db: db, embedder: embedder}, nil
}

// Search embeds query and returns the topK nearest chunks by cosine
// similarity, filtered by metadata equality. Scores are mapped from cosine
// distance to 0..1 similarity.
func (p *PgvectorSearcher) Search(ctx context.Context, query string, topK int, filters map[string]string) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}

	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgvector: embed query: %w", err)
	}

	// Metadata filters apply as JSONB containment so scope isolation holds at
	// the index, not only after retrieval.
	filterJSON := []byte("{}")
	if len(filters) > 0 {
		filterJSON, err = json.Marshal(filters)
		if err != nil {
			return nil, fmt.Errorf("pgvector: marshal filters: %w", err)
		}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT content, metadata, 1 - (embedding <=> $1::vector) AS score
		FROM chunks
		WHERE embedding IS NOT NULL AND metadata @> $2::jsonb
		ORDER BY embedding <=> $1::vector
		LIMIT $3
	`, pgvector.NewVector(vec), filterJSON, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var metaJSON []byte
		if err := rows.Scan(&h.Content, &metaJSON, &h.Score); err != nil {
			return nil, fmt.Errorf("pgvector: scan hit: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &h.Metadata); err != nil {
				return nil, fmt.Errorf("pgvector: unmarshal metadata: %w", err)
			}
		}
		if h.Score < 0 {
			h.Score = 0
		}
		if h.Score > 1 {
			h.Score = 1
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Close releases the database handle.
func (p *PgvectorSearcher) Close() error {
	return p.db.Close()
}
