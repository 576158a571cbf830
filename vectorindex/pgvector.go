package vectorindex

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pablobfonseca/go-claim-triage/logging"
	"github.com/pablobfonseca/go-claim-triage/models"
)

// PgvectorIndex keeps embeddings in the image_embeddings table, searched
// through its hnsw vector_cosine_ops index.
type PgvectorIndex struct {
	db        *gorm.DB
	dimension int
	log       *zap.Logger
}

func NewPgvectorIndex(db *gorm.DB, dimension int, log *zap.Logger) *PgvectorIndex {
	return &PgvectorIndex{db: db, dimension: dimension, log: logging.OrNop(log)}
}

func (p *PgvectorIndex) Add(ctx context.Context, vector []float32) (string, error) {
	if len(vector) != p.dimension {
		return "", fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), p.dimension)
	}
	entry := models.ImageEmbedding{Embedding: pgvector.NewVector(vector)}
	if err := p.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return "", fmt.Errorf("failed to add embedding: %w", err)
	}
	p.log.Debug("added embedding", zap.String("id", entry.ID))
	return entry.ID, nil
}

// Remove deletes the embedding for id. Removing an id that is not present is
// not an error.
func (p *PgvectorIndex) Remove(ctx context.Context, id string) error {
	res := p.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ImageEmbedding{})
	if res.Error != nil {
		return fmt.Errorf("failed to remove embedding %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		p.log.Warn("embedding already absent", zap.String("id", id))
	}
	return nil
}

const (
	pgvectorMinEfSearch = 40
	pgvectorMaxEfSearch = 1000
)

type distanceRow struct {
	ID       string
	Distance float64
}

func (p *PgvectorIndex) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredCandidate, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(vector) != p.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), p.dimension)
	}

	var rows []distanceRow
	q := pgvector.NewVector(vector)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the hnsw scan yields at most hnsw.ef_search rows
		if err := tx.Exec(fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch(k))).Error; err != nil {
			return err
		}
		return tx.Raw(
			`SELECT id, embedding <=> ? AS distance FROM image_embeddings ORDER BY embedding <=> ? LIMIT ?`,
			q, q, k,
		).Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search embeddings: %w", err)
	}

	return distancesToCandidates(rows), nil
}

// efSearch clamps k to the range pgvector accepts for hnsw.ef_search.
func efSearch(k int) int {
	return min(max(k, pgvectorMinEfSearch), pgvectorMaxEfSearch)
}

// distancesToCandidates converts pgvector cosine distance (0..2) into cosine
// similarity (1..-1). Rows arrive nearest first.
func distancesToCandidates(rows []distanceRow) []models.ScoredCandidate {
	out := make([]models.ScoredCandidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.ScoredCandidate{ID: r.ID, Score: 1 - r.Distance})
	}
	return out
}
