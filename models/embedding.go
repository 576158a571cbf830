package models

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// ImageEmbedding is one document in the vector index. The index assigns ID on
// insert; catalog metadata is keyed by the same value.
type ImageEmbedding struct {
	ID        string          `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Embedding pgvector.Vector `gorm:"type:vector" json:"-"`
	CreatedAt time.Time       `json:"created_at"`
}

func (ImageEmbedding) TableName() string { return "image_embeddings" }

// ScoredCandidate is a nearest-neighbour hit. Score is cosine similarity in
// [-1, 1], higher is more similar.
type ScoredCandidate struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}
