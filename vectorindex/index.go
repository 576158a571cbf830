// Package vectorindex stores image embeddings and answers nearest-neighbour
// queries over them.
package vectorindex

import (
	"context"
	"errors"

	"github.com/pablobfonseca/go-claim-triage/models"
)

// Index is a vector store that assigns identifiers on insert.
//
// Search returns at most k candidates ordered by descending cosine
// similarity. A nil error with an empty slice means nothing similar was
// found; failures are always reported through the error.
type Index interface {
	Add(ctx context.Context, vector []float32) (string, error)
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, vector []float32, k int) ([]models.ScoredCandidate, error)
}

var (
	ErrDimensionMismatch = errors.New("vector dimension does not match index")
	ErrInvalidK          = errors.New("k must be positive")
)
