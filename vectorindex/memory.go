package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"

	"github.com/pablobfonseca/go-claim-triage/embedding"
	"github.com/pablobfonseca/go-claim-triage/models"
)

const (
	minEfSearch = 64
	// DefaultExactSearchLimit is the live size up to which Search scores
	// every stored vector instead of walking the graph.
	DefaultExactSearchLimit = 50000
)

// MemoryIndex is an in-process HNSW index. It backs the disposable
// per-request index used to re-rank reverse search candidates and can serve
// as the library index when no database is configured.
//
// Up to ExactLimit live entries Search is exact; larger indexes are searched
// through the HNSW graph with the beam widened to the whole graph.
//
// Removed keys are tombstoned and the graph is rebuilt once tombstones
// outnumber live entries.
type MemoryIndex struct {
	mu         sync.Mutex
	dimension  int
	graph      *hnsw.Graph[string]
	vectors    map[string][]float32
	tombstones int

	ExactLimit int
}

func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension:  dimension,
		graph:      newGraph(),
		vectors:    make(map[string][]float32),
		ExactLimit: DefaultExactSearchLimit,
	}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	return g
}

// Add inserts vector under a freshly generated identifier.
func (m *MemoryIndex) Add(ctx context.Context, vector []float32) (string, error) {
	id := uuid.NewString()
	if err := m.AddWithID(ctx, id, vector); err != nil {
		return "", err
	}
	return id, nil
}

// AddWithID inserts vector under a caller-chosen key.
func (m *MemoryIndex) AddWithID(ctx context.Context, id string, vector []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vector) != m.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), m.dimension)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.vectors[id]; exists {
		return fmt.Errorf("vector %s already indexed", id)
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	m.vectors[id] = vec
	m.graph.Add(hnsw.MakeNode(id, vec))
	return nil
}

func (m *MemoryIndex) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.vectors[id]; !ok {
		return nil
	}
	delete(m.vectors, id)
	m.tombstones++
	if m.tombstones > len(m.vectors) {
		m.rebuild()
	}
	return nil
}

// rebuild recreates the graph from live vectors. Callers hold mu.
func (m *MemoryIndex) rebuild() {
	g := newGraph()
	for id, vec := range m.vectors {
		g.Add(hnsw.MakeNode(id, vec))
	}
	m.graph = g
	m.tombstones = 0
}

func (m *MemoryIndex) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), m.dimension)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.vectors) == 0 {
		return []models.ScoredCandidate{}, nil
	}

	var out []models.ScoredCandidate
	if len(m.vectors) <= m.ExactLimit {
		out = m.exact(vector)
	} else {
		out = m.approximate(vector)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// exact scores every live vector. Callers hold mu.
func (m *MemoryIndex) exact(vector []float32) []models.ScoredCandidate {
	out := make([]models.ScoredCandidate, 0, len(m.vectors))
	for id, vec := range m.vectors {
		out = append(out, models.ScoredCandidate{ID: id, Score: embedding.CosineSimilarity(vector, vec)})
	}
	return out
}

// approximate walks the graph with ef covering every node, then rescores the
// live hits exactly. Callers hold mu.
func (m *MemoryIndex) approximate(vector []float32) []models.ScoredCandidate {
	want := len(m.vectors) + m.tombstones
	ef := m.graph.EfSearch
	m.graph.EfSearch = max(minEfSearch, want)
	nodes := m.graph.Search(vector, want)
	m.graph.EfSearch = ef

	out := make([]models.ScoredCandidate, 0, len(nodes))
	for _, n := range nodes {
		vec, live := m.vectors[n.Key]
		if !live {
			continue
		}
		out = append(out, models.ScoredCandidate{ID: n.Key, Score: embedding.CosineSimilarity(vector, vec)})
	}
	return out
}

func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vectors)
}
