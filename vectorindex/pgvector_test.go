package vectorindex

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/pablobfonseca/go-claim-triage/database"
)

func TestDistancesToCandidates(t *testing.T) {
	got := distancesToCandidates([]distanceRow{{ID: "a", Distance: 0}, {ID: "b", Distance: 0.25}, {ID: "c", Distance: 2}})

	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, 1.0, got[0].Score)
	assert.Equal(t, 0.75, got[1].Score)
	assert.Equal(t, -1.0, got[2].Score)
}

// Runs against a real pgvector database when TEST_DATABASE_URL is set.
func TestPgvectorIndexIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Skipping pgvector tests because TEST_DATABASE_URL is not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.MigrateVectors(db, 4))

	ctx := context.Background()
	idx := NewPgvectorIndex(db, 4, nil)

	id, err := idx.Add(ctx, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	t.Cleanup(func() { _ = idx.Remove(ctx, id) })

	got, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, id, got[0].ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)

	require.NoError(t, idx.Remove(ctx, id))
	require.NoError(t, idx.Remove(ctx, id))

	got, err = idx.Search(ctx, []float32{1, 0, 0, 0}, 10)
	require.NoError(t, err)
	for _, c := range got {
		assert.NotEqual(t, id, c.ID)
	}
}

func TestEfSearch(t *testing.T) {
	assert.Equal(t, 40, efSearch(10))
	assert.Equal(t, 100, efSearch(100))
	assert.Equal(t, 1000, efSearch(5000))
}

// Runs against a real pgvector database when TEST_DATABASE_URL is set.
func TestPgvectorIndexReturnsMoreThanDefaultEfSearch(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Skipping pgvector tests because TEST_DATABASE_URL is not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.MigrateVectors(db, 4))

	ctx := context.Background()
	idx := NewPgvectorIndex(db, 4, nil)

	first := ""
	for i := 0; i < 80; i++ {
		f := float32(i)
		id, err := idx.Add(ctx, []float32{1, f / 80, 1 - f/80, 0.5})
		require.NoError(t, err)
		if i == 0 {
			first = id
		}
		t.Cleanup(func() { _ = idx.Remove(ctx, id) })
	}

	got, err := idx.Search(ctx, []float32{1, 0, 1, 0.5}, 60)
	require.NoError(t, err)
	assert.Len(t, got, 60)
	assert.Equal(t, first, got[0].ID)
}

func TestPgvectorIndexRejectsBadInput(t *testing.T) {
	idx := NewPgvectorIndex(nil, 4, nil)
	_, err := idx.Add(context.Background(), []float32{1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = idx.Search(context.Background(), []float32{1, 2, 3, 4}, 0)
	assert.ErrorIs(t, err, ErrInvalidK)
}
