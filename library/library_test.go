package library

import (
	"context"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pablobfonseca/go-claim-triage/database"
	"github.com/pablobfonseca/go-claim-triage/embedding"
	"github.com/pablobfonseca/go-claim-triage/metadata"
	"github.com/pablobfonseca/go-claim-triage/models"
	"github.com/pablobfonseca/go-claim-triage/storage/storagetest"
	"github.com/pablobfonseca/go-claim-triage/vectorindex"
)

type fixture struct {
	lib     *Library
	objects *storagetest.MemoryStore
	index   *flakyIndex
	records *flakyRecords
}

// flakyIndex wraps an index and fails the operations whose hooks are set.
type flakyIndex struct {
	*vectorindex.MemoryIndex
	failAdd    error
	failRemove func(id string) error
}

func (f *flakyIndex) Add(ctx context.Context, v []float32) (string, error) {
	if f.failAdd != nil {
		return "", f.failAdd
	}
	return f.MemoryIndex.Add(ctx, v)
}

func (f *flakyIndex) Remove(ctx context.Context, id string) error {
	if f.failRemove != nil {
		if err := f.failRemove(id); err != nil {
			return err
		}
	}
	return f.MemoryIndex.Remove(ctx, id)
}

type flakyRecords struct {
	*metadata.Store
	failPut error
}

func (f *flakyRecords) Put(ctx context.Context, img models.CatalogImage) error {
	if f.failPut != nil {
		return f.failPut
	}
	return f.Store.Put(ctx, img)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "library.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite allows one writer; Clear deletes concurrently.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.MigrateCatalog(db))

	extractor := embedding.NewPixelExtractor()
	f := &fixture{
		objects: storagetest.NewMemoryStore(),
		index:   &flakyIndex{MemoryIndex: vectorindex.NewMemoryIndex(extractor.Dimension())},
		records: &flakyRecords{Store: metadata.NewStore(db)},
	}
	f.lib = New(Deps{
		Objects:     f.objects,
		Extractor:   extractor,
		Index:       f.index,
		Records:     f.records,
		Concurrency: 3,
	})
	return f
}

func pattern(seed int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x*(seed+1)*37 + y*11) % 256),
				G: uint8((y*(seed+3)*23 + x*5) % 256),
				B: uint8((x*y*(seed+7)) % 256),
				A: 255,
			})
		}
	}
	return img
}

func TestAddGetSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.lib.Add(ctx, pattern(1), "dent.jpg")
	require.NoError(t, err)
	_, err = f.lib.Add(ctx, pattern(2), "scratch.jpg")
	require.NoError(t, err)

	got, err := f.lib.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "dent.jpg", got.Filename)
	assert.Equal(t, rec.Size, got.Size)
	assert.Positive(t, got.Size)

	assert.ElementsMatch(t, []string{rec.ImageKey, rec.ThumbnailKey}, filterKeys(f.objects.Keys(), rec.ImageKey, rec.ThumbnailKey))
	assert.Equal(t, "image/png", f.objects.ContentType(rec.ImageKey))
	assert.True(t, strings.HasPrefix(rec.ImageKey, "images/"))
	assert.True(t, strings.HasPrefix(rec.ThumbnailKey, "thumbnails/"))

	matches, err := f.lib.Search(ctx, pattern(1))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, rec.ID, matches[0].ID)
	assert.Greater(t, matches[0].Score, 0.99)
	assert.GreaterOrEqual(t, matches[0].Score, matches[1].Score)
}

func TestSearchFindsEachImageBeyondCandidateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = DefaultCandidates + 30
	ids := make([]string, n)
	for i := range ids {
		rec, err := f.lib.Add(ctx, pattern(i), "claim.png")
		require.NoError(t, err)
		ids[i] = rec.ID
	}

	for i, id := range ids {
		matches, err := f.lib.Search(ctx, pattern(i))
		require.NoError(t, err)
		require.Len(t, matches, DefaultCandidates)

		var own *models.CatalogMatch
		for j := range matches {
			if matches[j].ID == id {
				own = &matches[j]
				break
			}
		}
		require.NotNil(t, own, "image %d missing from its own search", i)
		assert.Greater(t, own.Score, 0.99)
	}
}

func filterKeys(keys []string, want ...string) []string {
	var out []string
	for _, k := range keys {
		for _, w := range want {
			if k == w {
				out = append(out, k)
			}
		}
	}
	return out
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.lib.Add(ctx, pattern(4), "roof.png")
	require.NoError(t, err)

	require.NoError(t, f.lib.Delete(ctx, rec.ID))

	_, err = f.lib.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	matches, err := f.lib.Search(ctx, pattern(4))
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, rec.ID, m.ID)
	}
	assert.Empty(t, f.objects.Keys())

	assert.ErrorIs(t, f.lib.Delete(ctx, rec.ID), ErrNotFound)
}

func TestAddCompensatesOnThumbnailFailure(t *testing.T) {
	f := newFixture(t)
	f.objects.FailPut = func(key string) error {
		if strings.HasPrefix(key, "thumbnails/") {
			return errors.New("quota exceeded")
		}
		return nil
	}

	_, err := f.lib.Add(context.Background(), pattern(1), "a.png")
	require.ErrorContains(t, err, "quota exceeded")
	assert.Empty(t, f.objects.Keys())
	assert.Zero(t, f.index.Len())
}

func TestAddCompensatesOnIndexFailure(t *testing.T) {
	f := newFixture(t)
	f.index.failAdd = errors.New("index unavailable")

	_, err := f.lib.Add(context.Background(), pattern(1), "a.png")
	require.ErrorContains(t, err, "index unavailable")
	assert.Empty(t, f.objects.Keys())
}

func TestAddCompensatesOnRecordFailure(t *testing.T) {
	f := newFixture(t)
	f.records.failPut = errors.New("db down")

	_, err := f.lib.Add(context.Background(), pattern(1), "a.png")
	require.ErrorContains(t, err, "db down")
	assert.Empty(t, f.objects.Keys())
	assert.Zero(t, f.index.Len())

	all, err := f.lib.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAddReportsCompensationFailures(t *testing.T) {
	f := newFixture(t)
	f.index.failAdd = errors.New("index unavailable")
	f.objects.FailDelete = func(string) error { return errors.New("delete denied") }

	_, err := f.lib.Add(context.Background(), pattern(1), "a.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index unavailable")
	assert.Contains(t, err.Error(), "delete denied")
}

func TestDeleteRestoresRecordWhenIndexRemoveFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.lib.Add(ctx, pattern(5), "car.png")
	require.NoError(t, err)

	f.index.failRemove = func(string) error { return errors.New("index unavailable") }
	require.ErrorContains(t, f.lib.Delete(ctx, rec.ID), "index unavailable")

	got, err := f.lib.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Filename, got.Filename)
	assert.Len(t, f.objects.Keys(), 2)
}

func TestDeleteToleratesObjectCleanupFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.lib.Add(ctx, pattern(6), "hail.png")
	require.NoError(t, err)
	f.objects.FailDelete = func(string) error { return errors.New("delete denied") }

	require.NoError(t, f.lib.Delete(ctx, rec.ID))
	_, err = f.lib.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchSkipsOrphanedIndexEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.lib.Add(ctx, pattern(1), "a.png")
	require.NoError(t, err)
	vec, err := embedding.NewPixelExtractor().Extract(ctx, pattern(2))
	require.NoError(t, err)
	_, err = f.index.MemoryIndex.Add(ctx, vec)
	require.NoError(t, err)

	matches, err := f.lib.Search(ctx, pattern(2))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, rec.ID, matches[0].ID)
}

func TestClear(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		f := newFixture(t)
		ctx := context.Background()
		for i := 0; i < n; i++ {
			_, err := f.lib.Add(ctx, pattern(i), "img.png")
			require.NoError(t, err)
		}

		res := f.lib.Clear(ctx)
		require.NoError(t, res.Err)
		assert.Equal(t, n, res.Deleted)
		assert.Len(t, res.Outcomes, n)

		all, err := f.lib.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
		matches, err := f.lib.Search(ctx, pattern(0))
		require.NoError(t, err)
		assert.Empty(t, matches)
	}
}

func TestClearCollectsPerItemFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		rec, err := f.lib.Add(ctx, pattern(i), "img.png")
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	bad := ids[2]
	var calls atomic.Int32
	f.index.failRemove = func(id string) error {
		calls.Add(1)
		if id == bad {
			return errors.New("index unavailable")
		}
		return nil
	}

	res := f.lib.Clear(ctx)
	require.Error(t, res.Err)
	assert.Equal(t, 3, res.Deleted)
	assert.Equal(t, 1, res.Failed)
	assert.EqualValues(t, 4, calls.Load())
	for _, o := range res.Outcomes {
		if o.ID == bad {
			assert.Error(t, o.Err)
		} else {
			assert.NoError(t, o.Err)
		}
	}

	remaining, err := f.lib.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, bad, remaining[0].ID)
}

func TestRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.lib.Add(ctx, pattern(3), "fence.png")
	require.NoError(t, err)

	rows := f.lib.MatchRows(ctx, []models.CatalogMatch{{CatalogImage: rec, Score: 0.97}})
	require.Len(t, rows, 1)
	assert.Equal(t, "fence.png", rows[0].Filename)
	assert.Equal(t, 0.97, rows[0].Similarity)
	assert.True(t, strings.HasPrefix(rows[0].Thumbnail, "data:image/png;base64,"))
	assert.NotEmpty(t, rows[0].FileSize)

	rec.ThumbnailKey = "thumbnails/missing.png"
	assert.Empty(t, f.lib.Rows(ctx, []models.CatalogImage{rec})[0].Thumbnail)
}
