// Package library owns the catalog of reference images: the stored objects,
// their embeddings in the vector index and the metadata records that tie the
// two together.
package library

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/embedding"
	"github.com/pablobfonseca/go-claim-triage/imaging"
	"github.com/pablobfonseca/go-claim-triage/logging"
	"github.com/pablobfonseca/go-claim-triage/metadata"
	"github.com/pablobfonseca/go-claim-triage/metrics"
	"github.com/pablobfonseca/go-claim-triage/models"
	"github.com/pablobfonseca/go-claim-triage/storage"
	"github.com/pablobfonseca/go-claim-triage/vectorindex"
)

// ErrNotFound is returned when no catalog record exists for an id.
var ErrNotFound = metadata.ErrNotFound

// DefaultCandidates is how many neighbours Search asks the index for.
const DefaultCandidates = 100

// Records is the metadata store the library writes catalog entries to.
type Records interface {
	Put(ctx context.Context, img models.CatalogImage) error
	Get(ctx context.Context, id string) (models.CatalogImage, error)
	List(ctx context.Context) ([]models.CatalogImage, error)
	Delete(ctx context.Context, id string) error
}

type Deps struct {
	Objects   storage.ObjectStore
	Extractor embedding.Extractor
	Index     vectorindex.Index
	Records   Records
	Logger    *zap.Logger

	// Candidates defaults to DefaultCandidates.
	Candidates int
	// Concurrency bounds Clear; defaults to runtime.NumCPU().
	Concurrency int
}

type Library struct {
	objects     storage.ObjectStore
	extractor   embedding.Extractor
	index       vectorindex.Index
	records     Records
	log         *zap.Logger
	candidates  int
	concurrency int
	now         func() time.Time
}

func New(d Deps) *Library {
	if d.Candidates <= 0 {
		d.Candidates = DefaultCandidates
	}
	return &Library{
		objects:     d.Objects,
		extractor:   d.Extractor,
		index:       d.Index,
		records:     d.Records,
		log:         logging.OrNop(d.Logger),
		candidates:  d.Candidates,
		concurrency: d.Concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Add stores img and its thumbnail, indexes its embedding and writes the
// catalog record under the id the index assigned. If any step fails the
// completed steps are undone.
func (l *Library) Add(ctx context.Context, img image.Image, filename string) (models.CatalogImage, error) {
	rec, err := l.add(ctx, img, filename)
	metrics.LibraryOperationsTotal.WithLabelValues("add", metrics.Outcome(err)).Inc()
	return rec, err
}

func (l *Library) add(ctx context.Context, img image.Image, filename string) (models.CatalogImage, error) {
	if img == nil {
		return models.CatalogImage{}, imaging.ErrEmptyImage
	}
	full, err := imaging.EncodePNG(img)
	if err != nil {
		return models.CatalogImage{}, err
	}
	thumb, err := imaging.EncodePNG(imaging.Thumbnail(img))
	if err != nil {
		return models.CatalogImage{}, err
	}
	vector, err := l.extractor.Extract(ctx, img)
	if err != nil {
		return models.CatalogImage{}, fmt.Errorf("failed to extract embedding: %w", err)
	}

	objectID := uuid.NewString()
	rec := models.CatalogImage{
		ImageKey:         storage.ImageKey(objectID),
		ThumbnailKey:     storage.ThumbnailKey(objectID),
		Filename:         filename,
		CreatedTimestamp: l.now(),
		Size:             int64(len(full)),
	}

	s := newSaga("add", l.log)

	if err := l.objects.Put(ctx, rec.ImageKey, full, "image/png"); err != nil {
		return models.CatalogImage{}, s.abort(ctx, fmt.Errorf("failed to store image: %w", err))
	}
	s.completed("put image", func(ctx context.Context) error {
		return l.objects.Delete(ctx, rec.ImageKey)
	})

	if err := l.objects.Put(ctx, rec.ThumbnailKey, thumb, "image/png"); err != nil {
		return models.CatalogImage{}, s.abort(ctx, fmt.Errorf("failed to store thumbnail: %w", err))
	}
	s.completed("put thumbnail", func(ctx context.Context) error {
		return l.objects.Delete(ctx, rec.ThumbnailKey)
	})

	id, err := l.index.Add(ctx, vector)
	if err != nil {
		return models.CatalogImage{}, s.abort(ctx, fmt.Errorf("failed to index embedding: %w", err))
	}
	s.completed("index embedding", func(ctx context.Context) error {
		return l.index.Remove(ctx, id)
	})
	rec.ID = id

	if err := l.records.Put(ctx, rec); err != nil {
		return models.CatalogImage{}, s.abort(ctx, fmt.Errorf("failed to write catalog record: %w", err))
	}

	l.log.Info("Added image to library",
		zap.String("id", rec.ID),
		zap.String("filename", filename),
		zap.Int64("size", rec.Size))
	return rec, nil
}

func (l *Library) Get(ctx context.Context, id string) (models.CatalogImage, error) {
	return l.records.Get(ctx, id)
}

// List returns every catalog record.
func (l *Library) List(ctx context.Context) ([]models.CatalogImage, error) {
	return l.records.List(ctx)
}

// Delete removes the catalog record, then the embedding, then the stored
// objects. Object cleanup failures are logged and left behind since the entry
// is already unreachable.
func (l *Library) Delete(ctx context.Context, id string) error {
	err := l.delete(ctx, id)
	metrics.LibraryOperationsTotal.WithLabelValues("delete", metrics.Outcome(err)).Inc()
	return err
}

func (l *Library) delete(ctx context.Context, id string) error {
	rec, err := l.records.Get(ctx, id)
	if err != nil {
		return err
	}

	s := newSaga("delete", l.log)

	if err := l.records.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete catalog record: %w", err)
	}
	s.completed("delete record", func(ctx context.Context) error {
		return l.records.Put(ctx, rec)
	})

	if err := l.index.Remove(ctx, id); err != nil {
		return s.abort(ctx, fmt.Errorf("failed to remove embedding %s: %w", id, err))
	}

	for _, key := range []string{rec.ImageKey, rec.ThumbnailKey} {
		if key == "" {
			continue
		}
		if err := l.objects.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			l.log.Warn("Failed to delete stored object",
				zap.String("id", id),
				zap.String("key", key),
				zap.Error(err))
		}
	}

	l.log.Info("Deleted image from library", zap.String("id", id))
	return nil
}

// Search returns the catalog entries nearest to img in index order. Index
// hits without a catalog record are skipped.
func (l *Library) Search(ctx context.Context, img image.Image) ([]models.CatalogMatch, error) {
	matches, err := l.search(ctx, img)
	metrics.LibraryOperationsTotal.WithLabelValues("search", metrics.Outcome(err)).Inc()
	if err == nil {
		metrics.SearchCandidates.WithLabelValues("library").Observe(float64(len(matches)))
	}
	return matches, err
}

func (l *Library) search(ctx context.Context, img image.Image) ([]models.CatalogMatch, error) {
	if img == nil {
		return nil, imaging.ErrEmptyImage
	}
	vector, err := l.extractor.Extract(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to extract embedding: %w", err)
	}
	candidates, err := l.index.Search(ctx, vector, l.candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	matches := make([]models.CatalogMatch, 0, len(candidates))
	for _, c := range candidates {
		rec, err := l.records.Get(ctx, c.ID)
		if errors.Is(err, ErrNotFound) {
			l.log.Debug("Skipping index hit without catalog record", zap.String("id", c.ID))
			continue
		}
		if err != nil {
			return nil, err
		}
		matches = append(matches, models.CatalogMatch{CatalogImage: rec, Score: c.Score})
	}
	return matches, nil
}
