// Package websearch finds copies of a claim photo on the public internet and
// re-ranks the provider's candidates by local embedding similarity.
package websearch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/embedding"
	"github.com/pablobfonseca/go-claim-triage/imaging"
	"github.com/pablobfonseca/go-claim-triage/logging"
	"github.com/pablobfonseca/go-claim-triage/metrics"
	"github.com/pablobfonseca/go-claim-triage/models"
	"github.com/pablobfonseca/go-claim-triage/storage"
	"github.com/pablobfonseca/go-claim-triage/vectorindex"
)

const (
	DefaultPresignTTL = time.Hour
	maxThumbnailBytes = 10 << 20
)

type Deps struct {
	Objects   storage.ObjectStore
	Extractor embedding.Extractor
	Provider  Provider
	// HTTPClient downloads candidate thumbnails.
	HTTPClient *http.Client
	Logger     *zap.Logger
	PresignTTL time.Duration
	// ScratchRoot is where per-search scratch directories are created;
	// defaults to os.TempDir().
	ScratchRoot string
}

type Searcher struct {
	objects     storage.ObjectStore
	extractor   embedding.Extractor
	provider    Provider
	client      *http.Client
	log         *zap.Logger
	presignTTL  time.Duration
	scratchRoot string
}

func NewSearcher(d Deps) *Searcher {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if d.PresignTTL <= 0 {
		d.PresignTTL = DefaultPresignTTL
	}
	return &Searcher{
		objects:     d.Objects,
		extractor:   d.Extractor,
		provider:    d.Provider,
		client:      d.HTTPClient,
		log:         logging.OrNop(d.Logger),
		presignTTL:  d.PresignTTL,
		scratchRoot: d.ScratchRoot,
	}
}

// candidate tracks one provider match through download and scoring.
type candidate struct {
	match    VisualMatch
	filename string
	dataURL  string
	score    *float64
}

// Search uploads img, asks the provider for visual matches and scores every
// candidate whose thumbnail could be fetched against img. Scored results come
// first in descending order, followed by unscored ones in provider order.
// A provider failure fails the whole search.
func (s *Searcher) Search(ctx context.Context, img image.Image, filename string) (models.ReverseSearchResults, error) {
	if img == nil {
		return models.ReverseSearchResults{}, imaging.ErrEmptyImage
	}

	data, err := imaging.EncodePNG(img)
	if err != nil {
		return models.ReverseSearchResults{}, err
	}
	key := storage.UploadKey(filename)
	if err := s.objects.Put(ctx, key, data, "image/png"); err != nil {
		return models.ReverseSearchResults{}, fmt.Errorf("failed to upload query image: %w", err)
	}
	url, err := s.objects.Presign(ctx, key, s.presignTTL)
	if err != nil {
		return models.ReverseSearchResults{}, fmt.Errorf("failed to presign query image: %w", err)
	}

	matches, err := s.provider.VisualMatches(ctx, url)
	if err != nil {
		return models.ReverseSearchResults{}, err
	}
	s.log.Info("Reverse image search returned candidates",
		zap.String("key", key),
		zap.Int("candidates", len(matches)))
	if len(matches) == 0 {
		return models.ReverseSearchResults{Results: []models.ReverseSearchResult{}}, nil
	}

	candidates, err := s.score(ctx, img, matches)
	if err != nil {
		return models.ReverseSearchResults{}, err
	}
	metrics.SearchCandidates.WithLabelValues("internet").Observe(float64(len(candidates)))
	return models.ReverseSearchResults{Results: merge(candidates)}, nil
}

func (s *Searcher) score(ctx context.Context, query image.Image, matches []VisualMatch) ([]candidate, error) {
	dir, err := os.MkdirTemp(s.scratchRoot, "reverse-search-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("Failed to remove scratch directory", zap.String("dir", dir), zap.Error(err))
		}
	}()

	scratch := vectorindex.NewMemoryIndex(s.extractor.Dimension())
	candidates := make([]candidate, len(matches))
	for i, m := range matches {
		c := candidate{match: m, filename: UniqueFilename(i, m.Thumbnail)}
		if err := s.indexThumbnail(ctx, scratch, dir, &c); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.ThumbnailFailuresTotal.Inc()
			s.log.Warn("Skipping candidate thumbnail",
				zap.String("thumbnail", m.Thumbnail),
				zap.Error(err))
		}
		candidates[i] = c
	}

	if scratch.Len() == 0 {
		return candidates, nil
	}
	vector, err := s.extractor.Extract(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to extract query embedding: %w", err)
	}
	scored, err := scratch.Search(ctx, vector, scratch.Len())
	if err != nil {
		return nil, fmt.Errorf("failed to search scratch index: %w", err)
	}
	scores := make(map[string]float64, len(scored))
	for _, sc := range scored {
		scores[sc.ID] = sc.Score
	}
	for i := range candidates {
		if v, ok := scores[candidates[i].filename]; ok {
			candidates[i].score = &v
		}
	}
	return candidates, nil
}

// indexThumbnail downloads the candidate thumbnail into dir, then decodes and
// embeds it into the scratch index under the candidate filename.
func (s *Searcher) indexThumbnail(ctx context.Context, scratch *vectorindex.MemoryIndex, dir string, c *candidate) error {
	if c.match.Thumbnail == "" {
		return fmt.Errorf("candidate has no thumbnail")
	}
	path := filepath.Join(dir, c.filename)
	if err := s.download(ctx, c.match.Thumbnail, path); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	img, _, err := imaging.Decode(data)
	if err != nil {
		return err
	}
	if url, err := imaging.DataURL(img); err == nil {
		c.dataURL = url
	}
	vector, err := s.extractor.Extract(ctx, img)
	if err != nil {
		return err
	}
	return scratch.AddWithID(ctx, c.filename, vector)
}

func (s *Searcher) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("thumbnail download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxThumbnailBytes)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// UniqueFilename names the scratch file of the idx-th candidate.
func UniqueFilename(idx int, thumbnailURL string) string {
	sum := md5.Sum([]byte(thumbnailURL))
	return strconv.Itoa(idx) + "_" + hex.EncodeToString(sum[:])[:6] + ".png"
}

func merge(candidates []candidate) []models.ReverseSearchResult {
	results := make([]models.ReverseSearchResult, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, models.ReverseSearchResult{
			Thumbnail: c.match.Thumbnail,
			DataURL:   c.dataURL,
			Source:    c.match.Source,
			Title:     c.match.Title,
			Link:      c.match.Link,
			Filename:  c.filename,
			Score:     c.score,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Score, results[j].Score
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a > *b
		}
	})
	return results
}
