package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pablobfonseca/go-claim-triage/database"
	"github.com/pablobfonseca/go-claim-triage/embedding"
	"github.com/pablobfonseca/go-claim-triage/imaging"
	"github.com/pablobfonseca/go-claim-triage/library"
	"github.com/pablobfonseca/go-claim-triage/metadata"
	"github.com/pablobfonseca/go-claim-triage/models"
	"github.com/pablobfonseca/go-claim-triage/queue"
	"github.com/pablobfonseca/go-claim-triage/services"
	"github.com/pablobfonseca/go-claim-triage/storage/storagetest"
	"github.com/pablobfonseca/go-claim-triage/vectorindex"
	"github.com/pablobfonseca/go-claim-triage/worker"
)

type fakeReverse struct{ results []models.ReverseSearchResult }

func (f fakeReverse) Search(context.Context, image.Image, string) (models.ReverseSearchResults, error) {
	return models.ReverseSearchResults{Results: f.results}, nil
}

type fakeLabels struct{ got []byte }

func (f *fakeLabels) Detect(_ context.Context, data []byte) ([]models.DetectedLabel, error) {
	f.got = data
	return []models.DetectedLabel{{Name: "Car", Confidence: 99}}, nil
}

type fakeGenerated struct{ err error }

func (f fakeGenerated) Detect(context.Context, image.Image) (models.GeneratedImageVerdict, error) {
	if f.err != nil {
		return models.GeneratedImageVerdict{}, f.err
	}
	return models.GeneratedImageVerdict{Prediction: models.PredictionReal, Confidence: 0.8}, nil
}

type fakeGeocoder struct{}

func (fakeGeocoder) Address(_ context.Context, lat, lon float64) (string, error) {
	if lat == 0 && lon == 0 {
		return "", services.ErrNoPlace
	}
	return "1 George St, Sydney NSW", nil
}

func (fakeGeocoder) Coordinates(_ context.Context, address string) (float64, float64, error) {
	if address == "nowhere" {
		return 0, 0, services.ErrNoPlace
	}
	return -33.8688, 151.2093, nil
}

type fakeDeducer struct{ got models.ClaimContext }

func (f *fakeDeducer) Deduce(_ context.Context, claim models.ClaimContext) (models.DeductionResult, error) {
	f.got = claim
	return models.DeductionResult{Deduction: "## Deduction: Not fraudulent", Verdict: models.VerdictNotFraudulent}, nil
}

type testEnv struct {
	handler http.Handler
	objects *storagetest.MemoryStore
	queue   *queue.Queue
	deducer *fakeDeducer
	labels  *fakeLabels
}

func newTestEnv(t *testing.T, generatedErr error) *testEnv {
	t.Helper()
	threshold := 0.9
	return newTestEnvWithThreshold(t, generatedErr, &threshold)
}

func newTestEnvWithThreshold(t *testing.T, generatedErr error, threshold *float64) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite allows one writer; Clear deletes concurrently.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.MigrateCatalog(db))

	objects := storagetest.NewMemoryStore()
	extractor := embedding.NewPixelExtractor()
	lib := library.New(library.Deps{
		Objects:   objects,
		Extractor: extractor,
		Index:     vectorindex.NewMemoryIndex(extractor.Dimension()),
		Records:   metadata.NewStore(db),
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.New(client, nil)

	hi, lo := 0.95, 0.3
	env := &testEnv{objects: objects, queue: q, deducer: &fakeDeducer{}, labels: &fakeLabels{}}
	env.handler = NewServer(Deps{
		Library: lib,
		Reverse: fakeReverse{results: []models.ReverseSearchResult{
			{Title: "hit", Score: &hi},
			{Title: "miss", Score: &lo},
			{Title: "unscored"},
		}},
		Labels:              env.labels,
		Generated:           fakeGenerated{err: generatedErr},
		Geocoder:            fakeGeocoder{},
		Deducer:             env.deducer,
		Queue:               q,
		Objects:             objects,
		SimilarityThreshold: threshold,
	}).Handler()
	return env
}

func photo(t *testing.T, seed int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{uint8(x * seed * 7), uint8(y * 5), uint8((x + y) * seed), 255})
		}
	}
	data, err := imaging.EncodePNG(img)
	require.NoError(t, err)
	return data
}

func multipartRequest(t *testing.T, method, target string, image []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if image != nil {
		fw, err := mw.CreateFormFile("image", "claim.png")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func do(t *testing.T, h http.Handler, req *http.Request, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestHealthcheck(t *testing.T) {
	env := newTestEnv(t, nil)
	var out map[string]string
	assert.Equal(t, http.StatusOK, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/healthcheck", nil), &out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, http.StatusOK, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/metrics", nil), nil))
}

func TestLibraryLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	var rec models.CatalogImage
	code := do(t, env.handler, multipartRequest(t, http.MethodPost, "/library", photo(t, 1), nil), &rec)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "claim.png", rec.Filename)
	assert.NotEmpty(t, rec.ID)

	var got models.CatalogImage
	assert.Equal(t, http.StatusOK, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/library/"+rec.ID, nil), &got))
	assert.Equal(t, rec.Size, got.Size)

	var list struct {
		Images []models.LibraryRow `json:"images"`
	}
	assert.Equal(t, http.StatusOK, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/library", nil), &list))
	require.Len(t, list.Images, 1)
	assert.NotEmpty(t, list.Images[0].Thumbnail)

	var search struct {
		Results []models.LibraryRow `json:"results"`
	}
	code = do(t, env.handler, multipartRequest(t, http.MethodPost, "/searchlibrary", photo(t, 1), nil), &search)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, search.Results, 1)
	assert.Greater(t, search.Results[0].Similarity, 0.99)

	assert.Equal(t, http.StatusNoContent, do(t, env.handler, httptest.NewRequest(http.MethodDelete, "/library/"+rec.ID, nil), nil))

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/library/"+rec.ID, nil), &errBody))
	assert.NotEmpty(t, errBody["error"])
	assert.Equal(t, http.StatusNotFound, do(t, env.handler, httptest.NewRequest(http.MethodDelete, "/library/"+rec.ID, nil), nil))
}

func TestClearLibrary(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 1; i <= 3; i++ {
		require.Equal(t, http.StatusCreated, do(t, env.handler, multipartRequest(t, http.MethodPost, "/library", photo(t, i), nil), nil))
	}

	var out clearResponse
	assert.Equal(t, http.StatusOK, do(t, env.handler, httptest.NewRequest(http.MethodDelete, "/library", nil), &out))
	assert.Equal(t, 3, out.Deleted)
	assert.Zero(t, out.Failed)

	var task map[string]string
	assert.Equal(t, http.StatusAccepted, do(t, env.handler, httptest.NewRequest(http.MethodDelete, "/library?async=true", nil), &task))
	assert.NotEmpty(t, task["task_id"])
}

func TestAddRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusBadRequest, do(t, env.handler, multipartRequest(t, http.MethodPost, "/library", nil, nil), nil))
	assert.Equal(t, http.StatusBadRequest, do(t, env.handler, multipartRequest(t, http.MethodPost, "/library", []byte("not an image"), nil), nil))
	assert.Equal(t, http.StatusNotFound, do(t, env.handler,
		multipartRequest(t, http.MethodPost, "/library", nil, map[string]string{"image_s3_key": "uploads/missing.png"}), nil))
	assert.Equal(t, http.StatusBadRequest, do(t, env.handler,
		multipartRequest(t, http.MethodPost, "/searchlibrary", photo(t, 1), map[string]string{"similarity_threshold": "2"}), nil))
}

func TestSearchInternetAppliesThreshold(t *testing.T) {
	env := newTestEnv(t, nil)
	var out models.ReverseSearchResults
	require.Equal(t, http.StatusOK, do(t, env.handler, multipartRequest(t, http.MethodPost, "/search/internet", photo(t, 2), nil), &out))
	require.Len(t, out.Results, 2)
	assert.Equal(t, "hit", out.Results[0].Title)
	assert.Equal(t, "unscored", out.Results[1].Title)
	assert.Nil(t, out.Results[1].Score)
}

func TestImageSignals(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.objects.Put(ctx, "uploads/claim.png", photo(t, 3), "image/png"))

	var exif models.ExifData
	require.Equal(t, http.StatusOK, do(t, env.handler,
		multipartRequest(t, http.MethodPost, "/exifdata", nil, map[string]string{"image_s3_key": "uploads/claim.png"}), &exif))
	assert.False(t, exif.HasLocation())

	var labels struct {
		Labels []models.DetectedLabel `json:"labels"`
	}
	require.Equal(t, http.StatusOK, do(t, env.handler, multipartRequest(t, http.MethodPost, "/labels", photo(t, 3), nil), &labels))
	assert.Equal(t, "Car", labels.Labels[0].Name)
	assert.Equal(t, photo(t, 3), env.labels.got)

	var verdict models.GeneratedImageVerdict
	require.Equal(t, http.StatusOK, do(t, env.handler, multipartRequest(t, http.MethodPost, "/generated", photo(t, 3), nil), &verdict))
	assert.Equal(t, models.PredictionReal, verdict.Prediction)
}

func TestGeneratedEndpointMissing(t *testing.T) {
	env := newTestEnv(t, services.ErrEndpointMissing)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, env.handler, multipartRequest(t, http.MethodPost, "/generated", photo(t, 3), nil), nil))

	env = newTestEnv(t, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, do(t, env.handler, multipartRequest(t, http.MethodPost, "/generated", photo(t, 3), nil), nil))
}

func TestPredict(t *testing.T) {
	env := newTestEnv(t, nil)
	var res models.DeductionResult
	code := do(t, env.handler, multipartRequest(t, http.MethodPost, "/predict", photo(t, 4), map[string]string{
		"claim_report":         "My phone fell in the pool.",
		"claim_type":           "damage",
		"similarity_threshold": "0.8",
	}), &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.VerdictNotFraudulent, res.Verdict)
	assert.Equal(t, "claim.png", env.deducer.got.Filename)
	require.NotNil(t, env.deducer.got.SimilarityThreshold)
	assert.Equal(t, 0.8, *env.deducer.got.SimilarityThreshold)
	assert.NotEmpty(t, env.deducer.got.Image)

	assert.Equal(t, http.StatusBadRequest, do(t, env.handler, multipartRequest(t, http.MethodPost, "/predict", nil, nil), nil))
}

func TestSubmitClaimAndPollTask(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var accepted map[string]string
	code := do(t, env.handler, multipartRequest(t, http.MethodPost, "/claims", photo(t, 5), map[string]string{
		"claim_report": "Car stolen overnight.",
		"claim_type":   "theft",
	}), &accepted)
	require.Equal(t, http.StatusAccepted, code)
	id := accepted["task_id"]
	require.NotEmpty(t, id)

	var status map[string]any
	require.Equal(t, http.StatusOK, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/tasks/"+id, nil), &status))
	assert.Equal(t, queue.StatusQueued, status["status"])

	task, err := env.queue.Dequeue(ctx, queue.ClaimProcessingQueue, time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, worker.TaskTypeDeduction, task.TaskType)
	key, _ := task.Data["image_s3_key"].(string)
	stored, err := env.objects.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, photo(t, 5), stored)

	require.NoError(t, env.queue.SetTaskStatus(ctx, id, queue.StatusCompleted))
	require.NoError(t, env.queue.StoreTaskResult(ctx, id, map[string]any{"verdict": "Fraudulent"}))
	require.Equal(t, http.StatusOK, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/tasks/"+id, nil), &status))
	assert.Equal(t, "Fraudulent", status["result"].(map[string]any)["verdict"])

	assert.Equal(t, http.StatusNotFound, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/tasks/nope", nil), nil))
}

func TestSearchInternetHonoursZeroThreshold(t *testing.T) {
	zero := 0.0
	env := newTestEnvWithThreshold(t, nil, &zero)
	var out models.ReverseSearchResults
	require.Equal(t, http.StatusOK, do(t, env.handler, multipartRequest(t, http.MethodPost, "/search/internet", photo(t, 2), nil), &out))
	require.Len(t, out.Results, 3)
	assert.Equal(t, "hit", out.Results[0].Title)
	assert.Equal(t, "miss", out.Results[1].Title)

	env = newTestEnvWithThreshold(t, nil, nil)
	require.Equal(t, http.StatusOK, do(t, env.handler, multipartRequest(t, http.MethodPost, "/search/internet", photo(t, 2), nil), &out))
	require.Len(t, out.Results, 2)
	assert.Equal(t, "hit", out.Results[0].Title)
}

func TestThresholdRejectsNaN(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, v := range []string{"NaN", "nan", "-0.1", "1.5", "abc"} {
		code := do(t, env.handler, multipartRequest(t, http.MethodPost, "/search/internet", photo(t, 2),
			map[string]string{"similarity_threshold": v}), nil)
		assert.Equal(t, http.StatusBadRequest, code, v)
	}
}

func TestOversizedUploadIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	big := make([]byte, maxBodySize+1)
	var errBody map[string]string
	code := do(t, env.handler, multipartRequest(t, http.MethodPost, "/library", big, nil), &errBody)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	assert.Contains(t, errBody["error"], "too large")
}

func TestGeocode(t *testing.T) {
	env := newTestEnv(t, nil)

	var out map[string]any
	require.Equal(t, http.StatusOK, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/geocode?address=1+George+St+Sydney", nil), &out))
	assert.Equal(t, "1 George St Sydney", out["address"])
	assert.InDelta(t, -33.8688, out["latitude"], 1e-9)
	assert.InDelta(t, 151.2093, out["longitude"], 1e-9)

	require.Equal(t, http.StatusOK, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/geocode/reverse?lat=-33.86&lon=151.2", nil), &out))
	assert.Equal(t, "1 George St, Sydney NSW", out["address"])

	assert.Equal(t, http.StatusBadRequest, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/geocode", nil), nil))
	assert.Equal(t, http.StatusBadRequest, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/geocode/reverse?lat=abc&lon=1", nil), nil))
	assert.Equal(t, http.StatusNotFound, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/geocode?address=nowhere", nil), nil))
	assert.Equal(t, http.StatusNotFound, do(t, env.handler, httptest.NewRequest(http.MethodGet, "/geocode/reverse?lat=0&lon=0", nil), nil))
}
