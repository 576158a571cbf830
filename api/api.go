// Package api exposes the claim triage operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/imaging"
	"github.com/pablobfonseca/go-claim-triage/library"
	"github.com/pablobfonseca/go-claim-triage/logging"
	"github.com/pablobfonseca/go-claim-triage/metrics"
	"github.com/pablobfonseca/go-claim-triage/models"
	"github.com/pablobfonseca/go-claim-triage/services"
	"github.com/pablobfonseca/go-claim-triage/storage"
)

type Library interface {
	Add(ctx context.Context, img image.Image, filename string) (models.CatalogImage, error)
	Get(ctx context.Context, id string) (models.CatalogImage, error)
	List(ctx context.Context) ([]models.CatalogImage, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, img image.Image) ([]models.CatalogMatch, error)
	Clear(ctx context.Context) library.BatchResult
	Rows(ctx context.Context, recs []models.CatalogImage) []models.LibraryRow
	MatchRows(ctx context.Context, matches []models.CatalogMatch) []models.LibraryRow
}

type ReverseSearcher interface {
	Search(ctx context.Context, img image.Image, filename string) (models.ReverseSearchResults, error)
}

type LabelDetector interface {
	Detect(ctx context.Context, image []byte) ([]models.DetectedLabel, error)
}

type GeneratedImageDetector interface {
	Detect(ctx context.Context, img image.Image) (models.GeneratedImageVerdict, error)
}

type Geocoder interface {
	Address(ctx context.Context, lat, lon float64) (string, error)
	Coordinates(ctx context.Context, address string) (lat, lon float64, err error)
}

type Deducer interface {
	Deduce(ctx context.Context, claim models.ClaimContext) (models.DeductionResult, error)
}

type TaskQueue interface {
	Enqueue(ctx context.Context, queueName, taskType string, data map[string]any) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (string, error)
	GetTaskResult(ctx context.Context, taskID string) (map[string]any, error)
}

// Deps are the collaborators the handlers call. Nil optional collaborators
// make their routes answer 503.
type Deps struct {
	Library   Library
	Reverse   ReverseSearcher
	Labels    LabelDetector
	Generated GeneratedImageDetector
	Geocoder  Geocoder
	Deducer   Deducer
	Queue     TaskQueue
	Objects   storage.ObjectStore
	Logger    *zap.Logger

	// SimilarityThreshold defaults to DefaultSimilarityThreshold when nil.
	SimilarityThreshold *float64
	CORSOrigins         []string
}

const DefaultSimilarityThreshold = 0.85

type Server struct {
	lib       Library
	reverse   ReverseSearcher
	labels    LabelDetector
	generated GeneratedImageDetector
	geocoder  Geocoder
	deducer   Deducer
	queue     TaskQueue
	objects   storage.ObjectStore
	log       *zap.Logger

	defaultThreshold float64
	corsOrigins      []string
}

func NewServer(d Deps) *Server {
	threshold := DefaultSimilarityThreshold
	if d.SimilarityThreshold != nil {
		threshold = *d.SimilarityThreshold
	}
	if len(d.CORSOrigins) == 0 {
		d.CORSOrigins = []string{"*"}
	}
	return &Server{
		lib:              d.Library,
		reverse:          d.Reverse,
		labels:           d.Labels,
		generated:        d.Generated,
		geocoder:         d.Geocoder,
		deducer:          d.Deducer,
		queue:            d.Queue,
		objects:          d.Objects,
		log:              logging.OrNop(d.Logger),
		defaultThreshold: threshold,
		corsOrigins:      d.CORSOrigins,
	}
}

// Handler returns the router wrapped with CORS and request metrics.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/", s.root).Methods(http.MethodGet)
	r.HandleFunc("/healthcheck", s.healthcheck).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/library", s.addImage).Methods(http.MethodPost)
	r.HandleFunc("/library", s.listImages).Methods(http.MethodGet)
	r.HandleFunc("/library", s.clearLibrary).Methods(http.MethodDelete)
	r.HandleFunc("/library/{id}", s.getImage).Methods(http.MethodGet)
	r.HandleFunc("/library/{id}", s.deleteImage).Methods(http.MethodDelete)
	r.HandleFunc("/searchlibrary", s.searchLibrary).Methods(http.MethodPost)

	r.HandleFunc("/search/internet", s.searchInternet).Methods(http.MethodPost)
	r.HandleFunc("/exifdata", s.exifData).Methods(http.MethodPost)
	r.HandleFunc("/labels", s.detectLabels).Methods(http.MethodPost)
	r.HandleFunc("/generated", s.detectGenerated).Methods(http.MethodPost)
	r.HandleFunc("/geocode", s.geocode).Methods(http.MethodGet)
	r.HandleFunc("/geocode/reverse", s.reverseGeocode).Methods(http.MethodGet)

	r.HandleFunc("/predict", s.predict).Methods(http.MethodPost)
	r.HandleFunc("/claims", s.submitClaim).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", s.taskStatus).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.log.Info("Request handled",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

var (
	errBadRequest  = errors.New("bad request")
	errNotFound    = errors.New("not found")
	errUnavailable = errors.New("service not configured")
	errTooLarge    = errors.New("request body too large")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errNotFound), errors.Is(err, library.ErrNotFound), errors.Is(err, storage.ErrNotFound),
		errors.Is(err, services.ErrNoPlace):
		status = http.StatusNotFound
	case errors.Is(err, errTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest), errors.Is(err, imaging.ErrEmptyImage):
		status = http.StatusBadRequest
	case errors.Is(err, errUnavailable), errors.Is(err, services.ErrEndpointMissing):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
