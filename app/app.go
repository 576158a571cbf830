// Package app builds the component graph shared by the API server and the
// background worker from a loaded Config.
package app

import (
	"context"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/location"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/api"
	"github.com/pablobfonseca/go-claim-triage/config"
	"github.com/pablobfonseca/go-claim-triage/database"
	"github.com/pablobfonseca/go-claim-triage/deduction"
	"github.com/pablobfonseca/go-claim-triage/embedding"
	"github.com/pablobfonseca/go-claim-triage/library"
	"github.com/pablobfonseca/go-claim-triage/metadata"
	"github.com/pablobfonseca/go-claim-triage/queue"
	"github.com/pablobfonseca/go-claim-triage/services"
	"github.com/pablobfonseca/go-claim-triage/storage"
	"github.com/pablobfonseca/go-claim-triage/vectorindex"
	"github.com/pablobfonseca/go-claim-triage/websearch"
	"github.com/pablobfonseca/go-claim-triage/worker"
)

// App holds every constructed component. Fields are safe for concurrent use.
type App struct {
	Config    *config.Config
	Log       *zap.Logger
	Objects   *storage.S3Client
	Library   *library.Library
	Reverse   *websearch.Searcher
	Labels    *services.LabelDetector
	Generated *services.GeneratedImageDetector
	Geocoder  *services.Geocoder
	Deducer   *deduction.Composer
	Redis     *redis.Client
	Queue     *queue.Queue
}

// Build connects to the database, redis and AWS and wires the components.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	objects, err := storage.NewS3Client(ctx, storage.S3Config{
		Region:          cfg.AWSRegion,
		Bucket:          cfg.StorageBucket,
		Endpoint:        cfg.S3Endpoint,
		ForcePathStyle:  cfg.S3ForcePathStyle,
		RequestTimeout:  cfg.RequestTimeout,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	log.Info("Object storage ready", zap.String("bucket", objects.GetBucketName()), zap.String("region", cfg.AWSRegion))

	usePgvector := cfg.VectorBackend == config.VectorPgvector
	db, err := database.Connect(cfg, usePgvector, log)
	if err != nil {
		return nil, err
	}

	bedrock := bedrockruntime.NewFromConfig(awsCfg)
	extractor, err := newExtractor(cfg, bedrock)
	if err != nil {
		return nil, err
	}

	var index vectorindex.Index
	if usePgvector {
		index = vectorindex.NewPgvectorIndex(db, cfg.EmbeddingDimension, log)
	} else {
		log.Warn("Using in-memory vector index; library vectors are lost on restart")
		index = vectorindex.NewMemoryIndex(cfg.EmbeddingDimension)
	}

	lib := library.New(library.Deps{
		Objects:    objects,
		Extractor:  extractor,
		Index:      index,
		Records:    metadata.NewStore(db),
		Logger:     log,
		Candidates: cfg.SearchCandidates,
	})

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	reverse := websearch.NewSearcher(websearch.Deps{
		Objects:    objects,
		Extractor:  extractor,
		Provider:   websearch.NewSerpAPI(cfg.SerpAPIKey, cfg.SerpAPIURL, httpClient, log),
		HTTPClient: httpClient,
		Logger:     log,
		PresignTTL: cfg.PresignTTL,
	})

	generated := services.NewGeneratedImageDetector(
		sagemaker.NewFromConfig(awsCfg),
		sagemakerruntime.NewFromConfig(awsCfg),
		cfg.GeneratedImageEndpoint,
		log,
	)
	geocoder := services.NewGeocoder(location.NewFromConfig(awsCfg), cfg.PlaceIndex)
	labels := services.NewLabelDetector(rekognition.NewFromConfig(awsCfg), cfg.LabelConfidence)

	deducer := deduction.NewComposer(deduction.Deps{
		LLM:                 newLanguageModel(cfg, bedrock, log),
		Library:             lib,
		Reverse:             reverse,
		Geocoder:            geocoder,
		Generated:           generated,
		Logger:              log,
		GeneratedConfidence: cfg.GeneratedImageConfidence,
	})

	rdb := queue.NewClient(ctx, cfg.Redis, log)

	return &App{
		Config:    cfg,
		Log:       log,
		Objects:   objects,
		Library:   lib,
		Reverse:   reverse,
		Labels:    labels,
		Generated: generated,
		Geocoder:  geocoder,
		Deducer:   deducer,
		Redis:     rdb,
		Queue:     queue.New(rdb, log),
	}, nil
}

func newExtractor(cfg *config.Config, client *bedrockruntime.Client) (embedding.Extractor, error) {
	if cfg.EmbeddingProvider == config.EmbeddingPixel {
		return embedding.NewPixelExtractor(), nil
	}
	return embedding.NewTitanExtractor(client, cfg.EmbeddingModel, cfg.EmbeddingDimension)
}

func newLanguageModel(cfg *config.Config, client *bedrockruntime.Client, log *zap.Logger) services.LanguageModel {
	if cfg.LLMProvider == config.LLMOllama {
		return services.NewOllama(cfg.OllamaHost, cfg.LLMModel, cfg.LLMTemperature, &http.Client{Timeout: cfg.RequestTimeout}, log)
	}
	return services.NewBedrockClaude(client, cfg.LLMModel, cfg.LLMTemperature, log)
}

// Server returns the HTTP API over the built components.
func (a *App) Server() *api.Server {
	return api.NewServer(api.Deps{
		Library:             a.Library,
		Reverse:             a.Reverse,
		Labels:              a.Labels,
		Generated:           a.Generated,
		Geocoder:            a.Geocoder,
		Deducer:             a.Deducer,
		Queue:               a.Queue,
		Objects:             a.Objects,
		Logger:              a.Log,
		SimilarityThreshold: &a.Config.SimilarityThreshold,
		CORSOrigins:         a.Config.CORSOrigins,
	})
}

// Worker returns a worker pool with every task handler registered.
func (a *App) Worker() *worker.Worker {
	w := worker.NewWorker(a.Queue, queue.ClaimProcessingQueue, a.Config.WorkerCount, a.Log)
	w.Handle(worker.TaskTypeDeduction, worker.DeductionHandler(a.Objects, a.Deducer))
	w.Handle(worker.TaskTypeClearLibrary, worker.ClearLibraryHandler(a.Library))
	return w
}

// Close releases the redis connection.
func (a *App) Close() error {
	return a.Redis.Close()
}
