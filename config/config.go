package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the server and worker read at startup.
type Config struct {
	HTTPAddr    string
	CORSOrigins []string
	LogLevel    string
	LogFormat   string

	DB    DBConfig
	Redis RedisConfig

	WorkerCount int

	AWSRegion        string
	StorageBucket    string
	S3Endpoint       string
	S3ForcePathStyle bool
	S3AccessKey      string
	S3SecretKey      string
	PresignTTL       time.Duration
	RequestTimeout   time.Duration

	EmbeddingProvider  string
	EmbeddingModel     string
	EmbeddingDimension int
	VectorBackend      string
	SearchCandidates   int

	SimilarityThreshold float64

	SerpAPIKey string
	SerpAPIURL string

	GeneratedImageEndpoint   string
	GeneratedImageConfidence float64

	LLMProvider    string
	LLMModel       string
	LLMTemperature float64
	OllamaHost     string

	PlaceIndex      string
	LabelConfidence float64
}

type DBConfig struct {
	Host     string
	User     string
	Password string
	Name     string
	Port     string
	SSLMode  string
}

// DSN renders the connection string the gorm postgres driver expects.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.Host, c.User, c.Password, c.Name, c.Port, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

const (
	EmbeddingTitan = "titan"
	EmbeddingPixel = "pixel"

	VectorPgvector = "pgvector"
	VectorMemory   = "memory"

	LLMBedrock = "bedrock"
	LLMOllama  = "ollama"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_SSLMODE", "disable")

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("WORKER_COUNT", 4)

	v.SetDefault("AWS_REGION", "us-west-2")
	v.SetDefault("PRESIGN_TTL", time.Hour)
	v.SetDefault("REQUEST_TIMEOUT", 60*time.Second)

	v.SetDefault("EMBEDDING_PROVIDER", EmbeddingTitan)
	v.SetDefault("EMBEDDING_MODEL", "amazon.titan-embed-image-v1")
	v.SetDefault("VECTOR_BACKEND", VectorPgvector)
	v.SetDefault("SEARCH_CANDIDATES", 100)
	v.SetDefault("SIMILARITY_THRESHOLD", 0.85)

	v.SetDefault("SERP_API_URL", "https://serpapi.com/search")

	v.SetDefault("GENERATED_IMAGE_CONFIDENCE", 0.98)

	v.SetDefault("LLM_PROVIDER", LLMBedrock)
	v.SetDefault("LLM_MODEL", "anthropic.claude-3-5-sonnet-20240620-v1:0")
	v.SetDefault("LLM_TEMPERATURE", 0.7)
	v.SetDefault("OLLAMA_HOST", "localhost")

	v.SetDefault("PLACE_INDEX", "claims-index")
	v.SetDefault("LABEL_CONFIDENCE", 80.0)
}

// Load reads the optional env file at path and overlays process environment
// variables. An unreadable env file is only a warning.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			log.Println("Warning: Error reading .env file:", err)
		}
	}
	v.AutomaticEnv()

	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTPAddr:    v.GetString("HTTP_ADDR"),
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogFormat:   v.GetString("LOG_FORMAT"),
		DB: DBConfig{
			Host:     v.GetString("DB_HOST"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
			Port:     v.GetString("DB_PORT"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		WorkerCount: v.GetInt("WORKER_COUNT"),

		AWSRegion:        v.GetString("AWS_REGION"),
		StorageBucket:    v.GetString("STORAGE_BUCKET"),
		S3Endpoint:       v.GetString("S3_ENDPOINT"),
		S3ForcePathStyle: v.GetBool("S3_FORCE_PATH_STYLE"),
		S3AccessKey:      v.GetString("S3_ACCESS_KEY_ID"),
		S3SecretKey:      v.GetString("S3_SECRET_ACCESS_KEY"),
		PresignTTL:       v.GetDuration("PRESIGN_TTL"),
		RequestTimeout:   v.GetDuration("REQUEST_TIMEOUT"),

		EmbeddingProvider:  v.GetString("EMBEDDING_PROVIDER"),
		EmbeddingModel:     v.GetString("EMBEDDING_MODEL"),
		EmbeddingDimension: v.GetInt("EMBEDDING_DIMENSION"),
		VectorBackend:      v.GetString("VECTOR_BACKEND"),
		SearchCandidates:   v.GetInt("SEARCH_CANDIDATES"),

		SimilarityThreshold: v.GetFloat64("SIMILARITY_THRESHOLD"),

		SerpAPIKey: v.GetString("SERP_API_KEY"),
		SerpAPIURL: v.GetString("SERP_API_URL"),

		GeneratedImageEndpoint:   v.GetString("GENERATED_IMAGE_ENDPOINT"),
		GeneratedImageConfidence: v.GetFloat64("GENERATED_IMAGE_CONFIDENCE"),

		LLMProvider:    v.GetString("LLM_PROVIDER"),
		LLMModel:       v.GetString("LLM_MODEL"),
		LLMTemperature: v.GetFloat64("LLM_TEMPERATURE"),
		OllamaHost:     v.GetString("OLLAMA_HOST"),

		PlaceIndex:      v.GetString("PLACE_INDEX"),
		LabelConfidence: v.GetFloat64("LABEL_CONFIDENCE"),
	}

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.EmbeddingDimension == 0 {
		cfg.EmbeddingDimension = defaultDimension(cfg.EmbeddingProvider)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultDimension(provider string) int {
	if provider == EmbeddingPixel {
		return 768
	}
	return 1024
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	switch c.EmbeddingProvider {
	case EmbeddingTitan, EmbeddingPixel:
	default:
		return fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}
	switch c.VectorBackend {
	case VectorPgvector, VectorMemory:
	default:
		return fmt.Errorf("unknown VECTOR_BACKEND %q", c.VectorBackend)
	}
	switch c.LLMProvider {
	case LLMBedrock, LLMOllama:
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	if c.EmbeddingDimension <= 0 {
		return errors.New("EMBEDDING_DIMENSION must be positive")
	}
	if c.EmbeddingProvider == EmbeddingPixel && c.EmbeddingDimension != 768 {
		return errors.New("pixel embeddings are always 768-dimensional")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD %v outside [0,1]", c.SimilarityThreshold)
	}
	if c.SearchCandidates <= 0 {
		return errors.New("SEARCH_CANDIDATES must be positive")
	}
	return nil
}

// RequireDatabase reports whether every DB_* variable needed to connect is set.
func (c *Config) RequireDatabase() error {
	d := c.DB
	if d.Host == "" || d.User == "" || d.Password == "" || d.Name == "" || d.Port == "" || d.SSLMode == "" {
		return errors.New("missing required database environment variables. Please ensure DB_HOST, DB_USER, DB_PASSWORD, DB_NAME, DB_PORT, and DB_SSLMODE are set")
	}
	return nil
}
