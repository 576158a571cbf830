package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, 1024, cfg.EmbeddingDimension)
	assert.Equal(t, 100, cfg.SearchCandidates)
	assert.Equal(t, 0.85, cfg.SimilarityThreshold)
	assert.Equal(t, time.Hour, cfg.PresignTTL)
	assert.Equal(t, 4, cfg.WorkerCount)
}

func TestPixelProviderDefaultsTo768(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("EMBEDDING_PROVIDER", EmbeddingPixel)

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 768, cfg.EmbeddingDimension)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"unknown embedding provider", "EMBEDDING_PROVIDER", "clip"},
		{"unknown vector backend", "VECTOR_BACKEND", "faiss"},
		{"unknown llm provider", "LLM_PROVIDER", "gpt"},
		{"threshold above one", "SIMILARITY_THRESHOLD", 1.5},
		{"negative threshold", "SIMILARITY_THRESHOLD", -0.1},
		{"zero candidates", "SEARCH_CANDIDATES", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			setDefaults(v)
			v.Set(tt.key, tt.val)

			_, err := FromViper(v)
			assert.Error(t, err)
		})
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("STORAGE_BUCKET=claims-bucket\nCORS_ORIGINS=\"http://a.test, http://b.test\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "claims-bucket", cfg.StorageBucket)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestRequireDatabase(t *testing.T) {
	cfg := &Config{DB: DBConfig{Host: "db", User: "u", Password: "p", Name: "claims", Port: "5432", SSLMode: "disable"}}
	assert.NoError(t, cfg.RequireDatabase())
	assert.Equal(t, "host=db user=u password=p dbname=claims port=5432 sslmode=disable", cfg.DB.DSN())

	cfg.DB.Password = ""
	assert.Error(t, cfg.RequireDatabase())
}
