package database

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pablobfonseca/go-claim-triage/config"
	"github.com/pablobfonseca/go-claim-triage/logging"
	"github.com/pablobfonseca/go-claim-triage/models"
)

// Connect opens the Postgres database holding catalog metadata and, when
// withVectors is set, the pgvector embeddings table.
func Connect(cfg *config.Config, withVectors bool, log *zap.Logger) (*gorm.DB, error) {
	log = logging.OrNop(log)
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.Open(cfg.DB.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := MigrateCatalog(db); err != nil {
		return nil, err
	}
	if withVectors {
		if err := MigrateVectors(db, cfg.EmbeddingDimension); err != nil {
			return nil, err
		}
	}

	log.Info("database connected", zap.String("host", cfg.DB.Host), zap.Bool("pgvector", withVectors))
	return db, nil
}

// MigrateCatalog creates the catalog metadata table. It only uses portable
// column types so it also runs against sqlite.
func MigrateCatalog(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.CatalogImage{}); err != nil {
		return fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return nil
}

// MigrateVectors creates the embeddings table with a fixed dimension and an
// hnsw cosine index.
func MigrateVectors(db *gorm.DB, dimension int) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		"CREATE EXTENSION IF NOT EXISTS pgcrypto",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS image_embeddings (
			id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			embedding vector(%d) NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS image_embeddings_embedding_idx ON image_embeddings USING hnsw (embedding vector_cosine_ops)",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to migrate vectors: %w", err)
		}
	}
	return nil
}
