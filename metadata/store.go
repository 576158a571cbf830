// Package metadata persists catalog image records keyed by the vector
// index identifier.
package metadata

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/pablobfonseca/go-claim-triage/models"
)

var ErrNotFound = errors.New("catalog record not found")

const DefaultPageSize = 100

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Put(ctx context.Context, img models.CatalogImage) error {
	if img.ID == "" {
		return errors.New("catalog record requires an id")
	}
	if err := s.db.WithContext(ctx).Create(&img).Error; err != nil {
		return fmt.Errorf("failed to save catalog record %s: %w", img.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (models.CatalogImage, error) {
	var img models.CatalogImage
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&img).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.CatalogImage{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.CatalogImage{}, fmt.Errorf("failed to get catalog record %s: %w", id, err)
	}
	return img, nil
}

// Page returns up to limit records with an id greater than after, ordered by
// id. next is empty once the scan is complete.
func (s *Store) Page(ctx context.Context, after string, limit int) (items []models.CatalogImage, next string, err error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	q := s.db.WithContext(ctx).Order("id").Limit(limit)
	if after != "" {
		q = q.Where("id > ?", after)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, "", fmt.Errorf("failed to scan catalog: %w", err)
	}
	if len(items) == limit {
		next = items[len(items)-1].ID
	}
	return items, next, nil
}

// List scans the whole catalog page by page.
func (s *Store) List(ctx context.Context) ([]models.CatalogImage, error) {
	var all []models.CatalogImage
	after := ""
	for {
		page, next, err := s.Page(ctx, after, DefaultPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		after = next
	}
}

// Delete removes the record for id. A missing record is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.CatalogImage{}).Error; err != nil {
		return fmt.Errorf("failed to delete catalog record %s: %w", id, err)
	}
	return nil
}
