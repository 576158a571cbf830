package library

import (
	"context"

	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/imaging"
	"github.com/pablobfonseca/go-claim-triage/models"
)

// Row renders a catalog entry for display. The thumbnail is inlined as a
// data URL; a thumbnail that cannot be loaded leaves the field empty.
func (l *Library) Row(ctx context.Context, rec models.CatalogImage, similarity float64) models.LibraryRow {
	return models.LibraryRow{
		ID:         rec.ID,
		Filename:   rec.Filename,
		FileSize:   imaging.FormatFileSize(rec.Size),
		Thumbnail:  l.thumbnailURL(ctx, rec),
		Similarity: similarity,
	}
}

func (l *Library) Rows(ctx context.Context, recs []models.CatalogImage) []models.LibraryRow {
	rows := make([]models.LibraryRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, l.Row(ctx, rec, 0))
	}
	return rows
}

func (l *Library) MatchRows(ctx context.Context, matches []models.CatalogMatch) []models.LibraryRow {
	rows := make([]models.LibraryRow, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, l.Row(ctx, m.CatalogImage, m.Score))
	}
	return rows
}

func (l *Library) thumbnailURL(ctx context.Context, rec models.CatalogImage) string {
	if rec.ThumbnailKey == "" {
		return ""
	}
	data, err := l.objects.Get(ctx, rec.ThumbnailKey)
	if err != nil {
		l.log.Warn("Failed to load thumbnail", zap.String("id", rec.ID), zap.Error(err))
		return ""
	}
	img, _, err := imaging.Decode(data)
	if err != nil {
		l.log.Warn("Failed to decode thumbnail", zap.String("id", rec.ID), zap.Error(err))
		return ""
	}
	url, err := imaging.DataURL(img)
	if err != nil {
		return ""
	}
	return url
}
