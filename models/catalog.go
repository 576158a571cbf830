package models

import "time"

// CatalogImage is the metadata record of an image in the library. Records
// are created and deleted, never updated.
type CatalogImage struct {
	ID               string    `gorm:"primaryKey" json:"id"`
	ImageKey         string    `json:"image_s3_key"`
	ThumbnailKey     string    `json:"thumbnail_s3_key"`
	Filename         string    `gorm:"index" json:"filename"`
	CreatedTimestamp time.Time `json:"created_timestamp"`
	Size             int64     `json:"size"`
}

func (CatalogImage) TableName() string { return "catalog_images" }

// CatalogMatch is a library image together with its similarity to a query.
type CatalogMatch struct {
	CatalogImage
	Score float64 `json:"score"`
}

// LibraryRow is the display form of a catalog entry.
type LibraryRow struct {
	ID         string  `json:"id"`
	Filename   string  `json:"filename"`
	FileSize   string  `json:"filesize"`
	Thumbnail  string  `json:"thumbnail,omitempty"`
	Similarity float64 `json:"similarity"`
}
