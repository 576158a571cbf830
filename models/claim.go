package models

import "time"

// ReverseSearchResult is one internet candidate. Score is nil when the
// candidate thumbnail could not be downloaded or embedded.
type ReverseSearchResult struct {
	Thumbnail string   `json:"thumbnail,omitempty"`
	DataURL   string   `json:"data_url,omitempty"`
	Source    string   `json:"source,omitempty"`
	Title     string   `json:"title,omitempty"`
	Link      string   `json:"link,omitempty"`
	Filename  string   `json:"filename,omitempty"`
	Score     *float64 `json:"score"`
}

type ReverseSearchResults struct {
	Results []ReverseSearchResult `json:"results"`
}

// ExifData carries the capture metadata found in an image, if any.
type ExifData struct {
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Timestamp *time.Time `json:"timestamp"`
}

// HasLocation reports whether both coordinates are present.
func (e ExifData) HasLocation() bool {
	return e.Latitude != nil && e.Longitude != nil
}

type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DetectedLabel is an object class found in an image.
type DetectedLabel struct {
	Name       string        `json:"name"`
	Confidence float64       `json:"confidence"`
	Instances  []BoundingBox `json:"instances,omitempty"`
}

// GeneratedImageVerdict is the generated-image classifier output.
type GeneratedImageVerdict struct {
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

const (
	PredictionFake = "FAKE"
	PredictionReal = "REAL"
)

// ClaimContext parameterizes one deduction run.
type ClaimContext struct {
	ImageKey            string  `json:"image_s3_key,omitempty"`
	Image               []byte  `json:"-"`
	Filename            string  `json:"filename"`
	ClaimReport         string  `json:"claim_report"`
	ClaimType           string  `json:"claim_type"`
	// SimilarityThreshold is nil when the caller did not choose one.
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
}

// ThresholdOr returns the claim's threshold, or def when none was set.
func (c ClaimContext) ThresholdOr(def float64) float64 {
	if c.SimilarityThreshold == nil {
		return def
	}
	return *c.SimilarityThreshold
}

const (
	VerdictNotFraudulent = "Not fraudulent"
	VerdictInconclusive  = "Inconclusive"
	VerdictFraudulent    = "Fraudulent"
	VerdictUnknown       = "Unknown"
)

type DeductionResult struct {
	Deduction string `json:"deduction"`
	Verdict   string `json:"verdict"`
}
