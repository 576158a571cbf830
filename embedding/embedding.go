// Package embedding turns decoded images into fixed-length vectors for
// similarity search.
package embedding

import (
	"context"
	"fmt"
	"image"
	"math"
)

// Extractor produces an embedding for an image. Implementations are
// deterministic for a fixed model and fixed pixels and are safe for
// concurrent use once constructed.
type Extractor interface {
	Extract(ctx context.Context, img image.Image) ([]float32, error)
	Dimension() int
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector has zero length.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func checkDimension(v []float32, want int) error {
	if len(v) != want {
		return fmt.Errorf("embedding has %d dimensions, expected %d", len(v), want)
	}
	return nil
}
