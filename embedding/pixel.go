package embedding

import (
	"context"
	"image"

	"golang.org/x/image/draw"

	"github.com/pablobfonseca/go-claim-triage/imaging"
)

const (
	pixelGrid      = 16
	PixelDimension = pixelGrid * pixelGrid * 3
)

// ImageNet channel statistics, the same normalisation vision transformers
// are trained with.
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// PixelExtractor is an offline extractor that needs no hosted model: the
// image is resized to a 16x16 grid and each channel normalised, giving a
// 768-dimensional channel-major vector.
type PixelExtractor struct{}

func NewPixelExtractor() *PixelExtractor { return &PixelExtractor{} }

func (p *PixelExtractor) Dimension() int { return PixelDimension }

func (p *PixelExtractor) Extract(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	small := imaging.Resize(imaging.ToRGBA(img), pixelGrid, pixelGrid, draw.ApproxBiLinear)

	vec := make([]float32, PixelDimension)
	plane := pixelGrid * pixelGrid
	for y := 0; y < pixelGrid; y++ {
		for x := 0; x < pixelGrid; x++ {
			off := small.PixOffset(x, y)
			i := y*pixelGrid + x
			for c := 0; c < 3; c++ {
				v := float32(small.Pix[off+c]) / 255
				vec[c*plane+i] = (v - imagenetMean[c]) / imagenetStd[c]
			}
		}
	}
	return vec, nil
}
