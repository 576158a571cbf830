package imaging

import (
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestDecodeRoundTripPNG(t *testing.T) {
	data, err := EncodePNG(solid(10, 6, color.RGBA{200, 10, 10, 255}))
	require.NoError(t, err)

	img, format, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, 6, img.Bounds().Dy())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := Decode([]byte("not an image"))
	assert.Error(t, err)

	_, _, err = Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestThumbnailCapsLongEdge(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"landscape", 1024, 512, 256, 128},
		{"portrait", 300, 600, 128, 256},
		{"already small", 100, 80, 100, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thumb := Thumbnail(solid(tt.w, tt.h, color.White))
			assert.Equal(t, tt.wantW, thumb.Bounds().Dx())
			assert.Equal(t, tt.wantH, thumb.Bounds().Dy())
		})
	}
}

func TestDataURL(t *testing.T) {
	url, err := DataURL(solid(800, 600, color.Black))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "0.00 B", FormatFileSize(0))
	assert.Equal(t, "512.00 B", FormatFileSize(512))
	assert.Equal(t, "1.00 KB", FormatFileSize(1024))
	assert.Equal(t, "1.50 MB", FormatFileSize(1536*1024))
	assert.Equal(t, "2.00 TB", FormatFileSize(2<<40))
}
