package api

import (
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/pablobfonseca/go-claim-triage/imaging"
)

const (
	maxUploadSize = 32 << 20
	// room for the other form fields and multipart framing
	maxBodySize = maxUploadSize + 1<<20
)

// imageInput is a claim photo supplied either as the multipart "image" file
// or as an "image_s3_key" referencing the storage bucket.
type imageInput struct {
	Data     []byte
	Filename string
	Key      string
}

func (s *Server) readImage(r *http.Request, required bool) (*imageInput, error) {
	if r.MultipartForm == nil && r.Body != nil {
		r.Body = http.MaxBytesReader(nil, r.Body, maxBodySize)
	}
	if err := r.ParseMultipartForm(maxUploadSize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: limit is %d bytes", errTooLarge, tooLarge.Limit)
		}
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	in := &imageInput{Filename: r.FormValue("filename")}
	file, header, err := r.FormFile("image")
	switch {
	case err == nil:
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read upload: %v", errBadRequest, err)
		}
		in.Data = data
		if in.Filename == "" {
			in.Filename = header.Filename
		}
	case r.FormValue("image_s3_key") != "":
		if s.objects == nil {
			return nil, errUnavailable
		}
		in.Key = r.FormValue("image_s3_key")
		data, err := s.objects.Get(r.Context(), in.Key)
		if err != nil {
			return nil, err
		}
		in.Data = data
		if in.Filename == "" {
			in.Filename = path.Base(in.Key)
		}
	case required:
		return nil, fmt.Errorf("%w: an image file or image_s3_key is required", errBadRequest)
	default:
		return nil, nil
	}
	return in, nil
}

func (s *Server) readDecodedImage(r *http.Request) (*imageInput, image.Image, error) {
	in, err := s.readImage(r, true)
	if err != nil {
		return nil, nil, err
	}
	img, _, err := imaging.Decode(in.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return in, img, nil
}

// threshold reads similarity_threshold from the query or form, falling back
// to the configured default.
func (s *Server) threshold(r *http.Request) (float64, error) {
	raw := strings.TrimSpace(r.FormValue("similarity_threshold"))
	if raw == "" {
		return s.defaultThreshold, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: similarity_threshold must be a number in [0,1]", errBadRequest)
	}
	return v, nil
}

func coordinate(r *http.Request, name string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(r.URL.Query().Get(name)), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s must be a number", errBadRequest, name)
	}
	return v, nil
}
