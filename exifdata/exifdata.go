// Package exifdata reads GPS position and GPS capture time from image EXIF
// metadata.
package exifdata

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/pablobfonseca/go-claim-triage/models"
)

// DecimalCoords converts a degrees, minutes, seconds triple to decimal
// degrees. References S and W yield negative values.
func DecimalCoords(dms [3]float64, ref string) float64 {
	d := dms[0] + dms[1]/60 + dms[2]/3600
	switch strings.ToUpper(strings.TrimSpace(ref)) {
	case "S", "W":
		return -d
	}
	return d
}

// Extract returns whatever GPS metadata data carries. Images without EXIF,
// or with incomplete GPS tags, yield an ExifData with nil fields and no
// error.
func Extract(data []byte) (models.ExifData, error) {
	if len(data) == 0 {
		return models.ExifData{}, errors.New("image data is empty")
	}
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		return models.ExifData{}, nil
	}

	var out models.ExifData
	if lat, lon, ok := location(x); ok {
		out.Latitude = &lat
		out.Longitude = &lon
	}
	if ts, ok := gpsTimestamp(x); ok {
		out.Timestamp = &ts
	}
	return out, nil
}

func location(x *exif.Exif) (lat, lon float64, ok bool) {
	latDMS, err := triple(x, exif.GPSLatitude)
	if err != nil {
		return 0, 0, false
	}
	lonDMS, err := triple(x, exif.GPSLongitude)
	if err != nil {
		return 0, 0, false
	}
	latRef, err := stringTag(x, exif.GPSLatitudeRef)
	if err != nil {
		return 0, 0, false
	}
	lonRef, err := stringTag(x, exif.GPSLongitudeRef)
	if err != nil {
		return 0, 0, false
	}
	return DecimalCoords(latDMS, latRef), DecimalCoords(lonDMS, lonRef), true
}

// gpsTimestamp combines GPSDateStamp (YYYY:MM:DD) and GPSTimeStamp
// (h, m, s rationals) into a UTC time.
func gpsTimestamp(x *exif.Exif) (time.Time, bool) {
	hms, err := triple(x, exif.GPSTimeStamp)
	if err != nil {
		return time.Time{}, false
	}
	date, err := stringTag(x, exif.GPSDateStamp)
	if err != nil {
		return time.Time{}, false
	}
	return ParseGPSTimestamp(date, hms)
}

// ParseGPSTimestamp builds a UTC time from a "YYYY:MM:DD" date and an
// hours, minutes, seconds triple. Fractional seconds are truncated.
func ParseGPSTimestamp(date string, hms [3]float64) (time.Time, bool) {
	parts := strings.Split(strings.TrimSpace(date), ":")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	var ymd [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, false
		}
		ymd[i] = n
	}
	if ymd[1] < 1 || ymd[1] > 12 || ymd[2] < 1 || ymd[2] > 31 {
		return time.Time{}, false
	}
	return time.Date(ymd[0], time.Month(ymd[1]), ymd[2],
		int(hms[0]), int(hms[1]), int(math.Floor(hms[2])), 0, time.UTC), true
}

func triple(x *exif.Exif, name exif.FieldName) ([3]float64, error) {
	var out [3]float64
	tag, err := x.Get(name)
	if err != nil {
		return out, err
	}
	if tag.Count < 3 {
		return out, fmt.Errorf("%s has %d values", name, tag.Count)
	}
	for i := range out {
		v, err := rational(tag, i)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func rational(tag *tiff.Tag, i int) (float64, error) {
	num, den, err := tag.Rat2(i)
	if err != nil {
		return 0, err
	}
	if den == 0 {
		return 0, fmt.Errorf("zero denominator")
	}
	return float64(num) / float64(den), nil
}

func stringTag(x *exif.Exif, name exif.FieldName) (string, error) {
	tag, err := x.Get(name)
	if err != nil {
		return "", err
	}
	s, err := tag.StringVal()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, "\x00 "), nil
}
