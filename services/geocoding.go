package services

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/location"
)

// ErrNoPlace is returned when the place index has no result for a query.
var ErrNoPlace = errors.New("no place found")

type LocationClient interface {
	SearchPlaceIndexForPosition(ctx context.Context, params *location.SearchPlaceIndexForPositionInput, optFns ...func(*location.Options)) (*location.SearchPlaceIndexForPositionOutput, error)
	SearchPlaceIndexForText(ctx context.Context, params *location.SearchPlaceIndexForTextInput, optFns ...func(*location.Options)) (*location.SearchPlaceIndexForTextOutput, error)
}

// Geocoder resolves addresses and coordinates against a place index.
type Geocoder struct {
	client LocationClient
	index  string
}

func NewGeocoder(client LocationClient, placeIndex string) *Geocoder {
	return &Geocoder{client: client, index: placeIndex}
}

// Address returns the label of the place nearest to lat, lon. Out of range
// coordinates are clamped.
func (g *Geocoder) Address(ctx context.Context, lat, lon float64) (string, error) {
	lat = math.Max(math.Min(lat, 90), -90)
	lon = math.Max(math.Min(lon, 180), -180)

	out, err := g.client.SearchPlaceIndexForPosition(ctx, &location.SearchPlaceIndexForPositionInput{
		IndexName: aws.String(g.index),
		Position:  []float64{lon, lat},
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up address: %w", err)
	}
	if len(out.Results) == 0 || out.Results[0].Place == nil {
		return "", fmt.Errorf("%w at %f,%f", ErrNoPlace, lat, lon)
	}
	return aws.ToString(out.Results[0].Place.Label), nil
}

// Coordinates geocodes address to latitude and longitude.
func (g *Geocoder) Coordinates(ctx context.Context, address string) (lat, lon float64, err error) {
	out, err := g.client.SearchPlaceIndexForText(ctx, &location.SearchPlaceIndexForTextInput{
		IndexName: aws.String(g.index),
		Text:      aws.String(address),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to geocode address: %w", err)
	}
	if len(out.Results) == 0 || out.Results[0].Place == nil || out.Results[0].Place.Geometry == nil ||
		len(out.Results[0].Place.Geometry.Point) < 2 {
		return 0, 0, fmt.Errorf("%w for %q", ErrNoPlace, address)
	}
	pt := out.Results[0].Place.Geometry.Point
	return pt[1], pt[0], nil
}
