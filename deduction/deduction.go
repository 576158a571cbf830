// Package deduction gathers every signal about a claim photo and asks a
// language model for a fraud narrative and verdict.
package deduction

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/exifdata"
	"github.com/pablobfonseca/go-claim-triage/imaging"
	"github.com/pablobfonseca/go-claim-triage/logging"
	"github.com/pablobfonseca/go-claim-triage/metrics"
	"github.com/pablobfonseca/go-claim-triage/models"
	"github.com/pablobfonseca/go-claim-triage/services"
)

type LibrarySearcher interface {
	Search(ctx context.Context, img image.Image) ([]models.CatalogMatch, error)
}

type ReverseSearcher interface {
	Search(ctx context.Context, img image.Image, filename string) (models.ReverseSearchResults, error)
}

type AddressResolver interface {
	Address(ctx context.Context, lat, lon float64) (string, error)
}

type GeneratedImageDetector interface {
	Available(ctx context.Context) (bool, error)
	Detect(ctx context.Context, img image.Image) (models.GeneratedImageVerdict, error)
}

const (
	DefaultThreshold           = 0.85
	DefaultGeneratedConfidence = 0.98
)

// Deps wires the composer. Only LLM is required; a nil collaborator skips
// the signal it would provide.
type Deps struct {
	LLM       services.LanguageModel
	Library   LibrarySearcher
	Reverse   ReverseSearcher
	Geocoder  AddressResolver
	Generated GeneratedImageDetector
	Logger    *zap.Logger

	GeneratedConfidence float64
	Now                 func() time.Time
}

type Composer struct {
	llm                 services.LanguageModel
	library             LibrarySearcher
	reverse             ReverseSearcher
	geocoder            AddressResolver
	generated           GeneratedImageDetector
	log                 *zap.Logger
	generatedConfidence float64
	now                 func() time.Time
}

func NewComposer(d Deps) *Composer {
	if d.GeneratedConfidence <= 0 {
		d.GeneratedConfidence = DefaultGeneratedConfidence
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Composer{
		llm:                 d.LLM,
		library:             d.Library,
		reverse:             d.Reverse,
		geocoder:            d.Geocoder,
		generated:           d.Generated,
		log:                 logging.OrNop(d.Logger),
		generatedConfidence: d.GeneratedConfidence,
		now:                 d.Now,
	}
}

// Deduce composes the prompt for claim and returns the model's narrative
// with the verdict parsed from it. Failures of the language model, the
// reverse search provider or the library index are returned; missing
// metadata, geocoding and generated-image failures only drop their signal.
func (c *Composer) Deduce(ctx context.Context, claim models.ClaimContext) (models.DeductionResult, error) {
	system, err := c.SystemPrompt(ctx, claim)
	if err != nil {
		return models.DeductionResult{}, err
	}
	narrative, err := c.llm.Generate(ctx, services.Prompt{System: system, User: userInstruction})
	if err != nil {
		return models.DeductionResult{}, fmt.Errorf("failed to generate deduction: %w", err)
	}
	verdict := ParseVerdict(narrative)
	metrics.DeductionsTotal.WithLabelValues(verdict).Inc()
	c.log.Info("Deduction complete",
		zap.String("claim_type", claim.ClaimType),
		zap.String("verdict", verdict))
	return models.DeductionResult{Deduction: narrative, Verdict: verdict}, nil
}

// SystemPrompt renders the instructions and findings sent to the model.
func (c *Composer) SystemPrompt(ctx context.Context, claim models.ClaimContext) (string, error) {
	threshold := claim.ThresholdOr(DefaultThreshold)
	s := signals{
		Now:         c.now(),
		ClaimType:   claim.ClaimType,
		ClaimReport: claim.ClaimReport,
	}

	if len(claim.Image) > 0 {
		img, _, err := imaging.Decode(claim.Image)
		if err != nil {
			return "", fmt.Errorf("failed to decode claim image: %w", err)
		}
		c.metadataSignals(ctx, claim.Image, &s)
		c.generatedSignal(ctx, img, &s)

		description, err := services.DescribeImage(ctx, c.llm, img)
		if err != nil {
			return "", err
		}
		s.ImageDescription = descriptionText(description)

		if c.reverse != nil && claim.Filename != "" {
			res, err := c.reverse.Search(ctx, img, claim.Filename)
			if err != nil {
				return "", fmt.Errorf("failed reverse image search: %w", err)
			}
			s.InternetMatches = internetMatchesText(models.ReverseMatchesAbove(res.Results, threshold), threshold)
		}

		if c.library != nil {
			matches, err := c.library.Search(ctx, img)
			if err != nil {
				return "", fmt.Errorf("failed library search: %w", err)
			}
			s.LibraryMatches = libraryMatchesText(len(models.CatalogMatchesAbove(matches, threshold)))
		}
	}

	return renderSystem(s)
}

func (c *Composer) metadataSignals(ctx context.Context, data []byte, s *signals) {
	meta, err := exifdata.Extract(data)
	if err != nil {
		c.log.Warn("Failed to read image metadata", zap.Error(err))
		return
	}
	if meta.HasLocation() {
		lat, lon := *meta.Latitude, *meta.Longitude
		address := ""
		if c.geocoder != nil {
			address, err = c.geocoder.Address(ctx, lat, lon)
			if err != nil {
				c.log.Warn("Failed to resolve image location", zap.Error(err))
				address = ""
			}
		}
		s.Location = locationText(address, lat, lon)
	}
	if meta.Timestamp != nil {
		s.Timestamp = timestampText(*meta.Timestamp)
	}
}

func (c *Composer) generatedSignal(ctx context.Context, img image.Image, s *signals) {
	if c.generated == nil {
		return
	}
	ok, err := c.generated.Available(ctx)
	if err != nil {
		c.log.Warn("Failed to probe generated image endpoint", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	verdict, err := c.generated.Detect(ctx, img)
	if err != nil {
		if !errors.Is(err, services.ErrEndpointMissing) {
			c.log.Warn("Generated image detection failed", zap.Error(err))
		}
		return
	}
	if verdict.Prediction == models.PredictionFake && verdict.Confidence >= c.generatedConfidence {
		s.GeneratedImage = generatedImageText(verdict)
	}
}

var verdictKeywords = []string{"deduction", "verdict", "conclusion", "determination"}

// ParseVerdict finds the verdict in a deduction narrative. Lines naming the
// deduction or verdict take precedence over the rest of the text.
func ParseVerdict(narrative string) string {
	lines := strings.Split(narrative, "\n")
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, kw := range verdictKeywords {
			if strings.Contains(lower, kw) {
				if v := verdictIn(lower); v != "" {
					return v
				}
				break
			}
		}
	}
	for _, line := range lines {
		if v := verdictIn(strings.ToLower(line)); v != "" {
			return v
		}
	}
	return models.VerdictUnknown
}

func verdictIn(lower string) string {
	switch {
	case strings.Contains(lower, "not fraudulent"):
		return models.VerdictNotFraudulent
	case strings.Contains(lower, "inconclusive"):
		return models.VerdictInconclusive
	case strings.Contains(lower, "fraudulent"):
		return models.VerdictFraudulent
	}
	return ""
}
