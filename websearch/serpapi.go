package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/logging"
)

// ErrProvider marks failures of the reverse image search provider.
var ErrProvider = errors.New("reverse image search provider failed")

// VisualMatch is one candidate returned by the provider, in provider order.
type VisualMatch struct {
	Thumbnail string `json:"thumbnail"`
	Source    string `json:"source"`
	Title     string `json:"title"`
	Link      string `json:"link"`
}

// Provider finds web pages showing images similar to the one at imageURL.
type Provider interface {
	VisualMatches(ctx context.Context, imageURL string) ([]VisualMatch, error)
}

const DefaultSerpAPIURL = "https://serpapi.com/search"

// SerpAPI queries the Google Lens engine of SerpAPI.
type SerpAPI struct {
	apiKey     string
	endpoint   string
	client     *http.Client
	maxRetries uint64
	log        *zap.Logger
}

func NewSerpAPI(apiKey, endpoint string, client *http.Client, log *zap.Logger) *SerpAPI {
	if endpoint == "" {
		endpoint = DefaultSerpAPIURL
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &SerpAPI{
		apiKey:     apiKey,
		endpoint:   endpoint,
		client:     client,
		maxRetries: 3,
		log:        logging.OrNop(log),
	}
}

type lensResponse struct {
	Error         string        `json:"error"`
	VisualMatches []VisualMatch `json:"visual_matches"`
}

func (s *SerpAPI) VisualMatches(ctx context.Context, imageURL string) ([]VisualMatch, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("%w: SERP_API_KEY is not set", ErrProvider)
	}

	params := url.Values{}
	params.Set("api_key", s.apiKey)
	params.Set("engine", "google_lens")
	params.Set("url", imageURL)
	params.Set("hl", "en")
	reqURL := s.endpoint + "?" + params.Encode()

	var out lensResponse
	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			s.log.Warn("Reverse image search request failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			s.log.Warn("Reverse image search provider unavailable",
				zap.Int("attempt", attempt),
				zap.Int("status", resp.StatusCode))
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)))
		}
		out = lensResponse{}
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to parse response: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if out.Error != "" && len(out.VisualMatches) == 0 {
		s.log.Info("Reverse image search returned no matches", zap.String("reason", out.Error))
	}
	return out.VisualMatches, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
