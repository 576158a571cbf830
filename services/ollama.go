package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/logging"
)

type OllamaEndpoint string

const GenerateEndpoint OllamaEndpoint = "generate"

type OllamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Images  []string       `json:"images,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type OllamaResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Ollama calls a local Ollama server's generate endpoint.
type Ollama struct {
	baseURL     string
	model       string
	temperature float64
	client      *http.Client
	log         *zap.Logger
}

// NewOllama builds a client for host. A bare host name gets the default
// Ollama port.
func NewOllama(host, model string, temperature float64, client *http.Client, log *zap.Logger) *Ollama {
	if host == "" {
		host = "localhost"
	}
	if model == "" {
		model = "gemma3"
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Ollama{
		baseURL:     ollamaBaseURL(host),
		model:       model,
		temperature: temperature,
		client:      client,
		log:         logging.OrNop(log),
	}
}

func ollamaBaseURL(host string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimRight(host, "/")
	}
	return fmt.Sprintf("http://%s:11434", host)
}

func (o *Ollama) url(path OllamaEndpoint) string {
	return fmt.Sprintf("%s/api/%s", o.baseURL, path)
}

func (o *Ollama) Generate(ctx context.Context, p Prompt) (string, error) {
	req := OllamaRequest{
		Model:   o.model,
		Prompt:  p.User,
		System:  p.System,
		Stream:  false,
		Options: map[string]any{"temperature": o.temperature},
	}
	if len(p.Image) > 0 {
		req.Images = []string{base64.StdEncoding.EncodeToString(p.Image)}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	endpoint := o.url(GenerateEndpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to call Ollama at %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	var result OllamaResponse
	if resp.StatusCode != http.StatusOK {
		detail := strings.TrimSpace(string(raw))
		if err := json.Unmarshal(raw, &result); err == nil && result.Error != "" {
			detail = result.Error
		}
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, detail)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Response == "" {
		return "", fmt.Errorf("no response field in API result")
	}
	o.log.Debug("Ollama response received", zap.String("model", o.model))
	return result.Response, nil
}
