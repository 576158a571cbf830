package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/logging"
)

type BedrockRuntimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

const (
	DefaultClaudeModel     = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	anthropicVersion       = "bedrock-2023-05-31"
	defaultClaudeMaxTokens = 4096
	defaultClaudeTimeout   = 120 * time.Second
)

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Temperature      float64            `json:"temperature"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// BedrockClaude calls an Anthropic model through Bedrock InvokeModel.
type BedrockClaude struct {
	client      BedrockRuntimeClient
	modelID     string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	log         *zap.Logger
}

func NewBedrockClaude(client BedrockRuntimeClient, modelID string, temperature float64, log *zap.Logger) *BedrockClaude {
	if modelID == "" {
		modelID = DefaultClaudeModel
	}
	return &BedrockClaude{
		client:      client,
		modelID:     modelID,
		temperature: temperature,
		maxTokens:   defaultClaudeMaxTokens,
		timeout:     defaultClaudeTimeout,
		log:         logging.OrNop(log),
	}
}

func (b *BedrockClaude) Generate(ctx context.Context, p Prompt) (string, error) {
	var content []anthropicContent
	if len(p.Image) > 0 {
		content = append(content, anthropicContent{
			Type: "image",
			Source: &anthropicSource{
				Type:      "base64",
				MediaType: "image/jpeg",
				Data:      base64.StdEncoding.EncodeToString(p.Image),
			},
		})
	}
	content = append(content, anthropicContent{Type: "text", Text: p.User})

	body, err := json.Marshal(anthropicRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        b.maxTokens,
		Temperature:      b.temperature,
		System:           p.System,
		Messages:         []anthropicMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to invoke model %s: %w", b.modelID, err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("model returned no text")
	}
	b.log.Debug("Model response received",
		zap.String("model", b.modelID),
		zap.String("stop_reason", resp.StopReason))
	return sb.String(), nil
}
