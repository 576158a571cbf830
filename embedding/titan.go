package embedding

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/pablobfonseca/go-claim-triage/imaging"
)

const (
	defaultTitanModel   = "amazon.titan-embed-image-v1"
	defaultTitanTimeout = 30 * time.Second
	// Titan rejects images with an edge above 2048 pixels.
	titanMaxEdge = 2048
)

// BedrockRuntimeClient defines an interface to allow for mocking in tests
type BedrockRuntimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type titanRequest struct {
	InputImage      string               `json:"inputImage"`
	EmbeddingConfig titanEmbeddingConfig `json:"embeddingConfig"`
}

type titanEmbeddingConfig struct {
	OutputEmbeddingLength int `json:"outputEmbeddingLength"`
}

type titanResponse struct {
	Embedding []float32 `json:"embedding"`
	Message   string    `json:"message,omitempty"`
}

// TitanExtractor embeds images with the Titan multimodal embeddings model.
type TitanExtractor struct {
	client    BedrockRuntimeClient
	modelID   string
	dimension int
	timeout   time.Duration
}

// NewTitanExtractor validates the output length against what the model supports.
func NewTitanExtractor(client BedrockRuntimeClient, modelID string, dimension int) (*TitanExtractor, error) {
	if client == nil {
		return nil, fmt.Errorf("bedrock client is required")
	}
	if modelID == "" {
		modelID = defaultTitanModel
	}
	switch dimension {
	case 256, 384, 1024:
	default:
		return nil, fmt.Errorf("titan image embeddings support 256, 384 or 1024 dimensions, got %d", dimension)
	}
	return &TitanExtractor{
		client:    client,
		modelID:   modelID,
		dimension: dimension,
		timeout:   defaultTitanTimeout,
	}, nil
}

func (t *TitanExtractor) Dimension() int { return t.dimension }

func (t *TitanExtractor) Extract(ctx context.Context, img image.Image) ([]float32, error) {
	data, err := imaging.EncodePNG(imaging.Fit(img, titanMaxEdge))
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(titanRequest{
		InputImage:      base64.StdEncoding.EncodeToString(data),
		EmbeddingConfig: titanEmbeddingConfig{OutputEmbeddingLength: t.dimension},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to format request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.client.InvokeModel(timeoutCtx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(t.modelID),
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke Bedrock model: %w", err)
	}

	var resp titanResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Message != "" && len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("titan returned no embedding: %s", resp.Message)
	}
	if err := checkDimension(resp.Embedding, t.dimension); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}
