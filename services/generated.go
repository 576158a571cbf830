package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	sagemakertypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/pablobfonseca/go-claim-triage/imaging"
	"github.com/pablobfonseca/go-claim-triage/logging"
	"github.com/pablobfonseca/go-claim-triage/models"
)

// ErrEndpointMissing is returned by Detect when the classifier endpoint is
// not deployed.
var ErrEndpointMissing = errors.New("generated image endpoint does not exist")

type EndpointDescriber interface {
	DescribeEndpoint(ctx context.Context, params *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error)
}

type EndpointInvoker interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

const classifierInputEdge = 32

var classifierLabels = []string{models.PredictionFake, models.PredictionReal}

// GeneratedImageDetector classifies photos as camera originals or generated
// images with a SageMaker hosted model.
type GeneratedImageDetector struct {
	describer EndpointDescriber
	invoker   EndpointInvoker
	endpoint  string
	log       *zap.Logger
}

func NewGeneratedImageDetector(describer EndpointDescriber, invoker EndpointInvoker, endpoint string, log *zap.Logger) *GeneratedImageDetector {
	return &GeneratedImageDetector{
		describer: describer,
		invoker:   invoker,
		endpoint:  endpoint,
		log:       logging.OrNop(log),
	}
}

// Available reports whether the endpoint is deployed and in service. A
// missing endpoint is (false, nil).
func (d *GeneratedImageDetector) Available(ctx context.Context) (bool, error) {
	if d == nil || d.endpoint == "" {
		return false, nil
	}
	out, err := d.describer.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(d.endpoint),
	})
	if err != nil {
		if isEndpointNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to describe endpoint %s: %w", d.endpoint, err)
	}
	if out.EndpointStatus != sagemakertypes.EndpointStatusInService {
		d.log.Info("Generated image endpoint not in service",
			zap.String("endpoint", d.endpoint),
			zap.String("status", string(out.EndpointStatus)))
		return false, nil
	}
	return true, nil
}

func isEndpointNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return strings.Contains(apiErr.ErrorMessage(), "Could not find endpoint")
	}
	return false
}

// Detect classifies img. It returns ErrEndpointMissing when the endpoint is
// not available.
func (d *GeneratedImageDetector) Detect(ctx context.Context, img image.Image) (models.GeneratedImageVerdict, error) {
	ok, err := d.Available(ctx)
	if err != nil {
		return models.GeneratedImageVerdict{}, err
	}
	if !ok {
		return models.GeneratedImageVerdict{}, ErrEndpointMissing
	}

	small := imaging.Resize(img, classifierInputEdge, classifierInputEdge, draw.CatmullRom)
	body, err := imaging.EncodeJPEG(small, 90)
	if err != nil {
		return models.GeneratedImageVerdict{}, err
	}

	out, err := d.invoker.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(d.endpoint),
		Body:         body,
		ContentType:  aws.String("application/x-image"),
	})
	if err != nil {
		return models.GeneratedImageVerdict{}, fmt.Errorf("failed to invoke endpoint %s: %w", d.endpoint, err)
	}
	verdict, err := ParseClassifierOutput(out.Body)
	if err != nil {
		return models.GeneratedImageVerdict{}, err
	}
	d.log.Info("Generated image classification",
		zap.String("prediction", verdict.Prediction),
		zap.Float64("confidence", verdict.Confidence))
	return verdict, nil
}

// ParseClassifierOutput reads the [fake, real] probability list the endpoint
// returns and picks the most likely label.
func ParseClassifierOutput(body []byte) (models.GeneratedImageVerdict, error) {
	var probs []float64
	if err := json.Unmarshal(body, &probs); err != nil {
		var nested [][]float64
		if err2 := json.Unmarshal(body, &nested); err2 != nil || len(nested) == 0 {
			return models.GeneratedImageVerdict{}, fmt.Errorf("failed to parse classifier output %q: %w", body, err)
		}
		probs = nested[0]
	}
	if len(probs) != len(classifierLabels) {
		return models.GeneratedImageVerdict{}, fmt.Errorf("classifier returned %d probabilities, expected %d", len(probs), len(classifierLabels))
	}
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return models.GeneratedImageVerdict{Prediction: classifierLabels[best], Confidence: probs[best]}, nil
}
