package services

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rektypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/pablobfonseca/go-claim-triage/models"
)

type RekognitionClient interface {
	DetectLabels(ctx context.Context, params *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
}

const DefaultLabelConfidence = 80

// LabelDetector finds objects in claim photos with Rekognition.
type LabelDetector struct {
	client        RekognitionClient
	minConfidence float64
}

func NewLabelDetector(client RekognitionClient, minConfidence float64) *LabelDetector {
	if minConfidence <= 0 {
		minConfidence = DefaultLabelConfidence
	}
	return &LabelDetector{client: client, minConfidence: minConfidence}
}

// Detect returns labels at or above the detector's confidence, in the order
// Rekognition reports them. image must be JPEG or PNG bytes.
func (d *LabelDetector) Detect(ctx context.Context, image []byte) ([]models.DetectedLabel, error) {
	out, err := d.client.DetectLabels(ctx, &rekognition.DetectLabelsInput{
		Image:    &rektypes.Image{Bytes: image},
		Features: []rektypes.DetectLabelsFeatureName{rektypes.DetectLabelsFeatureNameGeneralLabels},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to detect labels: %w", err)
	}

	labels := make([]models.DetectedLabel, 0, len(out.Labels))
	for _, l := range out.Labels {
		confidence := float64(aws.ToFloat32(l.Confidence))
		if confidence < d.minConfidence {
			continue
		}
		label := models.DetectedLabel{Name: aws.ToString(l.Name), Confidence: confidence}
		for _, inst := range l.Instances {
			if inst.BoundingBox == nil {
				continue
			}
			b := inst.BoundingBox
			label.Instances = append(label.Instances, models.BoundingBox{
				Left:   float64(aws.ToFloat32(b.Left)),
				Top:    float64(aws.ToFloat32(b.Top)),
				Width:  float64(aws.ToFloat32(b.Width)),
				Height: float64(aws.ToFloat32(b.Height)),
			})
		}
		labels = append(labels, label)
	}
	return labels, nil
}
