// Package services wraps the hosted models the claim deduction relies on:
// the language model, the generated-image classifier, object detection and
// geocoding.
package services

import (
	"context"
	"fmt"
	"image"

	"github.com/pablobfonseca/go-claim-triage/imaging"
)

// Prompt is one system plus user turn, optionally carrying a JPEG image.
type Prompt struct {
	System string
	User   string
	Image  []byte
}

// LanguageModel turns a prompt into free text. Transport errors are returned
// to the caller unchanged apart from wrapping.
type LanguageModel interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

const describeInstruction = "You are inspecting photos submitted for insurance claims. Describe the image in detail. " +
	"Focus on objects, environment and the state of objects in the image. " +
	"Provide intelligent guesses on how the objects in the image got to the state they are in. " +
	"Do not mention anything about speculating or privacy, only provide a professional description."

const describeEdge = 1024

// DescribeImage asks llm for a professional description of a claim photo.
func DescribeImage(ctx context.Context, llm LanguageModel, img image.Image) (string, error) {
	data, err := imaging.EncodeJPEG(imaging.Fit(img, describeEdge), 90)
	if err != nil {
		return "", err
	}
	text, err := llm.Generate(ctx, Prompt{User: describeInstruction, Image: data})
	if err != nil {
		return "", fmt.Errorf("failed to describe image: %w", err)
	}
	return text, nil
}
