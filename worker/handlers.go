package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/pablobfonseca/go-claim-triage/library"
	"github.com/pablobfonseca/go-claim-triage/models"
	"github.com/pablobfonseca/go-claim-triage/queue"
	"github.com/pablobfonseca/go-claim-triage/storage"
)

type Deducer interface {
	Deduce(ctx context.Context, claim models.ClaimContext) (models.DeductionResult, error)
}

type Clearer interface {
	Clear(ctx context.Context) library.BatchResult
}

// ClaimTaskData encodes a claim for the queue. The image travels by its
// storage key.
func ClaimTaskData(claim models.ClaimContext) map[string]any {
	data := map[string]any{
		"image_s3_key": claim.ImageKey,
		"filename":     claim.Filename,
		"claim_report": claim.ClaimReport,
		"claim_type":   claim.ClaimType,
	}
	if claim.SimilarityThreshold != nil {
		data["similarity_threshold"] = *claim.SimilarityThreshold
	}
	return data
}

func claimFromTask(task *queue.TaskPayload) models.ClaimContext {
	str := func(k string) string {
		s, _ := task.Data[k].(string)
		return s
	}
	claim := models.ClaimContext{
		ImageKey:    str("image_s3_key"),
		Filename:    str("filename"),
		ClaimReport: str("claim_report"),
		ClaimType:   str("claim_type"),
	}
	if threshold, ok := task.Data["similarity_threshold"].(float64); ok {
		claim.SimilarityThreshold = &threshold
	}
	return claim
}

// DeductionHandler loads the claim image from objects and runs the
// deduction.
func DeductionHandler(objects storage.ObjectStore, deducer Deducer) Handler {
	return func(ctx context.Context, task *queue.TaskPayload) (map[string]any, error) {
		claim := claimFromTask(task)
		if claim.ClaimReport == "" && claim.ImageKey == "" {
			return nil, errors.New("task has neither claim report nor image")
		}
		if claim.ImageKey != "" {
			data, err := objects.Get(ctx, claim.ImageKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load claim image: %w", err)
			}
			claim.Image = data
		}
		res, err := deducer.Deduce(ctx, claim)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"deduction": res.Deduction,
			"verdict":   res.Verdict,
		}, nil
	}
}

// ClearLibraryHandler empties the image library.
func ClearLibraryHandler(lib Clearer) Handler {
	return func(ctx context.Context, _ *queue.TaskPayload) (map[string]any, error) {
		res := lib.Clear(ctx)
		out := map[string]any{
			"deleted": res.Deleted,
			"failed":  res.Failed,
		}
		if res.Err != nil {
			return nil, fmt.Errorf("cleared %d, failed %d: %w", res.Deleted, res.Failed, res.Err)
		}
		return out, nil
	}
}
