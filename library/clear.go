package library

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pablobfonseca/go-claim-triage/metrics"
)

// DeleteOutcome is the result of deleting one catalog entry during Clear.
type DeleteOutcome struct {
	ID  string `json:"id"`
	Err error  `json:"-"`
}

// BatchResult aggregates the outcomes of a Clear.
type BatchResult struct {
	Outcomes []DeleteOutcome `json:"outcomes"`
	Deleted  int             `json:"deleted"`
	Failed   int             `json:"failed"`
	// Err combines every per-item failure, or the listing failure.
	Err error `json:"-"`
}

// Clear deletes every catalog entry with bounded parallelism. A failing
// entry does not stop the others.
func (l *Library) Clear(ctx context.Context) BatchResult {
	recs, err := l.records.List(ctx)
	if err != nil {
		return BatchResult{Err: fmt.Errorf("failed to list catalog: %w", err)}
	}

	limit := l.concurrency
	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	outcomes := make([]DeleteOutcome, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, rec := range recs {
		g.Go(func() error {
			outcomes[i] = DeleteOutcome{ID: rec.ID, Err: l.Delete(gctx, rec.ID)}
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Err != nil {
			res.Failed++
			res.Err = multierr.Append(res.Err, fmt.Errorf("%s: %w", o.ID, o.Err))
			continue
		}
		res.Deleted++
	}
	metrics.LibraryOperationsTotal.WithLabelValues("clear", metrics.Outcome(res.Err)).Inc()
	l.log.Info("Cleared library",
		zap.Int("deleted", res.Deleted),
		zap.Int("failed", res.Failed))
	return res
}
