package library

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/metrics"
)

type compensation struct {
	step string
	undo func(ctx context.Context) error
}

// saga records the undo action of every completed step so a later failure
// can roll the earlier steps back in reverse order.
type saga struct {
	name          string
	log           *zap.Logger
	compensations []compensation
}

func newSaga(name string, log *zap.Logger) *saga {
	return &saga{name: name, log: log}
}

func (s *saga) completed(step string, undo func(ctx context.Context) error) {
	s.compensations = append(s.compensations, compensation{step: step, undo: undo})
}

// abort runs the registered compensations newest first and returns cause
// combined with any compensation failures. Compensations run even when ctx
// has been cancelled.
func (s *saga) abort(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	err := cause
	for i := len(s.compensations) - 1; i >= 0; i-- {
		c := s.compensations[i]
		undoErr := c.undo(ctx)
		metrics.SagaCompensationsTotal.WithLabelValues(s.name, metrics.Outcome(undoErr)).Inc()
		if undoErr != nil {
			s.log.Error("Compensation failed",
				zap.String("saga", s.name),
				zap.String("step", c.step),
				zap.Error(undoErr))
			err = multierr.Append(err, undoErr)
			continue
		}
		s.log.Info("Compensated step",
			zap.String("saga", s.name),
			zap.String("step", c.step))
	}
	s.compensations = nil
	return err
}
