// Package worker runs background tasks pulled from the Redis queue.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/logging"
	"github.com/pablobfonseca/go-claim-triage/metrics"
	"github.com/pablobfonseca/go-claim-triage/queue"
)

// Task types
const (
	TaskTypeDeduction    = "deduction"
	TaskTypeClearLibrary = "clear_library"
)

// Handler processes one task and returns the result stored for it.
type Handler func(ctx context.Context, task *queue.TaskPayload) (map[string]any, error)

// Worker is a pool of goroutines processing tasks from one queue.
type Worker struct {
	queue       *queue.Queue
	queueName   string
	numWorkers  int
	handlers    map[string]Handler
	pollTimeout time.Duration
	log         *zap.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(q *queue.Queue, queueName string, numWorkers int, log *zap.Logger) *Worker {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Worker{
		queue:       q,
		queueName:   queueName,
		numWorkers:  numWorkers,
		handlers:    make(map[string]Handler),
		pollTimeout: 5 * time.Second,
		log:         logging.OrNop(log),
		stopChan:    make(chan struct{}),
	}
}

// Handle registers h for taskType. Call before Start.
func (w *Worker) Handle(taskType string, h Handler) {
	w.handlers[taskType] = h
}

// Start launches the pool. Workers exit when ctx is cancelled or Stop is
// called.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting workers", zap.Int("workers", w.numWorkers), zap.String("queue", w.queueName))

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-w.stopChan
		cancel()
	}()

	for i := range w.numWorkers {
		w.wg.Add(1)
		go w.processItems(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight tasks to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.log.Info("All workers stopped")
}

func (w *Worker) processItems(ctx context.Context, workerID int) {
	defer w.wg.Done()
	log := w.log.With(zap.Int("worker", workerID))
	log.Debug("Worker started")
	defer log.Debug("Worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.Dequeue(ctx, w.queueName, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Error dequeueing task", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if task == nil {
			continue
		}
		// in-flight tasks finish even after shutdown is requested
		w.Process(context.WithoutCancel(ctx), task)
	}
}

// Process runs the handler for task and records its final status and
// result.
func (w *Worker) Process(ctx context.Context, task *queue.TaskPayload) {
	log := w.log.With(zap.String("task_id", task.TaskID), zap.String("task_type", task.TaskType))
	log.Info("Processing task")

	if err := w.queue.SetTaskStatus(ctx, task.TaskID, queue.StatusProcessing); err != nil {
		log.Error("Error updating task status", zap.Error(err))
	}

	var (
		result map[string]any
		err    error
	)
	if h, ok := w.handlers[task.TaskType]; ok {
		result, err = h(ctx, task)
	} else {
		err = fmt.Errorf("unknown task type %q", task.TaskType)
	}

	status := queue.StatusCompleted
	if err != nil {
		log.Error("Error processing task", zap.Error(err))
		status = queue.StatusFailed
		result = map[string]any{"error": err.Error()}
	}
	metrics.TasksTotal.WithLabelValues(task.TaskType, status).Inc()

	if err := w.queue.SetTaskStatus(ctx, task.TaskID, status); err != nil {
		log.Error("Error updating task status", zap.Error(err))
	}
	if err := w.queue.StoreTaskResult(ctx, task.TaskID, result); err != nil {
		log.Error("Error storing task result", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
