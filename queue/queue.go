// Package queue is a Redis list backed task queue with per-task status and
// result keys.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/config"
	"github.com/pablobfonseca/go-claim-triage/logging"
)

const (
	ClaimProcessingQueue = "claim_processing"

	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusUnknown    = "unknown"

	taskTTL = 24 * time.Hour
)

type TaskPayload struct {
	TaskID   string         `json:"task_id"`
	TaskType string         `json:"task_type"`
	Data     map[string]any `json:"data"`
	Created  time.Time      `json:"created"`
}

type Queue struct {
	client *redis.Client
	log    *zap.Logger
}

// NewClient connects to Redis. A failed ping is logged, not fatal, so the
// API can still serve synchronous routes.
func NewClient(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) *redis.Client {
	log = logging.OrNop(log)
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("Redis connection failed, queue functionality will be unavailable", zap.String("addr", cfg.Addr), zap.Error(err))
	} else {
		log.Info("Redis connected successfully", zap.String("addr", cfg.Addr))
	}
	return client
}

func New(client *redis.Client, log *zap.Logger) *Queue {
	return &Queue{client: client, log: logging.OrNop(log)}
}

func statusKey(taskID string) string { return fmt.Sprintf("task:%s:status", taskID) }
func resultKey(taskID string) string { return fmt.Sprintf("task:%s:result", taskID) }

// Enqueue adds a task to queueName and marks it queued.
func (q *Queue) Enqueue(ctx context.Context, queueName, taskType string, data map[string]any) (string, error) {
	task := TaskPayload{
		TaskID:   uuid.NewString(),
		TaskType: taskType,
		Data:     data,
		Created:  time.Now().UTC(),
	}
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return "", err
	}

	if err := q.SetTaskStatus(ctx, task.TaskID, StatusQueued); err != nil {
		return "", err
	}
	if err := q.client.RPush(ctx, queueName, taskJSON).Err(); err != nil {
		if delErr := q.client.Del(context.WithoutCancel(ctx), statusKey(task.TaskID)).Err(); delErr != nil {
			q.log.Warn("Failed to drop status of unqueued task", zap.String("task_id", task.TaskID), zap.Error(delErr))
		}
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	q.log.Debug("Task enqueued", zap.String("task_id", task.TaskID), zap.String("task_type", taskType))
	return task.TaskID, nil
}

// Dequeue blocks up to timeout for a task. It returns nil, nil when the
// queue stayed empty.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*TaskPayload, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// queue name at index 0, payload at index 1
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid result format from redis")
	}

	var task TaskPayload
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (q *Queue) GetTaskStatus(ctx context.Context, taskID string) (string, error) {
	status, err := q.client.Get(ctx, statusKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StatusUnknown, nil
		}
		return "", err
	}
	return status, nil
}

func (q *Queue) SetTaskStatus(ctx context.Context, taskID, status string) error {
	return q.client.Set(ctx, statusKey(taskID), status, taskTTL).Err()
}

func (q *Queue) StoreTaskResult(ctx context.Context, taskID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, resultKey(taskID), resultJSON, taskTTL).Err()
}

// GetTaskResult returns nil, nil when no result has been stored.
func (q *Queue) GetTaskResult(ctx context.Context, taskID string) (map[string]any, error) {
	resultJSON, err := q.client.Get(ctx, resultKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, err
	}
	return result, nil
}
