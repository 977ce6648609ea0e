// Package jobs queues exploit work for the worker pool through Redis.
// A job carries a target and service fingerprint; the worker that pops it
// runs the full attempt sequence against that target.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

const (
	queuePending    = "salvo:queue:pending"
	queueProcessing = "salvo:queue:processing"
	queueFailed     = "salvo:queue:failed"
	jobPrefix       = "salvo:job:"
	workerPrefix    = "salvo:worker:"

	jobTTL = 24 * time.Hour
)

type redisQueue struct {
	client *redis.Client
	cfg    config.RedisConfig
}

func NewRedisQueue(cfg config.RedisConfig) (core.JobQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &redisQueue{
		client: client,
		cfg:    cfg,
	}, nil
}

// Push enqueues a job. Jobs without an explicit priority run in arrival
// order; an unconfirmed job may sit in the queue but a worker will refuse
// to launch it.
func (q *redisQueue) Push(ctx context.Context, job *types.ExploitJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Target.Address == "" {
		return fmt.Errorf("job %s has no target address", job.ID)
	}

	job.Status = "pending"
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.Pipeline()

	pipe.Set(ctx, jobPrefix+job.ID, data, jobTTL)

	score := float64(job.Priority)
	if job.Priority == 0 {
		score = float64(time.Now().Unix())
	}
	pipe.ZAdd(ctx, queuePending, redis.Z{
		Score:  score,
		Member: job.ID,
	})

	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisQueue) Pop(ctx context.Context, workerID string) (*types.ExploitJob, error) {
	result := q.client.ZPopMin(ctx, queuePending, 1)
	if err := result.Err(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	members := result.Val()
	if len(members) == 0 {
		return nil, nil
	}

	jobID := members[0].Member.(string)

	jobData, err := q.client.Get(ctx, jobPrefix+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job data: %w", err)
	}

	var job types.ExploitJob
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	job.Status = "processing"
	job.UpdatedAt = time.Now()

	updatedData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal updated job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobPrefix+jobID, updatedData, jobTTL)
	pipe.HSet(ctx, queueProcessing, jobID, workerID)
	pipe.Set(ctx, workerPrefix+workerID+":current", jobID, 1*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		// Put the job back so it is not lost to a half-applied pop.
		q.client.ZAdd(ctx, queuePending, redis.Z{
			Score:  float64(job.Priority),
			Member: jobID,
		})
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}

	return &job, nil
}

func (q *redisQueue) Complete(ctx context.Context, jobID string) error {
	jobData, err := q.client.Get(ctx, jobPrefix+jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job types.ExploitJob
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}

	job.Status = "completed"
	job.UpdatedAt = time.Now()

	updatedData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal updated job: %w", err)
	}

	workerID, _ := q.client.HGet(ctx, queueProcessing, jobID).Result()

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobPrefix+jobID, updatedData, jobTTL)
	pipe.HDel(ctx, queueProcessing, jobID)
	if workerID != "" {
		pipe.Del(ctx, workerPrefix+workerID+":current")
	}

	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisQueue) Fail(ctx context.Context, jobID string, reason string) error {
	jobData, err := q.client.Get(ctx, jobPrefix+jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job types.ExploitJob
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}

	job.Status = "failed"
	job.LastError = reason
	job.UpdatedAt = time.Now()

	updatedData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal updated job: %w", err)
	}

	workerID, _ := q.client.HGet(ctx, queueProcessing, jobID).Result()

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobPrefix+jobID, updatedData, jobTTL)
	pipe.HDel(ctx, queueProcessing, jobID)
	pipe.ZAdd(ctx, queueFailed, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: jobID,
	})
	if workerID != "" {
		pipe.Del(ctx, workerPrefix+workerID+":current")
	}

	_, err = pipe.Exec(ctx)
	return err
}

// Retry moves a failed job back onto the pending queue. Retried jobs lose
// priority so fresh work runs first.
func (q *redisQueue) Retry(ctx context.Context, jobID string) error {
	jobData, err := q.client.Get(ctx, jobPrefix+jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job types.ExploitJob
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}

	job.Status = "pending"
	job.Retries++
	job.LastError = ""
	job.UpdatedAt = time.Now()

	updatedData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal updated job: %w", err)
	}

	score := float64(time.Now().Unix() + int64(job.Retries)*60)
	if job.Priority != 0 {
		score = float64(job.Priority + job.Retries)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobPrefix+jobID, updatedData, jobTTL)
	pipe.ZRem(ctx, queueFailed, jobID)
	pipe.ZAdd(ctx, queuePending, redis.Z{
		Score:  score,
		Member: jobID,
	})

	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisQueue) GetStatus(ctx context.Context, jobID string) (*types.ExploitJob, error) {
	jobData, err := q.client.Get(ctx, jobPrefix+jobID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("job not found")
		}
		return nil, fmt.Errorf("failed to get job data: %w", err)
	}

	var job types.ExploitJob
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *redisQueue) GetPending(ctx context.Context) ([]*types.ExploitJob, error) {
	jobIDs, err := q.client.ZRange(ctx, queuePending, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending jobs: %w", err)
	}

	jobs := make([]*types.ExploitJob, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		job, err := q.GetStatus(ctx, jobID)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (q *redisQueue) Processing(ctx context.Context) (map[string]string, error) {
	claims, err := q.client.HGetAll(ctx, queueProcessing).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get processing claims: %w", err)
	}
	return claims, nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}
