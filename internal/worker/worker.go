package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// jobTimeout is a backstop against a hung session. Per-attempt timeouts
// inside the runner fire long before this does on a healthy framework.
const jobTimeout = 2 * time.Hour

type worker struct {
	id        string
	hostname  string
	queue     core.JobQueue
	runner    SessionRunner
	telemetry core.Telemetry
	cfg       config.WorkerConfig
	logger    *logger.Logger

	status   types.WorkerStatus
	statusMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(
	queue core.JobQueue,
	runner SessionRunner,
	telemetry core.Telemetry,
	cfg config.WorkerConfig,
	log *logger.Logger,
) core.Worker {
	workerID := uuid.New().String()

	hostname := "unknown"
	if h, err := os.Hostname(); err == nil {
		hostname = h
	}

	workerLogger := log.WithComponent("worker").WithWorkerID(workerID).WithFields(
		"hostname", hostname,
	)

	worker := &worker{
		id:        workerID,
		hostname:  hostname,
		queue:     queue,
		runner:    runner,
		telemetry: telemetry,
		cfg:       cfg,
		logger:    workerLogger,
		done:      make(chan struct{}),
		status: types.WorkerStatus{
			Status: "idle",
		},
	}

	workerLogger.Debugw("Worker instance created",
		"worker_id", workerID,
		"hostname", hostname,
		"queue_type", fmt.Sprintf("%T", queue),
		"runner_type", fmt.Sprintf("%T", runner),
	)

	return worker
}

func (w *worker) ID() string {
	return w.id
}

func (w *worker) Start(ctx context.Context) error {
	start := time.Now()
	ctx, span := w.logger.StartOperation(ctx, "worker.Start",
		"worker_id", w.id,
		"hostname", w.hostname,
	)
	defer func() {
		w.logger.FinishOperation(ctx, span, "worker.Start", start, nil)
	}()

	w.ctx, w.cancel = context.WithCancel(ctx)

	w.updateStatus("active", "")
	if w.telemetry != nil {
		w.telemetry.WorkerStarted()
	}

	w.logger.WithContext(ctx).Infow("Worker started",
		"worker_id", w.id,
		"hostname", w.hostname,
		"poll_interval", w.cfg.QueuePollInterval,
		"max_retries", w.cfg.MaxRetries,
	)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.LogPanic(w.ctx, r, "worker.run",
					"worker_id", w.id,
					"hostname", w.hostname,
				)
			}
		}()
		w.run()
	}()

	return nil
}

func (w *worker) Stop() error {
	start := time.Now()
	ctx := context.Background()
	ctx, span := w.logger.StartOperation(ctx, "worker.Stop",
		"worker_id", w.id,
		"hostname", w.hostname,
	)
	defer func() {
		w.logger.FinishOperation(ctx, span, "worker.Stop", start, nil)
	}()

	if w.cancel == nil {
		return fmt.Errorf("worker not started")
	}

	w.logger.WithContext(ctx).Infow("Stopping worker",
		"worker_id", w.id,
		"jobs_completed", w.Status().JobsComplete,
	)

	w.cancel()

	// A worker mid-session finishes classifying the attempt it already
	// launched; cancellation reaches the runner through the job context.
	stopTimeout := 30 * time.Second
	shutdownStart := time.Now()

	select {
	case <-w.done:
		w.logger.WithContext(ctx).Infow("Worker stopped gracefully",
			"worker_id", w.id,
			"shutdown_duration_ms", time.Since(shutdownStart).Milliseconds(),
		)
	case <-time.After(stopTimeout):
		w.logger.WithContext(ctx).Warnw("Worker stop timeout, forcing shutdown",
			"worker_id", w.id,
			"timeout_ms", stopTimeout.Milliseconds(),
		)

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.AddEvent("worker_stop_timeout", trace.WithAttributes(
				attribute.String("worker_id", w.id),
				attribute.Int64("timeout_ms", stopTimeout.Milliseconds()),
			))
		}
	}

	if err := w.runner.Close(); err != nil {
		w.logger.LogError(ctx, err, "worker.runner.close",
			"worker_id", w.id,
		)
	}

	w.updateStatus("stopped", "")
	if w.telemetry != nil {
		w.telemetry.WorkerStopped()
	}

	return nil
}

func (w *worker) Status() *types.WorkerStatus {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()

	status := w.status
	status.ID = w.id
	status.Hostname = w.hostname
	status.LastPing = time.Now()

	return &status
}

func (w *worker) run() {
	start := time.Now()
	ctx, span := w.logger.StartOperation(w.ctx, "worker.run",
		"worker_id", w.id,
		"hostname", w.hostname,
	)
	defer func() {
		w.logger.FinishOperation(ctx, span, "worker.run", start, nil)
		close(w.done)
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	jobsProcessed := 0
	errorCount := 0

	for {
		select {
		case <-w.ctx.Done():
			w.logger.WithContext(ctx).Infow("Worker shutting down",
				"worker_id", w.id,
				"jobs_processed", jobsProcessed,
				"errors", errorCount,
				"uptime_ms", time.Since(start).Milliseconds(),
			)
			return

		case <-heartbeat.C:
			status := w.Status()
			w.logger.WithContext(ctx).Debugw("Worker heartbeat",
				"worker_id", w.id,
				"status", status.Status,
				"jobs_complete", status.JobsComplete,
				"current_job", status.CurrentJob,
				"errors", errorCount,
				"uptime_ms", time.Since(start).Milliseconds(),
			)

		default:
			jobStart := time.Now()
			err := w.processJob()
			jobDuration := time.Since(jobStart)

			if err != nil {
				errorCount++
				w.logger.LogError(ctx, err, "worker.processJob",
					"worker_id", w.id,
					"job_duration_ms", jobDuration.Milliseconds(),
					"total_errors", errorCount,
				)
				w.sleep(w.cfg.RetryDelay)
			} else {
				jobsProcessed++
				w.logger.LogSlowOperation(ctx, "worker.processJob", jobDuration, 5*time.Minute,
					"worker_id", w.id,
					"jobs_processed", jobsProcessed,
				)
			}
		}
	}
}

func (w *worker) processJob() error {
	ctx := w.ctx

	job, err := w.queue.Pop(ctx, w.id)
	if err != nil {
		return fmt.Errorf("failed to pop job: %w", err)
	}

	if job == nil {
		w.sleep(w.cfg.QueuePollInterval)
		return nil
	}

	// Authorization travels with the job. A job enqueued without explicit
	// operator consent never reaches the framework.
	if !job.Confirmed {
		w.logger.LogSecurityEvent(ctx, "unauthorized_job_refused", map[string]interface{}{
			"job_id":    job.ID,
			"target":    job.Target.Address,
			"module":    job.ModuleID,
			"worker_id": w.id,
		})
		if failErr := w.queue.Fail(ctx, job.ID, "job was enqueued without launch authorization"); failErr != nil {
			return fmt.Errorf("failed to refuse unauthorized job %s: %w", job.ID, failErr)
		}
		return nil
	}

	w.updateStatus("processing", job.ID)
	defer w.updateStatus("idle", "")

	jobCtx, jobSpan := w.logger.StartSpanWithAttributes(ctx,
		fmt.Sprintf("worker.processJob.%s", jobKind(job)),
		[]attribute.KeyValue{
			attribute.String("job_id", job.ID),
			attribute.String("target", job.Target.Address),
			attribute.String("module", job.ModuleID),
			attribute.String("worker_id", w.id),
			attribute.Int("job_retries", job.Retries),
		},
	)
	defer jobSpan.End()

	w.logger.WithContext(jobCtx).Infow("Processing exploit job",
		"job_id", job.ID,
		"target", job.Target.Address,
		"service", job.Service.Query(),
		"module", job.ModuleID,
		"retries", job.Retries,
	)

	startTime := time.Now()
	session, executionErr := w.executeJob(jobCtx, job)
	executionDuration := time.Since(startTime)

	if executionErr != nil {
		w.logger.LogError(jobCtx, executionErr, "worker.executeJob",
			"job_id", job.ID,
			"target", job.Target.Address,
			"execution_duration_ms", executionDuration.Milliseconds(),
			"retry_count", job.Retries,
		)

		jobSpan.RecordError(executionErr)
		jobSpan.SetStatus(codes.Error, executionErr.Error())

		if job.Retries < w.cfg.MaxRetries {
			if retryErr := w.queue.Retry(ctx, job.ID); retryErr != nil {
				w.logger.LogError(jobCtx, retryErr, "worker.queue.retry",
					"job_id", job.ID,
					"retry_attempt", job.Retries+1,
				)
			} else {
				w.logger.WithContext(jobCtx).Infow("Job scheduled for retry",
					"job_id", job.ID,
					"retry_attempt", job.Retries+1,
					"max_retries", w.cfg.MaxRetries,
				)
			}
		} else {
			if failErr := w.queue.Fail(ctx, job.ID, executionErr.Error()); failErr != nil {
				w.logger.LogError(jobCtx, failErr, "worker.queue.fail",
					"job_id", job.ID,
					"original_error", executionErr.Error(),
				)
			} else {
				w.logger.WithContext(jobCtx).Warnw("Job failed after max retries",
					"job_id", job.ID,
					"max_retries", w.cfg.MaxRetries,
					"original_error", executionErr.Error(),
				)
			}
		}

		return nil
	}

	jobSpan.SetStatus(codes.Ok, string(session.Outcome))
	if completeErr := w.queue.Complete(ctx, job.ID); completeErr != nil {
		w.logger.LogError(jobCtx, completeErr, "worker.queue.complete",
			"job_id", job.ID,
		)
	}

	w.incrementJobsComplete()

	w.logger.WithContext(jobCtx).Infow("Exploit job completed",
		"job_id", job.ID,
		"target", job.Target.Address,
		"outcome", session.Outcome,
		"attempts", len(session.Attempts),
		"candidates", session.CandidateCount,
		"execution_duration_ms", executionDuration.Milliseconds(),
	)

	return nil
}

func (w *worker) executeJob(ctx context.Context, job *types.ExploitJob) (*types.ExploitSession, error) {
	if job.Target.Address == "" {
		return nil, fmt.Errorf("job %s has no target address", job.ID)
	}
	if job.Service.Port <= 0 {
		return nil, fmt.Errorf("job %s has no service port", job.ID)
	}

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	session, err := w.runner.RunJob(jobCtx, job)
	if err != nil {
		return nil, fmt.Errorf("session failed: %w", err)
	}

	return session, nil
}

func (w *worker) updateStatus(status, currentJob string) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()

	w.status.Status = status
	w.status.CurrentJob = currentJob
	w.status.LastPing = time.Now()
}

func (w *worker) incrementJobsComplete() {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()

	w.status.JobsComplete++
}

// sleep pauses the poll loop but wakes immediately on shutdown.
func (w *worker) sleep(d time.Duration) {
	select {
	case <-w.ctx.Done():
	case <-time.After(d):
	}
}

func jobKind(job *types.ExploitJob) string {
	if job.ModuleID != "" {
		return "single"
	}
	return "auto"
}
