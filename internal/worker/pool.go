// Package worker drains the exploit job queue. Every worker owns a private
// framework console through its runner, so a pool of workers can attack
// several targets in parallel without interleaving commands on one channel.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

// SessionRunner executes one queued job as a full exploit session against
// the job's target service. Close releases the runner's framework console.
type SessionRunner interface {
	RunJob(ctx context.Context, job *types.ExploitJob) (*types.ExploitSession, error)
	Close() error
}

// RunnerFactory builds a fresh runner for each worker the pool starts.
type RunnerFactory func() (SessionRunner, error)

type workerPool struct {
	workers   []core.Worker
	queue     core.JobQueue
	newRunner RunnerFactory
	telemetry core.Telemetry
	cfg       config.WorkerConfig
	logger    *logger.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewWorkerPool(
	queue core.JobQueue,
	newRunner RunnerFactory,
	telemetry core.Telemetry,
	cfg config.WorkerConfig,
	logger *logger.Logger,
) core.WorkerPool {
	if cfg.QueuePollInterval <= 0 {
		cfg.QueuePollInterval = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	return &workerPool{
		workers:   make([]core.Worker, 0),
		queue:     queue,
		newRunner: newRunner,
		telemetry: telemetry,
		cfg:       cfg,
		logger:    logger,
	}
}

func (p *workerPool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("worker pool already started")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Infow("Starting worker pool", "workers", workerCount)

	for i := 0; i < workerCount; i++ {
		worker, err := p.startWorker(i)
		if err != nil {
			p.stopAll()
			return err
		}
		p.workers = append(p.workers, worker)
	}

	p.logger.Infow("Worker pool started successfully", "workers", len(p.workers))

	return nil
}

func (p *workerPool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return fmt.Errorf("worker pool not started")
	}

	p.logger.Info("Stopping worker pool")

	p.cancel()

	return p.stopAll()
}

// Scale grows or shrinks the running pool. Shrinking stops the newest
// workers first; a worker mid-session finishes its job before it exits.
func (p *workerPool) Scale(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return fmt.Errorf("worker pool not started")
	}
	if workerCount < 0 {
		return fmt.Errorf("worker count cannot be negative")
	}

	currentCount := len(p.workers)

	if workerCount == currentCount {
		return nil
	}

	if workerCount > currentCount {
		p.logger.Infow("Scaling up worker pool", "from", currentCount, "to", workerCount)

		for i := currentCount; i < workerCount; i++ {
			worker, err := p.startWorker(i)
			if err != nil {
				return err
			}
			p.workers = append(p.workers, worker)
		}
	} else {
		p.logger.Infow("Scaling down worker pool", "from", currentCount, "to", workerCount)

		workersToStop := p.workers[workerCount:]
		p.workers = p.workers[:workerCount]

		g := new(errgroup.Group)
		for _, worker := range workersToStop {
			w := worker
			g.Go(func() error {
				return w.Stop()
			})
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("failed to stop workers: %w", err)
		}
	}

	p.logger.Infow("Worker pool scaled successfully", "workers", len(p.workers))

	return nil
}

func (p *workerPool) Status() []*types.WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	statuses := make([]*types.WorkerStatus, 0, len(p.workers))

	for _, worker := range p.workers {
		statuses = append(statuses, worker.Status())
	}

	return statuses
}

func (p *workerPool) startWorker(index int) (core.Worker, error) {
	runner, err := p.newRunner()
	if err != nil {
		return nil, fmt.Errorf("failed to build runner for worker %d: %w", index, err)
	}

	worker := NewWorker(p.queue, runner, p.telemetry, p.cfg, p.logger)

	if err := worker.Start(p.ctx); err != nil {
		runner.Close()
		return nil, fmt.Errorf("failed to start worker %d: %w", index, err)
	}

	return worker, nil
}

func (p *workerPool) stopAll() error {
	g := new(errgroup.Group)

	for _, worker := range p.workers {
		w := worker
		g.Go(func() error {
			return w.Stop()
		})
	}

	err := g.Wait()
	p.workers = nil
	p.ctx = nil
	p.cancel = nil

	return err
}
