package engine

// Batch runner: independent backtests on a bounded worker pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one independent run. Strategy, then Generator, then the frame's
// signal column provides signals. Strategies and generators are shared by
// workers and must not keep per-run state.
type Job struct {
	ID        string
	Frame     *Frame
	Config    Config
	Strategy  BarStrategy
	Generator SignalGenerator
}

type JobResult struct {
	JobID    string
	Result   *Result
	Err      error
	Duration time.Duration
}

type BatchRunner struct {
	MaxWorkers int
	logger     *zap.Logger
}

func NewBatchRunner(maxWorkers int, logger *zap.Logger) *BatchRunner {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchRunner{MaxWorkers: maxWorkers, logger: logger}
}

// Run executes jobs concurrently and returns results in job order. Each job
// builds its own engine state, so nothing mutable is shared between workers.
func (b *BatchRunner) Run(ctx context.Context, jobs []Job) []JobResult {
	results := make([]JobResult, len(jobs))
	if len(jobs) == 0 {
		return results
	}
	workers := b.MaxWorkers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	b.logger.Info("Starting batch",
		zap.Int("workers", workers),
		zap.Int("jobs", len(jobs)),
	)

	jobChan := make(chan int, len(jobs))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go b.worker(ctx, i, jobs, jobChan, results, &wg)
	}
	for i := range jobs {
		jobChan <- i
	}
	close(jobChan)
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	b.logger.Info("Batch finished", zap.Int("jobs", len(jobs)), zap.Int("failed", failed))
	return results
}

// worker writes only to the result slots of the indices it receives.
func (b *BatchRunner) worker(ctx context.Context, workerID int, jobs []Job, jobChan <-chan int, results []JobResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for i := range jobChan {
		job := jobs[i]
		id := job.ID
		if id == "" {
			id = fmt.Sprintf("job-%d", i)
		}
		b.logger.Debug("Worker processing job",
			zap.Int("worker_id", workerID),
			zap.String("job_id", id),
		)
		start := time.Now()
		res, err := b.runJob(ctx, job)
		if err != nil {
			b.logger.Error("Job failed", zap.String("job_id", id), zap.Error(err))
		}
		results[i] = JobResult{JobID: id, Result: res, Err: err, Duration: time.Since(start)}
	}
}

func (b *BatchRunner) runJob(ctx context.Context, job Job) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := NewEngine(job.Config, WithLogger(b.logger))
	if err != nil {
		return nil, fmt.Errorf("job config: %w", err)
	}
	if job.Strategy != nil {
		return e.RunStrategy(ctx, job.Frame, job.Strategy)
	}
	if job.Generator != nil {
		return e.RunGenerator(ctx, job.Frame, job.Generator)
	}
	return e.Run(ctx, job.Frame)
}
