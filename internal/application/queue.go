package application

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/pixelci/pixelci/internal/domain/model"
)

// DefaultWorkers bounds concurrent verification runs when nothing is
// configured.
const DefaultWorkers = 2

// ExecuteFunc runs one build job to completion.
type ExecuteFunc func(ctx context.Context, job model.BuildJob)

// Queue schedules build jobs with two guarantees: runs for the same
// repo+branch never overlap, and while one is running only the newest
// waiting job for that key survives. Total concurrency is bounded by the
// worker count.
type Queue struct {
	logger  *slog.Logger
	execute ExecuteFunc
	workers int

	mu      sync.Mutex
	running map[string]bool
	pending map[string]model.BuildJob
	order   []string // pending keys, arrival order

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	runCtx    context.Context
	cancelRun context.CancelFunc
}

// NewQueue creates a stopped queue; call Start to spawn the workers.
func NewQueue(execute ExecuteFunc, workers int, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger:    logger,
		execute:   execute,
		workers:   workers,
		running:   map[string]bool{},
		pending:   map[string]model.BuildJob{},
		wake:      make(chan struct{}, workers),
		done:      make(chan struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

func (q *Queue) Start() {
	q.wg.Add(q.workers)
	for i := 0; i < q.workers; i++ {
		go q.worker(i)
	}
	q.logger.Info("build queue started", "workers", q.workers)
}

// Enqueue adds a job. A job already waiting for the same repo+branch is
// replaced; the newest push is the one worth verifying.
func (q *Queue) Enqueue(job model.BuildJob) {
	select {
	case <-q.done:
		q.logger.Warn("build queue is shut down, dropping job", "repo", job.RepoFullName, "branch", job.Branch)
		return
	default:
	}

	key := job.Key()
	q.mu.Lock()
	_, waiting := q.pending[key]
	q.pending[key] = job
	if !waiting {
		q.order = append(q.order, key)
	}
	q.mu.Unlock()

	if waiting {
		q.logger.Info("queued build superseded",
			"repo", job.RepoFullName,
			"branch", job.Branch,
			"commit_message", job.CommitMessage,
		)
		return
	}
	q.logger.Info("build queued",
		"repo", job.RepoFullName,
		"branch", job.Branch,
		"trigger", job.Trigger,
	)
	q.signal()
}

// Shutdown stops accepting jobs and waits for in-flight runs to finish.
// Jobs still waiting are dropped; the next push re-triggers them. When ctx
// expires first, in-flight runs are cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.closeOnce.Do(func() { close(q.done) })

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		q.logger.Info("build queue drained")
		return nil
	case <-ctx.Done():
		q.cancelRun()
		<-finished
		q.logger.Warn("build queue shutdown forced", "error", ctx.Err())
		return ctx.Err()
	}
}

// Stats reports queue depth for health reporting.
type Stats struct {
	Running int `json:"running"`
	Pending int `json:"pending"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Running: len(q.running), Pending: len(q.pending)}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		job, ok := q.next()
		if !ok {
			return
		}
		q.runJob(id, job)
	}
}

// next hands out the oldest pending job whose key is idle, blocking until
// one exists or the queue shuts down.
func (q *Queue) next() (model.BuildJob, bool) {
	for {
		select {
		case <-q.done:
			return model.BuildJob{}, false
		default:
		}

		q.mu.Lock()
		for i, key := range q.order {
			if q.running[key] {
				continue
			}
			job := q.pending[key]
			delete(q.pending, key)
			q.order = append(q.order[:i], q.order[i+1:]...)
			q.running[key] = true
			q.mu.Unlock()
			return job, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.done:
			return model.BuildJob{}, false
		}
	}
}

func (q *Queue) runJob(worker int, job model.BuildJob) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("build job panicked",
				"repo", job.RepoFullName,
				"branch", job.Branch,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
		q.mu.Lock()
		delete(q.running, job.Key())
		q.mu.Unlock()
		// The freed key may have a successor waiting.
		q.signal()
	}()

	q.logger.Info("build started",
		"worker", worker,
		"repo", job.RepoFullName,
		"branch", job.Branch,
		"trigger", job.Trigger,
	)
	q.execute(q.runCtx, job)
}
