package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/skyscan/skyscan/pkg/logger"
	"github.com/skyscan/skyscan/queue"
)

// RefreshFunc executes one refresh crawl end to end: fan out, merge and
// write the cache entry. The search service provides it.
type RefreshFunc func(ctx context.Context, p queue.RefreshPayload) error

// WorkerPool consumes refresh jobs. Pool size bounds concurrent crawls
// per process; each crawl internally respects per-source rate limits.
type WorkerPool struct {
	q       queue.Queue
	refresh RefreshFunc
	size    int
	log     *logger.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorkerPool builds a pool of size workers.
func NewWorkerPool(q queue.Queue, refresh RefreshFunc, size int, log *logger.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{q: q, refresh: refresh, size: size, log: log}
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.log.Info("refresh workers started", "count", p.size)
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.WithField("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.q.Dequeue(ctx, queue.StreamRefresh)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error(err, "dequeue failed, backing off")
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}
		p.handle(ctx, log, job)
	}
}

func (p *WorkerPool) handle(ctx context.Context, log *logger.Logger, job *queue.Job) {
	payload, err := job.Refresh()
	if err != nil {
		// A payload that cannot decode will never succeed; drop it.
		log.Error(err, "unreadable refresh job, dropping", "job_id", job.ID)
		_ = p.q.Ack(ctx, queue.StreamRefresh, job.ID)
		return
	}

	start := time.Now()
	err = p.refresh(ctx, payload)
	if err != nil {
		log.Warn("refresh crawl failed",
			"job_id", job.ID, "query", payload.Query.Key(),
			"attempt", job.Attempts, "error", err.Error())
		if nackErr := p.q.Nack(ctx, queue.StreamRefresh, job.ID); nackErr != nil {
			log.Error(nackErr, "nack failed", "job_id", job.ID)
		}
		return
	}
	log.Debug("refresh crawl complete",
		"query", payload.Query.Key(), "reason", payload.Reason,
		"took", time.Since(start).String())
	if ackErr := p.q.Ack(ctx, queue.StreamRefresh, job.ID); ackErr != nil {
		log.Error(ackErr, "ack failed", "job_id", job.ID)
	}
}
