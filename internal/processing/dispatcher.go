package processing

import (
	"context"
	"log"
	"sync"
)

// Dispatcher hands a generation job to whatever executes it, either the redis
// queue or the in-process pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, imageID int64, path string) error
}

type job struct {
	imageID int64
}

// Pool executes generation jobs on a fixed set of goroutines inside the server
// process. It is the fallback when no redis address is configured, trading
// durability for zero infrastructure.
type Pool struct {
	pipeline *Pipeline
	workers  int
	jobs     chan job
	wg       sync.WaitGroup
	once     sync.Once
}

// NewPool sizes the pool. Jobs are buffered at four per worker so a burst of
// uploads does not block the request handlers immediately.
func NewPool(pipeline *Pipeline, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		pipeline: pipeline,
		workers:  workers,
		jobs:     make(chan job, workers*4),
	}
}

// Start launches the workers. They drain until the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.run(ctx)
		}
	})
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			if err := p.pipeline.Process(ctx, j.imageID); err != nil {
				log.Printf("process image %d: %v", j.imageID, err)
			}
		}
	}
}

// Dispatch submits a job, blocking while the buffer is full. The path argument
// exists to satisfy the Dispatcher contract; the pipeline re-reads the record.
func (p *Pool) Dispatch(ctx context.Context, imageID int64, path string) error {
	select {
	case p.jobs <- job{imageID: imageID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every worker has exited. Call after cancelling the start
// context during shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}
