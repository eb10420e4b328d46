package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrQueueFull is returned when the worker pool cannot accept more jobs
var ErrQueueFull = errors.New("provisioning queue full")

// Dispatcher hands a job to whatever runs it
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID uuid.UUID) error
}

// Handler processes one job
type Handler func(ctx context.Context, jobID uuid.UUID) error

// JobMessage is the payload published for a job
type JobMessage struct {
	JobID uuid.UUID `json:"jobId"`
}

// WorkerPool runs jobs on a fixed number of goroutines
type WorkerPool struct {
	workers int
	queue   chan uuid.UUID
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool; call Start before dispatching
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &WorkerPool{
		workers: workers,
		queue:   make(chan uuid.UUID, queueSize),
	}
}

// Dispatch enqueues jobID without blocking
func (p *WorkerPool) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	select {
	case p.queue <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. They stop when ctx is cancelled.
func (p *WorkerPool) Start(ctx context.Context, handle Handler) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case jobID := <-p.queue:
					if err := handle(ctx, jobID); err != nil {
						log.Error().
							Err(err).
							Int("worker", worker).
							Str("job_id", jobID.String()).
							Msg("Provisioning job failed")
					}
				}
			}
		}(i)
	}
}

// Wait blocks until every worker has exited
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Publisher is the NATS subset used to dispatch jobs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSDispatcher publishes job ids for remote workers
type NATSDispatcher struct {
	nc      Publisher
	subject string
}

// NewNATSDispatcher creates a NATS dispatcher
func NewNATSDispatcher(nc Publisher, subject string) *NATSDispatcher {
	return &NATSDispatcher{nc: nc, subject: subject}
}

// Dispatch publishes jobID on the provisioning subject
func (d *NATSDispatcher) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	data, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}
	if err := d.nc.Publish(d.subject, data); err != nil {
		return fmt.Errorf("publish job %s: %w", jobID, err)
	}
	return nil
}
