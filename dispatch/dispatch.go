// Package dispatch runs latency-tolerant batch analytics off the ingestion
// path on a bounded pool of workers.
package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"flowlens/config"
	"flowlens/logger"
)

// Task is a unit of batch work. The context is cancelled when the task's
// timeout elapses; a running task is expected to observe it.
type Task func(ctx context.Context) error

// Dispatcher feeds queued tasks to a bounded set of workers in FIFO order.
// A task that cannot claim a worker before its timeout is rejected rather
// than queued indefinitely.
type Dispatcher struct {
	config  *config.Config
	queue   chan job
	slots   *semaphore.Weighted
	workers int64
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	tasksRun      int64
	tasksRejected int64
	statsMu       sync.Mutex
}

type job struct {
	id       string
	task     Task
	enqueued time.Time
}

func NewDispatcher(cfg *config.Config) *Dispatcher {
	workers := cfg.Dispatch.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Dispatcher{
		config:  cfg,
		queue:   make(chan job, cfg.Dispatch.QueueSize),
		slots:   semaphore.NewWeighted(int64(workers)),
		workers: int64(workers),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// Start launches the intake loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"workers": d.workers, "queue_size": cap(d.queue)}).Info("starting dispatcher")

	d.wg.Add(1)
	go d.intake()

	log.Info("dispatcher started successfully")
	return nil
}

// Stop waits for in-flight tasks to finish. Queued tasks that have not
// claimed a worker yet are abandoned.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("dispatcher").Info("stopping dispatcher")
	d.wg.Wait()
	d.log.WithComponent("dispatcher").Info("dispatcher stopped")
}

// Submit enqueues a task for execution. It fails fast when the queue is
// full; the caller decides whether losing the batch matters.
func (d *Dispatcher) Submit(task Task) (string, error) {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if !running {
		return "", fmt.Errorf("dispatcher not running")
	}

	j := job{id: uuid.NewString(), task: task, enqueued: time.Now()}
	select {
	case d.queue <- j:
		return j.id, nil
	default:
		d.statsMu.Lock()
		d.tasksRejected++
		d.statsMu.Unlock()
		return "", fmt.Errorf("dispatch queue full")
	}
}

// intake claims a worker slot per task in FIFO order. Claiming is bounded
// by the task timeout: a task whose wait exceeds it is rejected, keeping
// the queue from backing up behind slow batches.
func (d *Dispatcher) intake() {
	defer d.wg.Done()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"worker": "intake"})

	for {
		select {
		case <-d.ctx.Done():
			log.Info("intake stopped due to context cancellation")
			return
		case j := <-d.queue:
			acquireCtx, cancel := context.WithTimeout(d.ctx, d.config.Dispatch.TaskTimeout.Std())
			err := d.slots.Acquire(acquireCtx, 1)
			cancel()
			if err != nil {
				if d.ctx.Err() != nil {
					return
				}
				d.statsMu.Lock()
				d.tasksRejected++
				d.statsMu.Unlock()
				log.WithFields(logger.Fields{
					"task_id": j.id,
					"waited":  time.Since(j.enqueued).Milliseconds(),
				}).Warn("no worker available before timeout, task rejected")
				continue
			}

			d.wg.Add(1)
			go d.run(j)
		}
	}
}

func (d *Dispatcher) run(j job) {
	defer d.wg.Done()
	defer d.slots.Release(1)

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"task_id": j.id})

	// A started task cannot be cancelled mid-flight, but it is bounded by
	// its timeout through the context it receives.
	taskCtx, cancel := context.WithTimeout(context.Background(), d.config.Dispatch.TaskTimeout.Std())
	defer cancel()

	start := time.Now()
	err := j.task(taskCtx)
	duration := time.Since(start)

	d.statsMu.Lock()
	d.tasksRun++
	d.statsMu.Unlock()

	if err != nil {
		log.WithError(err).Warn("task failed")
		return
	}
	logger.LogPerformanceEntry(log, "dispatcher", "task", duration, nil)
}

// Stats reports how many tasks ran and how many were rejected.
func (d *Dispatcher) Stats() (run, rejected int64) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.tasksRun, d.tasksRejected
}
