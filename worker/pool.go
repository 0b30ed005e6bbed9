// Package worker runs the queue consumers. A pool holds a configurable
// number of workers per queue; each worker blocks on its queue, hands tasks
// to the handler and reports the outcome back to the broker.
package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/queue"
)

// TaskSource is the broker surface a worker consumes from.
type TaskSource interface {
	Dequeue(queueName string, timeout time.Duration) (*queue.Task, error)
	Finish(ctx context.Context, taskID string) error
	Fail(ctx context.Context, taskID, message string) error
}

// Handler processes one task. Handlers own the retry policy; an error
// returned here only marks the task status, it never requeues by itself.
type Handler interface {
	Handle(ctx context.Context, task *queue.Task) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *queue.Task) error

func (f HandlerFunc) Handle(ctx context.Context, task *queue.Task) error {
	return f(ctx, task)
}

// Config maps queue names to worker counts.
type Config struct {
	Queues map[string]int
}

// DefaultConfig runs the media-heavy queues wider than the LLM-bound ones.
func DefaultConfig() Config {
	return Config{
		Queues: map[string]int{
			queue.QueueExtraction:    2,
			queue.QueueIngestExtract: 2,
			queue.QueueChunking:      1,
			queue.QueueKGIngest:      1,
		},
	}
}

// Pool manages the workers.
type Pool struct {
	workers []*Worker
	log     *logrus.Entry
}

// Worker consumes one queue.
type Worker struct {
	id        int
	queueName string
	source    TaskSource
	handler   Handler
	log       *logrus.Entry
	stopChan  chan struct{}
}

// NewPool builds workers for every queue that has a registered handler.
func NewPool(source TaskSource, handlers map[string]Handler, config Config, logger *logrus.Logger) *Pool {
	pool := &Pool{log: logger.WithField("component", "worker_pool")}

	for queueName, count := range config.Queues {
		handler, ok := handlers[queueName]
		if !ok {
			continue
		}
		for i := 0; i < count; i++ {
			pool.workers = append(pool.workers, &Worker{
				id:        i,
				queueName: queueName,
				source:    source,
				handler:   handler,
				log: logger.WithFields(logrus.Fields{
					"component": "worker",
					"queue":     queueName,
					"worker_id": i,
				}),
				stopChan: make(chan struct{}),
			})
		}
	}
	return pool
}

// Start launches every worker goroutine.
func (p *Pool) Start() {
	p.log.WithField("workers", len(p.workers)).Info("Starting worker pool")
	for _, w := range p.workers {
		go w.run()
	}
}

// Stop signals every worker to exit after its current task.
func (p *Pool) Stop() {
	p.log.Info("Stopping worker pool")
	for _, w := range p.workers {
		close(w.stopChan)
	}
}

func (w *Worker) run() {
	w.log.Info("Worker started")
	for {
		select {
		case <-w.stopChan:
			w.log.Info("Worker stopped")
			return
		default:
			if err := w.processNext(); err != nil {
				w.log.WithError(err).Error("Worker iteration failed")
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) processNext() error {
	task, err := w.source.Dequeue(w.queueName, 5*time.Second)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = queue.DefaultTimeout(w.queueName)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	log := w.log.WithField("task_id", task.ID)
	log.Info("Processing task")

	if err := w.handler.Handle(ctx, task); err != nil {
		log.WithError(err).Error("Task failed")
		if failErr := w.source.Fail(context.Background(), task.ID, err.Error()); failErr != nil {
			log.WithError(failErr).Error("Failed to record task failure")
		}
		return nil
	}

	log.WithField("elapsed", time.Since(start).Round(time.Millisecond).String()).Info("Task complete")
	if err := w.source.Finish(context.Background(), task.ID); err != nil {
		log.WithError(err).Error("Failed to record task completion")
	}
	return nil
}
