package queue

import (
	"errors"
	"sync"

	"github.com/Workiva/go-datastructures/queue"

	"avaneesh/blefrag/pkg/internal/logger"
)

var ErrClosed = errors.New("worker closed")

// Handler processes one queued item
type Handler func(item interface{})

// Worker runs a handler over a FIFO queue on a single goroutine.
// Add never blocks. Items added while the worker is stopped are kept and
// processed on the next Start.
type Worker struct {
	name    string
	handler Handler
	logger  logger.Logger

	mu      sync.Mutex
	q       *queue.Queue
	pending []interface{}
	running bool
	closed  bool
	wg      sync.WaitGroup
}

// NewWorker creates a stopped worker
func NewWorker(name string, handler Handler, log logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Worker{
		name:    name,
		handler: handler,
		logger:  log,
	}
}

// Start launches the worker goroutine. Starting a running worker is a no-op.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.running {
		return nil
	}

	q := queue.New(int64(len(w.pending) + 8))
	if len(w.pending) > 0 {
		if err := q.Put(w.pending...); err != nil {
			return err
		}
	}
	w.pending = nil
	w.q = q
	w.running = true

	w.wg.Add(1)
	go w.loop(q)

	w.logger.Debug("Worker %s started", w.name)
	return nil
}

func (w *Worker) loop(q *queue.Queue) {
	defer w.wg.Done()

	for {
		items, err := q.Get(1)
		if err != nil {
			// disposed
			return
		}
		for _, item := range items {
			w.handler(item)
		}
	}
}

// Stop halts the worker after the item in progress. Queued items are kept.
// Stop must not be called from the handler.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.pending = append(w.pending, w.q.Dispose()...)
	w.q = nil
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Debug("Worker %s stopped", w.name)
}

// Close stops the worker and drops everything still queued
func (w *Worker) Close() {
	w.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = nil
	w.closed = true
}

// Add enqueues an item
func (w *Worker) Add(item interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if !w.running {
		w.pending = append(w.pending, item)
		return nil
	}
	return w.q.Put(item)
}

// Remove drops every queued item for which match returns true and reports how
// many were dropped. The item in progress is not affected.
func (w *Worker) Remove(match func(item interface{}) bool) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		kept := w.pending[:0]
		for _, item := range w.pending {
			if !match(item) {
				kept = append(kept, item)
			}
		}
		removed := len(w.pending) - len(kept)
		for i := len(kept); i < len(w.pending); i++ {
			w.pending[i] = nil
		}
		w.pending = kept
		return removed
	}

	// Add is blocked on w.mu, so the drained items can be put back in order.
	all, err := w.q.TakeUntil(func(interface{}) bool { return true })
	if err != nil {
		return 0
	}
	kept := make([]interface{}, 0, len(all))
	for _, item := range all {
		if !match(item) {
			kept = append(kept, item)
		}
	}
	if len(kept) > 0 {
		if err := w.q.Put(kept...); err != nil {
			w.logger.Error("Worker %s: requeue failed: %v", w.name, err)
		}
	}
	return len(all) - len(kept)
}

// Len returns the number of queued items
func (w *Worker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return len(w.pending)
	}
	return int(w.q.Len())
}

// Running reports whether the worker goroutine is active
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
