package syncengine

import (
	"sync"
	"time"
)

// batchQueue coalesces file-level work items under size/interval
// thresholds (spec.md §4.4). It is a FIFO with O(1) append/pop-front;
// drains are mutually exclusive but items within one drain are issued
// concurrently to the supplied process function.
type batchQueue struct {
	cfg     Config
	process func(path string, kind Kind)

	mu        sync.Mutex
	items     []workItem
	lastDrain time.Time

	draining sync.Mutex // held for the duration of a single drain

	stop chan struct{}
	done chan struct{}
}

func newBatchQueue(cfg Config, process func(path string, kind Kind)) *batchQueue {
	return &batchQueue{
		cfg:       cfg,
		process:   process,
		lastDrain: time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// enqueue appends a work item. The queue drains when it reaches
// BatchSize or when BatchInterval has elapsed since the last drain and
// the queue is non-empty (spec.md §4.4).
func (q *batchQueue) enqueue(path string, kind Kind) {
	q.mu.Lock()
	q.items = append(q.items, workItem{path: path, kind: kind})
	full := len(q.items) >= q.cfg.BatchSize
	q.mu.Unlock()

	if full {
		go q.drain()
	}
}

// run drives the interval-based drain ticker; it returns once close is
// called and the remaining items have been drained.
func (q *batchQueue) run() {
	interval := q.cfg.BatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(q.done)

	for {
		select {
		case <-q.stop:
			// flush remaining items before exiting
			for q.len() > 0 {
				q.drain()
			}
			return
		case <-ticker.C:
			q.mu.Lock()
			nonEmpty := len(q.items) > 0
			dueForDrain := nonEmpty && time.Since(q.lastDrain) >= interval
			q.mu.Unlock()
			if dueForDrain {
				q.drain()
			}
		}
	}
}

func (q *batchQueue) close() {
	close(q.stop)
	<-q.done
}

// drain takes up to BatchSize items and issues them concurrently to
// process. A single drainer runs at a time (spec.md §4.4,
// "Concurrent drains are mutually excluded").
func (q *batchQueue) drain() {
	q.draining.Lock()
	defer q.draining.Unlock()

	q.mu.Lock()
	n := q.cfg.BatchSize
	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	batch := q.items[:n]
	q.items = q.items[n:]
	q.lastDrain = time.Now()
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(batch))
	for _, item := range batch {
		item := item
		go func() {
			defer wg.Done()
			q.process(item.path, item.kind)
		}()
	}
	wg.Wait()
}

// len reports the current queue depth.
func (q *batchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
