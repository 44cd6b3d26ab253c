package syncengine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchQueueDrainsAtBatchSize(t *testing.T) {
	var mu sync.Mutex
	var processed []string

	cfg := Config{BatchSize: 3, BatchInterval: time.Hour}
	q := newBatchQueue(cfg, func(path string, kind Kind) {
		mu.Lock()
		processed = append(processed, path)
		mu.Unlock()
	})
	go q.run()
	defer q.close()

	q.enqueue("a", Initial)
	q.enqueue("b", Initial)
	q.enqueue("c", Initial)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBatchQueueDrainsOnIntervalWithFewerThanBatchSize(t *testing.T) {
	var mu sync.Mutex
	var processed []string

	cfg := Config{BatchSize: 100, BatchInterval: 50 * time.Millisecond}
	q := newBatchQueue(cfg, func(path string, kind Kind) {
		mu.Lock()
		processed = append(processed, path)
		mu.Unlock()
	})
	go q.run()
	defer q.close()

	q.enqueue("only-one", Initial)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBatchQueueFlushesRemainingItemsOnClose(t *testing.T) {
	var mu sync.Mutex
	var processed []string

	cfg := Config{BatchSize: 100, BatchInterval: time.Hour}
	q := newBatchQueue(cfg, func(path string, kind Kind) {
		mu.Lock()
		processed = append(processed, path)
		mu.Unlock()
	})
	go q.run()

	q.enqueue("leftover", Initial)
	q.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"leftover"}, processed)
}
