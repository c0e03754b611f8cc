package data

import (
	"context"
	"fmt"
	"sync"
)

// PrefetchConfig holds configuration for the prefetching loader.
type PrefetchConfig struct {
	// Depth is the number of batches staged ahead of the trainer
	// (default: 3).
	Depth int
}

type prefetched struct {
	batch *Batch
	err   error
}

// PrefetchLoader decorates a Loader with background batch staging: a
// worker drains the inner loader into a bounded channel so batch assembly
// overlaps with the optimization step. Batch order is preserved.
type PrefetchLoader struct {
	inner Loader
	depth int

	mu     sync.Mutex
	ch     chan prefetched
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPrefetchLoader wraps inner and starts the staging worker.
func NewPrefetchLoader(inner Loader, config PrefetchConfig) (*PrefetchLoader, error) {
	if inner == nil {
		return nil, fmt.Errorf("data: inner loader cannot be nil")
	}
	if config.Depth <= 0 {
		config.Depth = 3
	}
	l := &PrefetchLoader{inner: inner, depth: config.Depth}
	l.start()
	return l, nil
}

func (l *PrefetchLoader) start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.ch = make(chan prefetched, l.depth)
	l.wg.Add(1)
	go l.fill(ctx, l.ch)
}

// fill stages batches until the epoch is exhausted, an error occurs, or
// the loader is reset. The channel is closed when the worker exits, so a
// drained epoch keeps reporting (nil, nil).
func (l *PrefetchLoader) fill(ctx context.Context, ch chan<- prefetched) {
	defer l.wg.Done()
	defer close(ch)
	for {
		if ctx.Err() != nil {
			return
		}
		b, err := l.inner.Next()
		select {
		case ch <- prefetched{batch: b, err: err}:
		case <-ctx.Done():
			return
		}
		if b == nil || err != nil {
			return
		}
	}
}

func (l *PrefetchLoader) Next() (*Batch, error) {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()
	item, ok := <-ch
	if !ok {
		return nil, nil
	}
	return item.batch, item.err
}

// Reset stops the worker, rewinds the inner loader and restarts staging
// for a new epoch.
func (l *PrefetchLoader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
	l.inner.Reset()
	l.start()
}

// Stop shuts the worker down. The loader yields (nil, nil) afterwards
// until Reset is called.
func (l *PrefetchLoader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *PrefetchLoader) stopLocked() {
	l.cancel()
	// Unblock a worker parked on a full channel.
	for range l.ch {
	}
	l.wg.Wait()
}

func (l *PrefetchLoader) Len() int { return l.inner.Len() }

func (l *PrefetchLoader) Shard(b *Batch) *Batch { return l.inner.Shard(b) }

func (l *PrefetchLoader) Dataset() Dataset { return l.inner.Dataset() }
