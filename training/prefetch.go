package training

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const defaultPrefetchDepth = 3

type prefetched struct {
	batch *Batch
	err   error
}

// PrefetchLoader prepares upcoming batches of a Loader in a background
// goroutine so batch assembly overlaps with the training step. Batch order
// is that of the wrapped loader.
type PrefetchLoader struct {
	src   Loader
	depth int

	mutex   sync.Mutex
	batches chan prefetched
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool

	batchCounter atomic.Uint64
}

// NewPrefetchLoader wraps src; depth is the number of batches kept ready
func NewPrefetchLoader(src Loader, depth int) (*PrefetchLoader, error) {
	if src == nil {
		return nil, errors.New("prefetch source cannot be nil")
	}
	if depth <= 0 {
		depth = defaultPrefetchDepth
	}
	return &PrefetchLoader{src: src, depth: depth}, nil
}

// Len returns the number of batches per epoch of the wrapped loader
func (pl *PrefetchLoader) Len() int {
	return pl.src.Len()
}

// Reset discards prefetched batches, rewinds the source and starts
// prefetching the next epoch
func (pl *PrefetchLoader) Reset() {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()
	if pl.closed {
		return
	}
	pl.stopLocked()
	pl.src.Reset()
	pl.startLocked()
}

// Next returns the next batch, or nil at the end of the epoch
func (pl *PrefetchLoader) Next() (*Batch, error) {
	pl.mutex.Lock()
	if pl.closed {
		pl.mutex.Unlock()
		return nil, errors.New("prefetch loader is closed")
	}
	if pl.batches == nil {
		pl.startLocked()
	}
	ch := pl.batches
	pl.mutex.Unlock()

	item, ok := <-ch
	if !ok {
		return nil, nil
	}
	if item.err != nil {
		return nil, errors.Wrap(item.err, "prefetch")
	}
	return item.batch, nil
}

// BatchesProduced returns the number of batches prepared so far
func (pl *PrefetchLoader) BatchesProduced() uint64 {
	return pl.batchCounter.Load()
}

// Close stops the background worker. It is safe to call more than once.
func (pl *PrefetchLoader) Close() error {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()
	pl.stopLocked()
	pl.closed = true
	return nil
}

func (pl *PrefetchLoader) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan prefetched, pl.depth)
	done := make(chan struct{})
	pl.batches, pl.cancel, pl.done = ch, cancel, done
	go pl.worker(ctx, ch, done)
}

// stopLocked cancels the worker and waits for it, so the source is not
// touched concurrently afterwards
func (pl *PrefetchLoader) stopLocked() {
	if pl.cancel == nil {
		return
	}
	pl.cancel()
	<-pl.done
	pl.batches, pl.cancel, pl.done = nil, nil, nil
}

// worker runs in background and ends after the epoch's last batch or error
func (pl *PrefetchLoader) worker(ctx context.Context, ch chan<- prefetched, done chan<- struct{}) {
	defer close(done)
	defer close(ch)

	for {
		batch, err := pl.src.Next()
		if batch == nil && err == nil {
			return
		}
		select {
		case ch <- prefetched{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		pl.batchCounter.Add(1)
	}
}
