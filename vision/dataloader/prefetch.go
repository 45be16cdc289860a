package dataloader

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// DefaultPrefetchDepth is the number of batches staged ahead of the consumer.
const DefaultPrefetchDepth = 2

// BatchSource is anything that yields batches in passes.
type BatchSource interface {
	Reset()
	Next(ctx context.Context) (*Batch, error)
	NumBatches() int
}

type prefetchResult struct {
	batch *Batch
	err   error
}

// Prefetcher loads batches from a BatchSource on a background goroutine so
// decoding the next batch overlaps with work on the current one. Batch order
// is the same as the wrapped source.
type Prefetcher struct {
	source BatchSource
	depth  int

	mu      sync.Mutex
	results chan prefetchResult
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPrefetcher wraps source. depth <= 0 selects DefaultPrefetchDepth.
func NewPrefetcher(source BatchSource, depth int) *Prefetcher {
	if depth <= 0 {
		depth = DefaultPrefetchDepth
	}
	return &Prefetcher{source: source, depth: depth}
}

// Depth returns the number of batches buffered ahead.
func (p *Prefetcher) Depth() int { return p.depth }

// NumBatches returns the number of batches per pass of the wrapped source.
func (p *Prefetcher) NumBatches() int { return p.source.NumBatches() }

// Reset stops any pass in flight, resets the source and starts a new
// background pass.
func (p *Prefetcher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.source.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan prefetchResult, p.depth)
	done := make(chan struct{})
	p.results, p.cancel, p.done = results, cancel, done
	go p.run(ctx, results, done)
}

func (p *Prefetcher) run(ctx context.Context, out chan<- prefetchResult, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	for {
		batch, err := p.source.Next(ctx)
		select {
		case out <- prefetchResult{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next staged batch, or io.EOF once the pass is exhausted.
func (p *Prefetcher) Next(ctx context.Context) (*Batch, error) {
	p.mu.Lock()
	results := p.results
	p.mu.Unlock()
	if results == nil {
		return nil, fmt.Errorf("prefetcher has no active pass; call Reset first")
	}

	select {
	case r, ok := <-results:
		if !ok {
			return nil, io.EOF
		}
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the background pass. The prefetcher can be restarted with Reset.
func (p *Prefetcher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return nil
}

func (p *Prefetcher) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.results, p.cancel, p.done = nil, nil, nil
}
