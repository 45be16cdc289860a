package dataloader

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync/atomic"
	"testing"
)

type countingSource struct {
	total  int
	next   int
	failAt int
	resets atomic.Int32
}

func (s *countingSource) Reset() {
	s.next = 0
	s.resets.Add(1)
}

func (s *countingSource) NumBatches() int { return s.total }

func (s *countingSource) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.failAt > 0 && s.next == s.failAt {
		return nil, errors.New("decode failed")
	}
	if s.next >= s.total {
		return nil, io.EOF
	}
	s.next++
	return &Batch{Size: s.next}, nil
}

func collect(t *testing.T, p *Prefetcher) ([]int, error) {
	t.Helper()
	var sizes []int
	for {
		b, err := p.Next(context.Background())
		if err == io.EOF {
			return sizes, nil
		}
		if err != nil {
			return sizes, err
		}
		sizes = append(sizes, b.Size)
	}
}

func TestPrefetcher(t *testing.T) {
	t.Run("PreservesOrder", func(t *testing.T) {
		src := &countingSource{total: 5}
		p := NewPrefetcher(src, 2)
		defer p.Close()

		p.Reset()
		got, err := collect(t, p)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if want := []int{1, 2, 3, 4, 5}; !reflect.DeepEqual(got, want) {
			t.Errorf("Expected %v, got %v", want, got)
		}
		if _, err := p.Next(context.Background()); err != io.EOF {
			t.Errorf("Expected io.EOF after exhaustion, got %v", err)
		}
	})

	t.Run("ResetRestartsPass", func(t *testing.T) {
		src := &countingSource{total: 3}
		p := NewPrefetcher(src, 1)
		defer p.Close()

		p.Reset()
		if _, err := p.Next(context.Background()); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		p.Reset()
		got, err := collect(t, p)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(got) != 3 {
			t.Errorf("Expected a full pass of 3 batches, got %v", got)
		}
		if src.resets.Load() != 2 {
			t.Errorf("Expected source reset twice, got %d", src.resets.Load())
		}
	})

	t.Run("PropagatesErrors", func(t *testing.T) {
		src := &countingSource{total: 5, failAt: 2}
		p := NewPrefetcher(src, 2)
		defer p.Close()

		p.Reset()
		got, err := collect(t, p)
		if err == nil || err.Error() != "decode failed" {
			t.Fatalf("Expected decode error, got %v", err)
		}
		if !reflect.DeepEqual(got, []int{1, 2}) {
			t.Errorf("Expected batches before the failure, got %v", got)
		}
	})

	t.Run("RequiresReset", func(t *testing.T) {
		p := NewPrefetcher(&countingSource{total: 1}, 0)
		if p.Depth() != DefaultPrefetchDepth {
			t.Errorf("Expected default depth %d, got %d", DefaultPrefetchDepth, p.Depth())
		}
		if _, err := p.Next(context.Background()); err == nil {
			t.Error("Expected error before Reset")
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		p := NewPrefetcher(&countingSource{total: 1}, 1)
		defer p.Close()
		p.Reset()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := p.Next(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Expected nil or context.Canceled, got %v", err)
		}
	})

	t.Run("WrapsDataLoader", func(t *testing.T) {
		ds := createImageDataset(t, 5)
		dl := newTestLoader(t, ds, Config{BatchSize: 2, Shuffle: true, Seed: 3})
		dl.Reset()
		direct := drain(t, dl)

		dl2 := newTestLoader(t, ds, Config{BatchSize: 2, Shuffle: true, Seed: 3})
		p := NewPrefetcher(dl2, 2)
		defer p.Close()
		if p.NumBatches() != 3 {
			t.Fatalf("Expected 3 batches, got %d", p.NumBatches())
		}
		p.Reset()
		var prefetched []*Batch
		for {
			b, err := p.Next(context.Background())
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			prefetched = append(prefetched, b)
		}
		if len(prefetched) != len(direct) {
			t.Fatalf("Expected %d batches, got %d", len(direct), len(prefetched))
		}
		for i := range direct {
			if !reflect.DeepEqual(direct[i].Paths, prefetched[i].Paths) {
				t.Errorf("batch %d: expected %v, got %v", i, direct[i].Paths, prefetched[i].Paths)
			}
		}
	})
}
