package dataloader

import (
	"context"
	"fmt"
	"image"
	"io"
	"math/rand"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ecgvision/ecgvision/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, target []float32, err error)
	NumClasses() int
}

// Batch is one mini-batch in CHW layout. Images holds Size samples of
// channels*height*width values; Targets holds Size multi-hot vectors.
type Batch struct {
	Images  []float32
	Targets []float32
	Size    int
	Paths   []string
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	Workers   int // Parallel decoders per batch; 0 means GOMAXPROCS
	CacheSize int // Maximum number of base images to cache

	Processor *preprocessing.ImageProcessor
	Augmenter *preprocessing.Augmenter // nil disables augmentation
	Cache     *CacheManager            // Optional shared cache
}

// DataLoader yields batches of preprocessed images. It is driven by one
// goroutine; decoding inside a batch is parallel.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	seed      int64
	workers   int
	indices   []int
	position  int
	epoch     int64
	mu        sync.Mutex

	// Draws per-sample augmentation seeds in batch order
	sampleRNG *rand.Rand

	cacheManager *CacheManager
	processor    *preprocessing.ImageProcessor
	augmenter    *preprocessing.Augmenter
}

// New creates a data loader. Samples are visited in dataset order until the
// first Reset.
func New(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset is nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Processor == nil {
		return nil, fmt.Errorf("image processor is required")
	}
	workers := config.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	cache := config.Cache
	if cache == nil {
		cache = NewCacheManager(config.CacheSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:      dataset,
		batchSize:    config.BatchSize,
		shuffle:      config.Shuffle,
		seed:         config.Seed,
		workers:      workers,
		indices:      indices,
		sampleRNG:    rand.New(rand.NewSource(config.Seed)),
		cacheManager: cache,
		processor:    config.Processor,
		augmenter:    config.Augmenter,
	}, nil
}

// Reset rewinds to the beginning. With shuffling enabled each call
// reorders the samples from a seed derived from the loader seed and the
// number of previous resets.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		for i := range dl.indices {
			dl.indices[i] = i
		}
		rng := rand.New(rand.NewSource(dl.seed + dl.epoch*1_000_003))
		rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	dl.epoch++
}

// Workers returns how many images are decoded in parallel.
func (dl *DataLoader) Workers() int {
	return dl.workers
}

// NumBatches returns the number of batches per pass
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Len returns the number of samples per pass
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// Next loads the next batch. It returns io.EOF when the pass is complete.
// The last batch of a pass may be smaller than the batch size.
func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, io.EOF
	}
	n := min(dl.batchSize, remaining)
	picked := dl.indices[dl.position : dl.position+n]

	seeds := make([]int64, n)
	if dl.augmenter != nil {
		for i := range seeds {
			seeds[i] = dl.sampleRNG.Int63()
		}
	}

	sample := dl.processor.SampleSize()
	classes := dl.dataset.NumClasses()
	batch := &Batch{
		Images:  make([]float32, n*sample),
		Targets: make([]float32, n*classes),
		Size:    n,
		Paths:   make([]string, n),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.workers)
	for i, idx := range picked {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path, target, err := dl.dataset.GetItem(idx)
			if err != nil {
				return err
			}
			if len(target) != classes {
				return fmt.Errorf("sample %d has %d targets, expected %d", idx, len(target), classes)
			}
			img, err := dl.loadImageWithCache(path)
			if err != nil {
				return err
			}
			if dl.augmenter != nil {
				img = dl.augmenter.Apply(img, rand.New(rand.NewSource(seeds[i])))
			}
			if err := dl.processor.ToTensor(img, batch.Images[i*sample:(i+1)*sample]); err != nil {
				return fmt.Errorf("failed to convert %s: %w", path, err)
			}
			copy(batch.Targets[i*classes:(i+1)*classes], target)
			batch.Paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dl.position += n
	return batch, nil
}

// loadImageWithCache loads a resized base image with caching support
func (dl *DataLoader) loadImageWithCache(imagePath string) (*image.NRGBA, error) {
	if img, ok := dl.cacheManager.Get(imagePath); ok {
		return img, nil
	}
	img, err := dl.processor.Load(imagePath)
	if err != nil {
		return nil, err
	}
	dl.cacheManager.Put(imagePath, img)
	return img, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() CacheStats {
	return dl.cacheManager.Stats()
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}
