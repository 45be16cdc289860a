package dataloader

import (
	"github.com/ecgvision/ecgvision/vision/preprocessing"
)

// NewSharedDataLoaders creates train and validation loaders over one base
// image cache. The training loader shuffles and augments; the validation
// loader keeps dataset order and only resizes and normalizes. A zero
// CacheSize caches every image of both sets.
func NewSharedDataLoaders(trainDataset, valDataset Dataset, config Config, augmenter *preprocessing.Augmenter) (*DataLoader, *DataLoader, error) {
	cacheSize := config.CacheSize
	if cacheSize == 0 {
		cacheSize = trainDataset.Len() + valDataset.Len()
	}
	sharedCache := config.Cache
	if sharedCache == nil {
		sharedCache = NewCacheManager(cacheSize)
	}

	trainConfig := config
	trainConfig.Cache = sharedCache
	trainConfig.Shuffle = true
	trainConfig.Augmenter = augmenter
	trainLoader, err := New(trainDataset, trainConfig)
	if err != nil {
		return nil, nil, err
	}

	valConfig := config
	valConfig.Cache = sharedCache
	valConfig.Shuffle = false
	valConfig.Augmenter = nil
	valLoader, err := New(valDataset, valConfig)
	if err != nil {
		return nil, nil, err
	}

	return trainLoader, valLoader, nil
}
