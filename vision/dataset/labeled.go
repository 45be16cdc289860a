package dataset

import (
	"fmt"
	"math"
	"math/rand"
)

// LabeledImageDataset pairs image paths with multi-hot target vectors over
// a fixed vocabulary.
type LabeledImageDataset struct {
	classes    []string
	classToIdx map[string]int
	imagePaths []string
	targets    [][]float32
}

// NewLabeledImageDataset builds targets for paths[i] from labels[i].
// Labels outside vocabulary are ignored.
func NewLabeledImageDataset(vocabulary []string, paths []string, labels [][]string) (*LabeledImageDataset, error) {
	if len(vocabulary) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}
	if len(paths) != len(labels) {
		return nil, fmt.Errorf("got %d image paths and %d label sets", len(paths), len(labels))
	}

	d := &LabeledImageDataset{
		classes:    append([]string(nil), vocabulary...),
		classToIdx: make(map[string]int, len(vocabulary)),
		imagePaths: append([]string(nil), paths...),
		targets:    make([][]float32, len(paths)),
	}
	for i, c := range vocabulary {
		d.classToIdx[c] = i
	}
	for i, set := range labels {
		t := make([]float32, len(vocabulary))
		for _, l := range set {
			if idx, ok := d.classToIdx[l]; ok {
				t[idx] = 1
			}
		}
		d.targets[i] = t
	}
	return d, nil
}

// FromRecords builds a dataset from scanned records.
func FromRecords(vocabulary []string, records []LabeledRecord) (*LabeledImageDataset, error) {
	paths := make([]string, len(records))
	labels := make([][]string, len(records))
	for i, r := range records {
		paths[i] = r.Image
		labels[i] = r.Labels
	}
	return NewLabeledImageDataset(vocabulary, paths, labels)
}

// Len returns the number of items in the dataset
func (d *LabeledImageDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and target vector at index
func (d *LabeledImageDataset) GetItem(index int) (string, []float32, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.targets[index], nil
}

// NumClasses returns the vocabulary size
func (d *LabeledImageDataset) NumClasses() int {
	return len(d.classes)
}

// ClassNames returns the vocabulary in output order
func (d *LabeledImageDataset) ClassNames() []string {
	return d.classes
}

// ClassDistribution counts positive samples per class
func (d *LabeledImageDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, t := range d.targets {
		for i, v := range t {
			if v > 0 {
				dist[d.classes[i]]++
			}
		}
	}
	return dist
}

// Split partitions the dataset into train and validation sets with a
// seeded shuffle. With two or more samples the validation set holds at
// least one sample and the training set at least one. A single sample is
// returned in both sets.
func (d *LabeledImageDataset) Split(validFraction float64, seed int64) (*LabeledImageDataset, *LabeledImageDataset, error) {
	if validFraction <= 0 || validFraction >= 1 {
		return nil, nil, fmt.Errorf("validation fraction must be in (0, 1), got %v", validFraction)
	}
	n := d.Len()
	if n == 0 {
		return nil, nil, fmt.Errorf("cannot split an empty dataset")
	}
	if n == 1 {
		return d.Subset([]int{0}), d.Subset([]int{0}), nil
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})

	validSize := int(math.Ceil(float64(n) * validFraction))
	validSize = min(max(validSize, 1), n-1)

	return d.Subset(indices[validSize:]), d.Subset(indices[:validSize]), nil
}

// Subset creates a dataset with the items at indices, in that order
func (d *LabeledImageDataset) Subset(indices []int) *LabeledImageDataset {
	subset := &LabeledImageDataset{
		classes:    d.classes,
		classToIdx: d.classToIdx,
		imagePaths: make([]string, len(indices)),
		targets:    make([][]float32, len(indices)),
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.targets[i] = d.targets[idx]
	}
	return subset
}

// String returns a string representation of the dataset
func (d *LabeledImageDataset) String() string {
	s := fmt.Sprintf("LabeledImageDataset: %d samples, %d classes", len(d.imagePaths), len(d.classes))
	dist := d.ClassDistribution()
	for _, c := range d.classes {
		s += fmt.Sprintf("\n  %s: %d", c, dist[c])
	}
	return s
}
