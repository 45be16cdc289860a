package training

import "fmt"

// EpochAccumulator gathers batch losses, scores, and targets for one
// phase of one epoch. It is a value: Add returns the updated accumulator
// and the zero value is never shared between epochs.
//
// Accumulators derived from one another share a buffer. Each owns a
// prefix of it, and Add appends in place only when the receiver owns the
// whole buffer, so a linear chain of Adds grows amortised and a branch
// copies once.
type EpochAccumulator struct {
	classes int
	lossSum float64
	batches int
	buf     *sampleBuffer
	n       int
}

type sampleBuffer struct {
	scores  []float32
	targets []float32
}

// NewEpochAccumulator returns an empty accumulator for classes columns.
func NewEpochAccumulator(classes int) EpochAccumulator {
	return EpochAccumulator{classes: classes}
}

// Add records one batch of n samples.
func (a EpochAccumulator) Add(loss float64, n int, scores, targets []float32) (EpochAccumulator, error) {
	want := n * a.classes
	if len(scores) < want || len(targets) < want {
		return a, fmt.Errorf("batch of %d samples needs %d values, got %d scores and %d targets",
			n, want, len(scores), len(targets))
	}
	if a.buf == nil || len(a.buf.scores) != a.n {
		owned := &sampleBuffer{}
		if a.buf != nil {
			owned.scores = append([]float32(nil), a.buf.scores[:a.n]...)
			owned.targets = append([]float32(nil), a.buf.targets[:a.n]...)
		}
		a.buf = owned
	}
	a.buf.scores = append(a.buf.scores, scores[:want]...)
	a.buf.targets = append(a.buf.targets, targets[:want]...)
	a.n += want
	a.lossSum += loss
	a.batches++
	return a, nil
}

func (a EpochAccumulator) values() (scores, targets []float32) {
	if a.buf == nil {
		return nil, nil
	}
	return a.buf.scores[:a.n:a.n], a.buf.targets[:a.n:a.n]
}

// Batches returns the number of batches recorded.
func (a EpochAccumulator) Batches() int {
	return a.batches
}

// Samples returns the number of samples recorded.
func (a EpochAccumulator) Samples() int {
	if a.classes == 0 {
		return 0
	}
	return a.n / a.classes
}

// MeanLoss is the mean of the batch losses.
func (a EpochAccumulator) MeanLoss() float64 {
	if a.batches == 0 {
		return 0
	}
	return a.lossSum / float64(a.batches)
}

// Metrics scores everything recorded so far.
func (a EpochAccumulator) Metrics(avg Averaging, threshold float64) (EpochMetrics, error) {
	scores, targets := a.values()
	return ComputeEpochMetrics(scores, targets, a.Samples(), a.classes, avg, threshold)
}
