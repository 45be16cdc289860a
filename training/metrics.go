package training

import (
	"fmt"
	"sort"
)

// Averaging selects how multi-label scores are reduced to one number.
type Averaging string

const (
	// AveragePooled flattens every (sample, class) pair into one binary
	// problem.
	AveragePooled Averaging = "pooled"
	// AverageMacro scores each class column and averages the columns that
	// contain both outcomes.
	AverageMacro Averaging = "macro"
	// AverageSamples scores each sample row and averages the rows that
	// contain both outcomes.
	AverageSamples Averaging = "samples"
)

// ParseAveraging maps a configuration string to an Averaging mode.
func ParseAveraging(s string) (Averaging, error) {
	switch Averaging(s) {
	case "", AveragePooled:
		return AveragePooled, nil
	case AverageMacro, AverageSamples:
		return Averaging(s), nil
	default:
		return "", fmt.Errorf("unsupported averaging %q", s)
	}
}

// EpochMetrics holds ranking and threshold metrics for one phase.
type EpochMetrics struct {
	AUROC   float64
	AUPRC   float64
	MicroF1 float64
}

// ComputeEpochMetrics scores n rows of classes columns. Targets are 0/1.
func ComputeEpochMetrics(scores, targets []float32, n, classes int, avg Averaging, threshold float64) (EpochMetrics, error) {
	if n*classes != len(scores) || len(scores) != len(targets) {
		return EpochMetrics{}, fmt.Errorf("expected %d scores and targets, got %d and %d", n*classes, len(scores), len(targets))
	}
	if n == 0 {
		return EpochMetrics{}, nil
	}

	var m EpochMetrics
	switch avg {
	case AveragePooled, "":
		m.AUROC = CalculateAUCROC(scores, targets)
		m.AUPRC = AveragePrecision(scores, targets)
	case AverageMacro:
		m.AUROC, m.AUPRC = averageGroups(classes, func(c int) ([]float32, []float32) {
			s := make([]float32, n)
			t := make([]float32, n)
			for i := 0; i < n; i++ {
				s[i] = scores[i*classes+c]
				t[i] = targets[i*classes+c]
			}
			return s, t
		})
	case AverageSamples:
		m.AUROC, m.AUPRC = averageGroups(n, func(i int) ([]float32, []float32) {
			return scores[i*classes : (i+1)*classes], targets[i*classes : (i+1)*classes]
		})
	default:
		return EpochMetrics{}, fmt.Errorf("unsupported averaging %q", avg)
	}
	m.MicroF1 = MicroF1(scores, targets, threshold)
	return m, nil
}

// averageGroups averages AUROC and AUPRC over groups that contain both a
// positive and a negative label. It returns zeros when none do.
func averageGroups(count int, group func(int) ([]float32, []float32)) (float64, float64) {
	var auroc, auprc float64
	var used int
	for g := 0; g < count; g++ {
		s, t := group(g)
		pos, neg := countLabels(t)
		if pos == 0 || neg == 0 {
			continue
		}
		auroc += CalculateAUCROC(s, t)
		auprc += AveragePrecision(s, t)
		used++
	}
	if used == 0 {
		return 0, 0
	}
	return auroc / float64(used), auprc / float64(used)
}

func countLabels(targets []float32) (pos, neg int) {
	for _, t := range targets {
		if t > 0.5 {
			pos++
		} else {
			neg++
		}
	}
	return pos, neg
}

type scoredLabel struct {
	score    float32
	positive bool
}

// sortedByScore orders pairs by descending score.
func sortedByScore(scores, targets []float32) []scoredLabel {
	pairs := make([]scoredLabel, len(scores))
	for i := range scores {
		pairs[i] = scoredLabel{score: scores[i], positive: targets[i] > 0.5}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})
	return pairs
}

// CalculateAUCROC computes the area under the ROC curve with the
// trapezoidal rule. Tied scores form a single curve point. It returns 0
// when only one class is present.
func CalculateAUCROC(scores, targets []float32) float64 {
	if len(scores) != len(targets) || len(scores) == 0 {
		return 0.0
	}
	totalPos, totalNeg := countLabels(targets)
	if totalPos == 0 || totalNeg == 0 {
		return 0.0
	}

	pairs := sortedByScore(scores, targets)
	auc := 0.0
	tp, fp := 0, 0
	prevTPR, prevFPR := 0.0, 0.0

	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].positive {
				tp++
			} else {
				fp++
			}
			j++
		}
		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2.0
		prevTPR, prevFPR = tpr, fpr
		i = j
	}
	return auc
}

// AveragePrecision computes sum_n (R_n - R_{n-1}) * P_n over distinct
// score thresholds. It returns 0 when there are no positives.
func AveragePrecision(scores, targets []float32) float64 {
	if len(scores) != len(targets) || len(scores) == 0 {
		return 0.0
	}
	totalPos, _ := countLabels(targets)
	if totalPos == 0 {
		return 0.0
	}

	pairs := sortedByScore(scores, targets)
	ap := 0.0
	tp, seen := 0, 0
	prevRecall := 0.0

	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].positive {
				tp++
			}
			seen++
			j++
		}
		recall := float64(tp) / float64(totalPos)
		precision := float64(tp) / float64(seen)
		ap += (recall - prevRecall) * precision
		prevRecall = recall
		i = j
	}
	return ap
}

// MicroF1 thresholds every score at threshold (inclusive) and computes F1
// over all pairs. It returns 0 when there are no positive labels or
// predictions.
func MicroF1(scores, targets []float32, threshold float64) float64 {
	var tp, fp, fn int
	for i := range scores {
		pred := float64(scores[i]) >= threshold
		actual := targets[i] > 0.5
		switch {
		case pred && actual:
			tp++
		case pred:
			fp++
		case actual:
			fn++
		}
	}
	denom := 2*tp + fp + fn
	if denom == 0 {
		return 0.0
	}
	return float64(2*tp) / float64(denom)
}
