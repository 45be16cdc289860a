package training

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
)

// Cross-entropy variants inside the focal loss.
const (
	// LossSoftmax applies softmax cross-entropy across the class axis
	// against the multi-hot target row, one term per sample.
	LossSoftmax = "softmax"
	// LossSigmoid applies per-class binary cross-entropy and averages the
	// focal terms over classes.
	LossSigmoid = "sigmoid"
)

// FocalLoss scales cross-entropy by alpha * (1 - pt)^gamma where
// pt = exp(-ce), down-weighting samples the model already gets right.
type FocalLoss struct {
	Alpha float64
	Gamma float64
	Mode  string
}

// NewFocalLoss returns a focal loss with the given mode. An empty mode
// selects softmax.
func NewFocalLoss(alpha, gamma float64, mode string) (*FocalLoss, error) {
	if mode == "" {
		mode = LossSoftmax
	}
	if mode != LossSoftmax && mode != LossSigmoid {
		return nil, fmt.Errorf("unsupported focal loss mode %q", mode)
	}
	if alpha <= 0 {
		return nil, fmt.Errorf("alpha must be positive, got %v", alpha)
	}
	if gamma < 0 {
		return nil, fmt.Errorf("gamma must not be negative, got %v", gamma)
	}
	return &FocalLoss{Alpha: alpha, Gamma: gamma, Mode: mode}, nil
}

// DefaultFocalLoss is alpha 1, gamma 2, softmax cross-entropy.
func DefaultFocalLoss() *FocalLoss {
	return &FocalLoss{Alpha: 1, Gamma: 2, Mode: LossSoftmax}
}

// PerSample builds the focal loss graph for logits and targets of shape
// [batch, classes] and returns a [batch] vector.
func (fl *FocalLoss) PerSample(logits, targets *G.Node) (*G.Node, error) {
	var ce *G.Node
	var err error
	switch fl.Mode {
	case LossSoftmax, "":
		ce, err = softmaxCrossEntropy(logits, targets)
	case LossSigmoid:
		ce, err = binaryCrossEntropy(logits, targets)
	default:
		return nil, fmt.Errorf("unsupported focal loss mode %q", fl.Mode)
	}
	if err != nil {
		return nil, err
	}

	focal, err := fl.modulate(ce)
	if err != nil {
		return nil, err
	}
	if fl.Mode == LossSigmoid {
		return G.Mean(focal, 1)
	}
	return focal, nil
}

func (fl *FocalLoss) modulate(ce *G.Node) (*G.Node, error) {
	pt, err := G.Exp(G.Must(G.Neg(ce)))
	if err != nil {
		return nil, err
	}
	oneMinus, err := G.Sub(G.NewConstant(float32(1)), pt)
	if err != nil {
		return nil, err
	}

	var weight *G.Node
	switch fl.Gamma {
	case 0:
		weight = nil
	case 1:
		weight = oneMinus
	case 2:
		weight, err = G.Square(oneMinus)
	default:
		weight, err = G.Pow(oneMinus, G.NewConstant(float32(fl.Gamma)))
	}
	if err != nil {
		return nil, err
	}

	out := ce
	if weight != nil {
		if out, err = G.HadamardProd(weight, ce); err != nil {
			return nil, err
		}
	}
	if fl.Alpha != 1 {
		if out, err = G.Mul(G.NewConstant(float32(fl.Alpha)), out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// softmaxCrossEntropy is -sum_c t_c * log_softmax(x)_c per row, with the
// log-sum-exp shifted by the row max.
func softmaxCrossEntropy(logits, targets *G.Node) (*G.Node, error) {
	rowMax, err := G.Max(logits, 1)
	if err != nil {
		return nil, err
	}
	shifted, err := G.BroadcastSub(logits, rowMax, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	sumExp, err := G.Sum(G.Must(G.Exp(shifted)), 1)
	if err != nil {
		return nil, err
	}
	lse, err := G.Log(sumExp)
	if err != nil {
		return nil, err
	}
	logp, err := G.BroadcastSub(shifted, lse, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	prod, err := G.HadamardProd(targets, logp)
	if err != nil {
		return nil, err
	}
	return G.Neg(G.Must(G.Sum(prod, 1)))
}

// binaryCrossEntropy is max(x,0) - x*t + log(1 + exp(-|x|)) elementwise.
func binaryCrossEntropy(logits, targets *G.Node) (*G.Node, error) {
	xt, err := G.HadamardProd(logits, targets)
	if err != nil {
		return nil, err
	}
	lhs, err := G.Sub(G.Must(G.Rectify(logits)), xt)
	if err != nil {
		return nil, err
	}
	soft, err := G.Log1p(G.Must(G.Exp(G.Must(G.Neg(G.Must(G.Abs(logits)))))))
	if err != nil {
		return nil, err
	}
	return G.Add(lhs, soft)
}

// Compute evaluates the mean focal loss over n rows of scores and targets
// without a graph.
func (fl *FocalLoss) Compute(scores, targets []float32, n, classes int) (float64, error) {
	if n <= 0 || classes <= 0 {
		return 0, fmt.Errorf("invalid batch %dx%d", n, classes)
	}
	if len(scores) < n*classes || len(targets) < n*classes {
		return 0, fmt.Errorf("expected %d values, got %d scores and %d targets", n*classes, len(scores), len(targets))
	}

	var total float64
	for i := 0; i < n; i++ {
		row := scores[i*classes : (i+1)*classes]
		tgt := targets[i*classes : (i+1)*classes]
		switch fl.Mode {
		case LossSigmoid:
			var s float64
			for c := range row {
				x, t := float64(row[c]), float64(tgt[c])
				ce := math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
				s += fl.focal(ce)
			}
			total += s / float64(classes)
		default:
			m := math.Inf(-1)
			for _, v := range row {
				m = math.Max(m, float64(v))
			}
			var sumExp float64
			for _, v := range row {
				sumExp += math.Exp(float64(v) - m)
			}
			lse := m + math.Log(sumExp)
			var ce float64
			for c, v := range row {
				ce -= float64(tgt[c]) * (float64(v) - lse)
			}
			total += fl.focal(ce)
		}
	}
	return total / float64(n), nil
}

func (fl *FocalLoss) focal(ce float64) float64 {
	pt := math.Exp(-ce)
	return fl.Alpha * math.Pow(1-pt, fl.Gamma) * ce
}
