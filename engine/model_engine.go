package engine

import (
	"fmt"
	"log/slog"
	"math/rand"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/ecgvision/ecgvision/checkpoints"
	"github.com/ecgvision/ecgvision/layers"
	"github.com/ecgvision/ecgvision/optimizer"
)

// LossBuilder adds a loss expression to a graph. PerSample returns a
// vector of length batch with one loss value per row of logits.
type LossBuilder interface {
	PerSample(logits, targets *G.Node) (*G.Node, error)
}

// Config controls engine construction.
type Config struct {
	// BatchSize is the fixed batch dimension of the training and
	// evaluation graphs. Shorter batches are zero padded.
	BatchSize int
	// Seed drives parameter initialisation.
	Seed int64
	// Loss is required for TrainBatch and EvalBatch.
	Loss LossBuilder
	// FrozenSections lists layer sections the optimizer must not update.
	FrozenSections []string
	Logger         *slog.Logger
}

// StepResult is the outcome of one batch.
type StepResult struct {
	Loss   float64
	Scores []float32 // [n * classes], row major
}

type parameter struct {
	info       layers.ParameterInfo
	graphShape []int
	value      *tensor.Dense
	grad       []float32
	frozen     bool
}

type graphKey struct {
	batch    int
	training bool
	withLoss bool
}

type graphSet struct {
	key        graphKey
	g          *G.ExprGraph
	vm         G.VM
	input      *G.Node
	targets    *G.Node
	weights    *G.Node
	params     G.Nodes
	learnables G.Nodes
	logitsVal  G.Value
	costVal    G.Value
	inputT     *tensor.Dense
	targetT    *tensor.Dense
	weightT    *tensor.Dense
}

// ModelEngine executes a compiled ModelSpec with gorgonia. All graphs
// share one set of parameter tensors, so an optimizer step is visible to
// evaluation and inference immediately. Not safe for concurrent use.
type ModelEngine struct {
	spec      *layers.ModelSpec
	exec      ExecutionContext
	loss      LossBuilder
	batchSize int
	params    []*parameter
	graphs    map[graphKey]*graphSet
	logger    *slog.Logger
}

// NewModelEngine validates spec and allocates initialised parameters.
func NewModelEngine(spec *layers.ModelSpec, exec ExecutionContext, cfg Config) (*ModelEngine, error) {
	if spec == nil {
		return nil, fmt.Errorf("model spec is nil")
	}
	if err := spec.ValidateForImageModel(); err != nil {
		return nil, fmt.Errorf("model validation failed: %v", err)
	}
	if exec.Device == "" {
		exec = DefaultExecutionContext()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = spec.BatchSize()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	frozen := make(map[string]bool, len(cfg.FrozenSections))
	for _, s := range cfg.FrozenSections {
		frozen[s] = true
	}

	layerTypes := make(map[string]layers.LayerType, len(spec.Layers))
	for _, l := range spec.Layers {
		layerTypes[l.Name] = l.Type
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	var params []*parameter
	for _, info := range spec.Parameters() {
		shape := graphShape(info, layerTypes[info.Layer])
		data := make([]float32, shapeSize(info.Shape))
		initializeParameter(rng, info, data)
		params = append(params, &parameter{
			info:       info,
			graphShape: shape,
			value:      tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)),
			grad:       make([]float32, len(data)),
			frozen:     frozen[info.Section],
		})
	}

	e := &ModelEngine{
		spec:      spec,
		exec:      exec,
		loss:      cfg.Loss,
		batchSize: batch,
		params:    params,
		graphs:    make(map[graphKey]*graphSet),
		logger:    logger.With("component", "engine"),
	}
	e.logger.Debug("model engine created",
		"parameters", spec.TotalParameters,
		"batch_size", batch,
		"execution", exec.String())
	return e, nil
}

// graphShape lifts bias vectors to broadcastable ranks: [1, C, 1, 1]
// after a convolution, [1, out] after a dense layer.
func graphShape(info layers.ParameterInfo, layerType layers.LayerType) []int {
	if info.Kind != "bias" || len(info.Shape) != 1 {
		return append([]int(nil), info.Shape...)
	}
	if layerType == layers.Conv2D {
		return []int{1, info.Shape[0], 1, 1}
	}
	return []int{1, info.Shape[0]}
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Spec returns the compiled model specification.
func (e *ModelEngine) Spec() *layers.ModelSpec {
	return e.spec
}

// ExecutionContext returns the context the engine was built with.
func (e *ModelEngine) ExecutionContext() ExecutionContext {
	return e.exec
}

// BatchSize returns the fixed training batch dimension.
func (e *ModelEngine) BatchSize() int {
	return e.batchSize
}

// NumClasses returns the width of the score vector.
func (e *ModelEngine) NumClasses() int {
	return e.spec.NumOutputs()
}

// SampleSize returns the number of input values per image.
func (e *ModelEngine) SampleSize() int {
	in := e.spec.InputShape
	return in[1] * in[2] * in[3]
}

// Parameters exposes values and gradients for an optimizer. The slices
// alias engine storage.
func (e *ModelEngine) Parameters() []optimizer.Parameter {
	out := make([]optimizer.Parameter, len(e.params))
	for i, p := range e.params {
		out[i] = optimizer.Parameter{
			Name:   p.info.Name,
			Shape:  p.info.Shape,
			Value:  p.value.Data().([]float32),
			Grad:   p.grad,
			Frozen: p.frozen,
		}
	}
	return out
}

// Weights snapshots the current parameters as checkpoint tensors.
func (e *ModelEngine) Weights() []checkpoints.WeightTensor {
	out := make([]checkpoints.WeightTensor, len(e.params))
	for i, p := range e.params {
		out[i] = checkpoints.WeightTensor{
			Name:  p.info.Name,
			Shape: append([]int(nil), p.info.Shape...),
			Data:  append([]float32(nil), p.value.Data().([]float32)...),
			Layer: p.info.Layer,
			Type:  p.info.Kind,
		}
	}
	return out
}

// LoadWeights replaces every parameter. Names and shapes must match.
func (e *ModelEngine) LoadWeights(weights []checkpoints.WeightTensor) error {
	if err := checkpoints.ValidateWeights(weights, e.spec.Parameters()); err != nil {
		return err
	}
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	for _, p := range e.params {
		copy(p.value.Data().([]float32), byName[p.info.Name].Data)
	}
	return nil
}

// LoadWeightsWhere copies the parameters selected by include from
// weights, leaving the rest untouched. It returns the number loaded.
func (e *ModelEngine) LoadWeightsWhere(weights []checkpoints.WeightTensor, include func(layers.ParameterInfo) bool) (int, error) {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	var selected []*parameter
	var infos []layers.ParameterInfo
	var subset []checkpoints.WeightTensor
	for _, p := range e.params {
		if !include(p.info) {
			continue
		}
		w, ok := byName[p.info.Name]
		if !ok {
			return 0, fmt.Errorf("missing weight %s", p.info.Name)
		}
		selected = append(selected, p)
		infos = append(infos, p.info)
		subset = append(subset, w)
	}
	if err := checkpoints.ValidateWeights(subset, infos); err != nil {
		return 0, err
	}
	for i, p := range selected {
		copy(p.value.Data().([]float32), subset[i].Data)
	}
	return len(selected), nil
}

// ZeroGrad clears the gradient buffers.
func (e *ModelEngine) ZeroGrad() {
	for _, p := range e.params {
		clear(p.grad)
	}
}

// TrainBatch runs forward and backward passes on n samples and leaves the
// gradients in the buffers returned by Parameters.
func (e *ModelEngine) TrainBatch(images, targets []float32, n int) (StepResult, error) {
	gs, err := e.graph(graphKey{batch: e.batchSize, training: true, withLoss: true})
	if err != nil {
		return StepResult{}, err
	}
	e.ZeroGrad()
	zeroNodeGrads(gs.learnables)

	res, err := e.run(gs, images, targets, n)
	if err != nil {
		return StepResult{}, err
	}

	for i, node := range gs.learnables {
		g, err := node.Grad()
		if err != nil {
			return StepResult{}, fmt.Errorf("read gradient of %s: %v", e.params[i].info.Name, err)
		}
		data, ok := g.Data().([]float32)
		if !ok || len(data) != len(e.params[i].grad) {
			return StepResult{}, fmt.Errorf("unexpected gradient for %s", e.params[i].info.Name)
		}
		copy(e.params[i].grad, data)
	}
	return res, nil
}

// EvalBatch computes loss and scores for n samples without gradients or
// dropout.
func (e *ModelEngine) EvalBatch(images, targets []float32, n int) (StepResult, error) {
	gs, err := e.graph(graphKey{batch: e.batchSize, withLoss: true})
	if err != nil {
		return StepResult{}, err
	}
	return e.run(gs, images, targets, n)
}

// Predict returns raw scores for n images, evaluating one image at a time.
func (e *ModelEngine) Predict(images []float32, n int) ([]float32, error) {
	gs, err := e.graph(graphKey{batch: 1})
	if err != nil {
		return nil, err
	}
	sample := e.SampleSize()
	if len(images) < n*sample {
		return nil, fmt.Errorf("expected %d input values for %d images, got %d", n*sample, n, len(images))
	}
	out := make([]float32, 0, n*e.NumClasses())
	for i := 0; i < n; i++ {
		res, err := e.run(gs, images[i*sample:(i+1)*sample], nil, 1)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Scores...)
	}
	return out, nil
}

// Close releases the graph machines.
func (e *ModelEngine) Close() error {
	var firstErr error
	for key, gs := range e.graphs {
		if err := gs.vm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.graphs, key)
	}
	return firstErr
}

func (e *ModelEngine) run(gs *graphSet, images, targets []float32, n int) (StepResult, error) {
	batch := gs.key.batch
	classes := e.NumClasses()
	sample := e.SampleSize()

	if n <= 0 || n > batch {
		return StepResult{}, fmt.Errorf("batch of %d samples does not fit graph batch %d", n, batch)
	}
	if len(images) < n*sample {
		return StepResult{}, fmt.Errorf("expected %d input values, got %d", n*sample, len(images))
	}

	in := gs.inputT.Data().([]float32)
	copy(in, images[:n*sample])
	clear(in[n*sample:])
	if err := G.Let(gs.input, gs.inputT); err != nil {
		return StepResult{}, fmt.Errorf("bind input: %v", err)
	}

	if gs.key.withLoss {
		if len(targets) < n*classes {
			return StepResult{}, fmt.Errorf("expected %d target values, got %d", n*classes, len(targets))
		}
		tg := gs.targetT.Data().([]float32)
		copy(tg, targets[:n*classes])
		clear(tg[n*classes:])

		w := gs.weightT.Data().([]float32)
		for i := range w {
			if i < n {
				w[i] = 1 / float32(n)
			} else {
				w[i] = 0
			}
		}
		if err := G.Let(gs.targets, gs.targetT); err != nil {
			return StepResult{}, fmt.Errorf("bind targets: %v", err)
		}
		if err := G.Let(gs.weights, gs.weightT); err != nil {
			return StepResult{}, fmt.Errorf("bind sample weights: %v", err)
		}
	}

	if err := e.syncShared(gs); err != nil {
		return StepResult{}, err
	}

	defer gs.vm.Reset()
	if err := gs.vm.RunAll(); err != nil {
		return StepResult{}, fmt.Errorf("graph execution failed: %v", err)
	}

	logits, ok := gs.logitsVal.Data().([]float32)
	if !ok {
		return StepResult{}, fmt.Errorf("unexpected logits type %T", gs.logitsVal.Data())
	}
	res := StepResult{Scores: append([]float32(nil), logits[:n*classes]...)}

	if gs.key.withLoss {
		switch v := gs.costVal.Data().(type) {
		case float32:
			res.Loss = float64(v)
		case []float32:
			res.Loss = float64(v[0])
		default:
			return StepResult{}, fmt.Errorf("unexpected loss type %T", v)
		}
	}
	return res, nil
}

func (e *ModelEngine) graph(key graphKey) (*graphSet, error) {
	if gs, ok := e.graphs[key]; ok {
		return gs, nil
	}
	if key.withLoss && e.loss == nil {
		return nil, fmt.Errorf("engine has no loss function")
	}
	gs, err := e.buildGraph(key)
	if err != nil {
		return nil, err
	}
	e.graphs[key] = gs
	e.logger.Debug("graph compiled", "batch", key.batch, "training", key.training, "loss", key.withLoss)
	return gs, nil
}

func (e *ModelEngine) buildGraph(key graphKey) (*graphSet, error) {
	g := G.NewGraph()
	in := e.spec.InputShape
	classes := e.NumClasses()

	gs := &graphSet{key: key, g: g}
	gs.inputT = tensor.New(tensor.WithShape(key.batch, in[1], in[2], in[3]), tensor.Of(tensor.Float32))
	gs.input = G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(key.batch, in[1], in[2], in[3]), G.WithName("input"), G.WithValue(gs.inputT))

	paramNodes := make(G.Nodes, len(e.params))
	for i, p := range e.params {
		paramNodes[i] = G.NewTensor(g, tensor.Float32, len(p.graphShape),
			G.WithShape(p.graphShape...), G.WithName(p.info.Name), G.WithValue(p.value))
	}
	gs.params = paramNodes

	logits, err := forward(gs.input, e.spec, paramNodes, key.batch, key.training)
	if err != nil {
		return nil, fmt.Errorf("build forward graph: %v", err)
	}
	G.Read(logits, &gs.logitsVal)

	if !key.withLoss {
		gs.vm = G.NewTapeMachine(g)
		return gs, nil
	}

	gs.targetT = tensor.New(tensor.WithShape(key.batch, classes), tensor.Of(tensor.Float32))
	gs.targets = G.NewMatrix(g, tensor.Float32,
		G.WithShape(key.batch, classes), G.WithName("targets"), G.WithValue(gs.targetT))
	gs.weightT = tensor.New(tensor.WithShape(key.batch), tensor.Of(tensor.Float32))
	gs.weights = G.NewVector(g, tensor.Float32,
		G.WithShape(key.batch), G.WithName("sample_weights"), G.WithValue(gs.weightT))

	perSample, err := e.loss.PerSample(logits, gs.targets)
	if err != nil {
		return nil, fmt.Errorf("build loss: %v", err)
	}
	weighted, err := G.HadamardProd(perSample, gs.weights)
	if err != nil {
		return nil, fmt.Errorf("weight loss: %v", err)
	}
	cost, err := G.Sum(weighted)
	if err != nil {
		return nil, fmt.Errorf("reduce loss: %v", err)
	}
	G.Read(cost, &gs.costVal)

	if !key.training {
		gs.vm = G.NewTapeMachine(g)
		return gs, nil
	}

	if _, err := G.Grad(cost, paramNodes...); err != nil {
		return nil, fmt.Errorf("build gradients: %v", err)
	}
	gs.learnables = paramNodes
	gs.vm = G.NewTapeMachine(g, G.BindDualValues(paramNodes...))
	return gs, nil
}

func zeroNodeGrads(nodes G.Nodes) {
	for _, n := range nodes {
		g, err := n.Grad()
		if err != nil || g == nil {
			continue
		}
		if data, ok := g.Data().([]float32); ok {
			clear(data)
		}
	}
}

// syncShared rebinds any parameter node whose value no longer aliases the
// engine tensor, which happens when a machine wraps values on binding.
func (e *ModelEngine) syncShared(gs *graphSet) error {
	for i, node := range gs.params {
		want := e.params[i].value.Data().([]float32)
		v := node.Value()
		if v == nil {
			if err := G.Let(node, e.params[i].value); err != nil {
				return fmt.Errorf("bind %s: %v", e.params[i].info.Name, err)
			}
			continue
		}
		got, ok := v.Data().([]float32)
		if !ok || len(got) != len(want) {
			return fmt.Errorf("parameter %s has unexpected value", e.params[i].info.Name)
		}
		if &got[0] != &want[0] {
			copy(got, want)
		}
	}
	return nil
}
