// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package clip implements a dual-encoder contrastive model over precomputed
// image and text feature vectors. Two projection heads map each modality into
// a shared embedding space; a learnable temperature scales the pairwise
// similarity logits; the training loss is the symmetric cross-entropy over
// the batch similarity matrix with diagonal ground truth.
//
// The model runs on GoMLX. The pure Go engine (simplego) is always available;
// XLA can be selected through Config.Device.
package clip

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"go.uber.org/zap"

	// Pure Go engine, always available (no CGO).
	_ "github.com/gomlx/gomlx/backends/simplego"
)

// TemperatureInit is the initial value of the learnable temperature scalar,
// ln(1/0.07). The similarity logits are scaled by exp(temperature), so the
// initial scale is ~14.3. Training stability depends on this exact value.
const TemperatureInit = 2.6592600369327783 // math.Log(1 / 0.07)

const layerNormEpsilon = 1e-5

// Parameter is one named model parameter with its shape and row-major data.
// The slice returned by Model.Parameters is the complete, ordered set of
// trainable state: two projection heads plus the temperature scalar.
type Parameter struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"-"`
}

// headParams holds the variables of one projection head.
type headParams struct {
	weights   *mlctx.Variable // [inDim, D]
	bias      *mlctx.Variable // [D]
	fcWeights *mlctx.Variable // [D, D], residual variant only
	fcBias    *mlctx.Variable // [D], residual variant only
	gain      *mlctx.Variable // [D], LayerNorm scale
	offset    *mlctx.Variable // [D], LayerNorm shift
}

// Model owns the two projection heads and the temperature scalar. It computes
// the symmetric contrastive loss over paired batches and projects single
// modalities for index building and queries. Parameter updates are the
// training loop's responsibility via NewTrainStep.
//
// Not safe for concurrent use; training and retrieval are separate,
// sequential invocations.
type Model struct {
	cfg    Config
	logger *zap.Logger

	engine backends.Backend
	ctx    *mlctx.Context

	image       headParams
	text        headParams
	temperature *mlctx.Variable

	// Ordered variable list backing Parameters and persistence.
	ordered []namedVar

	lossExec *mlctx.Exec
	imgExec  *mlctx.Exec
	txtExec  *mlctx.Exec
}

type namedVar struct {
	name string
	v    *mlctx.Variable
}

// NewModel creates a model with freshly initialized parameters: Xavier-normal
// projection weights (stddev sqrt(2/(fanIn+fanOut)), seeded), zero biases,
// unit LayerNorm gain, and temperature ln(1/0.07).
func NewModel(cfg Config, logger *zap.Logger) (*Model, error) {
	return newModel(cfg, nil, logger)
}

// NewModelFromParameters creates a model from a previously captured parameter
// set. The parameters must match exactly the names and shapes the given
// config produces; any drift is a configuration error.
func NewModelFromParameters(cfg Config, params []Parameter, logger *zap.Logger) (*Model, error) {
	if params == nil {
		return nil, fmt.Errorf("nil parameter set")
	}
	return newModel(cfg, params, logger)
}

func newModel(cfg Config, params []Parameter, logger *zap.Logger) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	engine, err := newEngine(cfg.device())
	if err != nil {
		return nil, fmt.Errorf("creating %q engine: %w", cfg.device(), err)
	}

	m := &Model{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		ctx:    mlctx.New(),
	}

	if params == nil {
		params = initialParameters(cfg)
	} else if err := checkParameters(cfg, params); err != nil {
		return nil, err
	}
	if err := m.createVariables(params); err != nil {
		return nil, err
	}
	if err := m.compile(); err != nil {
		return nil, err
	}

	logger.Debug("Created CLIP model",
		zap.Int("imageEmbedding", cfg.ImageEmbedding),
		zap.Int("textEmbedding", cfg.TextEmbedding),
		zap.Int("projectionDim", cfg.ProjectionDim),
		zap.String("variant", string(cfg.variant())),
		zap.String("device", cfg.device()))
	return m, nil
}

// newEngine creates a gomlx backend engine, catching panics from engines
// that fail hard on missing runtime dependencies (e.g. a PJRT plugin).
func newEngine(config string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("engine %q panicked during initialization: %v", config, r)
		}
	}()
	return backends.NewWithConfig(config)
}

// paramSpec describes one expected parameter for a config.
type paramSpec struct {
	name  string
	shape []int
}

func paramSpecs(cfg Config) []paramSpec {
	d := cfg.ProjectionDim
	specs := make([]paramSpec, 0, 13)
	for _, head := range []struct {
		scope string
		inDim int
	}{
		{"image_projection", cfg.ImageEmbedding},
		{"text_projection", cfg.TextEmbedding},
	} {
		specs = append(specs,
			paramSpec{head.scope + "/weights", []int{head.inDim, d}},
			paramSpec{head.scope + "/bias", []int{d}},
		)
		if cfg.variant() == VariantResidual {
			specs = append(specs,
				paramSpec{head.scope + "/fc_weights", []int{d, d}},
				paramSpec{head.scope + "/fc_bias", []int{d}},
			)
		}
		specs = append(specs,
			paramSpec{head.scope + "/ln_gain", []int{d}},
			paramSpec{head.scope + "/ln_offset", []int{d}},
		)
	}
	specs = append(specs, paramSpec{"temperature", []int{}})
	return specs
}

// initialParameters builds the fresh parameter set for a config, seeded.
func initialParameters(cfg Config) []Parameter {
	rng := rand.New(rand.NewSource(cfg.Seed))
	specs := paramSpecs(cfg)
	params := make([]Parameter, 0, len(specs))
	for _, s := range specs {
		params = append(params, Parameter{Name: s.name, Shape: s.shape, Data: initialData(s, rng)})
	}
	return params
}

func initialData(s paramSpec, rng *rand.Rand) []float32 {
	n := 1
	for _, d := range s.shape {
		n *= d
	}
	data := make([]float32, n)
	switch {
	case s.name == "temperature":
		data[0] = float32(TemperatureInit)
	case len(s.shape) == 2:
		// Xavier-normal keeps the initial similarity logits well-scaled.
		fanIn, fanOut := s.shape[0], s.shape[1]
		std := math.Sqrt(2.0 / float64(fanIn+fanOut))
		for i := range data {
			data[i] = float32(rng.NormFloat64() * std)
		}
	case strings.HasSuffix(s.name, "ln_gain"):
		for i := range data {
			data[i] = 1
		}
	}
	return data
}

// checkParameters verifies a loaded parameter set against the config's
// expected names and shapes, in order.
func checkParameters(cfg Config, params []Parameter) error {
	specs := paramSpecs(cfg)
	if len(params) != len(specs) {
		return fmt.Errorf("parameter count mismatch: expected %d, got %d", len(specs), len(params))
	}
	for i, s := range specs {
		p := params[i]
		if p.Name != s.name {
			return fmt.Errorf("parameter %d: expected %q, got %q", i, s.name, p.Name)
		}
		n := 1
		if len(p.Shape) != len(s.shape) {
			return fmt.Errorf("parameter %q: shape mismatch: expected %v, got %v", p.Name, s.shape, p.Shape)
		}
		for j, d := range s.shape {
			if p.Shape[j] != d {
				return fmt.Errorf("parameter %q: shape mismatch: expected %v, got %v", p.Name, s.shape, p.Shape)
			}
			n *= d
		}
		if len(p.Data) != n {
			return fmt.Errorf("parameter %q: data length %d does not match shape %v", p.Name, len(p.Data), p.Shape)
		}
	}
	return nil
}

// createVariables installs the parameter set into the gomlx context and
// records the variable handles in canonical parameter order.
func (m *Model) createVariables(params []Parameter) error {
	byName := make(map[string]*mlctx.Variable, len(params))
	for _, p := range params {
		var t *tensors.Tensor
		if len(p.Shape) == 0 {
			t = tensors.FromFlatDataAndDimensions(p.Data)
		} else {
			t = tensors.FromFlatDataAndDimensions(p.Data, p.Shape...)
		}
		scope, name := splitParamName(p.Name)
		var v *mlctx.Variable
		if scope == "" {
			v = m.ctx.VariableWithValue(name, t)
		} else {
			v = m.ctx.In(scope).VariableWithValue(name, t)
		}
		if v == nil {
			return fmt.Errorf("creating variable %q", p.Name)
		}
		byName[p.Name] = v
		m.ordered = append(m.ordered, namedVar{name: p.Name, v: v})
	}

	residual := m.cfg.variant() == VariantResidual
	for _, head := range []struct {
		scope string
		dst   *headParams
	}{
		{"image_projection", &m.image},
		{"text_projection", &m.text},
	} {
		dst := head.dst
		dst.weights = byName[head.scope+"/weights"]
		dst.bias = byName[head.scope+"/bias"]
		dst.gain = byName[head.scope+"/ln_gain"]
		dst.offset = byName[head.scope+"/ln_offset"]
		if residual {
			dst.fcWeights = byName[head.scope+"/fc_weights"]
			dst.fcBias = byName[head.scope+"/fc_bias"]
		}
	}
	m.temperature = byName["temperature"]
	return nil
}

func splitParamName(full string) (scope, name string) {
	for i := range full {
		if full[i] == '/' {
			return full[:i], full[i+1:]
		}
	}
	return "", full
}

// compile pre-builds the forward-only executables: the symmetric loss and the
// per-modality projection+normalization used for index building and queries.
func (m *Model) compile() error {
	var err error
	m.lossExec, err = mlctx.NewExecAny(m.engine, m.ctx, func(ctx *mlctx.Context, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{m.lossGraph(ctx, inputs[0], inputs[1], false)}
	})
	if err != nil {
		return fmt.Errorf("compiling loss graph: %w", err)
	}
	m.imgExec, err = mlctx.NewExecAny(m.engine, m.ctx, func(ctx *mlctx.Context, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{l2Normalize(m.headGraph(ctx, &m.image, inputs[0], false))}
	})
	if err != nil {
		return fmt.Errorf("compiling image projection graph: %w", err)
	}
	m.txtExec, err = mlctx.NewExecAny(m.engine, m.ctx, func(ctx *mlctx.Context, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{l2Normalize(m.headGraph(ctx, &m.text, inputs[0], false))}
	})
	if err != nil {
		return fmt.Errorf("compiling text projection graph: %w", err)
	}
	return nil
}

// headGraph builds one projection head's forward pass: affine projection,
// optionally GELU -> fc -> dropout with a skip connection (residual variant),
// then LayerNorm. Output is NOT normalized.
func (m *Model) headGraph(ctx *mlctx.Context, p *headParams, x *graph.Node, training bool) *graph.Node {
	g := x.Graph()
	// Rank-1 parameters must be lifted to [1, D] before elementwise ops
	// against [B, D] activations.
	projected := graph.Add(graph.MatMul(x, p.weights.ValueGraph(g)), graph.InsertAxes(p.bias.ValueGraph(g), 0))
	out := projected
	if m.cfg.variant() == VariantResidual {
		h := gelu(projected)
		h = graph.Add(graph.MatMul(h, p.fcWeights.ValueGraph(g)), graph.InsertAxes(p.fcBias.ValueGraph(g), 0))
		if training && m.cfg.Dropout > 0 {
			h = dropout(ctx, h, m.cfg.Dropout)
		}
		out = graph.Add(h, projected)
	}
	return layerNorm(out, p.gain.ValueGraph(g), p.offset.ValueGraph(g))
}

// lossGraph builds the symmetric contrastive loss over one paired batch:
// logits = text . image^T * exp(temperature), diagonal ground truth,
// cross-entropy over rows (text->image) averaged with cross-entropy over
// columns (image->text).
func (m *Model) lossGraph(ctx *mlctx.Context, images, texts *graph.Node, training bool) *graph.Node {
	g := images.Graph()

	imageEmb := l2Normalize(m.headGraph(ctx, &m.image, images, training))
	textEmb := l2Normalize(m.headGraph(ctx, &m.text, texts, training))

	scale := graph.Exp(m.temperature.ValueGraph(g))
	logits := graph.Mul(graph.MatMul(textEmb, graph.Transpose(imageEmb, 0, 1)), scale)

	// Position i is the positive pair for row i and column i: the batch's
	// positional correspondence is the only ground-truth signal.
	diag := graph.ConvertDType(
		graph.Equal(graph.Iota(g, logits.Shape(), 0), graph.Iota(g, logits.Shape(), 1)),
		dtypes.Float32)

	textsLoss := crossEntropy(logits, diag)
	imagesLoss := crossEntropy(graph.Transpose(logits, 0, 1), diag)
	return graph.MulScalar(graph.Add(textsLoss, imagesLoss), 0.5)
}

// crossEntropy is the mean categorical cross-entropy of each row of logits
// against one-hot labels.
func crossEntropy(logits, labels *graph.Node) *graph.Node {
	logProbs := graph.LogSoftmax(logits, -1)
	perRow := graph.Neg(graph.ReduceSum(graph.Mul(labels, logProbs), -1))
	return graph.ReduceAllMean(perRow)
}

// l2Normalize scales each row of x to unit Euclidean norm.
func l2Normalize(x *graph.Node) *graph.Node {
	norm := graph.Sqrt(graph.ReduceAndKeep(graph.Mul(x, x), graph.ReduceSum, -1))
	return graph.Div(x, norm)
}

// layerNorm normalizes each row of x to zero mean and unit variance, then
// applies the learned gain and offset.
func layerNorm(x, gain, offset *graph.Node) *graph.Node {
	mean := graph.ReduceAndKeep(x, graph.ReduceMean, -1)
	centered := graph.Sub(x, mean)
	variance := graph.ReduceAndKeep(graph.Mul(centered, centered), graph.ReduceMean, -1)
	normalized := graph.Div(centered, graph.Sqrt(graph.AddScalar(variance, layerNormEpsilon)))
	return graph.Add(graph.Mul(normalized, graph.InsertAxes(gain, 0)), graph.InsertAxes(offset, 0))
}

// gelu is the tanh approximation of the Gaussian Error Linear Unit.
func gelu(x *graph.Node) *graph.Node {
	// 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715*x^3)))
	cube := graph.Mul(graph.Mul(x, x), x)
	inner := graph.MulScalar(graph.Add(x, graph.MulScalar(cube, 0.044715)), 0.7978845608028654)
	return graph.MulScalar(graph.Mul(x, graph.AddScalar(graph.Tanh(inner), 1)), 0.5)
}

// dropout zeroes each activation with probability rate and rescales the
// survivors, training-time only.
func dropout(ctx *mlctx.Context, x *graph.Node, rate float64) *graph.Node {
	g := x.Graph()
	keep := graph.ConvertDType(
		graph.GreaterOrEqual(ctx.RandomUniform(g, x.Shape()), graph.ConstAsDType(g, x.DType(), rate)),
		x.DType())
	return graph.MulScalar(graph.Mul(x, keep), 1/(1-rate))
}

// Loss computes the symmetric contrastive loss over one paired batch,
// forward-only. Position i of images and texts must belong to the same
// sample. A batch of size 1 is accepted but carries no training signal;
// the trainer rejects it.
func (m *Model) Loss(images, texts [][]float32) (float64, error) {
	if len(images) != len(texts) {
		return 0, fmt.Errorf("paired batch size mismatch: %d images vs %d texts", len(images), len(texts))
	}
	if len(images) == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	imgT, err := batchTensor(images, m.cfg.ImageEmbedding, "image")
	if err != nil {
		return 0, err
	}
	txtT, err := batchTensor(texts, m.cfg.TextEmbedding, "text")
	if err != nil {
		return 0, err
	}
	results, err := m.lossExec.Exec(imgT, txtT)
	if err != nil {
		return 0, fmt.Errorf("loss exec failed: %w", err)
	}
	return scalarValue(results[0])
}

// ProjectImages projects image feature vectors into the shared embedding
// space and L2-normalizes them.
func (m *Model) ProjectImages(vecs [][]float32) ([][]float32, error) {
	return m.project(m.imgExec, vecs, m.cfg.ImageEmbedding, "image")
}

// ProjectTexts projects text feature vectors into the shared embedding space
// and L2-normalizes them.
func (m *Model) ProjectTexts(vecs [][]float32) ([][]float32, error) {
	return m.project(m.txtExec, vecs, m.cfg.TextEmbedding, "text")
}

func (m *Model) project(exec *mlctx.Exec, vecs [][]float32, inDim int, modality string) ([][]float32, error) {
	if len(vecs) == 0 {
		return [][]float32{}, nil
	}
	in, err := batchTensor(vecs, inDim, modality)
	if err != nil {
		return nil, err
	}
	results, err := exec.Exec(in)
	if err != nil {
		return nil, fmt.Errorf("%s projection exec failed: %w", modality, err)
	}
	out, ok := results[0].Value().([][]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected %s projection output type %T", modality, results[0].Value())
	}
	return out, nil
}

// batchTensor flattens a batch of equally-sized vectors into a [B, dim]
// tensor, checking every row against the configured dimension.
func batchTensor(vecs [][]float32, dim int, modality string) (*tensors.Tensor, error) {
	flat := make([]float32, 0, len(vecs)*dim)
	for i, v := range vecs {
		if len(v) != dim {
			return nil, fmt.Errorf("%s vector %d dimension mismatch: expected %d, got %d", modality, i, dim, len(v))
		}
		flat = append(flat, v...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(vecs), dim), nil
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected scalar tensor type %T", t.Value())
	}
}

// Config returns the model configuration.
func (m *Model) Config() Config {
	return m.cfg
}

// Temperature returns the current temperature scalar.
func (m *Model) Temperature() (float64, error) {
	t, err := m.temperature.Value()
	if err != nil {
		return 0, fmt.Errorf("reading temperature: %w", err)
	}
	return scalarValue(t)
}

// Parameters captures the current model parameters in a stable order. The
// returned data is copied and safe to hold across further training steps.
func (m *Model) Parameters() ([]Parameter, error) {
	specs := paramSpecs(m.cfg)
	params := make([]Parameter, 0, len(m.ordered))
	for i, nv := range m.ordered {
		t, err := nv.v.Value()
		if err != nil {
			return nil, fmt.Errorf("reading parameter %q: %w", nv.name, err)
		}
		flat, err := flattenTensor(t)
		if err != nil {
			return nil, fmt.Errorf("flattening parameter %q: %w", nv.name, err)
		}
		shape := make([]int, len(specs[i].shape))
		copy(shape, specs[i].shape)
		params = append(params, Parameter{Name: nv.name, Shape: shape, Data: flat})
	}
	return params, nil
}

// flattenTensor copies a 0/1/2-D float32 tensor into row-major flat form.
func flattenTensor(t *tensors.Tensor) ([]float32, error) {
	switch v := t.Value().(type) {
	case float32:
		return []float32{v}, nil
	case []float32:
		out := make([]float32, len(v))
		copy(out, v)
		return out, nil
	case [][]float32:
		if len(v) == 0 {
			return []float32{}, nil
		}
		out := make([]float32, 0, len(v)*len(v[0]))
		for _, row := range v {
			out = append(out, row...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported tensor value type %T", t.Value())
	}
}

// TrainStep is a compiled train-step executable: one forward pass, gradient
// computation, and in-graph parameter update per call.
type TrainStep struct {
	model *Model
	exec  *mlctx.Exec
}

// NewTrainStep compiles the training step with the given optimizer fused into
// the graph. The optimizer's state variables live in the model's context and
// persist across steps and epochs.
func (m *Model) NewTrainStep(opt optimizers.Interface) (*TrainStep, error) {
	exec, err := mlctx.NewExecAny(m.engine, m.ctx, func(ctx *mlctx.Context, inputs []*graph.Node) []*graph.Node {
		loss := m.lossGraph(ctx, inputs[0], inputs[1], true)
		opt.UpdateGraph(ctx, inputs[0].Graph(), loss)
		return []*graph.Node{loss}
	})
	if err != nil {
		return nil, fmt.Errorf("compiling train step: %w", err)
	}
	return &TrainStep{model: m, exec: exec}, nil
}

// Run executes one gradient step on a paired batch and returns the loss
// before the update. Batch size must be at least 2: with a single pair the
// diagonal cross-entropy degenerates to an always-correct classification.
func (s *TrainStep) Run(images, texts [][]float32) (float64, error) {
	if len(images) < 2 {
		return 0, fmt.Errorf("training batch size must be >= 2, got %d", len(images))
	}
	if len(images) != len(texts) {
		return 0, fmt.Errorf("paired batch size mismatch: %d images vs %d texts", len(images), len(texts))
	}
	imgT, err := batchTensor(images, s.model.cfg.ImageEmbedding, "image")
	if err != nil {
		return 0, err
	}
	txtT, err := batchTensor(texts, s.model.cfg.TextEmbedding, "text")
	if err != nil {
		return 0, err
	}
	results, err := s.exec.Exec(imgT, txtT)
	if err != nil {
		return 0, fmt.Errorf("train step exec failed: %w", err)
	}
	return scalarValue(results[0])
}
