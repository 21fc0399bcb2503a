package internal

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"math/rand/v2"
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	CombinerFilename = "adaptive_combiner.json"
	minTemperature   = 0.01
)

type AdaptiveCombinerConfig struct {
	MaxK                 int     `json:"max_k"`
	Vocab                int     `json:"vocab_size"`
	KTrainable           bool    `json:"k_trainable"`
	LambdaTrainable      bool    `json:"lambda_trainable"`
	Lambda               float64 `json:"lambda"`
	TemperatureTrainable bool    `json:"temperature_trainable"`
	Temperature          float64 `json:"temperature"`
	MaxTemperature       float64 `json:"max_temperature"`
	HiddenSize           int     `json:"hidden_size"`
	RelativeLabelCount   bool    `json:"relative_label_count"`
	LearningRate         float64 `json:"learning_rate"`
	Seed                 uint64  `json:"seed"`
}

func DefaultAdaptiveCombinerConfig(vocab int) AdaptiveCombinerConfig {
	return AdaptiveCombinerConfig{
		MaxK:                 8,
		Vocab:                vocab,
		KTrainable:           true,
		LambdaTrainable:      true,
		Lambda:               0.7,
		TemperatureTrainable: true,
		Temperature:          10,
		MaxTemperature:       100,
		HiddenSize:           32,
		LearningRate:         3e-4,
		Seed:                 1,
	}
}

func (c AdaptiveCombinerConfig) Validate() error {
	if c.MaxK <= 0 || bits.OnesCount(uint(c.MaxK)) != 1 {
		return fmt.Errorf("%w: max k %d is not a power of two", ErrInvalidConfig, c.MaxK)
	}
	if c.Vocab <= 0 {
		return fmt.Errorf("%w: vocabulary size must be positive", ErrInvalidConfig)
	}
	if !c.LambdaTrainable && (c.Lambda < 0 || c.Lambda > 1) {
		return fmt.Errorf("%w: lambda %v outside [0,1]", ErrInvalidConfig, c.Lambda)
	}
	if !c.TemperatureTrainable && c.Temperature <= 0 {
		return fmt.Errorf("%w: temperature must be positive", ErrInvalidConfig)
	}
	if c.TemperatureTrainable && c.MaxTemperature <= minTemperature {
		return fmt.Errorf("%w: max temperature must exceed %v", ErrInvalidConfig, minTemperature)
	}
	if (c.KTrainable || c.LambdaTrainable || c.TemperatureTrainable) && c.HiddenSize <= 0 {
		return fmt.Errorf("%w: hidden size must be positive", ErrInvalidConfig)
	}
	return nil
}

// kOptions returns 1, 2, 4, ..., maxK.
func (c AdaptiveCombinerConfig) kOptions() []int {
	var opts []int
	for k := 1; k <= c.MaxK; k *= 2 {
		opts = append(opts, k)
	}
	return opts
}

// AdaptiveCombiner computes the retrieval distribution with k, lambda and
// temperature predicted per query by a MetaKNetwork. The network is the
// only trainable state; Step never touches anything else.
type AdaptiveCombiner struct {
	mu      sync.RWMutex
	cfg     AdaptiveCombinerConfig
	net     *MetaKNetwork
	opt     *adam
	options []int
	logger  *zap.Logger
	metrics *Metrics
}

var _ ProbabilityCombiner = (*AdaptiveCombiner)(nil)

type AdaptiveOption func(*AdaptiveCombiner)

func WithAdaptiveLogger(logger *zap.Logger) AdaptiveOption {
	return func(a *AdaptiveCombiner) {
		if logger != nil {
			a.logger = logger.With(zap.String("component", "combiner"))
		}
	}
}

func WithAdaptiveMetrics(m *Metrics) AdaptiveOption {
	return func(a *AdaptiveCombiner) {
		a.metrics = m
	}
}

func NewAdaptiveCombiner(cfg AdaptiveCombinerConfig, opts ...AdaptiveOption) (*AdaptiveCombiner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	in := 2 * cfg.MaxK
	net := &MetaKNetwork{}
	if cfg.KTrainable {
		net.KNet = newMLP(in, cfg.HiddenSize, len(cfg.kOptions()), src)
	}
	if cfg.LambdaTrainable {
		net.LambdaNet = newMLP(in, cfg.HiddenSize, 1, src)
	}
	if cfg.TemperatureTrainable {
		net.TemperatureNet = newMLP(in, cfg.HiddenSize, 1, src)
	}

	return newAdaptiveCombiner(cfg, net, opts...), nil
}

func newAdaptiveCombiner(cfg AdaptiveCombinerConfig, net *MetaKNetwork, opts ...AdaptiveOption) *AdaptiveCombiner {
	a := &AdaptiveCombiner{
		cfg:     cfg,
		net:     net,
		options: cfg.kOptions(),
		logger:  zap.NewNop(),
	}
	a.opt = newAdam(net.params(), cfg.LearningRate)
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *AdaptiveCombiner) Config() AdaptiveCombinerConfig { return a.cfg }

func (a *AdaptiveCombiner) VocabSize() int { return a.cfg.Vocab }

func (a *AdaptiveCombiner) Network() *MetaKNetwork { return a.net }

// rowState keeps the forward intermediates of one query for backprop.
type rowState struct {
	n       int
	dists   []float64
	vals    []int64
	x       []float64
	kh, lh  []float64
	th      []float64
	pi      []float64
	lambda  float64
	temp    float64
	tSig    float64
	weights [][]float64
	omega   []float64
}

// features builds [distances, label counts], both padded to MaxK by
// repeating the last value. Label count j is the number of distinct values
// among the first j+1 neighbours.
func (a *AdaptiveCombiner) features(dists []float64, vals []int64) []float64 {
	k := a.cfg.MaxK
	x := make([]float64, 2*k)
	seen := make(map[int64]struct{}, len(vals))

	var lastD, lastC float64
	for j := 0; j < k; j++ {
		if j < len(dists) {
			lastD = dists[j]
			seen[vals[j]] = struct{}{}
			lastC = float64(len(seen))
		}
		x[j] = lastD
		x[k+j] = lastC
	}

	if a.cfg.RelativeLabelCount {
		for j := 2*k - 1; j > k; j-- {
			x[j] -= x[j-1]
		}
	}
	return x
}

func (a *AdaptiveCombiner) forwardRow(dists []float64, vals []int64) *rowState {
	n := min(len(dists), a.cfg.MaxK)
	if n == 0 {
		return nil
	}

	s := &rowState{n: n, dists: dists[:n], vals: vals[:n]}
	s.x = a.features(s.dists, s.vals)

	if a.net.KNet != nil {
		var z []float64
		s.kh, z = a.net.KNet.forward(s.x)
		softmaxInPlace(z)
		s.pi = z
	} else {
		s.pi = make([]float64, len(a.options))
		s.pi[len(s.pi)-1] = 1
	}

	if a.net.LambdaNet != nil {
		var out []float64
		s.lh, out = a.net.LambdaNet.forward(s.x)
		s.lambda = sigmoid(out[0])
	} else {
		s.lambda = a.cfg.Lambda
	}

	if a.net.TemperatureNet != nil {
		var out []float64
		s.th, out = a.net.TemperatureNet.forward(s.x)
		s.tSig = sigmoid(out[0])
		s.temp = minTemperature + (a.cfg.MaxTemperature-minTemperature)*s.tSig
	} else {
		s.temp = a.cfg.Temperature
	}

	s.weights = make([][]float64, len(a.options))
	s.omega = make([]float64, n)
	for r, k := range a.options {
		kr := min(k, n)
		s.weights[r] = neighborWeights(make([]float64, 0, kr), s.dists[:kr], s.temp)
		floats.AddScaled(s.omega[:kr], s.pi[r], s.weights[r])
	}
	return s
}

func (a *AdaptiveCombiner) forward(r *Retrieval) ([]*rowState, *KNNDistribution, error) {
	if r.Rows() == 0 {
		return nil, &KNNDistribution{Probs: &mat.Dense{}}, nil
	}
	if r.Vals == nil {
		return nil, nil, fmt.Errorf("retrieval carries no vals")
	}

	states := make([]*rowState, r.Rows())
	dist := &KNNDistribution{
		Probs:  mat.NewDense(r.Rows(), a.cfg.Vocab, nil),
		Lambda: make([]float64, r.Rows()),
	}
	for i := range states {
		s := a.forwardRow(r.Distances[i], r.Vals[i])
		if s == nil {
			continue
		}
		if err := scatter(dist.Probs.RawRowView(i), s.omega, s.vals); err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i, err)
		}
		dist.Lambda[i] = s.lambda
		states[i] = s
	}
	return states, dist, nil
}

func (a *AdaptiveCombiner) KNNProb(r *Retrieval) (*KNNDistribution, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, dist, err := a.forward(r)
	return dist, err
}

// LossAndGrad returns the mean label-smoothed NLL of the combined
// distribution over non-pad tokens and its gradient with respect to the
// meta-k network parameters.
func (a *AdaptiveCombiner) LossAndGrad(r *Retrieval, logits mat.Matrix, targets []int64, eps float64, padIdx int64) (float64, int, *MetaKNetwork, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	states, dist, err := a.forward(r)
	if err != nil {
		return 0, 0, nil, err
	}
	modelProbs := Softmax(logits)
	if err := checkShapes(dist, modelProbs); err != nil {
		return 0, 0, nil, err
	}
	if len(targets) != r.Rows() {
		return 0, 0, nil, fmt.Errorf("%w: %d targets for %d rows", ErrDimensionMismatch, len(targets), r.Rows())
	}

	grad := a.net.zeroGrad()
	vocab := a.cfg.Vocab
	p := make([]float64, vocab)
	g := make([]float64, vocab)

	var loss float64
	var tokens int
	for i, target := range targets {
		if target == padIdx {
			continue
		}
		if target < 0 || int(target) >= vocab {
			return 0, 0, nil, fmt.Errorf("row %d: target %d outside vocabulary", i, target)
		}
		tokens++

		s := states[i]
		pk := dist.Probs.RawRowView(i)
		q := modelProbs.RawRowView(i)
		lambda := dist.Lambda[i]

		for v := range p {
			p[v] = lambda*pk[v] + (1-lambda)*q[v]
			loss -= eps / float64(vocab) * safeLog(p[v])
			if p[v] >= logFloor {
				g[v] = -eps / float64(vocab) / p[v]
			} else {
				g[v] = 0
			}
		}
		loss -= (1 - eps) * safeLog(p[target])
		if p[target] >= logFloor {
			g[target] -= (1 - eps) / p[target]
		}

		if s != nil {
			a.backwardRow(s, pk, q, g, grad)
		}
	}

	if tokens > 0 {
		loss /= float64(tokens)
		for _, gp := range grad.params() {
			floats.Scale(1/float64(tokens), gp)
		}
	}
	return loss, tokens, grad, nil
}

// backwardRow pushes dL/dp (g) through the mixture, the neighbour
// softmaxes and the k-option softmax into the sub-networks.
func (a *AdaptiveCombiner) backwardRow(s *rowState, pk, q, g []float64, grad *MetaKNetwork) {
	var dLambda float64
	for v := range g {
		dLambda += g[v] * (pk[v] - q[v])
	}

	dOmega := make([]float64, s.n)
	for j, v := range s.vals {
		dOmega[j] = s.lambda * g[v]
	}

	gPi := make([]float64, len(a.options))
	var dTemp float64
	for r, w := range s.weights {
		var inner float64
		for j, wj := range w {
			gPi[r] += dOmega[j] * wj
			inner += wj * s.pi[r] * dOmega[j]
		}
		for j, wj := range w {
			ga := wj * (s.pi[r]*dOmega[j] - inner)
			dTemp += ga * s.dists[j] / (s.temp * s.temp)
		}
	}

	if a.net.KNet != nil {
		dot := floats.Dot(s.pi, gPi)
		dz := make([]float64, len(s.pi))
		for r := range dz {
			dz[r] = s.pi[r] * (gPi[r] - dot)
		}
		a.net.KNet.backward(s.x, s.kh, dz, grad.KNet)
	}
	if a.net.LambdaNet != nil {
		du := dLambda * s.lambda * (1 - s.lambda)
		a.net.LambdaNet.backward(s.x, s.lh, []float64{du}, grad.LambdaNet)
	}
	if a.net.TemperatureNet != nil {
		du := dTemp * (a.cfg.MaxTemperature - minTemperature) * s.tSig * (1 - s.tSig)
		a.net.TemperatureNet.backward(s.x, s.th, []float64{du}, grad.TemperatureNet)
	}
}

// Step applies one Adam update.
func (a *AdaptiveCombiner) Step(grad *MetaKNetwork) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.opt.update(a.net.params(), grad.params())
	a.metrics.IncAdapterStep()
}

// TrainStep runs LossAndGrad followed by Step.
func (a *AdaptiveCombiner) TrainStep(r *Retrieval, logits mat.Matrix, targets []int64, eps float64, padIdx int64) (float64, error) {
	loss, tokens, grad, err := a.LossAndGrad(r, logits, targets, eps, padIdx)
	if err != nil {
		return 0, err
	}
	if tokens > 0 {
		a.Step(grad)
	}
	return loss, nil
}

type combinerCheckpoint struct {
	Config  AdaptiveCombinerConfig `json:"config"`
	Network *MetaKNetwork          `json:"network"`
}

// Save writes the combiner checkpoint into fs. Optimizer moments are not
// persisted.
func (a *AdaptiveCombiner) Save(fs billy.Filesystem) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	data, err := json.Marshal(combinerCheckpoint{Config: a.cfg, Network: a.net})
	if err != nil {
		return fmt.Errorf("marshal combiner: %w", err)
	}
	if err := util.WriteFile(fs, CombinerFilename, data, 0644); err != nil {
		return fmt.Errorf("write combiner: %w", err)
	}

	a.logger.Info("saved combiner", zap.Int("params", a.net.NumParams()))
	return nil
}

// LoadAdaptiveCombiner restores a checkpoint written by Save.
func LoadAdaptiveCombiner(fs billy.Filesystem, opts ...AdaptiveOption) (*AdaptiveCombiner, error) {
	data, err := util.ReadFile(fs, CombinerFilename)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w in %s", ErrNoCombiner, fs.Root())
	}
	if err != nil {
		return nil, fmt.Errorf("read combiner: %w", err)
	}

	var ckpt combinerCheckpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal combiner: %w", err)
	}
	if err := ckpt.Config.Validate(); err != nil {
		return nil, err
	}
	if ckpt.Network == nil {
		ckpt.Network = &MetaKNetwork{}
	}
	if err := checkNetwork(ckpt.Config, ckpt.Network); err != nil {
		return nil, err
	}

	return newAdaptiveCombiner(ckpt.Config, ckpt.Network, opts...), nil
}

func checkNetwork(cfg AdaptiveCombinerConfig, net *MetaKNetwork) error {
	in := 2 * cfg.MaxK
	check := func(name string, m *MLP, trainable bool, out int) error {
		if !trainable {
			if m != nil {
				return fmt.Errorf("%w: %s present but not trainable", ErrInvalidConfig, name)
			}
			return nil
		}
		if m == nil || !m.valid() || m.In != in || m.Out != out {
			return fmt.Errorf("%w: malformed %s", ErrInvalidConfig, name)
		}
		return nil
	}

	if err := check("k network", net.KNet, cfg.KTrainable, len(cfg.kOptions())); err != nil {
		return err
	}
	if err := check("lambda network", net.LambdaNet, cfg.LambdaTrainable, 1); err != nil {
		return err
	}
	return check("temperature network", net.TemperatureNet, cfg.TemperatureTrainable, 1)
}
