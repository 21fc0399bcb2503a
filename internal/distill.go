package internal

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type Strategy string

const (
	StrategyNormal        Strategy = "normal"
	StrategyDirect        Strategy = "direct"
	StrategyAdapterDirect Strategy = "adapter_direct"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyNormal, StrategyDirect, StrategyAdapterDirect:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

type DistillConfig struct {
	Strategy       Strategy `yaml:"strategy"`
	LabelSmoothing float64  `yaml:"label_smoothing"`
	KDWeight       float64  `yaml:"kd_weight"`
	PriorTau       float64  `yaml:"prior_tau"`
	// TeacherLambda and TeacherTemperature configure the fixed combiner
	// that builds the retrieval-augmented teacher for adapter_direct.
	TeacherLambda      float64 `yaml:"teacher_lambda"`
	TeacherTemperature float64 `yaml:"teacher_temperature"`
	TeacherK           int     `yaml:"teacher_k"`
	ResultPath         string  `yaml:"result_path,omitempty"`
	TopK               int     `yaml:"topk"`
}

func DefaultDistillConfig() DistillConfig {
	return DistillConfig{
		Strategy:           StrategyDirect,
		KDWeight:           2.0,
		PriorTau:           1.0,
		TeacherLambda:      0.999,
		TeacherTemperature: 100,
		TeacherK:           8,
		TopK:               8,
	}
}

// DistillInput is one flattened batch. TeacherLogits is nil when no teacher
// is available; TeacherQuery is only needed by adapter_direct.
type DistillInput struct {
	Logits        mat.Matrix
	Targets       []int64
	TeacherLogits mat.Matrix
	TeacherQuery  [][]float32
}

type DistillOutput struct {
	Strategy Strategy
	Loss     float64
	NLLLoss  float64
	GoldLoss float64
	KDLoss   float64
	Tokens   int
	// Distilled counts rows where the retrieval teacher agreed with the gold
	// token (adapter_direct only).
	Distilled int
}

type DistillationCriterion struct {
	cfg       DistillConfig
	padIdx    int64
	retriever *Retriever
	combiner  ProbabilityCombiner
	logger    *zap.Logger
	metrics   *Metrics
}

type CriterionOption func(*DistillationCriterion)

// WithTeacherRetrieval supplies the datastore retriever and the combiner
// used to build the retrieval-augmented teacher distribution.
func WithTeacherRetrieval(r *Retriever, c ProbabilityCombiner) CriterionOption {
	return func(d *DistillationCriterion) {
		d.retriever = r
		d.combiner = c
	}
}

func WithCriterionLogger(logger *zap.Logger) CriterionOption {
	return func(d *DistillationCriterion) {
		if logger != nil {
			d.logger = logger.With(zap.String("component", "criterion"))
		}
	}
}

func WithCriterionMetrics(m *Metrics) CriterionOption {
	return func(d *DistillationCriterion) {
		d.metrics = m
	}
}

func NewDistillationCriterion(cfg DistillConfig, padIdx int64, opts ...CriterionOption) (*DistillationCriterion, error) {
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, err
	}
	if cfg.PriorTau <= 0 {
		return nil, fmt.Errorf("%w: prior tau must be positive", ErrInvalidConfig)
	}

	d := &DistillationCriterion{
		cfg:    cfg,
		padIdx: padIdx,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}

	if cfg.Strategy == StrategyAdapterDirect && (d.retriever == nil || d.combiner == nil) {
		return nil, fmt.Errorf("%w: adapter_direct needs a datastore retriever", ErrInvalidConfig)
	}
	return d, nil
}

// Compute returns the training loss of one batch for the configured
// strategy. Without teacher logits every strategy falls back to normal.
func (d *DistillationCriterion) Compute(ctx context.Context, in DistillInput) (*DistillOutput, error) {
	lprobs := LogSoftmax(in.Logits)
	gold, err := LabelSmoothedNLLLoss(lprobs, in.Targets, d.cfg.LabelSmoothing, d.padIdx, true)
	if err != nil {
		return nil, fmt.Errorf("gold loss: %w", err)
	}

	strategy := d.cfg.Strategy
	if in.TeacherLogits == nil {
		strategy = StrategyNormal
	}

	out := &DistillOutput{
		Strategy: strategy,
		NLLLoss:  gold.NLL,
		GoldLoss: gold.Loss,
		Tokens:   gold.Tokens,
	}

	switch strategy {
	case StrategyNormal:
		out.Loss = gold.Loss

	case StrategyDirect:
		kl, err := d.klLoss(lprobs, Softmax(in.TeacherLogits), in.Targets)
		if err != nil {
			return nil, err
		}
		out.KDLoss = kl
		out.Loss = kl

	case StrategyAdapterDirect:
		target, distilled, err := d.adapterTarget(ctx, in)
		if err != nil {
			return nil, err
		}
		kl, err := d.klLoss(lprobs, target, in.Targets)
		if err != nil {
			return nil, err
		}
		out.KDLoss = kl
		out.Distilled = distilled
		out.Loss = gold.Loss + d.cfg.KDWeight*kl

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	d.metrics.RecordLoss(strategy, out.Loss, out.Tokens)
	d.logger.Debug("computed loss",
		zap.String("strategy", string(strategy)),
		zap.Float64("loss", out.Loss),
		zap.Float64("kd_loss", out.KDLoss),
		zap.Int("tokens", out.Tokens),
	)
	return out, nil
}

func (d *DistillationCriterion) klLoss(lprobs, teacher mat.Matrix, targets []int64) (float64, error) {
	mask := make([]bool, len(targets))
	for i, t := range targets {
		mask[i] = t != d.padIdx
	}
	kl, err := KLDivergence(lprobs, teacher, mask)
	if err != nil {
		return 0, fmt.Errorf("kl loss: %w", err)
	}
	return floats.Sum(kl), nil
}

// adapterTarget mixes the retrieval-augmented teacher into the plain
// teacher on rows where the former ranks the gold token first.
func (d *DistillationCriterion) adapterTarget(ctx context.Context, in DistillInput) (*mat.Dense, int, error) {
	if len(in.TeacherQuery) != len(in.Targets) {
		return nil, 0, fmt.Errorf("%w: %d teacher queries for %d targets", ErrDimensionMismatch, len(in.TeacherQuery), len(in.Targets))
	}

	res, err := d.retriever.Retrieve(ctx, in.TeacherQuery, d.cfg.TeacherK, FieldVals)
	if err != nil {
		return nil, 0, fmt.Errorf("teacher retrieval: %w", err)
	}
	knn, err := d.combiner.KNNProb(res)
	if err != nil {
		return nil, 0, fmt.Errorf("teacher knn prob: %w", err)
	}

	knnTeacher, err := CombinedProb(knn, scaleMatrix(in.TeacherLogits, 1/d.cfg.PriorTau), false)
	if err != nil {
		return nil, 0, fmt.Errorf("teacher combined prob: %w", err)
	}
	_, teacher, err := SeparateProbs(knn, in.TeacherLogits)
	if err != nil {
		return nil, 0, fmt.Errorf("teacher prob: %w", err)
	}

	mask := AdapterDirectMask(knnTeacher, in.Targets)
	var distilled int
	r, _ := teacher.Dims()
	for i := 0; i < r; i++ {
		m := mask[i]
		if m > 0 && in.Targets[i] != d.padIdx {
			distilled++
		}
		kRow := knnTeacher.RawRowView(i)
		tRow := teacher.RawRowView(i)
		for v := range tRow {
			tRow[v] = 0.5*kRow[v]*m + tRow[v]*(1-0.5*m)
		}
	}
	return teacher, distilled, nil
}

// AdapterDirectMask is 1 for rows whose probability at the gold token is
// at least the row maximum, else 0. Ties with the maximum count.
func AdapterDirectMask(probs *mat.Dense, targets []int64) []float64 {
	r, c := probs.Dims()
	mask := make([]float64, r)
	for i := 0; i < r && i < len(targets); i++ {
		g := targets[i]
		if g < 0 || int(g) >= c {
			continue
		}
		row := probs.RawRowView(i)
		if row[g] >= floats.Max(row) {
			mask[i] = 1
		}
	}
	return mask
}
