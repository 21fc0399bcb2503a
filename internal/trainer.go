package internal

import (
	"context"
	"fmt"
	"math"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type TrainConfig struct {
	LearningRate   float64 `yaml:"lr"`
	Epochs         int     `yaml:"epochs"`
	BatchSize      int     `yaml:"batch_size"`
	ValidFraction  float64 `yaml:"valid_fraction"`
	LabelSmoothing float64 `yaml:"label_smoothing"`
	Seed           uint64  `yaml:"seed"`
}

func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LearningRate:  3e-4,
		Epochs:        10,
		BatchSize:     256,
		ValidFraction: 0.1,
		Seed:          1,
	}
}

type EpochReport struct {
	Epoch     int
	TrainLoss float64
	ValidLoss float64
	Improved  bool
}

type TrainReport struct {
	RunID         string
	Epochs        []EpochReport
	BestValidLoss float64
	TrainRows     int
	ValidRows     int
}

// AdapterTrainer fits the meta-k network of an adaptive combiner on
// recorded decoder outputs. Only the combiner is updated. The checkpoint is
// rewritten whenever the validation loss improves.
type AdapterTrainer struct {
	augmenter *RetrievalAugmenter
	combiner  *AdaptiveCombiner
	fs        billy.Filesystem
	cfg       TrainConfig
	logger    *zap.Logger
}

func NewAdapterTrainer(retriever *Retriever, combiner *AdaptiveCombiner, k, coarseK int, fs billy.Filesystem, cfg TrainConfig, logger *zap.Logger) *AdapterTrainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdapterTrainer{
		augmenter: NewRetrievalAugmenter(retriever, combiner, k, coarseK),
		combiner:  combiner,
		fs:        fs,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "trainer")),
	}
}

func (t *AdapterTrainer) Train(ctx context.Context, model *RecordedModel) (*TrainReport, error) {
	if t.cfg.Epochs <= 0 {
		return nil, fmt.Errorf("%w: epochs must be positive", ErrInvalidConfig)
	}

	train, valid := model.Split(t.cfg.ValidFraction)
	if train.Len() == 0 {
		return nil, fmt.Errorf("%w: no training rows", ErrInvalidConfig)
	}

	report := &TrainReport{
		RunID:         uuid.NewString(),
		BestValidLoss: math.Inf(1),
		TrainRows:     train.Len(),
		ValidRows:     valid.Len(),
	}
	logger := t.logger.With(zap.String("run", report.RunID))
	logger.Info("training combiner",
		zap.Int("train_rows", train.Len()),
		zap.Int("valid_rows", valid.Len()),
		zap.Int("params", t.combiner.Network().NumParams()),
		zap.String("accelerator", string(DetectHardware().Accelerator)),
	)

	trainDecoder := NewDecoder(train, t.augmenter)
	validDecoder := NewDecoder(valid, t.augmenter)

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		var sum float64
		var tokens int
		for _, batch := range train.ShuffledBatches(t.cfg.BatchSize, t.cfg.Seed+uint64(epoch)) {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			out, err := trainDecoder.Forward(ctx, batch)
			if err != nil {
				return report, err
			}
			loss, n, grad, err := t.combiner.LossAndGrad(out.Retrieval, out.Logits, batch.Targets, t.cfg.LabelSmoothing, batch.PadIndex)
			if err != nil {
				return report, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			if n > 0 {
				t.combiner.Step(grad)
			}
			sum += loss * float64(n)
			tokens += n
		}

		ep := EpochReport{Epoch: epoch, TrainLoss: meanLoss(sum, tokens)}
		ep.ValidLoss = ep.TrainLoss
		if valid.Len() > 0 {
			vl, err := t.evaluate(ctx, validDecoder, valid)
			if err != nil {
				return report, err
			}
			ep.ValidLoss = vl
		}

		if ep.ValidLoss < report.BestValidLoss {
			report.BestValidLoss = ep.ValidLoss
			ep.Improved = true
			if err := t.combiner.Save(t.fs); err != nil {
				return report, err
			}
		}
		report.Epochs = append(report.Epochs, ep)

		logger.Info("epoch done",
			zap.Int("epoch", epoch),
			zap.Float64("train_loss", ep.TrainLoss),
			zap.Float64("valid_loss", ep.ValidLoss),
			zap.Bool("best", ep.Improved),
		)
	}
	return report, nil
}

func (t *AdapterTrainer) evaluate(ctx context.Context, decoder *Decoder, model *RecordedModel) (float64, error) {
	var sum float64
	var tokens int
	for _, batch := range model.Batches(t.cfg.BatchSize) {
		out, err := decoder.Forward(ctx, batch)
		if err != nil {
			return 0, err
		}
		loss, n, _, err := t.combiner.LossAndGrad(out.Retrieval, out.Logits, batch.Targets, t.cfg.LabelSmoothing, batch.PadIndex)
		if err != nil {
			return 0, fmt.Errorf("validation: %w", err)
		}
		sum += loss * float64(n)
		tokens += n
	}
	return meanLoss(sum, tokens), nil
}

func meanLoss(sum float64, tokens int) float64 {
	if tokens == 0 {
		return 0
	}
	return sum / float64(tokens)
}
