package internal

import (
	"cmp"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

type Mode string

const (
	ModeBuildDatastore Mode = "build_datastore"
	ModeTrainMetaK     Mode = "train_metak"
	ModeInference      Mode = "inference"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeBuildDatastore, ModeTrainMetaK, ModeInference:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
}

// Batch is a flattened batch of target positions. Index identifies the
// rows in the model's input stream.
type Batch struct {
	Index     []int
	Targets   []int64
	Sentences []int64
	PadIndex  int64
}

func (b *Batch) Len() int { return len(b.Targets) }

// DecoderOutput carries one decoder step over a batch. Features are the
// retrieval queries and EncoderHidden the mean-pooled source state per
// row. Retrieval is set by an Augmenter.
type DecoderOutput struct {
	Features      [][]float32
	Logits        *mat.Dense
	EncoderHidden [][]float32
	TeacherLogits *mat.Dense
	TeacherQuery  [][]float32
	Retrieval     *Retrieval
}

type Model interface {
	Forward(ctx context.Context, batch *Batch) (*DecoderOutput, error)
}

type Augmenter interface {
	Augment(ctx context.Context, batch *Batch, out *DecoderOutput) error
	NormalizedProbs(out *DecoderOutput, logProbs bool) (*mat.Dense, error)
}

// Decoder runs a model and lets an optional augmenter observe or reshape
// its output distribution.
type Decoder struct {
	model     Model
	augmenter Augmenter
}

func NewDecoder(model Model, augmenter Augmenter) *Decoder {
	return &Decoder{model: model, augmenter: augmenter}
}

func (d *Decoder) Forward(ctx context.Context, batch *Batch) (*DecoderOutput, error) {
	out, err := d.model.Forward(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("model forward: %w", err)
	}
	if d.augmenter == nil {
		return out, nil
	}
	if err := d.augmenter.Augment(ctx, batch, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Decoder) NormalizedProbs(out *DecoderOutput, logProbs bool) (*mat.Dense, error) {
	if d.augmenter == nil {
		return modelProbs(out.Logits, logProbs), nil
	}
	return d.augmenter.NormalizedProbs(out, logProbs)
}

func modelProbs(logits *mat.Dense, logProbs bool) *mat.Dense {
	if logProbs {
		return LogSoftmax(logits)
	}
	return Softmax(logits)
}

// DatastoreCollector fills a datastore from decoder outputs. Every non-pad
// row becomes one entry; sentences map to dense partition ids in order of
// first appearance.
type DatastoreCollector struct {
	mu         sync.Mutex
	ds         *Datastore
	partitions map[int64]int
	logger     *zap.Logger
}

func NewDatastoreCollector(ds *Datastore, logger *zap.Logger) *DatastoreCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatastoreCollector{
		ds:         ds,
		partitions: make(map[int64]int),
		logger:     logger.With(zap.String("component", "collector")),
	}
}

func (c *DatastoreCollector) Augment(ctx context.Context, batch *Batch, out *DecoderOutput) error {
	if len(out.Features) != batch.Len() {
		return fmt.Errorf("%w: %d features for %d targets", ErrDimensionMismatch, len(out.Features), batch.Len())
	}
	withHidden := out.EncoderHidden != nil
	if withHidden && (len(out.EncoderHidden) != batch.Len() || len(batch.Sentences) != batch.Len()) {
		return fmt.Errorf("%w: hidden states and sentence ids must cover every row", ErrDimensionMismatch)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.checkRows(batch, out, withHidden); err != nil {
		return err
	}

	var added int
	for i, target := range batch.Targets {
		if target == batch.PadIndex {
			continue
		}

		entry := int64(c.ds.Len())
		if err := c.ds.Add(ctx, out.Features[i], target); err != nil {
			return fmt.Errorf("add entry %d: %w", entry, err)
		}
		if !withHidden {
			added++
			continue
		}

		p, ok := c.partitions[batch.Sentences[i]]
		if !ok {
			p = len(c.partitions)
			c.partitions[batch.Sentences[i]] = p
		}
		if err := c.ds.AddVector(FieldHiddens, out.EncoderHidden[i]); err != nil {
			return fmt.Errorf("add hidden %d: %w", entry, err)
		}
		if err := c.ds.AddScalar(FieldHiddensIdx, int64(p)); err != nil {
			return err
		}
		if err := c.ds.AddToPartition(p, entry); err != nil {
			return err
		}
		added++
	}

	c.logger.Debug("collected batch", zap.Int("entries", added))
	return nil
}

// checkRows rejects a batch before anything is appended, so keys, vals and
// hiddens always keep the same length.
func (c *DatastoreCollector) checkRows(batch *Batch, out *DecoderOutput, withHidden bool) error {
	keyDim, _ := c.ds.vectorDim(FieldKeys)
	hiddenDim, hasHidden := c.ds.vectorDim(FieldHiddens)
	if c.ds.Len() > 0 && withHidden != hasHidden {
		return fmt.Errorf("%w: datastore hidden states present=%t, batch hidden states present=%t", ErrDimensionMismatch, hasHidden, withHidden)
	}

	for i, target := range batch.Targets {
		if target == batch.PadIndex {
			continue
		}
		if keyDim == 0 {
			keyDim = len(out.Features[i])
		}
		if err := checkDimension(keyDim, out.Features[i]); err != nil || keyDim == 0 {
			return fmt.Errorf("row %d key: %w", i, cmp.Or(err, ErrDimensionMismatch))
		}
		if !withHidden {
			continue
		}
		if hiddenDim == 0 {
			hiddenDim = len(out.EncoderHidden[i])
		}
		if err := checkDimension(hiddenDim, out.EncoderHidden[i]); err != nil || hiddenDim == 0 {
			return fmt.Errorf("row %d hidden: %w", i, cmp.Or(err, ErrDimensionMismatch))
		}
	}
	return nil
}

func (c *DatastoreCollector) NormalizedProbs(out *DecoderOutput, logProbs bool) (*mat.Dense, error) {
	return modelProbs(out.Logits, logProbs), nil
}

// RetrievalAugmenter retrieves neighbours for every row and mixes the
// retrieval distribution into the model distribution. With a positive
// coarseK and encoder hiddens available it narrows the search by source
// sentence first.
type RetrievalAugmenter struct {
	mu        sync.RWMutex
	retriever *Retriever
	combiner  ProbabilityCombiner
	k         int
	coarseK   int
}

func NewRetrievalAugmenter(retriever *Retriever, combiner ProbabilityCombiner, k, coarseK int) *RetrievalAugmenter {
	return &RetrievalAugmenter{
		retriever: retriever,
		combiner:  combiner,
		k:         k,
		coarseK:   coarseK,
	}
}

// SetCombiner swaps the combiner, e.g. after a checkpoint reload.
func (a *RetrievalAugmenter) SetCombiner(c ProbabilityCombiner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.combiner = c
}

func (a *RetrievalAugmenter) Combiner() ProbabilityCombiner {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.combiner
}

func (a *RetrievalAugmenter) Augment(ctx context.Context, batch *Batch, out *DecoderOutput) error {
	var (
		res *Retrieval
		err error
	)
	if a.coarseK > 0 && out.EncoderHidden != nil {
		res, err = a.retriever.RetrieveWithHidden(ctx, out.Features, out.EncoderHidden, a.k, a.coarseK, FieldVals)
	} else {
		res, err = a.retriever.Retrieve(ctx, out.Features, a.k, FieldVals)
	}
	if err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}
	out.Retrieval = res
	return nil
}

func (a *RetrievalAugmenter) NormalizedProbs(out *DecoderOutput, logProbs bool) (*mat.Dense, error) {
	if out.Retrieval == nil {
		return nil, fmt.Errorf("decoder output was not augmented")
	}
	knn, err := a.Combiner().KNNProb(out.Retrieval)
	if err != nil {
		return nil, fmt.Errorf("knn prob: %w", err)
	}
	return CombinedProb(knn, out.Logits, logProbs)
}
