package internal

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// KNNDistribution is the retrieval distribution over the vocabulary, one
// row per query, together with the interpolation weight of each row.
type KNNDistribution struct {
	Probs  *mat.Dense
	Lambda []float64
}

// ProbabilityCombiner turns neighbours into a vocabulary distribution and
// mixes it with the model distribution.
type ProbabilityCombiner interface {
	KNNProb(r *Retrieval) (*KNNDistribution, error)
	VocabSize() int
}

// Combiner uses a fixed k, lambda and temperature.
type Combiner struct {
	K           int
	Lambda      float64
	Temperature float64
	Vocab       int
}

var _ ProbabilityCombiner = (*Combiner)(nil)

// NewCombiner builds a fixed combiner. k <= 0 uses every retrieved
// neighbour.
func NewCombiner(k int, lambda, temperature float64, vocab int) (*Combiner, error) {
	if lambda < 0 || lambda > 1 {
		return nil, fmt.Errorf("%w: lambda %v outside [0,1]", ErrInvalidConfig, lambda)
	}
	if temperature <= 0 {
		return nil, fmt.Errorf("%w: temperature must be positive", ErrInvalidConfig)
	}
	if vocab <= 0 {
		return nil, fmt.Errorf("%w: vocabulary size must be positive", ErrInvalidConfig)
	}
	return &Combiner{K: k, Lambda: lambda, Temperature: temperature, Vocab: vocab}, nil
}

func (c *Combiner) VocabSize() int { return c.Vocab }

func (c *Combiner) KNNProb(r *Retrieval) (*KNNDistribution, error) {
	if r.Vals == nil && r.Rows() > 0 {
		return nil, fmt.Errorf("retrieval carries no vals")
	}

	if r.Rows() == 0 {
		return &KNNDistribution{Probs: &mat.Dense{}}, nil
	}

	dist := &KNNDistribution{
		Probs:  mat.NewDense(r.Rows(), c.Vocab, nil),
		Lambda: make([]float64, r.Rows()),
	}

	weights := make([]float64, 0, r.K)
	for i := 0; i < r.Rows(); i++ {
		n := len(r.Distances[i])
		if c.K > 0 && c.K < n {
			n = c.K
		}
		if n == 0 {
			continue
		}

		weights = neighborWeights(weights[:0], r.Distances[i][:n], c.Temperature)
		if err := scatter(dist.Probs.RawRowView(i), weights, r.Vals[i][:n]); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		dist.Lambda[i] = c.Lambda
	}
	return dist, nil
}

// neighborWeights is softmax(-d/T) over the given distances, appended to dst.
func neighborWeights(dst []float64, distances []float64, temperature float64) []float64 {
	for _, d := range distances {
		dst = append(dst, -d/temperature)
	}
	softmaxInPlace(dst)
	return dst
}

// scatter adds weights[j] onto row[vals[j]]; duplicate ids accumulate.
func scatter(row []float64, weights []float64, vals []int64) error {
	for j, v := range vals {
		if v < 0 || int(v) >= len(row) {
			return fmt.Errorf("vocabulary id %d outside [0,%d)", v, len(row))
		}
		row[v] += weights[j]
	}
	return nil
}

// CombinedProb returns lambda*knn + (1-lambda)*softmax(logits) per row, or
// its floored log when logProbs is set. Rows whose lambda is zero reduce to
// the model distribution.
func CombinedProb(knn *KNNDistribution, logits mat.Matrix, logProbs bool) (*mat.Dense, error) {
	modelProbs := Softmax(logits)
	if err := checkShapes(knn, modelProbs); err != nil {
		return nil, err
	}

	r, c := modelProbs.Dims()
	if r == 0 {
		return &mat.Dense{}, nil
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		lambda := knn.Lambda[i]
		kRow := knn.Probs.RawRowView(i)
		mRow := modelProbs.RawRowView(i)
		oRow := out.RawRowView(i)
		for v := range oRow {
			oRow[v] = lambda*kRow[v] + (1-lambda)*mRow[v]
		}
	}
	if logProbs {
		return SafeLog(out), nil
	}
	return out, nil
}

// SeparateProbs returns the retrieval and model distributions without
// mixing them.
func SeparateProbs(knn *KNNDistribution, logits mat.Matrix) (knnProbs, modelProbs *mat.Dense, err error) {
	modelProbs = Softmax(logits)
	if err := checkShapes(knn, modelProbs); err != nil {
		return nil, nil, err
	}
	if r, _ := modelProbs.Dims(); r == 0 {
		return &mat.Dense{}, modelProbs, nil
	}
	return mat.DenseCopyOf(knn.Probs), modelProbs, nil
}

func checkShapes(knn *KNNDistribution, model *mat.Dense) error {
	r, c := model.Dims()
	kr, kc := knn.Probs.Dims()
	if r != kr || c != kc {
		return fmt.Errorf("%w: knn distribution is %dx%d, model distribution is %dx%d", ErrDimensionMismatch, kr, kc, r, c)
	}
	if len(knn.Lambda) != r {
		return fmt.Errorf("%w: %d lambdas for %d rows", ErrDimensionMismatch, len(knn.Lambda), r)
	}
	return nil
}
