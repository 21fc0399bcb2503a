package internal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"pgregory.net/rapid"
)

func retrievalOf(distances [][]float64, vals [][]int64) *Retrieval {
	k := 0
	for _, row := range distances {
		k = max(k, len(row))
	}
	return &Retrieval{K: k, Distances: distances, Vals: vals, Indices: vals}
}

func TestCombinerKNNProb(t *testing.T) {
	c, err := NewCombiner(0, 0.5, 1, 4)
	require.NoError(t, err)

	r := retrievalOf([][]float64{{0, 1, 1}}, [][]int64{{2, 0, 2}})
	knn, err := c.KNNProb(r)
	require.NoError(t, err)

	z := 1 + 2*math.Exp(-1)
	row := knn.Probs.RawRowView(0)
	assert.InDelta(t, math.Exp(-1)/z, row[0], 1e-12)
	assert.InDelta(t, 0, row[1], 1e-12)
	// duplicate ids accumulate
	assert.InDelta(t, (1+math.Exp(-1))/z, row[2], 1e-12)
	assert.Equal(t, []float64{0.5}, knn.Lambda)
}

func TestCombinerTruncatesToK(t *testing.T) {
	c, err := NewCombiner(1, 1, 10, 3)
	require.NoError(t, err)

	knn, err := c.KNNProb(retrievalOf([][]float64{{0.5, 0.6}}, [][]int64{{1, 2}}))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0}, knn.Probs.RawRowView(0))
}

func TestCombinerEmptyRowKeepsModel(t *testing.T) {
	c, err := NewCombiner(4, 0.9, 10, 3)
	require.NoError(t, err)

	knn, err := c.KNNProb(retrievalOf([][]float64{{}}, [][]int64{{}}))
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, knn.Lambda)

	logits := mat.NewDense(1, 3, []float64{1, 2, 3})
	combined, err := CombinedProb(knn, logits, false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, Softmax(logits).RawRowView(0), combined.RawRowView(0), 1e-12)
}

func TestCombinerRejectsOutOfVocab(t *testing.T) {
	c, err := NewCombiner(0, 0.5, 1, 3)
	require.NoError(t, err)

	_, err = c.KNNProb(retrievalOf([][]float64{{0}}, [][]int64{{3}}))
	assert.Error(t, err)

	_, err = c.KNNProb(&Retrieval{K: 1, Indices: [][]int64{{0}}, Distances: [][]float64{{0}}})
	assert.Error(t, err)
}

func TestNewCombinerValidation(t *testing.T) {
	_, err := NewCombiner(8, 1.1, 10, 3)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewCombiner(8, 0.5, 0, 3)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewCombiner(8, 0.5, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCombinedProbEmptyBatch(t *testing.T) {
	c, err := NewCombiner(8, 0.5, 10, 3)
	require.NoError(t, err)

	knn, err := c.KNNProb(&Retrieval{K: 8})
	require.NoError(t, err)
	out, err := CombinedProb(knn, &mat.Dense{}, true)
	require.NoError(t, err)
	r, _ := out.Dims()
	assert.Zero(t, r)
}

func TestCombinedProbShapeMismatch(t *testing.T) {
	c, err := NewCombiner(1, 0.5, 10, 3)
	require.NoError(t, err)
	knn, err := c.KNNProb(retrievalOf([][]float64{{0}}, [][]int64{{1}}))
	require.NoError(t, err)

	_, err = CombinedProb(knn, mat.NewDense(1, 4, nil), false)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, _, err = SeparateProbs(knn, mat.NewDense(2, 3, nil))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestCombinedProbLogFloor(t *testing.T) {
	c, err := NewCombiner(1, 1, 10, 3)
	require.NoError(t, err)
	knn, err := c.KNNProb(retrievalOf([][]float64{{0}}, [][]int64{{1}}))
	require.NoError(t, err)

	out, err := CombinedProb(knn, mat.NewDense(1, 3, nil), true)
	require.NoError(t, err)
	assert.Equal(t, math.Log(1e-10), out.At(0, 0))
	assert.Equal(t, 0.0, out.At(0, 1))

	probs, err := CombinedProb(knn, mat.NewDense(1, 3, nil), false)
	require.NoError(t, err)
	assert.Equal(t, SafeLog(probs).RawRowView(0), out.RawRowView(0))
}

func TestSeparateProbs(t *testing.T) {
	c, err := NewCombiner(1, 0.3, 10, 3)
	require.NoError(t, err)
	knn, err := c.KNNProb(retrievalOf([][]float64{{0}}, [][]int64{{2}}))
	require.NoError(t, err)

	logits := mat.NewDense(1, 3, []float64{0, 0, 1})
	knnProbs, modelProbs, err := SeparateProbs(knn, logits)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 1}, knnProbs.RawRowView(0))
	assert.InDeltaSlice(t, Softmax(logits).RawRowView(0), modelProbs.RawRowView(0), 1e-12)

	// the copy is independent of the distribution
	knnProbs.Set(0, 0, 5)
	assert.Equal(t, 0.0, knn.Probs.At(0, 0))
}

func drawRetrieval(rt *rapid.T, rows, vocab int) *Retrieval {
	k := rapid.IntRange(1, 16).Draw(rt, "k")
	r := &Retrieval{K: k}
	for i := 0; i < rows; i++ {
		n := rapid.IntRange(1, k).Draw(rt, "n")
		dists := make([]float64, n)
		vals := make([]int64, n)
		for j := range dists {
			dists[j] = rapid.Float64Range(0, 500).Draw(rt, "distance")
			vals[j] = int64(rapid.IntRange(0, vocab-1).Draw(rt, "val"))
		}
		r.Distances = append(r.Distances, dists)
		r.Vals = append(r.Vals, vals)
		r.Indices = append(r.Indices, vals)
	}
	return r
}

func TestKNNProbIsDistributionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		vocab := rapid.IntRange(1, 50).Draw(rt, "vocab")
		rows := rapid.IntRange(1, 8).Draw(rt, "rows")
		temperature := rapid.Float64Range(0.01, 1000).Draw(rt, "temperature")

		c, err := NewCombiner(0, 0.5, temperature, vocab)
		if err != nil {
			rt.Fatal(err)
		}
		knn, err := c.KNNProb(drawRetrieval(rt, rows, vocab))
		if err != nil {
			rt.Fatal(err)
		}
		for i := 0; i < rows; i++ {
			row := knn.Probs.RawRowView(i)
			if s := floats.Sum(row); math.Abs(s-1) > 1e-9 {
				rt.Fatalf("row %d sums to %v", i, s)
			}
			if floats.Min(row) < 0 {
				rt.Fatalf("row %d has a negative probability", i)
			}
		}
	})
}

func TestCombinedProbIsDistributionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		vocab := rapid.IntRange(2, 40).Draw(rt, "vocab")
		rows := rapid.IntRange(1, 6).Draw(rt, "rows")
		lambda := rapid.Float64Range(0, 1).Draw(rt, "lambda")

		c, err := NewCombiner(0, lambda, 10, vocab)
		if err != nil {
			rt.Fatal(err)
		}
		knn, err := c.KNNProb(drawRetrieval(rt, rows, vocab))
		if err != nil {
			rt.Fatal(err)
		}

		logits := mat.NewDense(rows, vocab, nil)
		for i := 0; i < rows; i++ {
			for v := 0; v < vocab; v++ {
				logits.Set(i, v, rapid.Float64Range(-30, 30).Draw(rt, "logit"))
			}
		}

		probs, err := CombinedProb(knn, logits, false)
		if err != nil {
			rt.Fatal(err)
		}
		for i := 0; i < rows; i++ {
			if s := floats.Sum(probs.RawRowView(i)); math.Abs(s-1) > 1e-9 {
				rt.Fatalf("row %d sums to %v with lambda %v", i, s, lambda)
			}
		}
	})
}
