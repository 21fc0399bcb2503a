package internal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SmoothedLoss is the result of a label-smoothed NLL computation. Loss and
// NLL are sums over non-pad rows; Rows and RowNLL are only filled when the
// loss is not reduced, with pad rows set to zero.
type SmoothedLoss struct {
	Loss   float64
	NLL    float64
	Tokens int
	Rows   []float64
	RowNLL []float64
}

// LabelSmoothedNLLLoss computes (1-eps)*nll + eps/V*smooth over log
// probabilities, where smooth is the negated row sum of lprobs. With
// eps = 0 it is exactly the NLL.
func LabelSmoothedNLLLoss(lprobs mat.Matrix, target []int64, eps float64, padIdx int64, reduce bool) (*SmoothedLoss, error) {
	_, v := lprobs.Dims()
	epsI := eps / float64(v)
	return smoothedLoss(lprobs, target, padIdx, reduce, 1-eps, epsI, 0)
}

// ExclusiveLabelSmoothedNLLLoss spreads eps over the V-1 non-gold tokens
// and adds the entropy of the smoothed target, so a perfect prediction of
// the smoothed distribution scores zero. The constant is added once to a
// reduced loss and to every row of an unreduced one.
func ExclusiveLabelSmoothedNLLLoss(lprobs mat.Matrix, target []int64, eps float64, padIdx int64, reduce bool) (*SmoothedLoss, error) {
	_, v := lprobs.Dims()
	if v < 2 {
		return nil, fmt.Errorf("%w: exclusive smoothing needs at least two classes", ErrInvalidConfig)
	}
	epsI := eps / float64(v-1)

	var constant float64
	if eps > 0 {
		constant = xlogx(1-eps) + float64(v-1)*epsI*math.Log(epsI)
	}
	return smoothedLoss(lprobs, target, padIdx, reduce, 1-eps-epsI, epsI, constant)
}

func smoothedLoss(lprobs mat.Matrix, target []int64, padIdx int64, reduce bool, nllWeight, smoothWeight, constant float64) (*SmoothedLoss, error) {
	r, v := lprobs.Dims()
	if len(target) != r {
		return nil, fmt.Errorf("%w: %d targets for %d rows", ErrDimensionMismatch, len(target), r)
	}

	out := &SmoothedLoss{}
	if !reduce {
		out.Rows = make([]float64, r)
		out.RowNLL = make([]float64, r)
	}

	row := make([]float64, v)
	for i, g := range target {
		if g == padIdx {
			continue
		}
		if g < 0 || int(g) >= v {
			return nil, fmt.Errorf("row %d: target %d outside vocabulary", i, g)
		}
		mat.Row(row, i, lprobs)

		nll := -row[g]
		smooth := -floats.Sum(row)
		loss := nllWeight*nll + smoothWeight*smooth

		out.NLL += nll
		out.Loss += loss
		out.Tokens++
		if !reduce {
			out.Rows[i] = loss + constant
			out.RowNLL[i] = nll
		}
	}

	out.Loss += constant
	return out, nil
}

// KLDivergence returns sum_v t*(log t - lprobs) for each row, treating
// 0*log 0 as 0. Rows with mask[i] false contribute zero.
func KLDivergence(lprobs, target mat.Matrix, mask []bool) ([]float64, error) {
	r, c := lprobs.Dims()
	tr, tc := target.Dims()
	if r != tr || c != tc {
		return nil, fmt.Errorf("%w: student is %dx%d, teacher is %dx%d", ErrDimensionMismatch, r, c, tr, tc)
	}

	kl := make([]float64, r)
	for i := 0; i < r; i++ {
		if mask != nil && !mask[i] {
			continue
		}
		var sum float64
		for v := 0; v < c; v++ {
			t := target.At(i, v)
			if t <= 0 {
				continue
			}
			sum += t * (math.Log(t) - lprobs.At(i, v))
		}
		kl[i] = sum
	}
	return kl, nil
}

func xlogx(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return x * math.Log(x)
}
