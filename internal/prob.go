package internal

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// logFloor keeps log(p) finite for probabilities that underflow to zero.
const logFloor = 1e-10

// Softmax normalizes every row of logits into a probability distribution.
func Softmax(logits mat.Matrix) *mat.Dense {
	r, c := logits.Dims()
	if r == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		mat.Row(row, i, logits)
		softmaxInPlace(row)
	}
	return out
}

// LogSoftmax is the row-wise log of Softmax, computed without forming the
// probabilities first.
func LogSoftmax(logits mat.Matrix) *mat.Dense {
	r, c := logits.Dims()
	if r == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		mat.Row(row, i, logits)
		lse := floats.LogSumExp(row)
		floats.AddConst(-lse, row)
	}
	return out
}

func softmaxInPlace(s []float64) {
	if len(s) == 0 {
		return
	}
	lse := floats.LogSumExp(s)
	for i, v := range s {
		s[i] = math.Exp(v - lse)
	}
}

// SafeLog returns log(max(p, 1e-10)) element-wise.
func SafeLog(probs mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		return safeLog(v)
	}, probs)
	return &out
}

func safeLog(p float64) float64 {
	return math.Log(math.Max(p, logFloor))
}

func scaleMatrix(m mat.Matrix, s float64) *mat.Dense {
	var out mat.Dense
	out.Scale(s, m)
	return &out
}
