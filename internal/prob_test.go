package internal

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestSoftmax(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{0, 0, 0, 1000, 1000, -1000})
	probs := Softmax(logits)

	assert.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, probs.RawRowView(0), 1e-12)
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0}, probs.RawRowView(1), 1e-12)

	lp := LogSoftmax(logits)
	assert.InDelta(t, -math.Log(3), lp.At(0, 2), 1e-12)
	assert.InDelta(t, -math.Log(2), lp.At(1, 0), 1e-12)
	assert.InDelta(t, -2000-math.Log(2), lp.At(1, 2), 1e-9)

	r, _ := Softmax(&mat.Dense{}).Dims()
	assert.Zero(t, r)
}

func TestSafeLog(t *testing.T) {
	out := SafeLog(mat.NewDense(1, 3, []float64{1, 0, 1e-20}))
	assert.Equal(t, 0.0, out.At(0, 0))
	assert.Equal(t, math.Log(logFloor), out.At(0, 1))
	assert.Equal(t, math.Log(logFloor), out.At(0, 2))
}

func TestMLPBackward(t *testing.T) {
	src := rand.NewPCG(3, 4)
	m := newMLP(4, 5, 2, src)
	x := []float64{0.3, -1, 0.5, 2}
	// loss = sum(out * c)
	c := []float64{0.7, -1.3}
	lossAt := func() float64 {
		_, out := m.forward(x)
		return floats.Dot(out, c)
	}

	h, _ := m.forward(x)
	grad := newZeroMLP(4, 5, 2)
	m.backward(x, h, c, grad)

	const step = 1e-6
	for i, p := range m.params() {
		for j := range p {
			orig := p[j]
			p[j] = orig + step
			up := lossAt()
			p[j] = orig - step
			down := lossAt()
			p[j] = orig
			assert.InDelta(t, (up-down)/(2*step), grad.params()[i][j], 1e-6)
		}
	}
}

func TestAdamMovesAgainstGradient(t *testing.T) {
	params := [][]float64{{1, -1}}
	opt := newAdam(params, 0.1)
	opt.update(params, [][]float64{{2, -3}})

	// the first bias-corrected step has magnitude lr
	assert.InDelta(t, 0.9, params[0][0], 1e-6)
	assert.InDelta(t, -0.9, params[0][1], 1e-6)
}

func TestMetaKNetworkZeroGrad(t *testing.T) {
	c, err := NewAdaptiveCombiner(smallAdaptiveConfig())
	require.NoError(t, err)

	net := c.Network()
	grad := net.zeroGrad()
	assert.Equal(t, net.NumParams(), grad.NumParams())
	for _, p := range grad.params() {
		assert.Equal(t, 0.0, floats.Norm(p, 1))
	}
	assert.Len(t, net.nets(), 3)
}
