package internal

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MLP is a one-hidden-layer tanh network: out = W2·tanh(W1·x + b1) + b2.
// Weights are stored row-major so they can be viewed as mat.Dense without
// copying and serialized as plain JSON.
type MLP struct {
	In     int       `json:"in"`
	Hidden int       `json:"hidden"`
	Out    int       `json:"out"`
	W1     []float64 `json:"w1"`
	B1     []float64 `json:"b1"`
	W2     []float64 `json:"w2"`
	B2     []float64 `json:"b2"`
}

func newMLP(in, hidden, out int, src rand.Source) *MLP {
	m := newZeroMLP(in, hidden, out)
	xavier(m.W1, in, hidden, src)
	xavier(m.W2, hidden, out, src)
	return m
}

func newZeroMLP(in, hidden, out int) *MLP {
	return &MLP{
		In:     in,
		Hidden: hidden,
		Out:    out,
		W1:     make([]float64, hidden*in),
		B1:     make([]float64, hidden),
		W2:     make([]float64, out*hidden),
		B2:     make([]float64, out),
	}
}

func xavier(w []float64, fanIn, fanOut int, src rand.Source) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	u := distuv.Uniform{Min: -limit, Max: limit, Src: src}
	for i := range w {
		w[i] = u.Rand()
	}
}

func (m *MLP) params() [][]float64 {
	return [][]float64{m.W1, m.B1, m.W2, m.B2}
}

func (m *MLP) valid() bool {
	return m.In > 0 && m.Hidden > 0 && m.Out > 0 &&
		len(m.W1) == m.Hidden*m.In && len(m.B1) == m.Hidden &&
		len(m.W2) == m.Out*m.Hidden && len(m.B2) == m.Out
}

// forward returns the hidden activations and the output.
func (m *MLP) forward(x []float64) (h, out []float64) {
	hv := mat.NewVecDense(m.Hidden, nil)
	hv.MulVec(mat.NewDense(m.Hidden, m.In, m.W1), mat.NewVecDense(m.In, x))
	h = hv.RawVector().Data
	floats.Add(h, m.B1)
	for i, v := range h {
		h[i] = math.Tanh(v)
	}

	ov := mat.NewVecDense(m.Out, nil)
	ov.MulVec(mat.NewDense(m.Out, m.Hidden, m.W2), hv)
	out = ov.RawVector().Data
	floats.Add(out, m.B2)
	return h, out
}

// backward accumulates the parameter gradients of one sample into grad.
func (m *MLP) backward(x, h, dOut []float64, grad *MLP) {
	dOutV := mat.NewVecDense(m.Out, dOut)
	hv := mat.NewVecDense(m.Hidden, h)

	gW2 := mat.NewDense(m.Out, m.Hidden, grad.W2)
	gW2.RankOne(gW2, 1, dOutV, hv)
	floats.Add(grad.B2, dOut)

	dh := mat.NewVecDense(m.Hidden, nil)
	dh.MulVec(mat.NewDense(m.Out, m.Hidden, m.W2).T(), dOutV)
	dPre := dh.RawVector().Data
	for i, v := range h {
		dPre[i] *= 1 - v*v
	}

	gW1 := mat.NewDense(m.Hidden, m.In, grad.W1)
	gW1.RankOne(gW1, 1, dh, mat.NewVecDense(m.In, x))
	floats.Add(grad.B1, dPre)
}

// MetaKNetwork predicts k, lambda and temperature from retrieval features.
// A nil sub-network means that quantity is fixed.
type MetaKNetwork struct {
	KNet           *MLP `json:"k_net,omitempty"`
	LambdaNet      *MLP `json:"lambda_net,omitempty"`
	TemperatureNet *MLP `json:"temperature_net,omitempty"`
}

func (n *MetaKNetwork) nets() []*MLP {
	var out []*MLP
	for _, m := range []*MLP{n.KNet, n.LambdaNet, n.TemperatureNet} {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (n *MetaKNetwork) params() [][]float64 {
	var out [][]float64
	for _, m := range n.nets() {
		out = append(out, m.params()...)
	}
	return out
}

// zeroGrad returns a gradient buffer shaped like n.
func (n *MetaKNetwork) zeroGrad() *MetaKNetwork {
	g := &MetaKNetwork{}
	if n.KNet != nil {
		g.KNet = newZeroMLP(n.KNet.In, n.KNet.Hidden, n.KNet.Out)
	}
	if n.LambdaNet != nil {
		g.LambdaNet = newZeroMLP(n.LambdaNet.In, n.LambdaNet.Hidden, n.LambdaNet.Out)
	}
	if n.TemperatureNet != nil {
		g.TemperatureNet = newZeroMLP(n.TemperatureNet.In, n.TemperatureNet.Hidden, n.TemperatureNet.Out)
	}
	return g
}

func (n *MetaKNetwork) NumParams() int {
	var total int
	for _, p := range n.params() {
		total += len(p)
	}
	return total
}

// adam keeps first and second moment estimates per parameter slice.
type adam struct {
	lr, beta1, beta2, eps float64
	step                  int
	m, v                  [][]float64
}

func newAdam(params [][]float64, lr float64) *adam {
	a := &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}
	for _, p := range params {
		a.m = append(a.m, make([]float64, len(p)))
		a.v = append(a.v, make([]float64, len(p)))
	}
	return a
}

func (a *adam) update(params, grads [][]float64) {
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))

	for i, p := range params {
		g, m, v := grads[i], a.m[i], a.v[i]
		for j := range p {
			m[j] = a.beta1*m[j] + (1-a.beta1)*g[j]
			v[j] = a.beta2*v[j] + (1-a.beta2)*g[j]*g[j]
			p[j] -= a.lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.eps)
		}
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
