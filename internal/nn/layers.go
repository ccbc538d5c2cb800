package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Linear computes y = x Wᵀ + b with W shaped [out, in].
type Linear struct {
	In, Out int
	Weight  *Param
	Bias    *Param

	training bool
	input    *mat.Dense
}

// NewLinear initializes weights uniformly in ±1/sqrt(in).
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: NewParam("weight", out, in),
		Bias:   NewParam("bias", 1, out),
	}
	bound := 1 / math.Sqrt(float64(in))
	for i := 0; i < out; i++ {
		for j := 0; j < in; j++ {
			l.Weight.Value.Set(i, j, (rng.Float64()*2-1)*bound)
		}
		l.Bias.Value.Set(0, i, (rng.Float64()*2-1)*bound)
	}
	return l
}

func (l *Linear) Kind() string { return "Linear" }

func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	l.input = x
	var y mat.Dense
	y.Mul(x, l.Weight.Value.T())
	rows, cols := y.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			y.Set(i, j, y.At(i, j)+l.Bias.Value.At(0, j))
		}
	}
	return &y
}

func (l *Linear) Backward(grad *mat.Dense) *mat.Dense {
	if l.input == nil {
		panic("nn: Linear.Backward called before Forward")
	}
	var dw mat.Dense
	dw.Mul(grad.T(), l.input)
	l.Weight.Grad.Add(l.Weight.Grad, &dw)

	rows, cols := grad.Dims()
	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += grad.At(i, j)
		}
		l.Bias.Grad.Set(0, j, l.Bias.Grad.At(0, j)+sum)
	}

	var dx mat.Dense
	dx.Mul(grad, l.Weight.Value)
	return &dx
}

func (l *Linear) Parameters() []*Param { return []*Param{l.Weight, l.Bias} }
func (l *Linear) Buffers() []*Param    { return nil }
func (l *Linear) SetTraining(t bool)   { l.training = t }
func (l *Linear) Training() bool       { return l.training }
func (l *Linear) OutputSize(int) int   { return l.Out }

func (l *Linear) Clone() Module {
	return &Linear{In: l.In, Out: l.Out, Weight: l.Weight.clone(), Bias: l.Bias.clone(), training: l.training}
}

// Activation applies a registered element-wise function.
type Activation struct {
	Name string

	fn       ActivationFunc
	deriv    ActivationFunc
	training bool
	input    *mat.Dense
}

func NewActivation(name string) (*Activation, error) {
	fn, err := GetActivation(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported activation: %s", name)
	}
	deriv, err := GetDerivative(name)
	if err != nil {
		return nil, err
	}
	return &Activation{Name: name, fn: fn, deriv: deriv}, nil
}

func (a *Activation) Kind() string { return "Activation" }

func (a *Activation) Forward(x *mat.Dense) *mat.Dense {
	a.input = x
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 { return a.fn(v) }, x)
	return &y
}

func (a *Activation) Backward(grad *mat.Dense) *mat.Dense {
	if a.input == nil {
		panic("nn: Activation.Backward called before Forward")
	}
	var dx mat.Dense
	dx.Apply(func(i, j int, v float64) float64 { return v * a.deriv(a.input.At(i, j)) }, grad)
	return &dx
}

func (a *Activation) Parameters() []*Param { return nil }
func (a *Activation) Buffers() []*Param    { return nil }
func (a *Activation) SetTraining(t bool)   { a.training = t }
func (a *Activation) Training() bool       { return a.training }

func (a *Activation) Clone() Module {
	return &Activation{Name: a.Name, fn: a.fn, deriv: a.deriv, training: a.training}
}

// Sequential chains modules in order.
type Sequential struct {
	Layers []Module

	training bool
}

func NewSequential(layers ...Module) *Sequential {
	return &Sequential{Layers: layers}
}

func (s *Sequential) Kind() string { return "Sequential" }

func (s *Sequential) Forward(x *mat.Dense) *mat.Dense {
	for _, layer := range s.Layers {
		x = layer.Forward(x)
	}
	return x
}

func (s *Sequential) Backward(grad *mat.Dense) *mat.Dense {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		grad = s.Layers[i].Backward(grad)
	}
	return grad
}

func (s *Sequential) Parameters() []*Param {
	var out []*Param
	for _, layer := range s.Layers {
		out = append(out, layer.Parameters()...)
	}
	return out
}

func (s *Sequential) Buffers() []*Param {
	var out []*Param
	for _, layer := range s.Layers {
		out = append(out, layer.Buffers()...)
	}
	return out
}

func (s *Sequential) SetTraining(t bool) {
	s.training = t
	for _, layer := range s.Layers {
		layer.SetTraining(t)
	}
}

func (s *Sequential) Training() bool { return s.training }

func (s *Sequential) Children() []Module { return s.Layers }

func (s *Sequential) SetChild(i int, child Module) { s.Layers[i] = child }

func (s *Sequential) Clone() Module {
	layers := make([]Module, len(s.Layers))
	for i, layer := range s.Layers {
		layers[i] = layer.Clone()
	}
	return &Sequential{Layers: layers, training: s.training}
}
