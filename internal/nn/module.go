package nn

import "gonum.org/v1/gonum/mat"

// Module is a differentiable layer operating on [rows, features] matrices.
// Forward caches whatever Backward needs, so calls must alternate
// Forward/Backward on the same instance.
type Module interface {
	Kind() string
	Forward(x *mat.Dense) *mat.Dense
	// Backward accumulates parameter gradients and returns the gradient with
	// respect to the last Forward input.
	Backward(grad *mat.Dense) *mat.Dense
	Parameters() []*Param
	Buffers() []*Param
	SetTraining(training bool)
	Training() bool
	Clone() Module
}

// Container is a Module with replaceable children.
type Container interface {
	Module
	Children() []Module
	SetChild(i int, child Module)
}

// OutputSizer reports the feature width a module produces for a given input
// width.
type OutputSizer interface {
	OutputSize(in int) int
}

// OutputSize walks m and returns the produced feature width.
func OutputSize(m Module, in int) int {
	if sizer, ok := m.(OutputSizer); ok {
		return sizer.OutputSize(in)
	}
	if c, ok := m.(Container); ok {
		for _, child := range c.Children() {
			in = OutputSize(child, in)
		}
	}
	return in
}
