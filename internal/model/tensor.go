package model

import "fmt"

// Tensor is a dense row-major float tensor.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// NewTensor allocates a zero tensor with the given shape.
func NewTensor(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, volume(shape))}
}

// FromData wraps data with shape, validating the element count.
func FromData(data []float64, shape ...int) (Tensor, error) {
	if len(data) != volume(shape) {
		return Tensor{}, fmt.Errorf("tensor data length %d does not match shape %v", len(data), shape)
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func (t Tensor) Rank() int {
	return len(t.Shape)
}

func (t Tensor) Len() int {
	return len(t.Data)
}

// FrameSize is the number of elements spanned by one [batch, time] entry of a
// tensor with rank >= 2.
func (t Tensor) FrameSize() int {
	if len(t.Shape) < 2 {
		return 0
	}
	return volume(t.Shape[2:])
}

// Frame returns the flattened features at batch b and time step ts. The slice
// aliases the tensor storage.
func (t Tensor) Frame(b, ts int) []float64 {
	size := t.FrameSize()
	offset := (b*t.Shape[1] + ts) * size
	return t.Data[offset : offset+size]
}

// SliceTime keeps the first n entries of axis 1.
func (t Tensor) SliceTime(n int) (Tensor, error) {
	if len(t.Shape) < 2 {
		return Tensor{}, fmt.Errorf("tensor rank %d has no time axis", len(t.Shape))
	}
	if n > t.Shape[1] {
		return Tensor{}, fmt.Errorf("time axis length %d shorter than %d", t.Shape[1], n)
	}
	shape := append([]int(nil), t.Shape...)
	shape[1] = n
	out := NewTensor(shape...)
	size := t.FrameSize()
	for b := 0; b < t.Shape[0]; b++ {
		src := t.Data[b*t.Shape[1]*size : (b*t.Shape[1]+n)*size]
		copy(out.Data[b*n*size:(b+1)*n*size], src)
	}
	return out, nil
}

// Clone deep-copies the tensor.
func (t Tensor) Clone() Tensor {
	return Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
