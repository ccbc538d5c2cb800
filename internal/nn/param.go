package nn

import "gonum.org/v1/gonum/mat"

// Param is a trainable matrix and its accumulated gradient. Buffers reuse the
// type and leave Grad unused.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// Size is the number of scalar entries.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

func (p *Param) clone() *Param {
	return &Param{
		Name:  p.Name,
		Value: mat.DenseCopyOf(p.Value),
		Grad:  mat.DenseCopyOf(p.Grad),
	}
}

// fill sets every entry of m to v.
func fill(m *mat.Dense, v float64) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, v)
		}
	}
}
