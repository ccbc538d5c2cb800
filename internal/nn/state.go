package nn

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"diffusionpolicy/internal/model"

	"gonum.org/v1/gonum/mat"
)

// NamedParam pairs a hierarchical name with a parameter or buffer.
type NamedParam struct {
	Name  string
	Param *Param
}

// NamedParameters lists trainable parameters of m as prefix + child path +
// local name, e.g. "trunk.0.weight".
func NamedParameters(prefix string, m Module) []NamedParam {
	return collectNamed(prefix, m, func(m Module) []*Param { return m.Parameters() })
}

// NamedBuffers lists non-trainable state (running statistics).
func NamedBuffers(prefix string, m Module) []NamedParam {
	return collectNamed(prefix, m, func(m Module) []*Param { return m.Buffers() })
}

func collectNamed(prefix string, m Module, pick func(Module) []*Param) []NamedParam {
	c, ok := m.(Container)
	if !ok {
		params := pick(m)
		out := make([]NamedParam, 0, len(params))
		for _, p := range params {
			out = append(out, NamedParam{Name: joinPath(prefix, p.Name), Param: p})
		}
		return out
	}
	var out []NamedParam
	for i, child := range c.Children() {
		out = append(out, collectNamed(joinPath(prefix, strconv.Itoa(i)), child, pick)...)
	}
	return out
}

// ToState copies m into its serialized form.
func ToState(m *mat.Dense) model.MatrixState {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, mat.Row(nil, i, m)...)
	}
	return model.MatrixState{Rows: r, Cols: c, Data: data}
}

// FromState builds a matrix from its serialized form.
func FromState(s model.MatrixState) (*mat.Dense, error) {
	if s.Rows <= 0 || s.Cols <= 0 || len(s.Data) != s.Rows*s.Cols {
		return nil, fmt.Errorf("invalid matrix state %dx%d with %d values", s.Rows, s.Cols, len(s.Data))
	}
	return mat.NewDense(s.Rows, s.Cols, append([]float64(nil), s.Data...)), nil
}

// StateDictOf snapshots every named entry.
func StateDictOf(named ...[]NamedParam) model.StateDict {
	out := make(model.StateDict)
	for _, group := range named {
		for _, np := range group {
			out[np.Name] = ToState(np.Param.Value)
		}
	}
	return out
}

// LoadStateDict copies values from sd into named. Every name must be present
// with a matching shape; extra entries in sd are rejected too.
func LoadStateDict(named []NamedParam, sd model.StateDict) error {
	if len(sd) != len(named) {
		return fmt.Errorf("state dict has %d entries, module has %d", len(sd), len(named))
	}
	for _, np := range named {
		s, ok := sd[np.Name]
		if !ok {
			return fmt.Errorf("state dict missing %s", np.Name)
		}
		r, c := np.Param.Value.Dims()
		if s.Rows != r || s.Cols != c {
			return fmt.Errorf("state dict %s shape %dx%d, want %dx%d", np.Name, s.Rows, s.Cols, r, c)
		}
		value, err := FromState(s)
		if err != nil {
			return fmt.Errorf("state dict %s: %w", np.Name, err)
		}
		np.Param.Value.Copy(value)
	}
	return nil
}

// SortedNames returns the names in a state dict in lexical order.
func SortedNames(sd model.StateDict) []string {
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ZeroGrad clears accumulated gradients.
func ZeroGrad(params []NamedParam) {
	for _, np := range params {
		np.Param.ZeroGrad()
	}
}

// GradNorm is the global L2 norm over all gradients.
func GradNorm(params []NamedParam) float64 {
	sum := 0.0
	for _, np := range params {
		r, c := np.Param.Grad.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				g := np.Param.Grad.At(i, j)
				sum += g * g
			}
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales gradients so their global norm is at most maxNorm and
// returns the norm measured before clipping. maxNorm <= 0 disables clipping.
func ClipGradNorm(params []NamedParam, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	for _, np := range params {
		np.Param.Grad.Scale(scale, np.Param.Grad)
	}
	return norm
}

// ParameterCount sums the scalar entries of params.
func ParameterCount(params []NamedParam) int {
	n := 0
	for _, np := range params {
		n += np.Param.Size()
	}
	return n
}
