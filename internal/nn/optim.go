package nn

import (
	"fmt"
	"math"

	"diffusionpolicy/internal/model"

	"gonum.org/v1/gonum/mat"
)

type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	cfg    AdamWConfig
	params []NamedParam
	step   int
	m      map[string]*mat.Dense
	v      map[string]*mat.Dense
}

func NewAdamW(params []NamedParam, cfg AdamWConfig) (*AdamW, error) {
	if cfg.LR <= 0 {
		return nil, fmt.Errorf("learning rate must be > 0, got %v", cfg.LR)
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 || cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return nil, fmt.Errorf("adam betas must be in [0, 1), got %v %v", cfg.Beta1, cfg.Beta2)
	}
	if cfg.Eps <= 0 {
		cfg.Eps = 1e-8
	}
	o := &AdamW{
		cfg:    cfg,
		params: params,
		m:      make(map[string]*mat.Dense, len(params)),
		v:      make(map[string]*mat.Dense, len(params)),
	}
	for _, np := range params {
		r, c := np.Param.Value.Dims()
		o.m[np.Name] = mat.NewDense(r, c, nil)
		o.v[np.Name] = mat.NewDense(r, c, nil)
	}
	return o, nil
}

func (o *AdamW) LR() float64 { return o.cfg.LR }

func (o *AdamW) SetLR(lr float64) { o.cfg.LR = lr }

func (o *AdamW) Steps() int { return o.step }

func (o *AdamW) ZeroGrad() {
	ZeroGrad(o.params)
}

// Step applies one update from the accumulated gradients.
func (o *AdamW) Step() {
	o.step++
	b1, b2 := o.cfg.Beta1, o.cfg.Beta2
	corr1 := 1 - math.Pow(b1, float64(o.step))
	corr2 := 1 - math.Pow(b2, float64(o.step))
	for _, np := range o.params {
		p := np.Param
		m, v := o.m[np.Name], o.v[np.Name]
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				g := p.Grad.At(i, j)
				w := p.Value.At(i, j) * (1 - o.cfg.LR*o.cfg.WeightDecay)
				mi := b1*m.At(i, j) + (1-b1)*g
				vi := b2*v.At(i, j) + (1-b2)*g*g
				m.Set(i, j, mi)
				v.Set(i, j, vi)
				w -= o.cfg.LR * (mi / corr1) / (math.Sqrt(vi/corr2) + o.cfg.Eps)
				p.Value.Set(i, j, w)
			}
		}
	}
}

func (o *AdamW) State() model.OptimizerState {
	s := model.OptimizerState{
		Step:         o.step,
		LR:           o.cfg.LR,
		FirstMoment:  make(map[string][]float64, len(o.m)),
		SecondMoment: make(map[string][]float64, len(o.v)),
	}
	for name, m := range o.m {
		s.FirstMoment[name] = ToState(m).Data
	}
	for name, v := range o.v {
		s.SecondMoment[name] = ToState(v).Data
	}
	return s
}

func (o *AdamW) LoadState(s model.OptimizerState) error {
	for _, np := range o.params {
		r, c := np.Param.Value.Dims()
		first, ok1 := s.FirstMoment[np.Name]
		second, ok2 := s.SecondMoment[np.Name]
		if !ok1 || !ok2 {
			return fmt.Errorf("optimizer state missing %s", np.Name)
		}
		if len(first) != r*c || len(second) != r*c {
			return fmt.Errorf("optimizer state %s has wrong size", np.Name)
		}
		o.m[np.Name] = mat.NewDense(r, c, append([]float64(nil), first...))
		o.v[np.Name] = mat.NewDense(r, c, append([]float64(nil), second...))
	}
	o.step = s.Step
	if s.LR > 0 {
		o.cfg.LR = s.LR
	}
	return nil
}
