package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	defaultNormEps      = 1e-5
	defaultNormMomentum = 0.1
)

// BatchNorm normalizes every feature column over the batch rows. In training
// mode it uses batch statistics and updates the running estimates; in eval
// mode it uses the running estimates.
type BatchNorm struct {
	Features    int
	Eps         float64
	Momentum    float64
	Gamma       *Param
	Beta        *Param
	RunningMean *Param
	RunningVar  *Param

	training  bool
	xhat      *mat.Dense
	invStd    []float64
	batchMode bool
}

func NewBatchNorm(features int) *BatchNorm {
	b := &BatchNorm{
		Features:    features,
		Eps:         defaultNormEps,
		Momentum:    defaultNormMomentum,
		Gamma:       NewParam("weight", 1, features),
		Beta:        NewParam("bias", 1, features),
		RunningMean: NewParam("running_mean", 1, features),
		RunningVar:  NewParam("running_var", 1, features),
	}
	fill(b.Gamma.Value, 1)
	fill(b.RunningVar.Value, 1)
	return b
}

func (b *BatchNorm) Kind() string { return "BatchNorm" }

func (b *BatchNorm) Forward(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	b.xhat = mat.NewDense(rows, cols, nil)
	b.invStd = make([]float64, cols)
	b.batchMode = b.training
	y := mat.NewDense(rows, cols, nil)
	column := make([]float64, rows)
	for j := 0; j < cols; j++ {
		var mean, variance float64
		if b.training {
			mat.Col(column, j, x)
			mean, variance = meanVar(column)
			unbiased := variance
			if rows > 1 {
				unbiased = variance * float64(rows) / float64(rows-1)
			}
			b.RunningMean.Value.Set(0, j, (1-b.Momentum)*b.RunningMean.Value.At(0, j)+b.Momentum*mean)
			b.RunningVar.Value.Set(0, j, (1-b.Momentum)*b.RunningVar.Value.At(0, j)+b.Momentum*unbiased)
		} else {
			mean = b.RunningMean.Value.At(0, j)
			variance = b.RunningVar.Value.At(0, j)
		}
		inv := 1 / math.Sqrt(variance+b.Eps)
		b.invStd[j] = inv
		gamma, beta := b.Gamma.Value.At(0, j), b.Beta.Value.At(0, j)
		for i := 0; i < rows; i++ {
			xh := (x.At(i, j) - mean) * inv
			b.xhat.Set(i, j, xh)
			y.Set(i, j, gamma*xh+beta)
		}
	}
	return y
}

func (b *BatchNorm) Backward(grad *mat.Dense) *mat.Dense {
	if b.xhat == nil {
		panic("nn: BatchNorm.Backward called before Forward")
	}
	rows, cols := grad.Dims()
	dx := mat.NewDense(rows, cols, nil)
	dy := make([]float64, rows)
	xh := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(dy, j, grad)
		mat.Col(xh, j, b.xhat)
		gamma := b.Gamma.Value.At(0, j)
		var sumDy, sumDyXh float64
		for i := range dy {
			sumDy += dy[i]
			sumDyXh += dy[i] * xh[i]
		}
		b.Gamma.Grad.Set(0, j, b.Gamma.Grad.At(0, j)+sumDyXh)
		b.Beta.Grad.Set(0, j, b.Beta.Grad.At(0, j)+sumDy)

		if !b.batchMode {
			for i := range dy {
				dx.Set(i, j, dy[i]*gamma*b.invStd[j])
			}
			continue
		}
		dxhat := make([]float64, rows)
		for i := range dy {
			dxhat[i] = dy[i] * gamma
		}
		out := normBackward(dxhat, xh, b.invStd[j])
		for i, v := range out {
			dx.Set(i, j, v)
		}
	}
	return dx
}

func (b *BatchNorm) Parameters() []*Param { return []*Param{b.Gamma, b.Beta} }
func (b *BatchNorm) Buffers() []*Param    { return []*Param{b.RunningMean, b.RunningVar} }
func (b *BatchNorm) SetTraining(t bool)   { b.training = t }
func (b *BatchNorm) Training() bool       { return b.training }

func (b *BatchNorm) Clone() Module {
	return &BatchNorm{
		Features:    b.Features,
		Eps:         b.Eps,
		Momentum:    b.Momentum,
		Gamma:       b.Gamma.clone(),
		Beta:        b.Beta.clone(),
		RunningMean: b.RunningMean.clone(),
		RunningVar:  b.RunningVar.clone(),
		training:    b.training,
	}
}

// GroupNorm normalizes contiguous feature groups within each row. It carries
// no batch statistics, so it behaves identically in train and eval mode.
type GroupNorm struct {
	Groups   int
	Features int
	Eps      float64
	Gamma    *Param
	Beta     *Param

	training bool
	xhat     *mat.Dense
	invStd   *mat.Dense
}

func NewGroupNorm(groups, features int) (*GroupNorm, error) {
	if groups <= 0 || features%groups != 0 {
		return nil, fmt.Errorf("group norm: %d features not divisible into %d groups", features, groups)
	}
	g := &GroupNorm{
		Groups:   groups,
		Features: features,
		Eps:      defaultNormEps,
		Gamma:    NewParam("weight", 1, features),
		Beta:     NewParam("bias", 1, features),
	}
	fill(g.Gamma.Value, 1)
	return g, nil
}

func (g *GroupNorm) Kind() string { return "GroupNorm" }

func (g *GroupNorm) Forward(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	size := cols / g.Groups
	g.xhat = mat.NewDense(rows, cols, nil)
	g.invStd = mat.NewDense(rows, g.Groups, nil)
	y := mat.NewDense(rows, cols, nil)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, x)
		for k := 0; k < g.Groups; k++ {
			segment := row[k*size : (k+1)*size]
			mean, variance := meanVar(segment)
			inv := 1 / math.Sqrt(variance+g.Eps)
			g.invStd.Set(i, k, inv)
			for s, v := range segment {
				j := k*size + s
				xh := (v - mean) * inv
				g.xhat.Set(i, j, xh)
				y.Set(i, j, g.Gamma.Value.At(0, j)*xh+g.Beta.Value.At(0, j))
			}
		}
	}
	return y
}

func (g *GroupNorm) Backward(grad *mat.Dense) *mat.Dense {
	if g.xhat == nil {
		panic("nn: GroupNorm.Backward called before Forward")
	}
	rows, cols := grad.Dims()
	size := cols / g.Groups
	dx := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for k := 0; k < g.Groups; k++ {
			dxhat := make([]float64, size)
			xh := make([]float64, size)
			for s := 0; s < size; s++ {
				j := k*size + s
				dy := grad.At(i, j)
				xh[s] = g.xhat.At(i, j)
				dxhat[s] = dy * g.Gamma.Value.At(0, j)
				g.Gamma.Grad.Set(0, j, g.Gamma.Grad.At(0, j)+dy*xh[s])
				g.Beta.Grad.Set(0, j, g.Beta.Grad.At(0, j)+dy)
			}
			out := normBackward(dxhat, xh, g.invStd.At(i, k))
			for s, v := range out {
				dx.Set(i, k*size+s, v)
			}
		}
	}
	return dx
}

func (g *GroupNorm) Parameters() []*Param { return []*Param{g.Gamma, g.Beta} }
func (g *GroupNorm) Buffers() []*Param    { return nil }
func (g *GroupNorm) SetTraining(t bool)   { g.training = t }
func (g *GroupNorm) Training() bool       { return g.training }

func (g *GroupNorm) Clone() Module {
	return &GroupNorm{
		Groups:   g.Groups,
		Features: g.Features,
		Eps:      g.Eps,
		Gamma:    g.Gamma.clone(),
		Beta:     g.Beta.clone(),
		training: g.training,
	}
}

func meanVar(values []float64) (float64, float64) {
	n := float64(len(values))
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= n
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return mean, variance / n
}

// normBackward is the gradient of x -> (x-mean)/std over one normalized
// segment, given the upstream gradient on the normalized values.
func normBackward(dxhat, xhat []float64, invStd float64) []float64 {
	n := float64(len(dxhat))
	var sum, sumXh float64
	for i := range dxhat {
		sum += dxhat[i]
		sumXh += dxhat[i] * xhat[i]
	}
	out := make([]float64, len(dxhat))
	for i := range dxhat {
		out[i] = invStd / n * (n*dxhat[i] - sum - xhat[i]*sumXh)
	}
	return out
}
