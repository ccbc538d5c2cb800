package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MSELoss returns the mean squared error over every element and its gradient
// with respect to pred.
func MSELoss(pred, target *mat.Dense) (float64, *mat.Dense, error) {
	pr, pc := pred.Dims()
	tr, tc := target.Dims()
	if pr != tr || pc != tc {
		return 0, nil, fmt.Errorf("mse shape mismatch: pred %dx%d target %dx%d", pr, pc, tr, tc)
	}
	n := float64(pr * pc)
	var diff mat.Dense
	diff.Sub(pred, target)
	sum := 0.0
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			d := diff.At(i, j)
			sum += d * d
		}
	}
	grad := mat.NewDense(pr, pc, nil)
	grad.Scale(2/n, &diff)
	return sum / n, grad, nil
}

// SinusoidalEmbedding encodes integer diffusion steps as [sin | cos] features
// of geometrically spaced frequencies, one row per step.
func SinusoidalEmbedding(steps []int, dim int) *mat.Dense {
	half := dim / 2
	denom := float64(half - 1)
	if denom < 1 {
		denom = 1
	}
	scale := math.Log(10000) / denom
	out := mat.NewDense(len(steps), dim, nil)
	for i, step := range steps {
		for k := 0; k < half; k++ {
			arg := float64(step) * math.Exp(-scale*float64(k))
			out.Set(i, k, math.Sin(arg))
			out.Set(i, half+k, math.Cos(arg))
		}
	}
	return out
}
