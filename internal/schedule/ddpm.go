package schedule

import (
	"math"

	"diffusionpolicy/internal/config"

	"gonum.org/v1/gonum/mat"
)

// DDPM is the Markov-chain recipe: every reverse step samples from the
// posterior q(x_{t-1} | x_t, x0).
type DDPM struct {
	core
}

func (s *DDPM) Variant() config.Variant { return config.VariantDDPM }

func (s *DDPM) SetInferenceSteps(n int) error {
	return s.setInferenceSteps(n, 0)
}

func (s *DDPM) Step(modelOutput *mat.Dense, t int, sample *mat.Dense) (*mat.Dense, error) {
	const op = "schedule.ddpm.step"
	if err := s.checkStep(op, t); err != nil {
		return nil, err
	}
	if err := checkSameShape(op, modelOutput, sample); err != nil {
		return nil, err
	}
	prev := s.prevTimestep(t)
	alphaProd := s.alphasCumprod[t]
	alphaProdPrev := 1.0
	if prev >= 0 {
		alphaProdPrev = s.alphasCumprod[prev]
	}
	betaProd := 1 - alphaProd
	betaProdPrev := 1 - alphaProdPrev
	currentAlpha := alphaProd / alphaProdPrev
	currentBeta := 1 - currentAlpha

	x0, _ := s.predictOriginal(modelOutput, sample, alphaProd)
	origCoeff := math.Sqrt(alphaProdPrev) * currentBeta / betaProd
	sampleCoeff := math.Sqrt(currentAlpha) * betaProdPrev / betaProd

	rows, cols := sample.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, origCoeff*x0.At(i, j)+sampleCoeff*sample.At(i, j))
		}
	}
	if t > 0 {
		std := math.Sqrt(s.variance(alphaProd, alphaProdPrev, currentBeta))
		noise := s.gaussian(rows, cols)
		out.Add(out, scaled(std, noise))
	}
	return out, nil
}

func (s *DDPM) variance(alphaProd, alphaProdPrev, currentBeta float64) float64 {
	if s.cfg.VarianceType == config.VarianceFixedLarge {
		return currentBeta
	}
	v := (1 - alphaProdPrev) / (1 - alphaProd) * currentBeta
	return math.Max(v, 1e-20)
}

func scaled(f float64, m *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Scale(f, m)
	return &out
}
