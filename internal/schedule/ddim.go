package schedule

import (
	"math"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/errs"

	"gonum.org/v1/gonum/mat"
)

// DDIM is the non-Markovian recipe; with eta 0 the reverse chain is
// deterministic and tolerates few inference steps.
type DDIM struct {
	core
	finalAlphaCumprod float64
}

func (s *DDIM) Variant() config.Variant { return config.VariantDDIM }

func (s *DDIM) SetInferenceSteps(n int) error {
	return s.setInferenceSteps(n, s.cfg.StepsOffset)
}

func (s *DDIM) Step(modelOutput *mat.Dense, t int, sample *mat.Dense) (*mat.Dense, error) {
	const op = "schedule.ddim.step"
	if s.numInference == 0 {
		return nil, errs.State(op, "inference steps not configured")
	}
	if err := s.checkStep(op, t); err != nil {
		return nil, err
	}
	if err := checkSameShape(op, modelOutput, sample); err != nil {
		return nil, err
	}
	prev := s.prevTimestep(t)
	alphaProd := s.alphasCumprod[t]
	alphaProdPrev := s.finalAlphaCumprod
	if prev >= 0 {
		alphaProdPrev = s.alphasCumprod[prev]
	}
	betaProd := 1 - alphaProd
	betaProdPrev := 1 - alphaProdPrev
	variance := (betaProdPrev / betaProd) * (1 - alphaProd/alphaProdPrev)
	std := s.cfg.Eta * math.Sqrt(math.Max(variance, 0))

	x0, eps := s.predictOriginal(modelOutput, sample, alphaProd)
	dirCoeff := math.Sqrt(math.Max(1-alphaProdPrev-std*std, 0))
	origCoeff := math.Sqrt(alphaProdPrev)

	rows, cols := sample.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, origCoeff*x0.At(i, j)+dirCoeff*eps.At(i, j))
		}
	}
	if std > 0 {
		out.Add(out, scaled(std, s.gaussian(rows, cols)))
	}
	return out, nil
}
