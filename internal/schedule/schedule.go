// Package schedule implements the forward corruption and reverse denoising
// recipes used to train and sample the policy. Trajectories are matrices with
// one flattened trajectory per row.
package schedule

import (
	"math"
	"math/rand"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/errs"

	"gonum.org/v1/gonum/mat"
)

const (
	linearBetaStart = 1e-4
	linearBetaEnd   = 0.02
	maxBeta         = 0.999
)

// Schedule is the capability shared by every diffusion variant.
type Schedule interface {
	Variant() config.Variant
	NumTrainTimesteps() int
	// AddNoise corrupts each row of clean with the matching row of noise at
	// steps[row].
	AddNoise(clean, noise *mat.Dense, steps []int) (*mat.Dense, error)
	// SetInferenceSteps configures a descending strided subsequence of n step
	// indices spanning the training schedule.
	SetInferenceSteps(n int) error
	// Timesteps returns the configured descending inference sequence.
	Timesteps() []int
	// Step applies one reverse update at step t and returns the less noisy
	// sample. Steps must be taken in Timesteps order.
	Step(modelOutput *mat.Dense, t int, sample *mat.Dense) (*mat.Dense, error)
	// TrainingTarget is what the predictor regresses for the configured
	// prediction type.
	TrainingTarget(clean, noise *mat.Dense, steps []int) (*mat.Dense, error)
}

// New builds the schedule selected by d. rng drives any noise injected during
// reverse steps.
func New(d config.Diffusion, rng *rand.Rand) (Schedule, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	c, err := newCore(d, rng)
	if err != nil {
		return nil, err
	}
	switch d.Variant {
	case config.VariantDDPM:
		return &DDPM{core: c}, nil
	case config.VariantDDIM:
		final := 1.0
		if !d.SetAlphaToOne {
			final = c.alphasCumprod[0]
		}
		return &DDIM{core: c, finalAlphaCumprod: final}, nil
	default:
		return nil, errs.Configuration("schedule.new", "unknown diffusion variant %q", d.Variant)
	}
}

// Betas returns the per-step noise variances for the named curve.
func Betas(name string, n int) ([]float64, error) {
	switch name {
	case config.BetaLinear:
		return linspace(linearBetaStart, linearBetaEnd, n), nil
	case config.BetaScaledLinear:
		betas := linspace(math.Sqrt(linearBetaStart), math.Sqrt(linearBetaEnd), n)
		for i, b := range betas {
			betas[i] = b * b
		}
		return betas, nil
	case config.BetaSquaredCos:
		alphaBar := func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}
		betas := make([]float64, n)
		for i := range betas {
			t1 := float64(i) / float64(n)
			t2 := float64(i+1) / float64(n)
			betas[i] = math.Min(1-alphaBar(t2)/alphaBar(t1), maxBeta)
		}
		return betas, nil
	default:
		return nil, errs.Configuration("schedule.betas", "unknown beta schedule %q", name)
	}
}

func linspace(start, stop float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

// core holds the algebra common to both variants.
type core struct {
	cfg           config.Diffusion
	betas         []float64
	alphas        []float64
	alphasCumprod []float64
	timesteps     []int
	numInference  int
	rng           *rand.Rand
}

func newCore(d config.Diffusion, rng *rand.Rand) (core, error) {
	betas, err := Betas(d.BetaSchedule, d.NumTrainTimesteps)
	if err != nil {
		return core{}, err
	}
	alphas := make([]float64, len(betas))
	cumprod := make([]float64, len(betas))
	acc := 1.0
	for i, b := range betas {
		alphas[i] = 1 - b
		acc *= alphas[i]
		cumprod[i] = acc
	}
	c := core{cfg: d, betas: betas, alphas: alphas, alphasCumprod: cumprod, rng: rng}
	// Until configured, the inference sequence is the full training chain.
	c.timesteps = stridedTimesteps(d.NumTrainTimesteps, d.NumTrainTimesteps, 0)
	return c, nil
}

func (c *core) NumTrainTimesteps() int { return c.cfg.NumTrainTimesteps }

func (c *core) Timesteps() []int {
	return append([]int(nil), c.timesteps...)
}

// AlphasCumprod exposes the cumulative signal rates.
func (c *core) AlphasCumprod() []float64 {
	return append([]float64(nil), c.alphasCumprod...)
}

func (c *core) setInferenceSteps(n, offset int) error {
	const op = "schedule.set_inference_steps"
	train := c.cfg.NumTrainTimesteps
	if n < 1 || n > train {
		return errs.Configuration(op, "inference steps must be in [1, %d]", train).With("n", n)
	}
	ts := stridedTimesteps(train, n, offset)
	if ts[0] >= train {
		return errs.Configuration(op, "steps_offset pushes timestep %d past the schedule", ts[0]).
			With("offset", offset)
	}
	c.timesteps = ts
	c.numInference = n
	return nil
}

func stridedTimesteps(train, n, offset int) []int {
	ratio := train / n
	ts := make([]int, n)
	for i := range ts {
		ts[i] = (n-1-i)*ratio + offset
	}
	return ts
}

// prevTimestep is the index the reverse step lands on.
func (c *core) prevTimestep(t int) int {
	n := c.numInference
	if n == 0 {
		n = c.cfg.NumTrainTimesteps
	}
	return t - c.cfg.NumTrainTimesteps/n
}

func (c *core) checkStep(op string, t int) error {
	if t < 0 || t >= c.cfg.NumTrainTimesteps {
		return errs.Precondition(op, "step %d outside [0, %d)", t, c.cfg.NumTrainTimesteps)
	}
	return nil
}

func checkSameShape(op string, a, b *mat.Dense) error {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return errs.Precondition(op, "shape mismatch %dx%d vs %dx%d", ar, ac, br, bc)
	}
	return nil
}

func (c *core) checkBatch(op string, clean, noise *mat.Dense, steps []int) error {
	if err := checkSameShape(op, clean, noise); err != nil {
		return err
	}
	rows, _ := clean.Dims()
	if len(steps) != rows {
		return errs.Precondition(op, "got %d steps for %d rows", len(steps), rows)
	}
	for _, t := range steps {
		if err := c.checkStep(op, t); err != nil {
			return err
		}
	}
	return nil
}

// AddNoise returns sqrt(ᾱ_t)·clean + sqrt(1-ᾱ_t)·noise per row.
func (c *core) AddNoise(clean, noise *mat.Dense, steps []int) (*mat.Dense, error) {
	if err := c.checkBatch("schedule.add_noise", clean, noise, steps); err != nil {
		return nil, err
	}
	return c.combine(clean, noise, steps, func(ab float64) (float64, float64) {
		return math.Sqrt(ab), math.Sqrt(1 - ab)
	}), nil
}

// TrainingTarget returns noise, clean or the velocity depending on the
// prediction type.
func (c *core) TrainingTarget(clean, noise *mat.Dense, steps []int) (*mat.Dense, error) {
	if err := c.checkBatch("schedule.training_target", clean, noise, steps); err != nil {
		return nil, err
	}
	switch c.cfg.PredictionType {
	case config.PredictSample:
		return mat.DenseCopyOf(clean), nil
	case config.PredictV:
		return c.combine(clean, noise, steps, func(ab float64) (float64, float64) {
			return -math.Sqrt(1 - ab), math.Sqrt(ab)
		}), nil
	default:
		return mat.DenseCopyOf(noise), nil
	}
}

func (c *core) combine(x, y *mat.Dense, steps []int, coeffs func(alphaBar float64) (float64, float64)) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		a, b := coeffs(c.alphasCumprod[steps[i]])
		for j := 0; j < cols; j++ {
			out.Set(i, j, a*x.At(i, j)+b*y.At(i, j))
		}
	}
	return out
}

// predictOriginal recovers (x0, ε) estimates from the model output at a step
// whose cumulative signal rate is alphaProd.
func (c *core) predictOriginal(modelOutput, sample *mat.Dense, alphaProd float64) (*mat.Dense, *mat.Dense) {
	rows, cols := sample.Dims()
	x0 := mat.NewDense(rows, cols, nil)
	eps := mat.NewDense(rows, cols, nil)
	sa, sb := math.Sqrt(alphaProd), math.Sqrt(1-alphaProd)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out, x := modelOutput.At(i, j), sample.At(i, j)
			var orig, e float64
			switch c.cfg.PredictionType {
			case config.PredictSample:
				orig = out
				e = (x - sa*orig) / sb
			case config.PredictV:
				orig = sa*x - sb*out
				e = sa*out + sb*x
			default:
				orig = (x - sb*out) / sa
				e = out
			}
			if c.cfg.ClipSample {
				orig = math.Max(-1, math.Min(1, orig))
			}
			x0.Set(i, j, orig)
			eps.Set(i, j, e)
		}
	}
	return x0, eps
}

func (c *core) gaussian(rows, cols int) *mat.Dense {
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, c.rng.NormFloat64())
		}
	}
	return out
}
