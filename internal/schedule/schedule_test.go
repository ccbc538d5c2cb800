package schedule

import (
	"math"
	"math/rand"
	"testing"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func diffusionConfig(variant config.Variant, inference int) config.Diffusion {
	return config.Diffusion{
		Variant:               variant,
		NumTrainTimesteps:     100,
		NumInferenceTimesteps: inference,
		BetaSchedule:          config.BetaSquaredCos,
		ClipSample:            true,
		PredictionType:        config.PredictEpsilon,
		VarianceType:          config.VarianceFixedSmall,
		SetAlphaToOne:         true,
	}
}

func newSchedule(t *testing.T, d config.Diffusion) Schedule {
	t.Helper()
	s, err := New(d, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	require.NoError(t, s.SetInferenceSteps(d.NumInferenceTimesteps))
	return s
}

func alphaBar(s Schedule, t int) float64 {
	switch v := s.(type) {
	case *DDPM:
		return v.alphasCumprod[t]
	case *DDIM:
		return v.alphasCumprod[t]
	}
	panic("unknown schedule")
}

func uniformTrajectories(rng *rand.Rand, rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, rng.Float64()*2-1)
		}
	}
	return m
}

func gaussian(rng *rand.Rand, rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}

// oracle returns the model output an exact predictor would produce for
// sample at step t given the clean trajectory.
func oracle(s Schedule, predictionType string, clean, sample *mat.Dense, t int) *mat.Dense {
	ab := alphaBar(s, t)
	rows, cols := sample.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			x, x0 := sample.At(i, j), clean.At(i, j)
			eps := (x - math.Sqrt(ab)*x0) / math.Sqrt(1-ab)
			switch predictionType {
			case config.PredictSample:
				out.Set(i, j, x0)
			case config.PredictV:
				out.Set(i, j, math.Sqrt(ab)*eps-math.Sqrt(1-ab)*x0)
			default:
				out.Set(i, j, eps)
			}
		}
	}
	return out
}

func TestBetaSchedules(t *testing.T) {
	linear, err := Betas(config.BetaLinear, 10)
	require.NoError(t, err)
	assert.InDelta(t, 1e-4, linear[0], 1e-12)
	assert.InDelta(t, 0.02, linear[9], 1e-12)

	scaled, err := Betas(config.BetaScaledLinear, 10)
	require.NoError(t, err)
	assert.InDelta(t, 1e-4, scaled[0], 1e-12)
	assert.InDelta(t, 0.02, scaled[9], 1e-12)

	cos, err := Betas(config.BetaSquaredCos, 100)
	require.NoError(t, err)
	for _, b := range cos {
		assert.Greater(t, b, 0.0)
		assert.LessOrEqual(t, b, maxBeta)
	}
	assert.Equal(t, maxBeta, cos[99])

	_, err = Betas("exp", 10)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestAlphasCumprodDecreasing(t *testing.T) {
	s := newSchedule(t, diffusionConfig(config.VariantDDPM, 100))
	ab := s.(*DDPM).AlphasCumprod()
	for i := 1; i < len(ab); i++ {
		assert.Less(t, ab[i], ab[i-1])
	}
}

func TestInferenceTimesteps(t *testing.T) {
	s := newSchedule(t, diffusionConfig(config.VariantDDPM, 10))
	assert.Equal(t, []int{90, 80, 70, 60, 50, 40, 30, 20, 10, 0}, s.Timesteps())

	d := diffusionConfig(config.VariantDDIM, 4)
	d.StepsOffset = 1
	s = newSchedule(t, d)
	assert.Equal(t, []int{76, 51, 26, 1}, s.Timesteps())
}

func TestSetInferenceStepsRejectsInvalidCounts(t *testing.T) {
	s, err := New(diffusionConfig(config.VariantDDPM, 10), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetInferenceSteps(0), errs.ErrConfiguration)
	assert.ErrorIs(t, s.SetInferenceSteps(101), errs.ErrConfiguration)

	d := diffusionConfig(config.VariantDDIM, 100)
	d.StepsOffset = 1
	s, err = New(d, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetInferenceSteps(100), errs.ErrConfiguration)
}

func TestAddNoiseMatchesClosedForm(t *testing.T) {
	s := newSchedule(t, diffusionConfig(config.VariantDDPM, 100))
	rng := rand.New(rand.NewSource(3))
	clean := uniformTrajectories(rng, 3, 4)
	noise := gaussian(rng, 3, 4)
	steps := []int{0, 50, 99}

	noisy, err := s.AddNoise(clean, noise, steps)
	require.NoError(t, err)
	for i, st := range steps {
		ab := alphaBar(s, st)
		for j := 0; j < 4; j++ {
			want := math.Sqrt(ab)*clean.At(i, j) + math.Sqrt(1-ab)*noise.At(i, j)
			assert.InDelta(t, want, noisy.At(i, j), 1e-12)
		}
	}

	_, err = s.AddNoise(clean, noise, []int{0, 1})
	assert.ErrorIs(t, err, errs.ErrPrecondition)
	_, err = s.AddNoise(clean, noise, []int{0, 1, 100})
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestReverseChainReconstructsCleanTrajectory(t *testing.T) {
	cases := []struct {
		name       string
		variant    config.Variant
		inference  int
		prediction string
	}{
		{"ddpm full chain", config.VariantDDPM, 100, config.PredictEpsilon},
		{"ddpm strided", config.VariantDDPM, 10, config.PredictEpsilon},
		{"ddim few steps", config.VariantDDIM, 10, config.PredictEpsilon},
		{"ddim sample prediction", config.VariantDDIM, 5, config.PredictSample},
		{"ddim v prediction", config.VariantDDIM, 20, config.PredictV},
		{"ddpm v prediction", config.VariantDDPM, 25, config.PredictV},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := diffusionConfig(tc.variant, tc.inference)
			d.PredictionType = tc.prediction
			s := newSchedule(t, d)
			rng := rand.New(rand.NewSource(11))
			clean := uniformTrajectories(rng, 2, 8)
			noise := gaussian(rng, 2, 8)

			start := s.Timesteps()[0]
			sample, err := s.AddNoise(clean, noise, []int{start, start})
			require.NoError(t, err)
			for _, step := range s.Timesteps() {
				sample, err = s.Step(oracle(s, tc.prediction, clean, sample, step), step, sample)
				require.NoError(t, err)
			}
			assert.True(t, mat.EqualApprox(clean, sample, 1e-8))
		})
	}
}

func TestTrainingTarget(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	clean := uniformTrajectories(rng, 2, 3)
	noise := gaussian(rng, 2, 3)
	steps := []int{10, 60}

	for _, pt := range []string{config.PredictEpsilon, config.PredictSample, config.PredictV} {
		d := diffusionConfig(config.VariantDDPM, 100)
		d.PredictionType = pt
		s := newSchedule(t, d)
		target, err := s.TrainingTarget(clean, noise, steps)
		require.NoError(t, err)

		noisy, err := s.AddNoise(clean, noise, steps)
		require.NoError(t, err)
		for i, st := range steps {
			want := oracle(s, pt, clean, noisy, st)
			for j := 0; j < 3; j++ {
				assert.InDeltaf(t, want.At(i, j), target.At(i, j), 1e-9, "%s row %d", pt, i)
			}
		}
	}
}

func TestDDPMStepAddsNoiseOnlyBeforeFinalStep(t *testing.T) {
	d := diffusionConfig(config.VariantDDPM, 100)
	sample := mat.NewDense(1, 2, []float64{0.3, -0.2})
	output := mat.NewDense(1, 2, []float64{0.1, 0.1})

	a, err := newSchedule(t, d).Step(output, 0, sample)
	require.NoError(t, err)
	b, err := New(d, rand.New(rand.NewSource(99)))
	require.NoError(t, err)
	bOut, err := b.Step(output, 0, sample)
	require.NoError(t, err)
	assert.True(t, mat.Equal(a, bOut))

	c, err := New(d, rand.New(rand.NewSource(99)))
	require.NoError(t, err)
	cOut, err := c.Step(output, 50, sample)
	require.NoError(t, err)
	first, err := newSchedule(t, d).Step(output, 50, sample)
	require.NoError(t, err)
	assert.False(t, mat.Equal(cOut, first))
}

func TestDDIMStepRequiresInferenceSteps(t *testing.T) {
	s, err := New(diffusionConfig(config.VariantDDIM, 10), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	m := mat.NewDense(1, 1, nil)
	_, err = s.Step(m, 0, m)
	assert.ErrorIs(t, err, errs.ErrState)
}

func TestStepValidatesInputs(t *testing.T) {
	s := newSchedule(t, diffusionConfig(config.VariantDDPM, 10))
	_, err := s.Step(mat.NewDense(1, 2, nil), 0, mat.NewDense(1, 3, nil))
	assert.ErrorIs(t, err, errs.ErrPrecondition)
	_, err = s.Step(mat.NewDense(1, 2, nil), 100, mat.NewDense(1, 2, nil))
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestNewRejectsInvalidDiffusion(t *testing.T) {
	d := diffusionConfig(config.VariantDDPM, 10)
	d.PredictionType = "x"
	_, err := New(d, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	d = diffusionConfig("unet", 10)
	_, err = New(d, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestVariantTags(t *testing.T) {
	assert.Equal(t, config.VariantDDPM, newSchedule(t, diffusionConfig(config.VariantDDPM, 10)).Variant())
	assert.Equal(t, config.VariantDDIM, newSchedule(t, diffusionConfig(config.VariantDDIM, 10)).Variant())
	assert.Equal(t, 100, newSchedule(t, diffusionConfig(config.VariantDDIM, 10)).NumTrainTimesteps())
}
