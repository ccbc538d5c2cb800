package predictor

import (
	"math/rand"
	"testing"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/nn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testConfig() config.PredictorConfig {
	return config.PredictorConfig{HiddenDims: []int{16, 16}, TimestepEmbedDim: 8, Activation: "mish"}
}

func randomDense(rng *rand.Rand, r, c int) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}

func TestPredictShapes(t *testing.T) {
	p, err := New(testConfig(), 8, 6, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 22, p.InputDim())

	rng := rand.New(rand.NewSource(2))
	out, err := p.Predict(randomDense(rng, 3, 8), []int{0, 5, 99}, randomDense(rng, 3, 6))
	require.NoError(t, err)
	r, c := out.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 8, c)
}

func TestPredictDependsOnStep(t *testing.T) {
	p, err := New(testConfig(), 4, 2, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(4))
	noisy := randomDense(rng, 1, 4)
	cond := randomDense(rng, 1, 2)

	a, err := p.Predict(noisy, []int{1}, cond)
	require.NoError(t, err)
	a = mat.DenseCopyOf(a)
	b, err := p.Predict(noisy, []int{50}, cond)
	require.NoError(t, err)
	assert.False(t, mat.EqualApprox(a, b, 1e-9))
}

func TestPredictValidatesInputs(t *testing.T) {
	p, err := New(testConfig(), 4, 2, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	_, err = p.Predict(mat.NewDense(2, 3, nil), []int{0, 0}, mat.NewDense(2, 2, nil))
	assert.ErrorIs(t, err, errs.ErrPrecondition)
	_, err = p.Predict(mat.NewDense(2, 4, nil), []int{0, 0}, mat.NewDense(1, 2, nil))
	assert.ErrorIs(t, err, errs.ErrPrecondition)
	_, err = p.Predict(mat.NewDense(2, 4, nil), []int{0}, mat.NewDense(2, 2, nil))
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestBackwardConditioningGradient(t *testing.T) {
	p, err := New(testConfig(), 4, 3, rand.New(rand.NewSource(6)))
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(7))
	noisy := randomDense(rng, 2, 4)
	cond := randomDense(rng, 2, 3)
	w := randomDense(rng, 2, 4)
	steps := []int{3, 40}
	loss := func() float64 {
		out, err := p.Predict(noisy, steps, cond)
		require.NoError(t, err)
		var prod mat.Dense
		prod.MulElem(out, w)
		return mat.Sum(&prod)
	}

	nn.ZeroGrad(nn.NamedParameters("", p.Net))
	loss()
	dCond := mat.DenseCopyOf(p.Backward(w))

	const h = 1e-6
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			orig := cond.At(i, j)
			cond.Set(i, j, orig+h)
			plus := loss()
			cond.Set(i, j, orig-h)
			minus := loss()
			cond.Set(i, j, orig)
			assert.InDelta(t, (plus-minus)/(2*h), dCond.At(i, j), 1e-4)
		}
	}
}

func TestNewRejectsBadDims(t *testing.T) {
	_, err := New(testConfig(), 0, 3, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	cfg := testConfig()
	cfg.TimestepEmbedDim = 1
	_, err = New(cfg, 4, 3, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestCloneIsIndependent(t *testing.T) {
	p, err := New(testConfig(), 4, 3, rand.New(rand.NewSource(8)))
	require.NoError(t, err)
	c := p.Clone()
	nn.NamedParameters("", p.Net)[0].Param.Value.Set(0, 0, 7)
	assert.NotEqual(t, 7.0, nn.NamedParameters("", c.Net)[0].Param.Value.At(0, 0))
}
