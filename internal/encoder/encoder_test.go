package encoder

import (
	"math/rand"
	"testing"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/nn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var testShapes = map[string][]int{"position": {2}, "image": {2, 2}}

func testConfig() config.EncoderConfig {
	return config.EncoderConfig{
		FeatureDim:       3,
		HiddenDims:       []int{8},
		Activation:       "tanh",
		Norm:             config.NormBatch,
		FeaturesPerGroup: 4,
		ReplaceBatchNorm: true,
	}
}

func randomObs(rng *rand.Rand, batch, steps int) model.Observation {
	obs := model.Observation{}
	for name, shape := range testShapes {
		t := model.NewTensor(append([]int{batch, steps}, shape...)...)
		for i := range t.Data {
			t.Data[i] = rng.NormFloat64()
		}
		obs[name] = t
	}
	return obs
}

func isBatchNorm(m nn.Module) bool {
	_, ok := m.(*nn.BatchNorm)
	return ok
}

func TestNewReplacesBatchNorm(t *testing.T) {
	e, err := New(testConfig(), testShapes, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 0, nn.CountMatches(e.Net, isBatchNorm))
	assert.Equal(t, []string{"image", "position"}, e.Modalities())
	assert.Equal(t, 6, e.InputDim())

	cfg := testConfig()
	cfg.ReplaceBatchNorm = false
	e, err = New(cfg, testShapes, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 1, nn.CountMatches(e.Net, isBatchNorm))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(testConfig(), nil, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	cfg := testConfig()
	cfg.Activation = "swish-ish"
	_, err = New(cfg, testShapes, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	cfg = testConfig()
	cfg.Norm = config.NormGroup
	cfg.HiddenDims = []int{10}
	cfg.FeaturesPerGroup = 3
	_, err = New(cfg, testShapes, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestValidateRanks(t *testing.T) {
	e, err := New(testConfig(), testShapes, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(2))

	batch, steps, err := e.ValidateRanks(randomObs(rng, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, batch)
	assert.Equal(t, 2, steps)

	obs := randomObs(rng, 3, 2)
	obs["position"] = model.NewTensor(3, 2)
	_, _, err = e.ValidateRanks(obs)
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	obs = randomObs(rng, 3, 2)
	obs["image"] = model.NewTensor(3, 2, 4)
	_, _, err = e.ValidateRanks(obs)
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	obs = randomObs(rng, 3, 2)
	delete(obs, "image")
	_, _, err = e.ValidateRanks(obs)
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	obs = randomObs(rng, 3, 2)
	obs["image"] = model.NewTensor(3, 1, 2, 2)
	_, _, err = e.ValidateRanks(obs)
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestEncodeWindowIsTimeDistributed(t *testing.T) {
	cfg := testConfig()
	cfg.HiddenDims = nil
	e, err := New(cfg, testShapes, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	obs := randomObs(rand.New(rand.NewSource(4)), 2, 3)

	cond, err := e.EncodeWindow(obs)
	require.NoError(t, err)
	rows, cols := cond.Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 9, cols)

	frame := append(append([]float64(nil), obs["image"].Frame(1, 2)...), obs["position"].Frame(1, 2)...)
	single := e.Net.Forward(mat.NewDense(1, 6, frame))
	assert.InDeltaSlice(t, single.RawRowView(0), cond.RawRowView(1)[6:9], 1e-12)
}

func TestBackwardWindowMatchesFiniteDifferences(t *testing.T) {
	e, err := New(testConfig(), testShapes, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	e.SetTraining(true)
	obs := randomObs(rand.New(rand.NewSource(6)), 2, 2)
	weights := mat.NewDense(2, 6, nil)
	wrng := rand.New(rand.NewSource(7))
	for i := 0; i < 2; i++ {
		for j := 0; j < 6; j++ {
			weights.Set(i, j, wrng.NormFloat64())
		}
	}
	loss := func() float64 {
		cond, err := e.EncodeWindow(obs)
		require.NoError(t, err)
		var prod mat.Dense
		prod.MulElem(cond, weights)
		return mat.Sum(&prod)
	}

	params := nn.NamedParameters("", e.Net)
	nn.ZeroGrad(params)
	loss()
	require.NoError(t, e.BackwardWindow(weights))

	const h = 1e-6
	p := params[0].Param
	for _, idx := range [][2]int{{0, 0}, {3, 5}, {7, 2}} {
		analytic := p.Grad.At(idx[0], idx[1])
		orig := p.Value.At(idx[0], idx[1])
		p.Value.Set(idx[0], idx[1], orig+h)
		plus := loss()
		p.Value.Set(idx[0], idx[1], orig-h)
		minus := loss()
		p.Value.Set(idx[0], idx[1], orig)
		assert.InDelta(t, (plus-minus)/(2*h), analytic, 1e-4)
	}

	assert.ErrorIs(t, e.BackwardWindow(mat.NewDense(1, 6, nil)), errs.ErrState)
}

func TestCloneIsIndependent(t *testing.T) {
	e, err := New(testConfig(), testShapes, rand.New(rand.NewSource(8)))
	require.NoError(t, err)
	c := e.Clone()
	params := nn.NamedParameters("", e.Net)
	params[0].Param.Value.Set(0, 0, 99)
	assert.NotEqual(t, 99.0, nn.NamedParameters("", c.Net)[0].Param.Value.At(0, 0))

	c.SetTraining(true)
	assert.True(t, c.Training())
	assert.False(t, e.Training())
}
