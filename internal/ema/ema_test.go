package ema

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/nn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultEMA() config.EMAConfig {
	return config.EMAConfig{Enabled: true, Power: 0.75, InvGamma: 1, MaxValue: 0.9999}
}

func testNet(seed int64) (*nn.Sequential, []nn.NamedParam, []nn.NamedParam) {
	rng := rand.New(rand.NewSource(seed))
	net := nn.NewSequential(nn.NewLinear(3, 4, rng), nn.NewBatchNorm(4))
	return net, nn.NamedParameters("", net), nn.NamedBuffers("", net)
}

func perturb(rng *rand.Rand, params []nn.NamedParam) {
	for _, np := range params {
		r, c := np.Param.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				np.Param.Value.Set(i, j, np.Param.Value.At(i, j)+rng.NormFloat64())
			}
		}
	}
}

func TestDecaySchedule(t *testing.T) {
	s := New(defaultEMA(), nil, nil)
	assert.Equal(t, 0.0, s.Decay(0))
	assert.Equal(t, 0.0, s.Decay(1))
	assert.InDelta(t, 1-math.Pow(2, -0.75), s.Decay(2), 1e-12)
	assert.InDelta(t, 1-math.Pow(11, -0.75), s.Decay(11), 1e-12)

	prev := 0.0
	for step := 2; step < 2000; step += 97 {
		d := s.Decay(step)
		assert.Greater(t, d, prev)
		prev = d
	}
	assert.LessOrEqual(t, s.Decay(1<<40), 0.9999)

	cfg := defaultEMA()
	cfg.UpdateAfterStep = 5
	delayed := New(cfg, nil, nil)
	assert.Equal(t, 0.0, delayed.Decay(6))
	assert.Greater(t, delayed.Decay(7), 0.0)
}

func TestFirstStepCopiesParameters(t *testing.T) {
	_, params, buffers := testNet(1)
	s := New(defaultEMA(), params, buffers)
	perturb(rand.New(rand.NewSource(2)), params)

	require.NoError(t, s.Step(params, buffers))
	assert.Equal(t, 0.0, s.LastDecay())
	assert.Equal(t, nn.StateDictOf(params, buffers), s.AveragedModel())
	assert.Equal(t, 1, s.OptimizationStep())
	assert.Equal(t, uint64(1), s.Version())
}

func TestStepIsConvex(t *testing.T) {
	_, params, buffers := testNet(3)
	s := New(defaultEMA(), params, buffers)
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 6; i++ {
		before := s.AveragedModel()
		perturb(rng, params)
		current := nn.StateDictOf(params)
		require.NoError(t, s.Step(params, buffers))
		decay := s.LastDecay()
		after := s.AveragedModel()
		for name, cur := range current {
			for k, v := range cur.Data {
				lo := math.Min(before[name].Data[k], v)
				hi := math.Max(before[name].Data[k], v)
				got := after[name].Data[k]
				assert.GreaterOrEqual(t, got, lo-1e-12)
				assert.LessOrEqual(t, got, hi+1e-12)
				assert.InDelta(t, decay*before[name].Data[k]+(1-decay)*v, got, 1e-12)
			}
		}
	}
}

func TestBuffersAreCopiedNotAveraged(t *testing.T) {
	net, params, buffers := testNet(5)
	s := New(defaultEMA(), params, buffers)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Step(params, buffers))
	}
	bn := net.Layers[1].(*nn.BatchNorm)
	bn.RunningMean.Value.Set(0, 0, 42)
	require.NoError(t, s.Step(params, buffers))
	assert.Equal(t, 42.0, s.AveragedModel()["1.running_mean"].Data[0])
}

func TestAveragedModelIsOwnedSnapshot(t *testing.T) {
	_, params, buffers := testNet(6)
	s := New(defaultEMA(), params, buffers)
	snap := s.AveragedModel()
	snap["0.weight"].Data[0] = 1e6
	assert.NotEqual(t, 1e6, s.AveragedModel()["0.weight"].Data[0])

	params[0].Param.Value.Set(0, 0, -1e6)
	assert.NotEqual(t, -1e6, s.AveragedModel()["0.weight"].Data[0])
}

func TestStepRejectsUnknownParameters(t *testing.T) {
	_, params, buffers := testNet(7)
	s := New(defaultEMA(), params, buffers)
	_, other, _ := testNet(8)
	other[0].Name = "mystery"
	assert.Error(t, s.Step(other, buffers))
	assert.Equal(t, 0, s.OptimizationStep())
}

func TestRestore(t *testing.T) {
	_, params, buffers := testNet(9)
	s := New(defaultEMA(), params, buffers)
	require.NoError(t, s.Step(params, buffers))
	state := s.AveragedModel()

	_, p2, b2 := testNet(10)
	restored := New(defaultEMA(), p2, b2)
	require.NoError(t, restored.Restore(state, s.OptimizationStep()))
	assert.Equal(t, state, restored.AveragedModel())
	assert.Equal(t, 1, restored.OptimizationStep())

	delete(state, "0.bias")
	assert.Error(t, restored.Restore(state, 1))
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	_, params, buffers := testNet(11)
	s := New(defaultEMA(), params, buffers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = s.AveragedModel()
			_ = s.Version()
		}
	}()
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Step(params, buffers))
	}
	wg.Wait()
	assert.Equal(t, uint64(50), s.Version())
}
