package dataset

import (
	"math/rand"
	"path/filepath"
	"testing"

	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/window"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reachShapes = map[string][]int{ModalityPosition: {1}, ModalityTarget: {1}}

func TestReachTaskExpertSucceeds(t *testing.T) {
	task, err := NewReachTask("test")
	require.NoError(t, err)
	for i := 0; i < task.Episodes(); i++ {
		task.Reset(i)
		done := false
		for !done {
			_, done, err = task.Step(task.ExpertAction())
			require.NoError(t, err)
		}
		assert.True(t, task.Success(), "episode %d ended at %v", i, task.Position())
	}
}

func TestReachTaskClampsVelocity(t *testing.T) {
	task, err := NewReachTask("")
	require.NoError(t, err)
	assert.Equal(t, "train", task.Mode())
	obs := task.ResetTo(0, 1)
	assert.Equal(t, []int{1, 1}, obs[ModalityPosition].Shape)

	_, _, err = task.Step([]float64{5})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, task.Position(), 1e-12)

	_, _, err = task.Step([]float64{1, 2})
	require.Error(t, err)

	_, err = NewReachTask("nope")
	require.Error(t, err)
}

func TestGenerateDemos(t *testing.T) {
	eps, err := GenerateDemos(6, 0.02, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, eps, 6)
	for _, ep := range eps {
		require.NoError(t, ep.Validate())
		assert.Equal(t, []string{ModalityPosition, ModalityTarget}, ep.Modalities())
		assert.True(t, ep.Success)
		for _, a := range ep.Actions {
			assert.LessOrEqual(t, a[0], 1.0)
			assert.GreaterOrEqual(t, a[0], -1.0)
		}
	}

	_, err = GenerateDemos(0, 0, rand.New(rand.NewSource(1)))
	require.Error(t, err)
}

func TestSaveLoadEpisodes(t *testing.T) {
	eps, err := GenerateDemos(2, 0, rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "demos", "reach.json")
	require.NoError(t, SaveEpisodes(path, eps))

	loaded, err := LoadEpisodes(path)
	require.NoError(t, err)
	assert.Equal(t, eps, loaded)
}

func TestEpisodeValidate(t *testing.T) {
	ep := Episode{
		Obs:     map[string][][]float64{"position": {{0}, {1}}},
		Actions: [][]float64{{0.1}},
	}
	require.ErrorIs(t, ep.Validate(), errs.ErrPrecondition)
	require.ErrorIs(t, Episode{}.Validate(), errs.ErrPrecondition)
}

func TestLoaderBatches(t *testing.T) {
	eps, err := GenerateDemos(3, 0.01, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	norm, err := window.FitActionNormalizer(ActionSets(eps)...)
	require.NoError(t, err)
	h := window.Horizon{Obs: 2, Action: 4, Prediction: 8}

	l, err := NewLoader(eps, h, norm, reachShapes, 5, rand.New(rand.NewSource(4)))
	require.NoError(t, err)
	total := 0
	for _, ep := range eps {
		total += ep.Len()
	}
	assert.Equal(t, total, l.Len())
	assert.Equal(t, 1, l.ActionDim())

	seen := 0
	for i := 0; i < l.BatchesPerPass(); i++ {
		b := l.Next()
		seen += b.Size()
		assert.Equal(t, []int{b.Size(), 2, 1}, b.Obs[ModalityPosition].Shape)
		assert.Equal(t, []int{b.Size(), 8, 1}, b.Actions.Shape)
		for _, v := range b.Actions.Data {
			assert.LessOrEqual(t, v, 1.0+1e-12)
			assert.GreaterOrEqual(t, v, -1.0-1e-12)
		}
	}
	assert.Equal(t, total, seen)
	assert.Equal(t, 5, l.Next().Size())
}

func TestLoaderRejectsBadInput(t *testing.T) {
	eps, err := GenerateDemos(1, 0, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	h := window.Horizon{Obs: 2, Action: 4, Prediction: 8}
	rng := rand.New(rand.NewSource(1))

	_, err = NewLoader(nil, h, nil, reachShapes, 4, rng)
	require.ErrorIs(t, err, errs.ErrPrecondition)
	_, err = NewLoader(eps, h, nil, reachShapes, 0, rng)
	require.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = NewLoader(eps, h, nil, map[string][]int{ModalityPosition: {1}}, 4, rng)
	require.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = NewLoader(eps, h, nil, map[string][]int{ModalityPosition: {2}, ModalityTarget: {1}}, 4, rng)
	require.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestSplitEpisodes(t *testing.T) {
	eps, err := GenerateDemos(10, 0, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	train, valid := SplitEpisodes(eps, 0.2, rand.New(rand.NewSource(6)))
	assert.Len(t, train, 8)
	assert.Len(t, valid, 2)

	train, valid = SplitEpisodes(eps[:1], 0.9, rand.New(rand.NewSource(6)))
	assert.Len(t, train, 1)
	assert.Empty(t, valid)
}
