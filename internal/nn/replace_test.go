package nn

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isBatchNorm(m Module) bool {
	_, ok := m.(*BatchNorm)
	return ok
}

func TestReplaceBatchNormWithGroupNormNested(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	act, err := NewActivation("relu")
	require.NoError(t, err)
	inner := NewSequential(NewLinear(4, 32, rng), NewBatchNorm(32), act)
	root := NewSequential(inner, NewBatchNorm(32), NewLinear(32, 2, rng))
	require.Equal(t, 2, CountMatches(root, isBatchNorm))

	out, err := ReplaceBatchNormWithGroupNorm(root, 16)
	require.NoError(t, err)
	assert.Equal(t, 0, CountMatches(out, isBatchNorm))

	gn, ok := inner.Layers[1].(*GroupNorm)
	require.True(t, ok)
	assert.Equal(t, 2, gn.Groups)
	assert.Equal(t, 32, gn.Features)
}

func TestReplaceBatchNormSmallFeatureCountUsesOneGroup(t *testing.T) {
	out, err := ReplaceBatchNormWithGroupNorm(NewBatchNorm(8), 16)
	require.NoError(t, err)
	gn, ok := out.(*GroupNorm)
	require.True(t, ok)
	assert.Equal(t, 1, gn.Groups)
}

func TestReplaceModulesPropagatesTransformError(t *testing.T) {
	root := NewSequential(NewBatchNorm(4))
	boom := errors.New("boom")
	_, err := ReplaceModules(root, isBatchNorm, func(Module) (Module, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestReplaceModulesFailsWhenMatchesRemain(t *testing.T) {
	root := NewSequential(NewBatchNorm(4))
	_, err := ReplaceModules(root, isBatchNorm, func(m Module) (Module, error) { return NewBatchNorm(4), nil })
	assert.Error(t, err)
}

func TestWalkReportsPaths(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	root := NewSequential(NewLinear(1, 1, rng), NewSequential(NewBatchNorm(1)))
	var paths []string
	require.NoError(t, Walk(root, func(path string, _ Module) error {
		paths = append(paths, path)
		return nil
	}))
	assert.Equal(t, []string{"", "0", "1", "1.0"}, paths)
}
