package storage

import (
	"testing"

	"diffusionpolicy/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCheckpointFillsMissingOptimizerSections(t *testing.T) {
	payload := []byte(`{
		"schema_version": 1,
		"codec_version": 1,
		"id": "ckpt-1",
		"nets": {"policy.w": {"rows": 1, "cols": 2, "data": [0.5, -0.5]}},
		"ema": null,
		"meta": {"run_id": "run-1", "step": 3}
	}`)

	ckpt, err := DecodeCheckpoint(payload)
	require.NoError(t, err)
	assert.Equal(t, "ckpt-1", ckpt.ID)
	assert.NotNil(t, ckpt.Optimizers)
	assert.Empty(t, ckpt.Optimizers)
	assert.NotNil(t, ckpt.LRSchedulers)
	assert.Empty(t, ckpt.LRSchedulers)
	assert.Nil(t, ckpt.EMA)
	assert.Equal(t, []float64{0.5, -0.5}, ckpt.Nets["policy.w"].Data)
}

func TestDecodeCheckpointRejectsVersionMismatch(t *testing.T) {
	_, err := DecodeCheckpoint([]byte(`{"schema_version": 2, "codec_version": 1, "id": "x", "nets": {}}`))
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestDecodeCheckpointRequiresNets(t *testing.T) {
	_, err := DecodeCheckpoint([]byte(`{"schema_version": 1, "codec_version": 1, "id": "x"}`))
	require.Error(t, err)
}

func TestEncodeCheckpointRequiresID(t *testing.T) {
	_, err := EncodeCheckpoint(model.Checkpoint{})
	require.Error(t, err)
}

func TestCheckpointCodecKeepsNilSchedulerEntries(t *testing.T) {
	in := testCheckpoint("ckpt-2", "run-1", 7)
	in.LRSchedulers = map[string]*model.SchedulerState{"policy": nil}

	data, err := EncodeCheckpoint(in)
	require.NoError(t, err)
	out, err := DecodeCheckpoint(data)
	require.NoError(t, err)

	state, ok := out.LRSchedulers["policy"]
	assert.True(t, ok)
	assert.Nil(t, state)
	assert.Equal(t, in.Optimizers["policy"].FirstMoment, out.Optimizers["policy"].FirstMoment)
}

func TestTrainingHistoryCodec(t *testing.T) {
	in := []model.TrainingRecord{{RunID: "r", Epoch: 1, Step: 10, Loss: 0.25, GradNorm: 1.5, LR: 1e-4}}
	data, err := EncodeTrainingHistory(in)
	require.NoError(t, err)
	out, err := DecodeTrainingHistory(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
