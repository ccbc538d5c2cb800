package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"diffusionpolicy/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeCheckpoint(c model.Checkpoint) ([]byte, error) {
	if c.ID == "" {
		return nil, errors.New("checkpoint id is required")
	}
	return json.Marshal(c)
}

// DecodeCheckpoint parses a checkpoint payload. Missing optimizer and
// scheduler sections decode as empty maps.
func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	var ckpt model.Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return model.Checkpoint{}, err
	}
	if err := checkVersion(ckpt.VersionedRecord); err != nil {
		return model.Checkpoint{}, err
	}
	if ckpt.Nets == nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint %s has no nets", ckpt.ID)
	}
	if ckpt.Optimizers == nil {
		ckpt.Optimizers = map[string]model.OptimizerState{}
	}
	if ckpt.LRSchedulers == nil {
		ckpt.LRSchedulers = map[string]*model.SchedulerState{}
	}
	return ckpt, nil
}

func EncodeTrainingHistory(history []model.TrainingRecord) ([]byte, error) {
	return json.Marshal(history)
}

func DecodeTrainingHistory(data []byte) ([]model.TrainingRecord, error) {
	var history []model.TrainingRecord
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
