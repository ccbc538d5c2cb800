package model

import "time"

// MatrixState is the serialized form of one parameter or buffer matrix.
type MatrixState struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// StateDict maps hierarchical parameter names to their values.
type StateDict map[string]MatrixState

// Clone deep-copies the dictionary.
func (s StateDict) Clone() StateDict {
	if s == nil {
		return nil
	}
	out := make(StateDict, len(s))
	for k, v := range s {
		out[k] = MatrixState{Rows: v.Rows, Cols: v.Cols, Data: append([]float64(nil), v.Data...)}
	}
	return out
}

// OptimizerState is the persisted state of an AdamW optimizer.
type OptimizerState struct {
	Step         int                  `json:"step"`
	LR           float64              `json:"lr"`
	FirstMoment  map[string][]float64 `json:"first_moment"`
	SecondMoment map[string][]float64 `json:"second_moment"`
}

// SchedulerState is the persisted state of a learning-rate scheduler.
type SchedulerState struct {
	Kind      string  `json:"kind"`
	BaseLR    float64 `json:"base_lr"`
	LastStep  int     `json:"last_step"`
	LastEpoch int     `json:"last_epoch"`
}

// NormalizationStats holds per-dimension action bounds used to map raw
// actions into [-1, 1].
type NormalizationStats struct {
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

// CheckpointMeta carries bookkeeping that is not model state.
type CheckpointMeta struct {
	RunID         string              `json:"run_id"`
	Epoch         int                 `json:"epoch"`
	Step          int                 `json:"step"`
	EMASteps      int                 `json:"ema_steps"`
	Variant       string              `json:"variant"`
	Normalization *NormalizationStats `json:"normalization,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Checkpoint is the persisted policy state. LRSchedulers entries may be nil,
// and EMA is nil when EMA is disabled.
type Checkpoint struct {
	VersionedRecord
	ID           string                     `json:"id"`
	Nets         StateDict                  `json:"nets"`
	Optimizers   map[string]OptimizerState  `json:"optimizers"`
	LRSchedulers map[string]*SchedulerState `json:"lr_schedulers"`
	EMA          StateDict                  `json:"ema"`
	Meta         CheckpointMeta             `json:"meta"`
}
