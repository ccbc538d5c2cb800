package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Observation maps a modality name to its tensor. Training batches carry
// [batch, time, ...] tensors; inference snapshots carry [1, ...].
type Observation map[string]Tensor

// Batch is one training mini-batch.
type Batch struct {
	Obs     Observation `json:"obs"`
	Actions Tensor      `json:"actions"`
	// GoalObs is optional and may be nil.
	GoalObs Observation `json:"goal_obs,omitempty"`
}

// Size returns the batch dimension of the action tensor.
func (b Batch) Size() int {
	if b.Actions.Rank() == 0 {
		return 0
	}
	return b.Actions.Shape[0]
}

// Clone deep-copies the batch.
func (b Batch) Clone() Batch {
	out := Batch{Obs: b.Obs.Clone(), Actions: b.Actions.Clone()}
	if b.GoalObs != nil {
		out.GoalObs = b.GoalObs.Clone()
	}
	return out
}

// Clone deep-copies every modality tensor.
func (o Observation) Clone() Observation {
	if o == nil {
		return nil
	}
	out := make(Observation, len(o))
	for k, v := range o {
		out[k] = v.Clone()
	}
	return out
}

// TrainingRecord is one logged optimization step.
type TrainingRecord struct {
	RunID    string  `json:"run_id,omitempty"`
	Epoch    int     `json:"epoch"`
	Step     int     `json:"step"`
	Loss     float64 `json:"loss"`
	GradNorm float64 `json:"grad_norm"`
	LR       float64 `json:"lr"`
}
