// Package window slices demonstrations into the fixed-length observation and
// action windows the policy trains on.
package window

import (
	"sync"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/model"
)

// Horizon holds the observation (To), action (Ta) and prediction (Tp)
// window lengths.
type Horizon struct {
	Obs        int
	Action     int
	Prediction int
}

// FromConfig copies the configured horizons.
func FromConfig(h config.HorizonConfig) Horizon {
	return Horizon{Obs: h.ObservationHorizon, Action: h.ActionHorizon, Prediction: h.PredictionHorizon}
}

// ExtractStart is the first trajectory index that is a new action; earlier
// indices line up with observations already seen.
func (h Horizon) ExtractStart() int { return h.Obs - 1 }

// ExtractEnd is one past the last executed trajectory index.
func (h Horizon) ExtractEnd() int { return h.Obs - 1 + h.Action }

// Validate reports whether the extraction window fits inside Tp.
func (h Horizon) Validate() error {
	const op = "window.horizon"
	if h.Obs < 1 || h.Action < 1 || h.Prediction < 1 {
		return errs.Configuration(op, "horizons must be >= 1").
			With("To", h.Obs).With("Ta", h.Action).With("Tp", h.Prediction)
	}
	if h.Prediction < h.ExtractEnd() {
		return errs.Configuration(op, "prediction horizon shorter than To-1+Ta").
			With("Tp", h.Prediction).With("need", h.ExtractEnd())
	}
	return nil
}

// Windower trims training batches to exactly To observation and Tp action
// steps. The [-1, 1] action range is verified on the first training batch
// only.
type Windower struct {
	h Horizon

	mu           sync.Mutex
	rangeChecked bool
}

func NewWindower(h Horizon) (*Windower, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return &Windower{h: h}, nil
}

func (w *Windower) Horizon() Horizon { return w.h }

// MarkRangeChecked disables further range checks. Callers mark a batch once
// it has passed every other precondition too.
func (w *Windower) MarkRangeChecked() {
	w.mu.Lock()
	w.rangeChecked = true
	w.mu.Unlock()
}

// RangeChecked reports whether a batch has been accepted.
func (w *Windower) RangeChecked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rangeChecked
}

// Process returns a copy of b sliced to the horizons. When checkRange is set
// and no batch has been accepted yet, every action must lie in [-1, 1]; NaN
// fails the check.
func (w *Windower) Process(b model.Batch, checkRange bool) (model.Batch, error) {
	const op = "window.process"
	out := model.Batch{Obs: make(model.Observation, len(b.Obs))}
	for name, t := range b.Obs {
		if t.Rank() < 3 {
			return model.Batch{}, errs.Precondition(op, "observation %q must be [batch, time, ...]", name).With("shape", t.Shape)
		}
		sliced, err := t.SliceTime(w.h.Obs)
		if err != nil {
			return model.Batch{}, errs.Precondition(op, "observation %q window too short", name).
				With("To", w.h.Obs).Wrap(err)
		}
		out.Obs[name] = sliced
	}
	if b.Actions.Rank() != 3 {
		return model.Batch{}, errs.Precondition(op, "actions must be [batch, time, action_dim]").With("shape", b.Actions.Shape)
	}
	actions, err := b.Actions.SliceTime(w.h.Prediction)
	if err != nil {
		return model.Batch{}, errs.Precondition(op, "action window too short").With("Tp", w.h.Prediction).Wrap(err)
	}
	out.Actions = actions
	if b.GoalObs != nil {
		out.GoalObs = b.GoalObs.Clone()
	}

	if checkRange {
		w.mu.Lock()
		checked := w.rangeChecked
		w.mu.Unlock()
		if !checked {
			for i, v := range actions.Data {
				if !(v >= -1 && v <= 1) {
					return model.Batch{}, errs.Precondition(op, "actions must be in range [-1,1]; is action normalization enabled?").
						With("index", i).With("value", v)
				}
			}
		}
	}
	return out, nil
}
