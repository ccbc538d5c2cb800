// Package ema maintains an exponential moving average of model parameters.
package ema

import (
	"fmt"
	"math"
	"sync"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/nn"
)

// Shadow holds averaged copies of trainable parameters and plain copies of
// buffers. Step replaces the whole shadow under a write lock, so readers see
// either the previous or the next snapshot, never a mix.
type Shadow struct {
	mu               sync.RWMutex
	cfg              config.EMAConfig
	shadow           model.StateDict
	optimizationStep int
	decay            float64
	version          uint64
}

// New seeds the shadow with the current values of params and buffers.
func New(cfg config.EMAConfig, params, buffers []nn.NamedParam) *Shadow {
	if cfg.InvGamma <= 0 {
		cfg.InvGamma = 1
	}
	if cfg.MaxValue <= 0 {
		cfg.MaxValue = 0.9999
	}
	return &Shadow{cfg: cfg, shadow: nn.StateDictOf(params, buffers)}
}

// Decay returns the averaging weight applied at the given optimization step.
// It is zero until update_after_step has passed and then rises toward
// MaxValue as 1 - (1 + step/inv_gamma)^-power.
func (s *Shadow) Decay(optimizationStep int) float64 {
	step := optimizationStep - s.cfg.UpdateAfterStep - 1
	if step <= 0 {
		return 0
	}
	value := 1 - math.Pow(1+float64(step)/s.cfg.InvGamma, -s.cfg.Power)
	return math.Max(s.cfg.MinValue, math.Min(value, s.cfg.MaxValue))
}

// Step folds the current parameters into the shadow and copies buffers.
func (s *Shadow) Step(params, buffers []nn.NamedParam) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	decay := s.Decay(s.optimizationStep)
	next := make(model.StateDict, len(s.shadow))
	for _, np := range params {
		prev, ok := s.shadow[np.Name]
		if !ok {
			return fmt.Errorf("ema: unknown parameter %s", np.Name)
		}
		cur := nn.ToState(np.Param.Value)
		if len(cur.Data) != len(prev.Data) {
			return fmt.Errorf("ema: parameter %s changed size", np.Name)
		}
		for i, v := range cur.Data {
			cur.Data[i] = decay*prev.Data[i] + (1-decay)*v
		}
		next[np.Name] = cur
	}
	for _, np := range buffers {
		next[np.Name] = nn.ToState(np.Param.Value)
	}
	if len(next) != len(s.shadow) {
		return fmt.Errorf("ema: got %d entries, shadow has %d", len(next), len(s.shadow))
	}

	s.shadow = next
	s.decay = decay
	s.optimizationStep++
	s.version++
	return nil
}

// AveragedModel returns an owned copy of the shadow state.
func (s *Shadow) AveragedModel() model.StateDict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shadow.Clone()
}

// Version increments once per Step or Restore.
func (s *Shadow) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// OptimizationStep is the number of completed Step calls.
func (s *Shadow) OptimizationStep() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.optimizationStep
}

// LastDecay is the weight used by the most recent Step.
func (s *Shadow) LastDecay() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decay
}

// Restore replaces the shadow with a checkpointed one. Entry names and sizes
// must match the current shadow.
func (s *Shadow) Restore(sd model.StateDict, optimizationStep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(sd) != len(s.shadow) {
		return fmt.Errorf("ema: checkpoint has %d entries, shadow has %d", len(sd), len(s.shadow))
	}
	for name, cur := range s.shadow {
		in, ok := sd[name]
		if !ok {
			return fmt.Errorf("ema: checkpoint missing %s", name)
		}
		if in.Rows != cur.Rows || in.Cols != cur.Cols {
			return fmt.Errorf("ema: checkpoint %s shape %dx%d, want %dx%d", name, in.Rows, in.Cols, cur.Rows, cur.Cols)
		}
	}
	s.shadow = sd.Clone()
	s.optimizationStep = optimizationStep
	s.version++
	return nil
}
