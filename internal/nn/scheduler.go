package nn

import (
	"fmt"
	"math"
	"sort"

	"diffusionpolicy/internal/model"
)

const (
	SchedulerCosine    = "cosine"
	SchedulerMultiStep = "multistep"
)

// LRScheduler derives a learning rate from training progress.
type LRScheduler interface {
	Kind() string
	// StepBatch advances after each optimizer step.
	StepBatch()
	// StepEpoch advances after an epoch completes.
	StepEpoch(epoch int)
	LR() float64
	State() model.SchedulerState
	LoadState(s model.SchedulerState) error
}

// CosineScheduler warms up linearly then decays along a half cosine to zero
// at TotalSteps.
type CosineScheduler struct {
	BaseLR      float64
	WarmupSteps int
	TotalSteps  int
	step        int
}

func NewCosineScheduler(baseLR float64, warmupSteps, totalSteps int) (*CosineScheduler, error) {
	if totalSteps <= 0 {
		return nil, fmt.Errorf("cosine scheduler needs total steps > 0, got %d", totalSteps)
	}
	if warmupSteps < 0 || warmupSteps >= totalSteps {
		return nil, fmt.Errorf("cosine warmup %d must be in [0, %d)", warmupSteps, totalSteps)
	}
	return &CosineScheduler{BaseLR: baseLR, WarmupSteps: warmupSteps, TotalSteps: totalSteps}, nil
}

func (s *CosineScheduler) Kind() string  { return SchedulerCosine }
func (s *CosineScheduler) StepBatch()    { s.step++ }
func (s *CosineScheduler) StepEpoch(int) {}

func (s *CosineScheduler) LR() float64 {
	if s.step < s.WarmupSteps {
		return s.BaseLR * float64(s.step+1) / float64(s.WarmupSteps)
	}
	progress := float64(s.step-s.WarmupSteps) / float64(s.TotalSteps-s.WarmupSteps)
	if progress > 1 {
		progress = 1
	}
	return s.BaseLR * 0.5 * (1 + math.Cos(math.Pi*progress))
}

func (s *CosineScheduler) State() model.SchedulerState {
	return model.SchedulerState{Kind: SchedulerCosine, BaseLR: s.BaseLR, LastStep: s.step}
}

func (s *CosineScheduler) LoadState(state model.SchedulerState) error {
	if state.Kind != SchedulerCosine {
		return fmt.Errorf("scheduler kind %q, want %q", state.Kind, SchedulerCosine)
	}
	s.step = state.LastStep
	return nil
}

// MultiStepScheduler multiplies the base rate by Factor at each epoch
// milestone reached.
type MultiStepScheduler struct {
	BaseLR     float64
	Factor     float64
	Milestones []int
	epoch      int
}

func NewMultiStepScheduler(baseLR, factor float64, milestones []int) *MultiStepScheduler {
	sorted := append([]int(nil), milestones...)
	sort.Ints(sorted)
	return &MultiStepScheduler{BaseLR: baseLR, Factor: factor, Milestones: sorted}
}

func (s *MultiStepScheduler) Kind() string        { return SchedulerMultiStep }
func (s *MultiStepScheduler) StepBatch()          {}
func (s *MultiStepScheduler) StepEpoch(epoch int) { s.epoch = epoch }

func (s *MultiStepScheduler) LR() float64 {
	lr := s.BaseLR
	for _, m := range s.Milestones {
		if s.epoch >= m {
			lr *= s.Factor
		}
	}
	return lr
}

func (s *MultiStepScheduler) State() model.SchedulerState {
	return model.SchedulerState{Kind: SchedulerMultiStep, BaseLR: s.BaseLR, LastEpoch: s.epoch}
}

func (s *MultiStepScheduler) LoadState(state model.SchedulerState) error {
	if state.Kind != SchedulerMultiStep {
		return fmt.Errorf("scheduler kind %q, want %q", state.Kind, SchedulerMultiStep)
	}
	s.epoch = state.LastEpoch
	return nil
}
