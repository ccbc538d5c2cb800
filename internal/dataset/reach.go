package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/nn"
)

const (
	ModalityPosition = "position"
	ModalityTarget   = "target"

	reachDT        = 0.1
	reachTolerance = 0.05
	reachBound     = 1.5
	maxVelocity    = 1.0
	expertGain     = 5.0
)

// ReachTask is a one-dimensional point-reaching task. The agent commands a
// velocity in [-1, 1] and succeeds once its position is within tolerance of
// the target.
type ReachTask struct {
	cfg      reachModeConfig
	position float64
	target   float64
	steps    int
}

type reachModeConfig struct {
	mode            string
	starts          []float64
	targets         []float64
	stepsPerEpisode int
}

func reachConfigForMode(mode string) (reachModeConfig, error) {
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case "", "train":
		return reachModeConfig{
			mode:            "train",
			starts:          []float64{-0.8, -0.4, 0.0, 0.4, 0.8},
			targets:         []float64{0.5, 0.7, -0.6, -0.5, 0.0},
			stepsPerEpisode: 60,
		}, nil
	case "validation":
		return reachModeConfig{
			mode:            "validation",
			starts:          []float64{-1.0, -0.5, 0.5, 1.0},
			targets:         []float64{0.2, 0.6, -0.4, -0.1},
			stepsPerEpisode: 48,
		}, nil
	case "test":
		return reachModeConfig{
			mode:            "test",
			starts:          []float64{-0.9, -0.3, 0.0, 0.3, 0.9},
			targets:         []float64{0.9, -0.8, 0.6, 0.1, -0.9},
			stepsPerEpisode: 48,
		}, nil
	default:
		return reachModeConfig{}, fmt.Errorf("unsupported reach mode: %s", mode)
	}
}

// NewReachTask returns a task for mode "train", "validation" or "test".
func NewReachTask(mode string) (*ReachTask, error) {
	cfg, err := reachConfigForMode(mode)
	if err != nil {
		return nil, err
	}
	return &ReachTask{cfg: cfg}, nil
}

func (r *ReachTask) Mode() string { return r.cfg.mode }

// Episodes is the number of fixed start/target pairs for the mode.
func (r *ReachTask) Episodes() int { return len(r.cfg.starts) }

func (r *ReachTask) MaxSteps() int { return r.cfg.stepsPerEpisode }

// Reset starts fixed episode i, wrapping around the mode's pairs.
func (r *ReachTask) Reset(i int) model.Observation {
	n := len(r.cfg.starts)
	i = ((i % n) + n) % n
	return r.ResetTo(r.cfg.starts[i], r.cfg.targets[i])
}

// ResetTo starts an episode from an arbitrary start and target.
func (r *ReachTask) ResetTo(start, target float64) model.Observation {
	r.position, r.target, r.steps = start, target, 0
	return r.Observe()
}

// Observe returns [1, 1] snapshots of position and target.
func (r *ReachTask) Observe() model.Observation {
	return model.Observation{
		ModalityPosition: {Shape: []int{1, 1}, Data: []float64{r.position}},
		ModalityTarget:   {Shape: []int{1, 1}, Data: []float64{r.target}},
	}
}

// Step applies a velocity command and returns the shaped reward and whether
// the episode ended.
func (r *ReachTask) Step(action []float64) (reward float64, done bool, err error) {
	if len(action) != 1 {
		return 0, false, fmt.Errorf("reach task requires one action, got %d", len(action))
	}
	v := nn.Sat(action[0], maxVelocity, -maxVelocity)
	r.position += v * reachDT
	r.steps++
	dist := math.Abs(r.position - r.target)
	reward = 1.0 - math.Min(1.0, dist/2.0)
	done = r.Success() || r.steps >= r.cfg.stepsPerEpisode || math.Abs(r.position) > reachBound
	return reward, done, nil
}

func (r *ReachTask) Success() bool {
	return math.Abs(r.position-r.target) <= reachTolerance
}

func (r *ReachTask) Position() float64 { return r.position }

// ExpertAction is the scripted demonstrator's command.
func (r *ReachTask) ExpertAction() []float64 {
	return []float64{nn.Sat(expertGain*(r.target-r.position), maxVelocity, -maxVelocity)}
}

// GenerateDemos records n scripted episodes from random starts and targets
// in [-1, 1]. noise perturbs each expert command.
func GenerateDemos(n int, noise float64, rng *rand.Rand) ([]Episode, error) {
	if n < 1 {
		return nil, fmt.Errorf("demo count must be positive, got %d", n)
	}
	task, err := NewReachTask("train")
	if err != nil {
		return nil, err
	}
	episodes := make([]Episode, 0, n)
	for len(episodes) < n {
		start, target := rng.Float64()*2-1, rng.Float64()*2-1
		if math.Abs(start-target) <= reachTolerance {
			continue
		}
		obs := task.ResetTo(start, target)
		ep := Episode{Obs: map[string][][]float64{ModalityPosition: nil, ModalityTarget: nil}}
		for {
			for name, t := range obs {
				ep.Obs[name] = append(ep.Obs[name], append([]float64(nil), t.Data...))
			}
			action := task.ExpertAction()
			action[0] = nn.Sat(action[0]+rng.NormFloat64()*noise, maxVelocity, -maxVelocity)
			ep.Actions = append(ep.Actions, action)
			_, done, err := task.Step(action)
			if err != nil {
				return nil, err
			}
			if done {
				break
			}
			obs = task.Observe()
		}
		ep.Success = task.Success()
		episodes = append(episodes, ep)
	}
	return episodes, nil
}
