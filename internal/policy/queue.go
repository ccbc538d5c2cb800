package policy

import (
	"slices"

	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/metrics"
	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/queue"
	"diffusionpolicy/internal/window"
)

// TrajectorySampler produces [1, Ta, action_dim] action chunks from an
// observation window.
type TrajectorySampler interface {
	SampleTrajectory(obs, goal model.Observation) (model.Tensor, error)
}

// QueueManager turns sampled action chunks into one action per control step.
// The sampler runs only when the action queue is empty. One instance serves
// one rollout at a time.
type QueueManager struct {
	sampler TrajectorySampler
	horizon window.Horizon
	metrics *metrics.Metrics

	obs          *queue.Ring[model.Observation]
	actions      *queue.Ring[[]float64]
	samplerCalls int
}

// NewQueueManager returns a manager with empty queues.
func NewQueueManager(sampler TrajectorySampler, h window.Horizon, m *metrics.Metrics) (*QueueManager, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	q := &QueueManager{sampler: sampler, horizon: h, metrics: m}
	if err := q.Reset(); err != nil {
		return nil, err
	}
	return q, nil
}

// Reset replaces both queues with empty ones of capacity To and Ta.
func (q *QueueManager) Reset() error {
	obs, err := queue.NewRing[model.Observation](q.horizon.Obs)
	if err != nil {
		return err
	}
	actions, err := queue.NewRing[[]float64](q.horizon.Action)
	if err != nil {
		return err
	}
	q.obs, q.actions = obs, actions
	return nil
}

// SamplerCalls counts trajectories requested since construction.
func (q *QueueManager) SamplerCalls() int { return q.samplerCalls }

// PendingActions is the number of queued actions.
func (q *QueueManager) PendingActions() int { return q.actions.Len() }

// ObservedFrames is the number of queued observations.
func (q *QueueManager) ObservedFrames() int { return q.obs.Len() }

// GetAction records obs, a [1, ...] snapshot per modality, and returns the
// oldest queued action as a [1, action_dim] tensor, sampling a new chunk
// first when the queue is empty. Every snapshot must carry the same
// modalities and shapes as the queued ones. Queues are left untouched when
// an error is returned.
func (q *QueueManager) GetAction(obs, goal model.Observation) (model.Tensor, error) {
	const op = "queue_manager.get_action"
	if len(obs) == 0 {
		return model.Tensor{}, errs.Precondition(op, "observation has no modalities")
	}
	for name, t := range obs {
		if t.Rank() < 1 || t.Shape[0] != 1 {
			return model.Tensor{}, errs.Precondition(op, "observation %q must be a [1, ...] snapshot", name).With("shape", t.Shape)
		}
		if t.Len() != product(t.Shape) {
			return model.Tensor{}, errs.Precondition(op, "observation %q has %d values for shape %v", name, t.Len(), t.Shape)
		}
	}
	frames := q.obs.Items()
	if len(frames) > 0 {
		if err := matchSnapshot(op, frames[len(frames)-1], obs); err != nil {
			return model.Tensor{}, err
		}
	}
	snapshot := obs.Clone()

	var chunk [][]float64
	if q.actions.Empty() {
		if q.obs.Full() {
			frames = frames[1:]
		}
		traj, err := q.sampler.SampleTrajectory(stackWindow(append(frames, snapshot), q.horizon.Obs), goal)
		if err != nil {
			return model.Tensor{}, err
		}
		q.samplerCalls++
		if traj.Rank() != 3 || traj.Shape[0] != 1 || traj.Shape[1] != q.horizon.Action {
			return model.Tensor{}, errs.State(op, "sampler returned shape %v, want [1, %d, action_dim]", traj.Shape, q.horizon.Action)
		}
		chunk = make([][]float64, traj.Shape[1])
		for t := range chunk {
			chunk[t] = append([]float64(nil), traj.Frame(0, t)...)
		}
	}

	if q.obs.Full() {
		if _, err := q.obs.Pop(); err != nil {
			return model.Tensor{}, err
		}
	}
	if err := q.obs.Push(snapshot); err != nil {
		return model.Tensor{}, err
	}
	if chunk != nil {
		if err := q.actions.PushAll(chunk); err != nil {
			return model.Tensor{}, err
		}
	}

	action, err := q.actions.Pop()
	if err != nil {
		return model.Tensor{}, err
	}
	q.metrics.ObserveAction()
	return model.Tensor{Shape: []int{1, len(action)}, Data: action}, nil
}

func matchSnapshot(op string, prev, obs model.Observation) error {
	if len(prev) != len(obs) {
		return errs.Precondition(op, "observation has %d modalities, earlier frames have %d", len(obs), len(prev))
	}
	for name, p := range prev {
		t, ok := obs[name]
		if !ok {
			return errs.Precondition(op, "observation is missing modality %q", name)
		}
		if !slices.Equal(t.Shape, p.Shape) {
			return errs.Precondition(op, "observation %q shape %v, earlier frames %v", name, t.Shape, p.Shape).
				With("modality", name)
		}
	}
	return nil
}

// stackWindow stacks snapshots into [1, To, ...] tensors, repeating the
// oldest snapshot until there are To frames.
func stackWindow(frames []model.Observation, obsHorizon int) model.Observation {
	for len(frames) < obsHorizon {
		frames = append([]model.Observation{frames[0]}, frames...)
	}
	out := make(model.Observation, len(frames[0]))
	for name, first := range frames[0] {
		shape := append([]int{1, len(frames)}, first.Shape[1:]...)
		t := model.NewTensor(shape...)
		size := len(first.Data)
		for i, f := range frames {
			copy(t.Data[i*size:(i+1)*size], f[name].Data)
		}
		out[name] = t
	}
	return out
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NewRollout returns an independent queue manager backed by this policy.
func (p *DiffusionPolicy) NewRollout() (*QueueManager, error) {
	return NewQueueManager(p, p.horizon, p.metrics)
}

// Reset starts a new rollout episode on the policy-owned queue manager.
func (p *DiffusionPolicy) Reset() error {
	q, err := p.NewRollout()
	if err != nil {
		return err
	}
	p.rolloutMu.Lock()
	p.rollout = q
	p.rolloutMu.Unlock()
	return nil
}

// GetAction serves one action from the policy-owned queue manager. Reset
// must be called first.
func (p *DiffusionPolicy) GetAction(obs, goal model.Observation) (model.Tensor, error) {
	p.rolloutMu.Lock()
	defer p.rolloutMu.Unlock()
	if p.rollout == nil {
		return model.Tensor{}, errs.State("policy.get_action", "reset must be called before get_action")
	}
	return p.rollout.GetAction(obs, goal)
}

// SamplerCalls reports sampler invocations of the policy-owned queue
// manager since the last Reset.
func (p *DiffusionPolicy) SamplerCalls() int {
	p.rolloutMu.Lock()
	defer p.rolloutMu.Unlock()
	if p.rollout == nil {
		return 0
	}
	return p.rollout.SamplerCalls()
}
