package policy

import (
	"time"

	"diffusionpolicy/internal/encoder"
	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/nn"
	"diffusionpolicy/internal/predictor"

	"gonum.org/v1/gonum/mat"
)

// SampleTrajectory denoises a fresh trajectory conditioned on an
// observation window of exactly To frames and returns the executable slice
// [To-1, To-1+Ta) as a [batch, Ta, action_dim] tensor. The live networks
// must be in evaluation mode. Goal observations are not encoded.
func (p *DiffusionPolicy) SampleTrajectory(obs, goal model.Observation) (model.Tensor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample(obs, p.inference)
}

// SampleTrajectoryWith is SampleTrajectory with an explicit parameter set.
func (p *DiffusionPolicy) SampleTrajectoryWith(set ParamSet, obs, goal model.Observation) (model.Tensor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample(obs, set)
}

func (p *DiffusionPolicy) sample(obs model.Observation, set ParamSet) (model.Tensor, error) {
	const op = "policy.sample_trajectory"
	if p.encoder.Training() || p.predictor.Training() {
		return model.Tensor{}, errs.State(op, "sampling requires evaluation mode")
	}
	enc, pred, err := p.inferenceNets(set)
	if err != nil {
		return model.Tensor{}, err
	}
	batch, steps, err := enc.ValidateRanks(obs)
	if err != nil {
		return model.Tensor{}, err
	}
	if steps != p.horizon.Obs {
		return model.Tensor{}, errs.Precondition(op, "observation window has %d steps, want %d", steps, p.horizon.Obs)
	}

	started := time.Now()
	cond, err := enc.EncodeWindow(obs)
	if err != nil {
		return model.Tensor{}, err
	}
	width := p.horizon.Prediction * p.actionDim
	x := mat.NewDense(batch, width, nil)
	for i := 0; i < batch; i++ {
		row := x.RawRowView(i)
		for j := range row {
			row[j] = p.rng.NormFloat64()
		}
	}

	if err := p.schedule.SetInferenceSteps(p.diffusion.NumInferenceTimesteps); err != nil {
		return model.Tensor{}, err
	}
	stepIdx := make([]int, batch)
	for _, t := range p.schedule.Timesteps() {
		for i := range stepIdx {
			stepIdx[i] = t
		}
		residual, err := pred.Predict(x, stepIdx, cond)
		if err != nil {
			return model.Tensor{}, err
		}
		x, err = p.schedule.Step(residual, t, x)
		if err != nil {
			return model.Tensor{}, err
		}
	}

	start, end := p.horizon.ExtractStart(), p.horizon.ExtractEnd()
	out := model.NewTensor(batch, end-start, p.actionDim)
	for b := 0; b < batch; b++ {
		row := x.RawRowView(b)
		copy(out.Data[b*(end-start)*p.actionDim:], row[start*p.actionDim:end*p.actionDim])
	}

	elapsed := time.Since(started)
	p.metrics.ObserveSample(string(p.diffusion.Variant), elapsed)
	p.log.Debug("sampled trajectory",
		"params", set.String(), "inference_steps", p.diffusion.NumInferenceTimesteps, "elapsed", elapsed)
	return out, nil
}

// inferenceNets returns the networks for set, reloading the shadow copies
// when the EMA has advanced since they were last loaded.
func (p *DiffusionPolicy) inferenceNets(set ParamSet) (*encoder.ObservationEncoder, *predictor.ConditionalMLP, error) {
	if set == LiveParams {
		return p.encoder, p.predictor, nil
	}
	if p.ema == nil {
		return nil, nil, errs.Configuration("policy.inference_params", "shadow parameters need ema enabled")
	}
	version := p.ema.Version()
	if !p.shadowLoaded || version != p.shadowVersion {
		params, buffers := namedState(p.shadowEncoder, p.shadowPred)
		if err := nn.LoadStateDict(append(params, buffers...), p.ema.AveragedModel()); err != nil {
			return nil, nil, errs.State("policy.load_shadow", "shadow state does not fit networks").Wrap(err)
		}
		p.shadowVersion = version
		p.shadowLoaded = true
	}
	return p.shadowEncoder, p.shadowPred, nil
}
