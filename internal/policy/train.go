package policy

import (
	"context"

	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/nn"

	"gonum.org/v1/gonum/mat"
)

// Info summarizes one TrainOnBatch call.
type Info struct {
	Epoch    int
	Step     int
	Loss     float64
	GradNorm float64
	LR       float64
	EMADecay float64
	// Updated is false for validation calls, which leave GradNorm unset.
	Updated bool
}

// Record converts the info into a persisted training record.
func (i Info) Record() model.TrainingRecord {
	return model.TrainingRecord{Epoch: i.Epoch, Step: i.Step, Loss: i.Loss, GradNorm: i.GradNorm, LR: i.LR}
}

// TrainOnBatch runs one denoising step on b. With validate set it only
// computes the loss; otherwise it backpropagates, steps the optimizer and
// folds the new parameters into the EMA shadow. The first training batch
// must have every action in [-1, 1].
func (p *DiffusionPolicy) TrainOnBatch(ctx context.Context, b model.Batch, epoch int, validate bool) (Info, error) {
	const op = "policy.train_on_batch"
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	batch, err := p.windower.Process(b, !validate)
	if err != nil {
		return Info{}, err
	}
	size := batch.Size()
	if size < 1 {
		return Info{}, errs.Precondition(op, "empty batch")
	}
	if da := batch.Actions.Shape[2]; da != p.actionDim {
		return Info{}, errs.Precondition(op, "action dim %d, want %d", da, p.actionDim)
	}

	cond, err := p.encoder.EncodeWindow(batch.Obs)
	if err != nil {
		return Info{}, err
	}
	if rows, _ := cond.Dims(); rows != size {
		return Info{}, errs.Precondition(op, "observation batch %d, action batch %d", rows, size)
	}

	width := p.horizon.Prediction * p.actionDim
	clean := mat.NewDense(size, width, append([]float64(nil), batch.Actions.Data...))
	noise := mat.NewDense(size, width, nil)
	for i := 0; i < size; i++ {
		row := noise.RawRowView(i)
		for j := range row {
			row[j] = p.rng.NormFloat64()
		}
	}
	steps := make([]int, size)
	for i := range steps {
		steps[i] = p.rng.Intn(p.schedule.NumTrainTimesteps())
	}

	noisy, err := p.schedule.AddNoise(clean, noise, steps)
	if err != nil {
		return Info{}, err
	}
	target, err := p.schedule.TrainingTarget(clean, noise, steps)
	if err != nil {
		return Info{}, err
	}
	pred, err := p.predictor.Predict(noisy, steps, cond)
	if err != nil {
		return Info{}, err
	}
	loss, grad, err := nn.MSELoss(pred, target)
	if err != nil {
		return Info{}, err
	}

	if !validate {
		p.windower.MarkRangeChecked()
	}
	p.epoch = epoch
	info := Info{Epoch: epoch, Step: p.step, Loss: loss, LR: p.optimizer.LR()}
	if validate {
		p.metrics.ObserveValidateStep(string(p.diffusion.Variant), loss)
		p.log.Debug("validate step", "epoch", epoch, "loss", loss)
		return info, nil
	}

	p.optimizer.ZeroGrad()
	dCond := p.predictor.Backward(grad)
	if err := p.encoder.BackwardWindow(dCond); err != nil {
		return Info{}, err
	}
	info.GradNorm = nn.ClipGradNorm(p.params, p.cfg.Algo.Optim.MaxGradNorm)
	if p.lrScheduler != nil {
		p.optimizer.SetLR(p.lrScheduler.LR())
	}
	info.LR = p.optimizer.LR()
	p.optimizer.Step()
	if p.lrScheduler != nil {
		p.lrScheduler.StepBatch()
	}
	if p.ema != nil {
		if err := p.ema.Step(p.params, p.buffers); err != nil {
			return Info{}, err
		}
		info.EMADecay = p.ema.LastDecay()
	}
	p.step++
	info.Step = p.step
	info.Updated = true

	p.metrics.ObserveTrainStep(string(p.diffusion.Variant), loss, info.GradNorm, info.LR, info.EMADecay)
	p.log.Debug("train step", "epoch", epoch, "step", p.step, "loss", loss, "grad_norm", info.GradNorm, "lr", info.LR)
	return info, nil
}

// LogInfo flattens info into named scalars for logs and run artifacts.
func (p *DiffusionPolicy) LogInfo(info Info) map[string]float64 {
	out := map[string]float64{
		"Loss": info.Loss,
		"LR":   info.LR,
	}
	if info.Updated {
		out["Policy_Grad_Norms"] = info.GradNorm
		if p.ema != nil {
			out["EMA_Decay"] = info.EMADecay
		}
	}
	return out
}

// OnEpochEnd advances epoch-based learning rate schedules.
func (p *DiffusionPolicy) OnEpochEnd(epoch int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch = epoch
	if p.lrScheduler != nil {
		p.lrScheduler.StepEpoch(epoch + 1)
		p.log.Debug("epoch end", "epoch", epoch, "lr", p.lrScheduler.LR())
	}
}
