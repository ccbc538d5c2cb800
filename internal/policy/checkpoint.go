package policy

import (
	"time"

	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/nn"
	"diffusionpolicy/internal/storage"
	"diffusionpolicy/internal/window"

	"github.com/google/uuid"
)

// Serialize snapshots networks, optimizer, scheduler and EMA state.
func (p *DiffusionPolicy) Serialize() model.Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	ckpt := model.Checkpoint{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		ID:           uuid.NewString(),
		Nets:         nn.StateDictOf(p.params, p.buffers),
		Optimizers:   map[string]model.OptimizerState{OptimizerName: p.optimizer.State()},
		LRSchedulers: map[string]*model.SchedulerState{OptimizerName: nil},
		Meta: model.CheckpointMeta{
			RunID:     p.runID,
			Epoch:     p.epoch,
			Step:      p.step,
			Variant:   string(p.diffusion.Variant),
			CreatedAt: time.Now().UTC(),
		},
	}
	if p.lrScheduler != nil {
		state := p.lrScheduler.State()
		ckpt.LRSchedulers[OptimizerName] = &state
	}
	if p.ema != nil {
		ckpt.EMA = p.ema.AveragedModel()
		ckpt.Meta.EMASteps = p.ema.OptimizationStep()
	}
	if p.normalizer != nil {
		ckpt.Meta.Normalization = p.normalizer.Stats()
	}
	return ckpt
}

// Deserialize restores state written by Serialize. Optimizer and scheduler
// state is only restored when loadOptimizers is set; missing entries leave
// the fresh state in place. An EMA snapshot is ignored when EMA is disabled.
// On error the policy keeps the state it had before the call.
func (p *DiffusionPolicy) Deserialize(ckpt model.Checkpoint, loadOptimizers bool) error {
	const op = "policy.deserialize"
	p.mu.Lock()
	defer p.mu.Unlock()

	if ckpt.Meta.Variant != "" && ckpt.Meta.Variant != string(p.diffusion.Variant) {
		return errs.Configuration(op, "checkpoint variant %q, policy variant %q", ckpt.Meta.Variant, p.diffusion.Variant)
	}
	prev := p.snapshotState()
	if err := p.loadCheckpointState(ckpt, loadOptimizers); err != nil {
		if rerr := p.restoreState(prev); rerr != nil {
			p.log.Error("restoring state after failed load", "err", rerr)
		}
		return err
	}

	p.epoch = ckpt.Meta.Epoch
	p.step = ckpt.Meta.Step
	if ckpt.Meta.Normalization != nil {
		p.normalizer = window.NormalizerFromStats(ckpt.Meta.Normalization)
	}
	p.shadowLoaded = false
	p.log.Info("checkpoint loaded", "id", ckpt.ID, "step", p.step, "optimizers", loadOptimizers)
	return nil
}

func (p *DiffusionPolicy) loadCheckpointState(ckpt model.Checkpoint, loadOptimizers bool) error {
	const op = "policy.deserialize"
	if err := nn.LoadStateDict(p.stateParams(), ckpt.Nets); err != nil {
		return errs.Precondition(op, "networks do not match checkpoint").Wrap(err)
	}

	if loadOptimizers {
		if state, ok := ckpt.Optimizers[OptimizerName]; ok {
			if err := p.optimizer.LoadState(state); err != nil {
				return errs.Precondition(op, "optimizer state").Wrap(err)
			}
		}
		if state := ckpt.LRSchedulers[OptimizerName]; state != nil && p.lrScheduler != nil {
			if err := p.lrScheduler.LoadState(*state); err != nil {
				return errs.Precondition(op, "lr scheduler state").Wrap(err)
			}
		}
	}

	switch {
	case ckpt.EMA != nil && p.ema != nil:
		if err := p.ema.Restore(ckpt.EMA, ckpt.Meta.EMASteps); err != nil {
			return errs.Precondition(op, "ema state").Wrap(err)
		}
	case ckpt.EMA != nil:
		p.log.Warn("checkpoint carries ema state but ema is disabled; skipping")
	case p.ema != nil:
		// No snapshot: restart averaging from the loaded weights.
		if err := p.ema.Restore(nn.StateDictOf(p.params, p.buffers), 0); err != nil {
			return errs.State(op, "reset ema").Wrap(err)
		}
	}
	return nil
}

type savedState struct {
	nets      model.StateDict
	optimizer model.OptimizerState
	scheduler *model.SchedulerState
	ema       model.StateDict
	emaSteps  int
}

func (p *DiffusionPolicy) stateParams() []nn.NamedParam {
	return append(append([]nn.NamedParam(nil), p.params...), p.buffers...)
}

func (p *DiffusionPolicy) snapshotState() savedState {
	s := savedState{
		nets:      nn.StateDictOf(p.params, p.buffers),
		optimizer: p.optimizer.State(),
	}
	if p.lrScheduler != nil {
		st := p.lrScheduler.State()
		s.scheduler = &st
	}
	if p.ema != nil {
		s.ema = p.ema.AveragedModel()
		s.emaSteps = p.ema.OptimizationStep()
	}
	return s
}

func (p *DiffusionPolicy) restoreState(s savedState) error {
	if err := nn.LoadStateDict(p.stateParams(), s.nets); err != nil {
		return err
	}
	if err := p.optimizer.LoadState(s.optimizer); err != nil {
		return err
	}
	if s.scheduler != nil {
		if err := p.lrScheduler.LoadState(*s.scheduler); err != nil {
			return err
		}
	}
	if p.ema != nil {
		return p.ema.Restore(s.ema, s.emaSteps)
	}
	return nil
}
