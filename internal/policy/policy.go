// Package policy implements the diffusion policy: a trainer that learns to
// predict the noise added to demonstration action trajectories, and a
// receding-horizon sampler that denoises fresh trajectories at rollout time.
package policy

import (
	"log/slog"
	"math/rand"
	"sync"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/ema"
	"diffusionpolicy/internal/encoder"
	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/log"
	"diffusionpolicy/internal/metrics"
	"diffusionpolicy/internal/nn"
	"diffusionpolicy/internal/predictor"
	"diffusionpolicy/internal/schedule"
	"diffusionpolicy/internal/window"
)

const (
	encoderPrefix   = "policy.obs_encoder"
	predictorPrefix = "policy.noise_pred_net"
	// OptimizerName keys the policy optimizer and scheduler in checkpoints.
	OptimizerName = "policy"
)

// ParamSet selects which parameters run inference.
type ParamSet int

const (
	// LiveParams are the trainable parameters.
	LiveParams ParamSet = iota
	// ShadowParams are the EMA-averaged parameters.
	ShadowParams
)

func (s ParamSet) String() string {
	if s == ShadowParams {
		return "shadow"
	}
	return "live"
}

// Options carries optional collaborators.
type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	RunID      string
	Normalizer *window.ActionNormalizer
}

// DiffusionPolicy owns the networks, noise schedule, EMA shadow and
// optimizer. Training and sampling serialize on one mutex; rollouts each hold
// their own QueueManager.
type DiffusionPolicy struct {
	cfg       *config.Config
	diffusion config.Diffusion
	horizon   window.Horizon
	actionDim int
	runID     string
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	rng         *rand.Rand
	encoder     *encoder.ObservationEncoder
	predictor   *predictor.ConditionalMLP
	params      []nn.NamedParam
	buffers     []nn.NamedParam
	schedule    schedule.Schedule
	optimizer   *nn.AdamW
	lrScheduler nn.LRScheduler
	windower    *window.Windower
	normalizer  *window.ActionNormalizer
	epoch       int
	step        int

	ema           *ema.Shadow
	shadowEncoder *encoder.ObservationEncoder
	shadowPred    *predictor.ConditionalMLP
	shadowVersion uint64
	shadowLoaded  bool
	inference     ParamSet

	rolloutMu sync.Mutex
	rollout   *QueueManager
}

// New validates cfg and builds a policy in training mode.
func New(cfg *config.Config, opts Options) (*DiffusionPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	diffusion, err := cfg.Diffusion()
	if err != nil {
		return nil, err
	}
	horizon := window.FromConfig(cfg.Algo.Horizon)
	windower, err := window.NewWindower(horizon)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Train.Seed))
	enc, err := encoder.New(cfg.Algo.Encoder, cfg.Observation.Shapes, rng)
	if err != nil {
		return nil, err
	}
	condDim := enc.FeatureDim() * horizon.Obs
	pred, err := predictor.New(cfg.Algo.Predictor, horizon.Prediction*cfg.ActionDim, condDim, rng)
	if err != nil {
		return nil, err
	}
	sched, err := schedule.New(diffusion, rand.New(rand.NewSource(cfg.Train.Seed+1)))
	if err != nil {
		return nil, err
	}

	p := &DiffusionPolicy{
		cfg:        cfg,
		diffusion:  diffusion,
		horizon:    horizon,
		actionDim:  cfg.ActionDim,
		runID:      opts.RunID,
		log:        log.Or(opts.Logger).With("component", "policy", "variant", string(diffusion.Variant)),
		metrics:    opts.Metrics,
		rng:        rng,
		encoder:    enc,
		predictor:  pred,
		schedule:   sched,
		windower:   windower,
		normalizer: opts.Normalizer,
		inference:  LiveParams,
	}
	p.params, p.buffers = namedState(enc, pred)

	o := cfg.Algo.Optim
	p.optimizer, err = nn.NewAdamW(p.params, nn.AdamWConfig{
		LR:          o.LearningRate,
		Beta1:       o.Betas[0],
		Beta2:       o.Betas[1],
		Eps:         o.Eps,
		WeightDecay: o.WeightDecay,
	})
	if err != nil {
		return nil, errs.Configuration("policy.new", "optimizer").Wrap(err)
	}
	p.lrScheduler, err = newLRScheduler(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Algo.EMA.Enabled {
		p.ema = ema.New(cfg.Algo.EMA, p.params, p.buffers)
		p.shadowEncoder = enc.Clone()
		p.shadowPred = pred.Clone()
		p.shadowEncoder.SetTraining(false)
		p.shadowPred.SetTraining(false)
		p.inference = ShadowParams
	}
	p.setTraining(true)
	p.log.Info("policy created",
		"params", nn.ParameterCount(p.params),
		"To", horizon.Obs, "Ta", horizon.Action, "Tp", horizon.Prediction,
		"ema", cfg.Algo.EMA.Enabled)
	return p, nil
}

func newLRScheduler(cfg *config.Config) (nn.LRScheduler, error) {
	o := cfg.Algo.Optim
	switch o.Scheduler {
	case config.SchedulerCosine:
		total := cfg.Train.Epochs * cfg.Train.StepsPerEpoch
		if total < 2 {
			total = 2
		}
		warmup := o.WarmupSteps
		if warmup >= total {
			warmup = total - 1
		}
		s, err := nn.NewCosineScheduler(o.LearningRate, warmup, total)
		if err != nil {
			return nil, errs.Configuration("policy.new", "lr scheduler").Wrap(err)
		}
		return s, nil
	case config.SchedulerMultiStep:
		return nn.NewMultiStepScheduler(o.LearningRate, o.DecayFactor, o.EpochSchedule), nil
	default:
		return nil, nil
	}
}

func namedState(enc *encoder.ObservationEncoder, pred *predictor.ConditionalMLP) (params, buffers []nn.NamedParam) {
	params = append(nn.NamedParameters(encoderPrefix, enc.Net), nn.NamedParameters(predictorPrefix, pred.Net)...)
	buffers = append(nn.NamedBuffers(encoderPrefix, enc.Net), nn.NamedBuffers(predictorPrefix, pred.Net)...)
	return params, buffers
}

// SetTraining switches the live networks between training and evaluation
// mode. Sampling requires evaluation mode.
func (p *DiffusionPolicy) SetTraining(training bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setTraining(training)
}

func (p *DiffusionPolicy) setTraining(training bool) {
	p.encoder.SetTraining(training)
	p.predictor.SetTraining(training)
}

// Training reports whether the live networks are in training mode.
func (p *DiffusionPolicy) Training() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Training() || p.predictor.Training()
}

// SetInferenceParams chooses the parameters the sampler runs with. Shadow
// parameters require EMA.
func (p *DiffusionPolicy) SetInferenceParams(set ParamSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set == ShadowParams && p.ema == nil {
		return errs.Configuration("policy.inference_params", "shadow parameters need ema enabled")
	}
	p.inference = set
	return nil
}

// InferenceParams reports the parameter set used for sampling.
func (p *DiffusionPolicy) InferenceParams() ParamSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inference
}

func (p *DiffusionPolicy) Horizon() window.Horizon { return p.horizon }

func (p *DiffusionPolicy) ActionDim() int { return p.actionDim }

func (p *DiffusionPolicy) Variant() config.Variant { return p.diffusion.Variant }

func (p *DiffusionPolicy) Config() *config.Config { return p.cfg }

// Normalizer returns the action normalizer, if any.
func (p *DiffusionPolicy) Normalizer() *window.ActionNormalizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.normalizer
}

// ParameterCount is the number of trainable scalars.
func (p *DiffusionPolicy) ParameterCount() int {
	return nn.ParameterCount(p.params)
}

// GlobalStep is the number of optimizer steps taken.
func (p *DiffusionPolicy) GlobalStep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step
}
