// Package config handles diffusion policy configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"diffusionpolicy/internal/errs"

	"gopkg.in/yaml.v3"
)

// Variant names the diffusion schedule family.
type Variant string

const (
	VariantDDPM Variant = "ddpm"
	VariantDDIM Variant = "ddim"
)

const (
	BetaLinear       = "linear"
	BetaScaledLinear = "scaled_linear"
	BetaSquaredCos   = "squaredcos_cap_v2"

	PredictEpsilon = "epsilon"
	PredictSample  = "sample"
	PredictV       = "v_prediction"

	VarianceFixedSmall = "fixed_small"
	VarianceFixedLarge = "fixed_large"

	NormBatch = "batch"
	NormGroup = "group"
	NormNone  = "none"

	SchedulerNone      = "none"
	SchedulerCosine    = "cosine"
	SchedulerMultiStep = "multistep"
)

// Config is the root configuration structure.
type Config struct {
	Algo        AlgoConfig        `yaml:"algo"`
	Observation ObservationConfig `yaml:"observation"`
	ActionDim   int               `yaml:"action_dim"`
	Train       TrainConfig       `yaml:"train"`
}

// AlgoConfig holds the diffusion policy algorithm settings.
type AlgoConfig struct {
	Horizon   HorizonConfig   `yaml:"horizon"`
	DDPM      DDPMConfig      `yaml:"ddpm"`
	DDIM      DDIMConfig      `yaml:"ddim"`
	EMA       EMAConfig       `yaml:"ema"`
	Optim     OptimConfig     `yaml:"optim"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Predictor PredictorConfig `yaml:"predictor"`
}

// HorizonConfig holds To, Ta and Tp.
type HorizonConfig struct {
	ObservationHorizon int `yaml:"observation_horizon"`
	ActionHorizon      int `yaml:"action_horizon"`
	PredictionHorizon  int `yaml:"prediction_horizon"`
}

// DDPMConfig holds many-step scheduler settings.
type DDPMConfig struct {
	Enabled               bool   `yaml:"enabled"`
	NumTrainTimesteps     int    `yaml:"num_train_timesteps"`
	NumInferenceTimesteps int    `yaml:"num_inference_timesteps"`
	BetaSchedule          string `yaml:"beta_schedule"`
	ClipSample            bool   `yaml:"clip_sample"`
	PredictionType        string `yaml:"prediction_type"`
	VarianceType          string `yaml:"variance_type"`
}

// DDIMConfig holds accelerated scheduler settings.
type DDIMConfig struct {
	Enabled               bool    `yaml:"enabled"`
	NumTrainTimesteps     int     `yaml:"num_train_timesteps"`
	NumInferenceTimesteps int     `yaml:"num_inference_timesteps"`
	BetaSchedule          string  `yaml:"beta_schedule"`
	ClipSample            bool    `yaml:"clip_sample"`
	SetAlphaToOne         bool    `yaml:"set_alpha_to_one"`
	StepsOffset           int     `yaml:"steps_offset"`
	PredictionType        string  `yaml:"prediction_type"`
	Eta                   float64 `yaml:"eta"`
}

// EMAConfig holds shadow model settings.
type EMAConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Power           float64 `yaml:"power"`
	InvGamma        float64 `yaml:"inv_gamma"`
	MinValue        float64 `yaml:"min_value"`
	MaxValue        float64 `yaml:"max_value"`
	UpdateAfterStep int     `yaml:"update_after_step"`
}

// OptimConfig holds AdamW and learning rate schedule settings.
type OptimConfig struct {
	LearningRate  float64   `yaml:"learning_rate"`
	Betas         []float64 `yaml:"betas"`
	Eps           float64   `yaml:"eps"`
	WeightDecay   float64   `yaml:"weight_decay"`
	MaxGradNorm   float64   `yaml:"max_grad_norm"`
	Scheduler     string    `yaml:"scheduler"`
	WarmupSteps   int       `yaml:"warmup_steps"`
	DecayFactor   float64   `yaml:"decay_factor"`
	EpochSchedule []int     `yaml:"epoch_schedule"`
}

// EncoderConfig describes the per-timestep observation MLP.
type EncoderConfig struct {
	FeatureDim       int    `yaml:"feature_dim"`
	HiddenDims       []int  `yaml:"hidden_dims"`
	Activation       string `yaml:"activation"`
	Norm             string `yaml:"norm"`
	FeaturesPerGroup int    `yaml:"features_per_group"`
	ReplaceBatchNorm bool   `yaml:"replace_batch_norm"`
}

// PredictorConfig describes the conditional noise predictor MLP.
type PredictorConfig struct {
	HiddenDims       []int  `yaml:"hidden_dims"`
	TimestepEmbedDim int    `yaml:"timestep_embed_dim"`
	Activation       string `yaml:"activation"`
}

// ObservationConfig maps modality names to per-timestep shapes.
type ObservationConfig struct {
	Shapes map[string][]int `yaml:"shapes"`
}

// TrainConfig holds the outer training loop settings.
type TrainConfig struct {
	Epochs          int   `yaml:"epochs"`
	StepsPerEpoch   int   `yaml:"steps_per_epoch"`
	BatchSize       int   `yaml:"batch_size"`
	Seed            int64 `yaml:"seed"`
	CheckpointEvery int   `yaml:"checkpoint_every"`
}

// Diffusion is the resolved schedule configuration for exactly one variant.
type Diffusion struct {
	Variant               Variant
	NumTrainTimesteps     int
	NumInferenceTimesteps int
	BetaSchedule          string
	ClipSample            bool
	PredictionType        string
	VarianceType          string
	SetAlphaToOne         bool
	StepsOffset           int
	Eta                   float64
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Algo: AlgoConfig{
			Horizon: HorizonConfig{
				ObservationHorizon: 2,
				ActionHorizon:      8,
				PredictionHorizon:  16,
			},
			DDPM: DDPMConfig{
				Enabled:               true,
				NumTrainTimesteps:     100,
				NumInferenceTimesteps: 100,
				BetaSchedule:          BetaSquaredCos,
				ClipSample:            true,
				PredictionType:        PredictEpsilon,
				VarianceType:          VarianceFixedSmall,
			},
			DDIM: DDIMConfig{
				Enabled:               false,
				NumTrainTimesteps:     100,
				NumInferenceTimesteps: 10,
				BetaSchedule:          BetaSquaredCos,
				ClipSample:            true,
				SetAlphaToOne:         true,
				StepsOffset:           0,
				PredictionType:        PredictEpsilon,
				Eta:                   0,
			},
			EMA: EMAConfig{
				Enabled:  true,
				Power:    0.75,
				InvGamma: 1,
				MinValue: 0,
				MaxValue: 0.9999,
			},
			Optim: OptimConfig{
				LearningRate: 1e-4,
				Betas:        []float64{0.95, 0.999},
				Eps:          1e-8,
				WeightDecay:  1e-6,
				Scheduler:    SchedulerCosine,
				WarmupSteps:  500,
				DecayFactor:  0.1,
			},
			Encoder: EncoderConfig{
				FeatureDim:       64,
				HiddenDims:       []int{256, 256},
				Activation:       "relu",
				Norm:             NormBatch,
				FeaturesPerGroup: 16,
				ReplaceBatchNorm: true,
			},
			Predictor: PredictorConfig{
				HiddenDims:       []int{256, 256},
				TimestepEmbedDim: 32,
				Activation:       "mish",
			},
		},
		Observation: ObservationConfig{
			Shapes: map[string][]int{
				"position": {1},
				"target":   {1},
			},
		},
		ActionDim: 1,
		Train: TrainConfig{
			Epochs:          50,
			StepsPerEpoch:   100,
			BatchSize:       64,
			Seed:            1,
			CheckpointEvery: 10,
		},
	}
}

// Load loads and validates configuration from a YAML (or JSON) file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse overlays data onto the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	// yaml merges into non-nil maps; a file listing shapes replaces them.
	defaults := cfg.Observation.Shapes
	cfg.Observation.Shapes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Observation.Shapes == nil {
		cfg.Observation.Shapes = defaults
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the default if path is
// empty or missing.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Diffusion resolves the enabled schedule variant. Exactly one of ddpm and
// ddim must be enabled.
func (c *Config) Diffusion() (Diffusion, error) {
	const op = "config.diffusion"
	ddpm, ddim := c.Algo.DDPM, c.Algo.DDIM
	switch {
	case ddpm.Enabled && ddim.Enabled:
		return Diffusion{}, errs.Configuration(op, "ddpm and ddim are both enabled")
	case ddpm.Enabled:
		return Diffusion{
			Variant:               VariantDDPM,
			NumTrainTimesteps:     ddpm.NumTrainTimesteps,
			NumInferenceTimesteps: ddpm.NumInferenceTimesteps,
			BetaSchedule:          ddpm.BetaSchedule,
			ClipSample:            ddpm.ClipSample,
			PredictionType:        ddpm.PredictionType,
			VarianceType:          ddpm.VarianceType,
		}, nil
	case ddim.Enabled:
		return Diffusion{
			Variant:               VariantDDIM,
			NumTrainTimesteps:     ddim.NumTrainTimesteps,
			NumInferenceTimesteps: ddim.NumInferenceTimesteps,
			BetaSchedule:          ddim.BetaSchedule,
			ClipSample:            ddim.ClipSample,
			PredictionType:        ddim.PredictionType,
			SetAlphaToOne:         ddim.SetAlphaToOne,
			StepsOffset:           ddim.StepsOffset,
			Eta:                   ddim.Eta,
		}, nil
	default:
		return Diffusion{}, errs.Configuration(op, "no diffusion variant enabled")
	}
}

// Validate checks every cross-field invariant the policy relies on.
func (c *Config) Validate() error {
	const op = "config.validate"
	h := c.Algo.Horizon
	if h.ObservationHorizon < 1 || h.ActionHorizon < 1 || h.PredictionHorizon < 1 {
		return errs.Configuration(op, "horizons must be >= 1").
			With("To", h.ObservationHorizon).With("Ta", h.ActionHorizon).With("Tp", h.PredictionHorizon)
	}
	if need := h.ObservationHorizon - 1 + h.ActionHorizon; h.PredictionHorizon < need {
		return errs.Configuration(op, "prediction horizon shorter than To-1+Ta").
			With("Tp", h.PredictionHorizon).With("need", need)
	}

	d, err := c.Diffusion()
	if err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}

	if c.ActionDim < 1 {
		return errs.Configuration(op, "action_dim must be >= 1").With("action_dim", c.ActionDim)
	}
	if len(c.Observation.Shapes) == 0 {
		return errs.Configuration(op, "at least one observation modality is required")
	}
	for _, name := range c.Modalities() {
		shape := c.Observation.Shapes[name]
		if len(shape) == 0 {
			return errs.Configuration(op, "observation %q has an empty shape", name)
		}
		for _, dim := range shape {
			if dim < 1 {
				return errs.Configuration(op, "observation %q has non-positive dim", name).With("shape", shape)
			}
		}
	}

	if c.Algo.EMA.Enabled && c.Algo.EMA.Power <= 0 {
		return errs.Configuration(op, "ema power must be > 0").With("power", c.Algo.EMA.Power)
	}

	o := c.Algo.Optim
	if o.LearningRate <= 0 {
		return errs.Configuration(op, "learning rate must be > 0")
	}
	if len(o.Betas) != 2 {
		return errs.Configuration(op, "optim betas must have two entries").With("betas", o.Betas)
	}
	switch o.Scheduler {
	case "", SchedulerNone, SchedulerCosine, SchedulerMultiStep:
	default:
		return errs.Configuration(op, "unknown lr scheduler %q", o.Scheduler)
	}

	e := c.Algo.Encoder
	if e.FeatureDim < 1 {
		return errs.Configuration(op, "encoder feature_dim must be >= 1")
	}
	switch e.Norm {
	case "", NormNone, NormBatch, NormGroup:
	default:
		return errs.Configuration(op, "unknown encoder norm %q", e.Norm)
	}
	if (e.Norm == NormGroup || e.ReplaceBatchNorm) && e.FeaturesPerGroup < 1 {
		return errs.Configuration(op, "features_per_group must be >= 1")
	}
	if c.Algo.Predictor.TimestepEmbedDim < 2 {
		return errs.Configuration(op, "timestep_embed_dim must be >= 2")
	}
	return nil
}

// Validate checks the resolved schedule settings.
func (d Diffusion) Validate() error {
	const op = "config.diffusion"
	if d.NumTrainTimesteps < 1 {
		return errs.Configuration(op, "num_train_timesteps must be >= 1").With("variant", d.Variant)
	}
	if d.NumInferenceTimesteps < 1 || d.NumInferenceTimesteps > d.NumTrainTimesteps {
		return errs.Configuration(op, "num_inference_timesteps must be in [1, num_train_timesteps]").
			With("variant", d.Variant).With("inference", d.NumInferenceTimesteps).With("train", d.NumTrainTimesteps)
	}
	switch d.BetaSchedule {
	case BetaLinear, BetaScaledLinear, BetaSquaredCos:
	default:
		return errs.Configuration(op, "unknown beta schedule %q", d.BetaSchedule)
	}
	switch d.PredictionType {
	case PredictEpsilon, PredictSample, PredictV:
	default:
		return errs.Configuration(op, "unknown prediction type %q", d.PredictionType)
	}
	if d.Variant == VariantDDPM {
		switch d.VarianceType {
		case "", VarianceFixedSmall, VarianceFixedLarge:
		default:
			return errs.Configuration(op, "unknown variance type %q", d.VarianceType)
		}
	}
	if d.Eta < 0 {
		return errs.Configuration(op, "eta must be >= 0")
	}
	if d.StepsOffset < 0 {
		return errs.Configuration(op, "steps_offset must be >= 0")
	}
	return nil
}

// Modalities returns observation modality names in sorted order.
func (c *Config) Modalities() []string {
	names := make([]string, 0, len(c.Observation.Shapes))
	for name := range c.Observation.Shapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
