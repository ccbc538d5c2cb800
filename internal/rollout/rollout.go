// Package rollout evaluates a trained policy by running closed-loop episodes
// against an environment.
package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"diffusionpolicy/internal/log"
	"diffusionpolicy/internal/metrics"
	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/policy"
	"diffusionpolicy/internal/window"

	"golang.org/x/sync/errgroup"
)

// Env is a resettable control task.
type Env interface {
	Reset(episode int) model.Observation
	Observe() model.Observation
	Step(action []float64) (reward float64, done bool, err error)
	Success() bool
	MaxSteps() int
}

// EnvFactory builds one environment per concurrent episode.
type EnvFactory func() (Env, error)

type Options struct {
	Workers    int
	Normalizer *window.ActionNormalizer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Runner shares one sampler across concurrent episodes. Each episode gets
// its own environment and queue manager.
type Runner struct {
	sampler    policy.TrajectorySampler
	horizon    window.Horizon
	newEnv     EnvFactory
	workers    int
	normalizer *window.ActionNormalizer
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type EpisodeResult struct {
	Episode      int     `json:"episode"`
	Return       float64 `json:"return"`
	Steps        int     `json:"steps"`
	Success      bool    `json:"success"`
	SamplerCalls int     `json:"sampler_calls"`
}

type Report struct {
	Episodes     []EpisodeResult `json:"episodes"`
	SuccessRate  float64         `json:"success_rate"`
	MeanReturn   float64         `json:"mean_return"`
	SamplerCalls int             `json:"sampler_calls"`
	Elapsed      time.Duration   `json:"elapsed"`
}

func NewRunner(sampler policy.TrajectorySampler, h window.Horizon, newEnv EnvFactory, opts Options) *Runner {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		sampler:    sampler,
		horizon:    h,
		newEnv:     newEnv,
		workers:    workers,
		normalizer: opts.Normalizer,
		metrics:    opts.Metrics,
		logger:     log.Or(opts.Logger).With("component", "rollout"),
	}
}

// Run plays episodes 0..n-1. The first failing episode cancels the rest.
func (r *Runner) Run(ctx context.Context, n int) (Report, error) {
	if n < 1 {
		return Report{}, fmt.Errorf("rollout needs at least one episode, got %d", n)
	}
	started := time.Now()
	r.logger.Info("rollout started", "episodes", n, "workers", r.workers)

	jobs := make(chan int)
	results := make([]EpisodeResult, n)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case jobs <- i:
			case <-gCtx.Done():
				return gCtx.Err()
			}
		}
		return nil
	})
	for w := 0; w < r.workers; w++ {
		g.Go(func() error {
			for i := range jobs {
				res, err := r.episode(gCtx, i)
				if err != nil {
					return fmt.Errorf("rollout episode %d: %w", i, err)
				}
				results[i] = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{Episodes: results, Elapsed: time.Since(started)}
	successes := 0
	for _, res := range results {
		report.MeanReturn += res.Return
		report.SamplerCalls += res.SamplerCalls
		if res.Success {
			successes++
		}
	}
	report.MeanReturn /= float64(n)
	report.SuccessRate = float64(successes) / float64(n)
	r.logger.Info("rollout finished",
		"success_rate", report.SuccessRate, "mean_return", report.MeanReturn,
		"sampler_calls", report.SamplerCalls, "elapsed", report.Elapsed)
	return report, nil
}

func (r *Runner) episode(ctx context.Context, i int) (EpisodeResult, error) {
	env, err := r.newEnv()
	if err != nil {
		return EpisodeResult{}, err
	}
	q, err := policy.NewQueueManager(r.sampler, r.horizon, r.metrics)
	if err != nil {
		return EpisodeResult{}, err
	}

	res := EpisodeResult{Episode: i}
	obs := env.Reset(i)
	for res.Steps < env.MaxSteps() {
		if err := ctx.Err(); err != nil {
			return EpisodeResult{}, err
		}
		action, err := q.GetAction(obs, nil)
		if err != nil {
			return EpisodeResult{}, err
		}
		command := action.Data
		if r.normalizer != nil {
			command = r.normalizer.Denormalize(command)
		}
		reward, done, err := env.Step(command)
		if err != nil {
			return EpisodeResult{}, err
		}
		res.Return += reward
		res.Steps++
		if done {
			break
		}
		obs = env.Observe()
	}
	res.Success = env.Success()
	res.SamplerCalls = q.SamplerCalls()
	r.metrics.ObserveEpisode(res.Success)
	r.logger.Debug("episode finished", "episode", i, "steps", res.Steps, "return", res.Return, "success", res.Success)
	return res, nil
}
