// Package diffusionpolicy is the public entry point for training diffusion
// policies on demonstrations, evaluating them in closed loop, and browsing
// the resulting runs and checkpoints.
package diffusionpolicy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/dataset"
	"diffusionpolicy/internal/log"
	"diffusionpolicy/internal/metrics"
	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/nn"
	"diffusionpolicy/internal/policy"
	"diffusionpolicy/internal/rollout"
	"diffusionpolicy/internal/stats"
	"diffusionpolicy/internal/storage"
	"diffusionpolicy/internal/window"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "diffusionpolicy.db"
	metricsFile       = "metrics.prom"
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *slog.Logger
}

type Client struct {
	store    storage.Store
	initOnce sync.Once
	initErr  error

	runsDir    string
	exportsDir string
	log        *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
}

type TrainRequest struct {
	Config *config.Config
	Demos  []dataset.Episode
	RunID  string
	// ValidFraction of demos held out for validation loss; 0 disables it.
	ValidFraction float64
}

type TrainSummary struct {
	RunID          string
	ArtifactsDir   string
	CheckpointIDs  []string
	Steps          int
	ParameterCount int
	FinalLoss      float64
	EpochLosses    []stats.EpochLoss
	ValidLosses    []float64
}

type RolloutRequest struct {
	RunID        string
	Latest       bool
	CheckpointID string
	Episodes     int
	Workers      int
	Mode         string
	// LiveParams samples with the trained weights instead of the EMA shadow.
	LiveParams bool
}

type RolloutSummary struct {
	RunID        string
	CheckpointID string
	Report       rollout.Report
}

type RunsRequest struct {
	Limit int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type HistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type Inspection struct {
	Info           storage.CheckpointInfo
	Tensors        int
	ParameterCount int
	EMA            bool
	EMASteps       int
	Optimizers     []string
	Normalization  *model.NormalizationStats
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	return &Client{
		store:      store,
		runsDir:    runsDir,
		exportsDir: exportsDir,
		log:        log.Or(opts.Logger),
		registry:   registry,
		metrics:    metrics.New(registry),
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Metrics exposes the client's collectors.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

func (c *Client) ensureStore(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.store.Init(ctx)
	})
	return c.initErr
}

// Train fits a policy on the demonstrations, checkpointing every
// CheckpointEvery epochs and after the final one.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	if err := c.ensureStore(ctx); err != nil {
		return TrainSummary{}, err
	}
	cfg := req.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return TrainSummary{}, err
	}
	if len(req.Demos) == 0 {
		return TrainSummary{}, errors.New("train requires demonstrations")
	}
	if req.ValidFraction < 0 || req.ValidFraction >= 1 {
		return TrainSummary{}, fmt.Errorf("valid fraction must be in [0, 1), got %v", req.ValidFraction)
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	runLog := c.log.With("run_id", runID)

	norm, err := window.FitActionNormalizer(dataset.ActionSets(req.Demos)...)
	if err != nil {
		return TrainSummary{}, err
	}
	if norm.Dim() != cfg.ActionDim {
		return TrainSummary{}, fmt.Errorf("demonstrations have action dim %d, config expects %d", norm.Dim(), cfg.ActionDim)
	}
	rng := rand.New(rand.NewSource(cfg.Train.Seed))
	trainEps, validEps := dataset.SplitEpisodes(req.Demos, req.ValidFraction, rng)
	horizon := window.FromConfig(cfg.Algo.Horizon)
	loader, err := dataset.NewLoader(trainEps, horizon, norm, cfg.Observation.Shapes, cfg.Train.BatchSize, rng)
	if err != nil {
		return TrainSummary{}, err
	}
	var validLoader *dataset.Loader
	if len(validEps) > 0 {
		validLoader, err = dataset.NewLoader(validEps, horizon, norm, cfg.Observation.Shapes, cfg.Train.BatchSize, rng)
		if err != nil {
			return TrainSummary{}, err
		}
	}

	p, err := policy.New(cfg, policy.Options{Logger: runLog, Metrics: c.metrics, RunID: runID, Normalizer: norm})
	if err != nil {
		return TrainSummary{}, err
	}
	runLog.Info("training started",
		"windows", loader.Len(), "epochs", cfg.Train.Epochs, "steps_per_epoch", cfg.Train.StepsPerEpoch,
		"params", p.ParameterCount())

	summary := TrainSummary{RunID: runID, ParameterCount: p.ParameterCount()}
	var history []model.TrainingRecord
	for epoch := 0; epoch < cfg.Train.Epochs; epoch++ {
		for step := 0; step < cfg.Train.StepsPerEpoch; step++ {
			info, err := p.TrainOnBatch(ctx, loader.Next(), epoch, false)
			if err != nil {
				return TrainSummary{}, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
			}
			rec := info.Record()
			rec.RunID = runID
			history = append(history, rec)
		}
		if validLoader != nil {
			loss, err := validate(ctx, p, validLoader, epoch)
			if err != nil {
				return TrainSummary{}, err
			}
			summary.ValidLosses = append(summary.ValidLosses, loss)
		}
		p.OnEpochEnd(epoch)

		last := epoch == cfg.Train.Epochs-1
		if last || (cfg.Train.CheckpointEvery > 0 && (epoch+1)%cfg.Train.CheckpointEvery == 0) {
			ckpt := p.Serialize()
			if err := c.store.SaveCheckpoint(ctx, ckpt); err != nil {
				return TrainSummary{}, err
			}
			summary.CheckpointIDs = append(summary.CheckpointIDs, ckpt.ID)
			runLog.Info("checkpoint saved", "id", ckpt.ID, "epoch", epoch, "step", ckpt.Meta.Step)
		}
	}
	if err := c.store.SaveTrainingHistory(ctx, runID, history); err != nil {
		return TrainSummary{}, err
	}

	runSummary := stats.RunSummary{
		Variant:        string(p.Variant()),
		Seed:           cfg.Train.Seed,
		Epochs:         cfg.Train.Epochs,
		ParameterCount: summary.ParameterCount,
		ValidLosses:    summary.ValidLosses,
		CreatedAtUTC:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	runSummary.FillFromHistory(history)
	if n := len(summary.CheckpointIDs); n > 0 {
		runSummary.CheckpointID = summary.CheckpointIDs[n-1]
	}
	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		RunID:   runID,
		Config:  cfg,
		History: history,
		Summary: runSummary,
	})
	if err != nil {
		return TrainSummary{}, err
	}
	runSummary.RunID = runID
	if err := stats.AppendRunIndex(c.runsDir, runSummary.IndexEntry()); err != nil {
		return TrainSummary{}, err
	}
	if err := metrics.WriteTextfile(filepath.Join(runDir, metricsFile), c.registry); err != nil {
		return TrainSummary{}, err
	}

	summary.ArtifactsDir = runDir
	summary.Steps = runSummary.Steps
	summary.FinalLoss = runSummary.FinalLoss
	summary.EpochLosses = runSummary.EpochLosses
	runLog.Info("training finished", "steps", summary.Steps, "final_loss", summary.FinalLoss, "dir", runDir)
	return summary, nil
}

func validate(ctx context.Context, p *policy.DiffusionPolicy, l *dataset.Loader, epoch int) (float64, error) {
	losses := make([]float64, 0, l.BatchesPerPass())
	for i := 0; i < l.BatchesPerPass(); i++ {
		info, err := p.TrainOnBatch(ctx, l.Next(), epoch, true)
		if err != nil {
			return 0, fmt.Errorf("validate epoch %d: %w", epoch, err)
		}
		losses = append(losses, info.Loss)
	}
	return nn.Avg(losses)
}

// Rollout restores a checkpoint and evaluates it on the reach task.
func (c *Client) Rollout(ctx context.Context, req RolloutRequest) (RolloutSummary, error) {
	if err := c.ensureStore(ctx); err != nil {
		return RolloutSummary{}, err
	}
	if req.Episodes <= 0 {
		req.Episodes = 10
	}
	if req.Mode == "" {
		req.Mode = "test"
	}
	ckpt, err := c.resolveCheckpoint(ctx, req.RunID, req.Latest, req.CheckpointID)
	if err != nil {
		return RolloutSummary{}, err
	}
	runID := ckpt.Meta.RunID

	cfg, ok, err := stats.ReadRunConfig(c.runsDir, runID)
	if err != nil {
		return RolloutSummary{}, err
	}
	if !ok {
		cfg = config.Default()
	}
	p, err := policy.New(cfg, policy.Options{Logger: c.log, Metrics: c.metrics, RunID: runID})
	if err != nil {
		return RolloutSummary{}, err
	}
	if err := p.Deserialize(ckpt, false); err != nil {
		return RolloutSummary{}, err
	}
	p.SetTraining(false)
	if req.LiveParams {
		if err := p.SetInferenceParams(policy.LiveParams); err != nil {
			return RolloutSummary{}, err
		}
	}
	if _, err := dataset.NewReachTask(req.Mode); err != nil {
		return RolloutSummary{}, err
	}
	newEnv := func() (rollout.Env, error) {
		return dataset.NewReachTask(req.Mode)
	}

	runner := rollout.NewRunner(p, p.Horizon(), newEnv, rollout.Options{
		Workers:    req.Workers,
		Normalizer: p.Normalizer(),
		Metrics:    c.metrics,
		Logger:     c.log.With("run_id", runID),
	})
	report, err := runner.Run(ctx, req.Episodes)
	if err != nil {
		return RolloutSummary{}, err
	}

	rolloutSummary := stats.RolloutSummary{
		Episodes:     len(report.Episodes),
		SuccessRate:  report.SuccessRate,
		MeanReturn:   report.MeanReturn,
		SamplerCalls: report.SamplerCalls,
	}
	if _, ok, err := stats.ReadRunSummary(c.runsDir, runID); err != nil {
		return RolloutSummary{}, err
	} else if ok {
		if err := stats.WriteRolloutSummary(c.runsDir, runID, rolloutSummary); err != nil {
			return RolloutSummary{}, err
		}
		updated, _, err := stats.ReadRunSummary(c.runsDir, runID)
		if err != nil {
			return RolloutSummary{}, err
		}
		if err := stats.AppendRunIndex(c.runsDir, updated.IndexEntry()); err != nil {
			return RolloutSummary{}, err
		}
		if err := metrics.WriteTextfile(filepath.Join(c.runsDir, runID, metricsFile), c.registry); err != nil {
			return RolloutSummary{}, err
		}
	}
	return RolloutSummary{RunID: runID, CheckpointID: ckpt.ID, Report: report}, nil
}

func (c *Client) resolveCheckpoint(ctx context.Context, runID string, latest bool, checkpointID string) (model.Checkpoint, error) {
	if checkpointID != "" {
		ckpt, ok, err := c.store.GetCheckpoint(ctx, checkpointID)
		if err != nil {
			return model.Checkpoint{}, err
		}
		if !ok {
			return model.Checkpoint{}, fmt.Errorf("checkpoint not found: %s", checkpointID)
		}
		return ckpt, nil
	}
	runID, err := c.resolveRunID(runID, latest)
	if err != nil {
		return model.Checkpoint{}, err
	}
	ckpt, ok, err := c.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if !ok {
		return model.Checkpoint{}, fmt.Errorf("no checkpoints for run id: %s", runID)
	}
	return ckpt, nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest, not both")
	}
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", errors.New("run id or latest is required")
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func (c *Client) Checkpoints(ctx context.Context, runID string) ([]storage.CheckpointInfo, error) {
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}
	return c.store.ListCheckpoints(ctx, runID)
}

// Inspect summarizes a stored checkpoint's contents.
func (c *Client) Inspect(ctx context.Context, checkpointID string) (Inspection, error) {
	if err := c.ensureStore(ctx); err != nil {
		return Inspection{}, err
	}
	ckpt, err := c.resolveCheckpoint(ctx, "", false, checkpointID)
	if err != nil {
		return Inspection{}, err
	}
	payload, err := storage.EncodeCheckpoint(ckpt)
	if err != nil {
		return Inspection{}, err
	}
	out := Inspection{
		Tensors:       len(ckpt.Nets),
		EMA:           ckpt.EMA != nil,
		EMASteps:      ckpt.Meta.EMASteps,
		Normalization: ckpt.Meta.Normalization,
	}
	out.Info = storage.CheckpointInfo{
		ID:        ckpt.ID,
		RunID:     ckpt.Meta.RunID,
		Epoch:     ckpt.Meta.Epoch,
		Step:      ckpt.Meta.Step,
		Variant:   ckpt.Meta.Variant,
		SizeBytes: len(payload),
		CreatedAt: ckpt.Meta.CreatedAt,
	}
	for _, name := range nn.SortedNames(ckpt.Nets) {
		s := ckpt.Nets[name]
		out.ParameterCount += s.Rows * s.Cols
	}
	for name := range ckpt.Optimizers {
		out.Optimizers = append(out.Optimizers, name)
	}
	return out, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]stats.RunIndexEntry, error) {
	if req.Limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	return entries, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	outDir := req.OutDir
	if outDir == "" {
		outDir = c.exportsDir
	}
	dir, err := stats.ExportRunArtifacts(c.runsDir, runID, outDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: dir}, nil
}

// History returns a run's training records, preferring the store and
// falling back to the run's loss_history.csv.
func (c *Client) History(ctx context.Context, req HistoryRequest) ([]model.TrainingRecord, error) {
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetTrainingHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		history, ok, err = stats.ReadLossHistory(c.runsDir, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("training history not found for run id: %s", runID)
		}
	}
	if req.Limit > 0 && len(history) > req.Limit {
		history = history[len(history)-req.Limit:]
	}
	return history, nil
}

// Smoothed returns an exponential moving average of the losses.
func Smoothed(history []model.TrainingRecord, alpha float64) []float64 {
	alpha = math.Max(0, math.Min(1, alpha))
	out := make([]float64, len(history))
	for i, rec := range history {
		if i == 0 {
			out[i] = rec.Loss
			continue
		}
		out[i] = alpha*rec.Loss + (1-alpha)*out[i-1]
	}
	return out
}
