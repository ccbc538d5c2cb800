package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/dataset"
	"diffusionpolicy/internal/log"
	"diffusionpolicy/internal/storage"
	dpapi "diffusionpolicy/pkg/diffusionpolicy"

	"github.com/dustin/go-humanize"
)

const (
	runsDir    = "runs"
	exportsDir = "exports"
	dbFile     = "diffusionpolicy.db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "config":
		return runConfig(ctx, args[1:])
	case "demos":
		return runDemos(ctx, args[1:])
	case "train":
		return runTrain(ctx, args[1:])
	case "rollout":
		return runRollout(ctx, args[1:])
	case "checkpoints":
		return runCheckpoints(ctx, args[1:])
	case "inspect":
		return runInspect(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type clientFlags struct {
	storeKind *string
	dbPath    *string
	logLevel  *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		storeKind: fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:    fs.String("db-path", dbFile, "sqlite database path"),
		logLevel:  fs.String("log-level", "info", "log level: debug|info|warn|error"),
	}
}

func (f clientFlags) open() (*dpapi.Client, error) {
	return dpapi.New(dpapi.Options{
		StoreKind:  *f.storeKind,
		DBPath:     *f.dbPath,
		RunsDir:    runsDir,
		ExportsDir: exportsDir,
		Logger:     log.New(os.Stderr, *f.logLevel, os.Getenv("GO_ENV") == "production"),
	})
}

func runConfig(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	out := fs.String("out", "config.yaml", "path for the default configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.Default().Save(*out); err != nil {
		return err
	}
	fmt.Printf("wrote default config to=%s\n", filepath.Clean(*out))
	return nil
}

func runDemos(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("demos", flag.ContinueOnError)
	out := fs.String("out", "demos.json", "output path for demonstrations")
	count := fs.Int("n", 20, "number of demonstrations")
	noise := fs.Float64("noise", 0.05, "stddev of expert action noise")
	seed := fs.Int64("seed", 1, "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count <= 0 {
		return errors.New("n must be > 0")
	}

	episodes, err := dataset.GenerateDemos(*count, *noise, rand.New(rand.NewSource(*seed)))
	if err != nil {
		return err
	}
	if err := dataset.SaveEpisodes(*out, episodes); err != nil {
		return err
	}
	frames := 0
	successes := 0
	for _, ep := range episodes {
		frames += ep.Len()
		if ep.Success {
			successes++
		}
	}
	fmt.Printf("wrote demos=%d frames=%s successes=%d to=%s\n", len(episodes), humanize.Comma(int64(frames)), successes, filepath.Clean(*out))
	return nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	configPath := fs.String("config", "", "yaml config path (defaults when empty)")
	demosPath := fs.String("demos", "", "demonstrations json path")
	runID := fs.String("run-id", "", "run id (generated when empty)")
	validFrac := fs.Float64("valid-frac", 0.1, "fraction of demonstrations held out for validation")
	epochs := fs.Int("epochs", 0, "override train.epochs when > 0")
	variant := fs.String("variant", "", "override the enabled noise scheduler: ddpm|ddim")
	jsonOut := fs.Bool("json", false, "emit training summary as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *demosPath == "" {
		return errors.New("train requires --demos")
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return err
	}
	if *epochs > 0 {
		cfg.Train.Epochs = *epochs
	}
	switch strings.ToLower(*variant) {
	case "":
	case string(config.VariantDDPM):
		cfg.Algo.DDPM.Enabled, cfg.Algo.DDIM.Enabled = true, false
	case string(config.VariantDDIM):
		cfg.Algo.DDPM.Enabled, cfg.Algo.DDIM.Enabled = false, true
	default:
		return fmt.Errorf("unsupported variant: %s", *variant)
	}
	episodes, err := dataset.LoadEpisodes(*demosPath)
	if err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Train(ctx, dpapi.TrainRequest{
		Config:        cfg,
		Demos:         episodes,
		RunID:         *runID,
		ValidFraction: *validFrac,
	})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Printf("run_id=%s steps=%s params=%s final_loss=%.6f checkpoints=%d artifacts=%s\n",
		summary.RunID,
		humanize.Comma(int64(summary.Steps)),
		humanize.Comma(int64(summary.ParameterCount)),
		summary.FinalLoss,
		len(summary.CheckpointIDs),
		filepath.Clean(summary.ArtifactsDir),
	)
	for i, e := range summary.EpochLosses {
		valid := "n/a"
		if i < len(summary.ValidLosses) {
			valid = fmt.Sprintf("%.6f", summary.ValidLosses[i])
		}
		fmt.Printf("epoch=%d mean_loss=%.6f std=%.6f valid_loss=%s\n", e.Epoch, e.Mean, e.Std, valid)
	}
	return nil
}

func runRollout(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rollout", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id (latest checkpoint of the run)")
	latest := fs.Bool("latest", false, "evaluate the most recent run from run index")
	checkpointID := fs.String("checkpoint", "", "checkpoint id")
	episodes := fs.Int("episodes", 10, "number of evaluation episodes")
	workers := fs.Int("workers", 4, "concurrent rollout workers")
	mode := fs.String("mode", "test", "reach task mode: train|validation|test")
	live := fs.Bool("live", false, "sample with live weights instead of the EMA shadow")
	jsonOut := fs.Bool("json", false, "emit rollout report as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	selected := 0
	for _, set := range []bool{*runID != "", *latest, *checkpointID != ""} {
		if set {
			selected++
		}
	}
	if selected != 1 {
		return errors.New("rollout requires exactly one of --run-id, --latest, --checkpoint")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Rollout(ctx, dpapi.RolloutRequest{
		RunID:        *runID,
		Latest:       *latest,
		CheckpointID: *checkpointID,
		Episodes:     *episodes,
		Workers:      *workers,
		Mode:         *mode,
		LiveParams:   *live,
	})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	for _, ep := range summary.Report.Episodes {
		fmt.Printf("episode=%d steps=%d return=%.4f success=%t sampler_calls=%d\n",
			ep.Episode, ep.Steps, ep.Return, ep.Success, ep.SamplerCalls)
	}
	fmt.Printf("run_id=%s checkpoint=%s episodes=%d success_rate=%.3f mean_return=%.4f sampler_calls=%d elapsed=%s\n",
		summary.RunID,
		summary.CheckpointID,
		len(summary.Report.Episodes),
		summary.Report.SuccessRate,
		summary.Report.MeanReturn,
		summary.Report.SamplerCalls,
		summary.Report.Elapsed,
	)
	return nil
}

func runCheckpoints(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id (all runs when empty)")
	jsonOut := fs.Bool("json", false, "emit checkpoints as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	infos, err := client.Checkpoints(ctx, *runID)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no checkpoints found")
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	for _, info := range infos {
		fmt.Printf("id=%s run_id=%s epoch=%d step=%d variant=%s size=%s created=%s\n",
			info.ID,
			info.RunID,
			info.Epoch,
			info.Step,
			info.Variant,
			humanize.Bytes(uint64(info.SizeBytes)),
			humanize.Time(info.CreatedAt),
		)
	}
	return nil
}

func runInspect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	checkpointID := fs.String("checkpoint", "", "checkpoint id")
	jsonOut := fs.Bool("json", false, "emit inspection as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *checkpointID == "" {
		return errors.New("inspect requires --checkpoint")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	in, err := client.Inspect(ctx, *checkpointID)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(in)
	}

	fmt.Printf("id=%s run_id=%s variant=%s epoch=%d step=%d size=%s\n",
		in.Info.ID, in.Info.RunID, in.Info.Variant, in.Info.Epoch, in.Info.Step, humanize.Bytes(uint64(in.Info.SizeBytes)))
	fmt.Printf("tensors=%d scalars=%s ema=%t ema_steps=%d optimizers=%s\n",
		in.Tensors, humanize.Comma(int64(in.ParameterCount)), in.EMA, in.EMASteps, strings.Join(in.Optimizers, ","))
	if in.Normalization != nil {
		fmt.Printf("action_min=%v action_max=%v\n", in.Normalization.Min, in.Normalization.Max)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := dpapi.New(dpapi.Options{StoreKind: "memory", RunsDir: runsDir, ExportsDir: exportsDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	entries, err := client.Runs(ctx, dpapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	for _, e := range entries {
		success := "n/a"
		if e.SuccessRate != nil {
			success = fmt.Sprintf("%.3f", *e.SuccessRate)
		}
		fmt.Printf("run_id=%s created_at=%s variant=%s epochs=%d steps=%s final_loss=%.6f success_rate=%s\n",
			e.RunID,
			e.CreatedAtUTC,
			e.Variant,
			e.Epochs,
			humanize.Comma(int64(e.Steps)),
			e.FinalLoss,
			success,
		)
	}
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show history for the most recent run from run index")
	limit := fs.Int("limit", 50, "max records to print from the end (<=0 for all)")
	smooth := fs.Float64("smooth", 0.1, "smoothing factor for the loss moving average")
	jsonOut := fs.Bool("json", false, "emit history as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("history requires --run-id or --latest")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	history, err := client.History(ctx, dpapi.HistoryRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	}

	smoothed := dpapi.Smoothed(history, *smooth)
	for i, rec := range history {
		fmt.Printf("epoch=%d step=%d loss=%.6f smoothed=%.6f grad_norm=%.6f lr=%.3g\n",
			rec.Epoch, rec.Step, rec.Loss, smoothed[i], rec.GradNorm, rec.LR)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := dpapi.New(dpapi.Options{StoreKind: "memory", RunsDir: runsDir, ExportsDir: exportsDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Export(ctx, dpapi.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", summary.RunID, filepath.Clean(summary.Directory))
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: dpctl <config|demos|train|rollout|checkpoints|inspect|runs|history|export> [flags]", msg)
}
