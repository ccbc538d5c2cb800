package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/nn"
)

const (
	runIndexFile    = "run_index.json"
	configFile      = "config.yaml"
	lossHistoryFile = "loss_history.csv"
	summaryFile     = "summary.json"
	rolloutFile     = "rollout.json"
)

var lossHistoryHeader = []string{"step", "epoch", "loss", "grad_norm", "lr"}

// RolloutSummary is the evaluation outcome recorded with a run.
type RolloutSummary struct {
	Episodes     int     `json:"episodes"`
	SuccessRate  float64 `json:"success_rate"`
	MeanReturn   float64 `json:"mean_return"`
	SamplerCalls int     `json:"sampler_calls"`
}

type EpochLoss struct {
	Epoch int     `json:"epoch"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Steps int     `json:"steps"`
}

type RunSummary struct {
	RunID          string          `json:"run_id"`
	Variant        string          `json:"variant"`
	Seed           int64           `json:"seed"`
	Epochs         int             `json:"epochs"`
	Steps          int             `json:"steps"`
	ParameterCount int             `json:"parameter_count"`
	FinalLoss      float64         `json:"final_loss"`
	BestEpochLoss  float64         `json:"best_epoch_loss"`
	EpochLosses    []EpochLoss     `json:"epoch_losses"`
	ValidLosses    []float64       `json:"valid_losses,omitempty"`
	CheckpointID   string          `json:"checkpoint_id,omitempty"`
	Rollout        *RolloutSummary `json:"rollout,omitempty"`
	CreatedAtUTC   string          `json:"created_at_utc"`
}

type RunArtifacts struct {
	RunID   string
	Config  *config.Config
	History []model.TrainingRecord
	Summary RunSummary
}

type RunIndexEntry struct {
	RunID        string   `json:"run_id"`
	Variant      string   `json:"variant"`
	Epochs       int      `json:"epochs"`
	Steps        int      `json:"steps"`
	FinalLoss    float64  `json:"final_loss"`
	SuccessRate  *float64 `json:"success_rate,omitempty"`
	CheckpointID string   `json:"checkpoint_id,omitempty"`
	CreatedAtUTC string   `json:"created_at_utc"`
}

// IndexEntry condenses a summary for the run index.
func (s RunSummary) IndexEntry() RunIndexEntry {
	entry := RunIndexEntry{
		RunID:        s.RunID,
		Variant:      s.Variant,
		Epochs:       s.Epochs,
		Steps:        s.Steps,
		FinalLoss:    s.FinalLoss,
		CheckpointID: s.CheckpointID,
		CreatedAtUTC: s.CreatedAtUTC,
	}
	if s.Rollout != nil {
		rate := s.Rollout.SuccessRate
		entry.SuccessRate = &rate
	}
	return entry
}

// SummarizeEpochs groups the history by epoch, in epoch order.
func SummarizeEpochs(history []model.TrainingRecord) []EpochLoss {
	byEpoch := map[int][]float64{}
	for _, rec := range history {
		byEpoch[rec.Epoch] = append(byEpoch[rec.Epoch], rec.Loss)
	}
	out := make([]EpochLoss, 0, len(byEpoch))
	for epoch, losses := range byEpoch {
		mean, _ := nn.Avg(losses)
		std, _ := nn.Std(losses)
		out = append(out, EpochLoss{Epoch: epoch, Mean: mean, Std: std, Steps: len(losses)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out
}

// FillFromHistory derives step count, final loss and per-epoch statistics.
func (s *RunSummary) FillFromHistory(history []model.TrainingRecord) {
	s.Steps = len(history)
	s.EpochLosses = SummarizeEpochs(history)
	if len(history) > 0 {
		s.FinalLoss = history[len(history)-1].Loss
	}
	for i, e := range s.EpochLosses {
		if i == 0 || e.Mean < s.BestEpochLoss {
			s.BestEpochLoss = e.Mean
		}
	}
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}
	if artifacts.Config == nil {
		return "", fmt.Errorf("run config is required")
	}

	runDir := filepath.Join(baseDir, artifacts.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := artifacts.Config.Save(filepath.Join(runDir, configFile)); err != nil {
		return "", err
	}
	if err := writeLossHistory(filepath.Join(runDir, lossHistoryFile), artifacts.History); err != nil {
		return "", err
	}
	summary := artifacts.Summary
	summary.RunID = artifacts.RunID
	if err := writeJSON(filepath.Join(runDir, summaryFile), summary); err != nil {
		return "", err
	}
	return runDir, nil
}

// WriteRolloutSummary records an evaluation for an existing run and updates
// its summary.
func WriteRolloutSummary(baseDir, runID string, rollout RolloutSummary) error {
	summary, ok, err := ReadRunSummary(baseDir, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run summary not found for run id: %s", runID)
	}
	runDir := filepath.Join(baseDir, runID)
	if err := writeJSON(filepath.Join(runDir, rolloutFile), rollout); err != nil {
		return err
	}
	summary.Rollout = &rollout
	return writeJSON(filepath.Join(runDir, summaryFile), summary)
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Later appends win ties.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, lossHistoryFile, summaryFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	rolloutPath := filepath.Join(src, rolloutFile)
	if _, err := os.Stat(rolloutPath); err == nil {
		if err := copyFile(rolloutPath, filepath.Join(dst, rolloutFile)); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (*config.Config, bool, error) {
	path := filepath.Join(baseDir, runID, configFile)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	path := filepath.Join(baseDir, runID, summaryFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunSummary{}, false, nil
		}
		return RunSummary{}, false, err
	}

	var summary RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return RunSummary{}, false, err
	}
	return summary, true, nil
}

func writeLossHistory(path string, history []model.TrainingRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(lossHistoryHeader); err != nil {
		return err
	}
	for _, rec := range history {
		if err := writer.Write([]string{
			strconv.Itoa(rec.Step),
			strconv.Itoa(rec.Epoch),
			strconv.FormatFloat(rec.Loss, 'f', -1, 64),
			strconv.FormatFloat(rec.GradNorm, 'f', -1, 64),
			strconv.FormatFloat(rec.LR, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadLossHistory(baseDir, runID string) ([]model.TrainingRecord, bool, error) {
	path := filepath.Join(baseDir, runID, lossHistoryFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.TrainingRecord{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < len(lossHistoryHeader) {
		return nil, false, fmt.Errorf("loss history header must have %d columns", len(lossHistoryHeader))
	}

	history := make([]model.TrainingRecord, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		rec, err := parseLossRow(record)
		if err != nil {
			return nil, false, err
		}
		rec.RunID = runID
		history = append(history, rec)
	}
	return history, true, nil
}

func parseLossRow(record []string) (model.TrainingRecord, error) {
	if len(record) < len(lossHistoryHeader) {
		return model.TrainingRecord{}, fmt.Errorf("loss history row must have %d columns", len(lossHistoryHeader))
	}
	var (
		rec model.TrainingRecord
		err error
	)
	if rec.Step, err = strconv.Atoi(record[0]); err != nil {
		return model.TrainingRecord{}, err
	}
	if rec.Epoch, err = strconv.Atoi(record[1]); err != nil {
		return model.TrainingRecord{}, err
	}
	floats := []*float64{&rec.Loss, &rec.GradNorm, &rec.LR}
	for i, dst := range floats {
		if *dst, err = strconv.ParseFloat(record[2+i], 64); err != nil {
			return model.TrainingRecord{}, err
		}
	}
	return rec, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
