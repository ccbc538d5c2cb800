package stats

import (
	"os"
	"path/filepath"
	"testing"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHistory() []model.TrainingRecord {
	return []model.TrainingRecord{
		{Epoch: 0, Step: 1, Loss: 1.0, GradNorm: 3, LR: 1e-4},
		{Epoch: 0, Step: 2, Loss: 0.5, GradNorm: 2, LR: 1e-4},
		{Epoch: 1, Step: 3, Loss: 0.25, GradNorm: 1, LR: 5e-5},
		{Epoch: 1, Step: 4, Loss: 0.75, GradNorm: 1.5, LR: 2.5e-5},
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	summary := RunSummary{Variant: "ddpm", Epochs: 2}
	summary.FillFromHistory(testHistory())
	runDir, err := WriteRunArtifacts(baseDir, RunArtifacts{
		RunID:   "run-123",
		Config:  config.Default(),
		History: testHistory(),
		Summary: summary,
	})
	require.NoError(t, err)
	for _, file := range []string{configFile, lossHistoryFile, summaryFile} {
		assert.FileExists(t, filepath.Join(runDir, file))
	}

	exported, err := ExportRunArtifacts(baseDir, "run-123", outDir)
	require.NoError(t, err)
	for _, file := range []string{configFile, lossHistoryFile, summaryFile} {
		assert.FileExists(t, filepath.Join(exported, file))
	}
	assert.NoFileExists(t, filepath.Join(exported, rolloutFile))

	cfg, ok, err := ReadRunConfig(baseDir, "run-123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, config.Default().Algo.Horizon, cfg.Algo.Horizon)

	got, ok, err := ReadRunSummary(baseDir, "run-123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-123", got.RunID)
	assert.Equal(t, 4, got.Steps)
}

func TestWriteRunArtifactsRequiresIdentity(t *testing.T) {
	_, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{Config: config.Default()})
	require.Error(t, err)
	_, err = WriteRunArtifacts(t.TempDir(), RunArtifacts{RunID: "x"})
	require.Error(t, err)
	_, err = ExportRunArtifacts(t.TempDir(), "missing", t.TempDir())
	require.Error(t, err)
}

func TestLossHistoryRoundTrip(t *testing.T) {
	baseDir := t.TempDir()
	_, err := WriteRunArtifacts(baseDir, RunArtifacts{RunID: "run-1", Config: config.Default(), History: testHistory()})
	require.NoError(t, err)

	history, ok, err := ReadLossHistory(baseDir, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	want := testHistory()
	for i := range want {
		want[i].RunID = "run-1"
	}
	assert.Equal(t, want, history)

	_, ok, err = ReadLossHistory(baseDir, "run-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadLossHistoryRejectsMalformedRows(t *testing.T) {
	baseDir := t.TempDir()
	runDir := filepath.Join(baseDir, "bad")
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, lossHistoryFile), []byte("step,epoch,loss,grad_norm,lr\n1,0,abc,1,1\n"), 0o644))

	_, _, err := ReadLossHistory(baseDir, "bad")
	require.Error(t, err)
}

func TestSummarizeEpochs(t *testing.T) {
	epochs := SummarizeEpochs(testHistory())
	require.Len(t, epochs, 2)
	assert.Equal(t, 0, epochs[0].Epoch)
	assert.InDelta(t, 0.75, epochs[0].Mean, 1e-12)
	assert.InDelta(t, 0.25, epochs[0].Std, 1e-12)
	assert.Equal(t, 2, epochs[1].Steps)

	var s RunSummary
	s.FillFromHistory(testHistory())
	assert.Equal(t, 0.75, s.FinalLoss)
	assert.InDelta(t, 0.5, s.BestEpochLoss, 1e-12)
}

func TestRunIndexOrderingAndUpsert(t *testing.T) {
	baseDir := t.TempDir()
	entries, err := ListRunIndex(baseDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, AppendRunIndex(baseDir, RunIndexEntry{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z"}))
	require.NoError(t, AppendRunIndex(baseDir, RunIndexEntry{RunID: "b", CreatedAtUTC: "2026-01-02T00:00:00Z"}))
	require.NoError(t, AppendRunIndex(baseDir, RunIndexEntry{RunID: "a", CreatedAtUTC: "2026-01-03T00:00:00Z", FinalLoss: 0.1}))

	entries, err = ListRunIndex(baseDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].RunID)
	assert.Equal(t, 0.1, entries[0].FinalLoss)
	assert.Equal(t, "b", entries[1].RunID)

	require.Error(t, AppendRunIndex(baseDir, RunIndexEntry{}))
}

func TestWriteRolloutSummaryUpdatesRun(t *testing.T) {
	baseDir := t.TempDir()
	_, err := WriteRunArtifacts(baseDir, RunArtifacts{RunID: "run-1", Config: config.Default(), Summary: RunSummary{Variant: "ddim"}})
	require.NoError(t, err)

	require.NoError(t, WriteRolloutSummary(baseDir, "run-1", RolloutSummary{Episodes: 4, SuccessRate: 0.75}))
	summary, ok, err := ReadRunSummary(baseDir, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, summary.Rollout)
	assert.Equal(t, 0.75, summary.Rollout.SuccessRate)

	entry := summary.IndexEntry()
	require.NotNil(t, entry.SuccessRate)
	assert.Equal(t, 0.75, *entry.SuccessRate)

	exported, err := ExportRunArtifacts(baseDir, "run-1", t.TempDir())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(exported, rolloutFile))

	require.Error(t, WriteRolloutSummary(baseDir, "missing", RolloutSummary{}))
}
