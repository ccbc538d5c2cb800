package storage

import (
	"context"
	"time"

	"diffusionpolicy/internal/model"
)

// Store persists policy checkpoints and per-run training history.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, ckpt model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (model.Checkpoint, bool, error)
	// LatestCheckpoint returns the run's checkpoint with the highest step.
	LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error)
	// ListCheckpoints returns summaries ordered by step. An empty runID lists
	// every run.
	ListCheckpoints(ctx context.Context, runID string) ([]CheckpointInfo, error)
	SaveTrainingHistory(ctx context.Context, runID string, history []model.TrainingRecord) error
	GetTrainingHistory(ctx context.Context, runID string) ([]model.TrainingRecord, bool, error)
}

// CheckpointInfo summarizes a stored checkpoint without decoding its state.
type CheckpointInfo struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Epoch     int       `json:"epoch"`
	Step      int       `json:"step"`
	Variant   string    `json:"variant"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

func infoOf(ckpt model.Checkpoint, size int) CheckpointInfo {
	return CheckpointInfo{
		ID:        ckpt.ID,
		RunID:     ckpt.Meta.RunID,
		Epoch:     ckpt.Meta.Epoch,
		Step:      ckpt.Meta.Step,
		Variant:   ckpt.Meta.Variant,
		SizeBytes: size,
		CreatedAt: ckpt.Meta.CreatedAt,
	}
}
