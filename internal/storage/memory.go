package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"diffusionpolicy/internal/model"
)

type memoryCheckpoint struct {
	info    CheckpointInfo
	payload []byte
}

// MemoryStore keeps encoded checkpoints so callers never share state with it.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[string]memoryCheckpoint
	history     map[string][]model.TrainingRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.checkpoints = make(map[string]memoryCheckpoint)
	s.history = make(map[string][]model.TrainingRecord)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, ckpt model.Checkpoint) error {
	payload, err := EncodeCheckpoint(ckpt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	s.checkpoints[ckpt.ID] = memoryCheckpoint{info: infoOf(ckpt, len(payload)), payload: payload}
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, id string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.checkpoints[id]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	ckpt, err := DecodeCheckpoint(stored.payload)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return ckpt, true, nil
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error) {
	infos, err := s.ListCheckpoints(ctx, runID)
	if err != nil || len(infos) == 0 {
		return model.Checkpoint{}, false, err
	}
	return s.GetCheckpoint(ctx, infos[len(infos)-1].ID)
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, runID string) ([]CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CheckpointInfo, 0, len(s.checkpoints))
	for _, stored := range s.checkpoints {
		if runID != "" && stored.info.RunID != runID {
			continue
		}
		out = append(out, stored.info)
	}
	sortInfos(out)
	return out, nil
}

func (s *MemoryStore) SaveTrainingHistory(_ context.Context, runID string, history []model.TrainingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	copied := make([]model.TrainingRecord, len(history))
	copy(copied, history)
	s.history[runID] = copied
	return nil
}

func (s *MemoryStore) GetTrainingHistory(_ context.Context, runID string) ([]model.TrainingRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.TrainingRecord, len(history))
	copy(copied, history)
	return copied, true, nil
}

var errNotInitialized = errors.New("store is not initialized")

func sortInfos(infos []CheckpointInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Step != infos[j].Step {
			return infos[i].Step < infos[j].Step
		}
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
}
