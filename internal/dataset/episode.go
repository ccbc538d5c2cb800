// Package dataset holds demonstration episodes, the toy reach task that
// produces them, and the loader that turns them into training batches.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"diffusionpolicy/internal/errs"
)

// Episode is one demonstration: per-modality observation frames aligned with
// raw actions.
type Episode struct {
	Obs     map[string][][]float64 `json:"obs"`
	Actions [][]float64            `json:"actions"`
	Success bool                   `json:"success"`
}

func (e Episode) Len() int { return len(e.Actions) }

// Validate checks that every modality has one frame per action and that
// frame and action widths are constant.
func (e Episode) Validate() error {
	const op = "dataset.episode"
	if len(e.Actions) == 0 {
		return errs.Precondition(op, "episode has no actions")
	}
	if len(e.Obs) == 0 {
		return errs.Precondition(op, "episode has no observations")
	}
	if err := constantWidth("actions", e.Actions); err != nil {
		return err
	}
	for name, frames := range e.Obs {
		if len(frames) != len(e.Actions) {
			return errs.Precondition(op, "observation %q has %d frames for %d actions", name, len(frames), len(e.Actions))
		}
		if err := constantWidth(name, frames); err != nil {
			return err
		}
	}
	return nil
}

func constantWidth(name string, rows [][]float64) error {
	for i, row := range rows {
		if len(row) == 0 || len(row) != len(rows[0]) {
			return errs.Precondition("dataset.episode", "%s row %d has width %d, want %d", name, i, len(row), len(rows[0]))
		}
	}
	return nil
}

// Modalities returns the observation keys in sorted order.
func (e Episode) Modalities() []string {
	names := make([]string, 0, len(e.Obs))
	for name := range e.Obs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActionSets returns every episode's action sequence.
func ActionSets(episodes []Episode) [][][]float64 {
	out := make([][][]float64, len(episodes))
	for i, ep := range episodes {
		out[i] = ep.Actions
	}
	return out
}

// SaveEpisodes writes episodes as indented JSON, creating parent
// directories.
func SaveEpisodes(path string, episodes []Episode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(episodes, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadEpisodes reads and validates a file written by SaveEpisodes.
func LoadEpisodes(path string) ([]Episode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var episodes []Episode
	if err := json.Unmarshal(data, &episodes); err != nil {
		return nil, fmt.Errorf("decode episodes %s: %w", path, err)
	}
	for i, ep := range episodes {
		if err := ep.Validate(); err != nil {
			return nil, fmt.Errorf("episode %d: %w", i, err)
		}
	}
	return episodes, nil
}
