package window

import (
	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/nn"
)

// Sample is one training window: To observation frames per modality and Tp
// action vectors.
type Sample struct {
	Obs     map[string][][]float64
	Actions [][]float64
}

// EpisodeWindows cuts one window per timestep. Both sequences start To-1
// steps before the anchor; indices before the episode repeat the first frame
// and indices past the end repeat the last one.
func EpisodeWindows(obs map[string][][]float64, actions [][]float64, h Horizon) ([]Sample, error) {
	const op = "window.episode"
	length := len(actions)
	if length == 0 {
		return nil, errs.Precondition(op, "episode has no actions")
	}
	for name, frames := range obs {
		if len(frames) != length {
			return nil, errs.Precondition(op, "observation %q has %d frames for %d actions", name, len(frames), length)
		}
	}
	clamp := func(i int) int {
		if i < 0 {
			return 0
		}
		if i >= length {
			return length - 1
		}
		return i
	}
	out := make([]Sample, 0, length)
	for t := 0; t < length; t++ {
		start := t - h.ExtractStart()
		s := Sample{Obs: make(map[string][][]float64, len(obs)), Actions: make([][]float64, h.Prediction)}
		for name, frames := range obs {
			window := make([][]float64, h.Obs)
			for k := range window {
				window[k] = frames[clamp(start+k)]
			}
			s.Obs[name] = window
		}
		for k := range s.Actions {
			s.Actions[k] = actions[clamp(start+k)]
		}
		out = append(out, s)
	}
	return out, nil
}

// ActionNormalizer maps each action dimension from its fitted [min, max] to
// [-1, 1].
type ActionNormalizer struct {
	Min []float64
	Max []float64
}

// FitActionNormalizer scans every action of every episode.
func FitActionNormalizer(episodes ...[][]float64) (*ActionNormalizer, error) {
	var n *ActionNormalizer
	for _, ep := range episodes {
		for _, a := range ep {
			if n == nil {
				n = &ActionNormalizer{Min: append([]float64(nil), a...), Max: append([]float64(nil), a...)}
				continue
			}
			if len(a) != len(n.Min) {
				return nil, errs.Precondition("window.fit_normalizer", "action dim %d, want %d", len(a), len(n.Min))
			}
			for j, v := range a {
				if v < n.Min[j] {
					n.Min[j] = v
				}
				if v > n.Max[j] {
					n.Max[j] = v
				}
			}
		}
	}
	if n == nil {
		return nil, errs.Precondition("window.fit_normalizer", "no actions to fit")
	}
	return n, nil
}

// NormalizerFromStats rebuilds a normalizer from checkpoint metadata.
func NormalizerFromStats(s *model.NormalizationStats) *ActionNormalizer {
	if s == nil {
		return nil
	}
	return &ActionNormalizer{Min: append([]float64(nil), s.Min...), Max: append([]float64(nil), s.Max...)}
}

func (n *ActionNormalizer) Stats() *model.NormalizationStats {
	return &model.NormalizationStats{Min: append([]float64(nil), n.Min...), Max: append([]float64(nil), n.Max...)}
}

func (n *ActionNormalizer) Dim() int { return len(n.Min) }

// Normalize maps a raw action into [-1, 1]. Constant dimensions map to 0.
func (n *ActionNormalizer) Normalize(a []float64) []float64 {
	out := make([]float64, len(a))
	for j, v := range a {
		out[j] = nn.ScaleValue(v, n.Max[j], n.Min[j])
	}
	return out
}

// Denormalize clamps to [-1, 1] and maps back to the raw range.
func (n *ActionNormalizer) Denormalize(a []float64) []float64 {
	out := make([]float64, len(a))
	for j, v := range a {
		out[j] = nn.UnscaleValue(nn.Sat(v, 1, -1), n.Max[j], n.Min[j])
	}
	return out
}

// NormalizeAll normalizes every action of an episode.
func (n *ActionNormalizer) NormalizeAll(actions [][]float64) [][]float64 {
	out := make([][]float64, len(actions))
	for i, a := range actions {
		out[i] = n.Normalize(a)
	}
	return out
}
