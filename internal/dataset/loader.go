package dataset

import (
	"math/rand"
	"sort"

	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/window"
)

// Loader cuts every episode into training windows and serves shuffled
// mini-batches, reshuffling after each pass.
type Loader struct {
	samples    []window.Sample
	horizon    window.Horizon
	modalities []string
	shapes     map[string][]int
	actionDim  int
	batchSize  int
	rng        *rand.Rand
	order      []int
	cursor     int
}

// NewLoader windows episodes with h. Actions are mapped through norm when it
// is non-nil. shapes gives the trailing shape of each modality and must
// cover every modality present in the episodes.
func NewLoader(episodes []Episode, h window.Horizon, norm *window.ActionNormalizer, shapes map[string][]int, batchSize int, rng *rand.Rand) (*Loader, error) {
	const op = "dataset.loader"
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if batchSize < 1 {
		return nil, errs.Configuration(op, "batch size must be >= 1").With("batch_size", batchSize)
	}
	if len(episodes) == 0 {
		return nil, errs.Precondition(op, "no episodes")
	}

	l := &Loader{horizon: h, shapes: shapes, batchSize: batchSize, rng: rng}
	for i, ep := range episodes {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		if i == 0 {
			l.modalities = ep.Modalities()
			l.actionDim = len(ep.Actions[0])
			for _, name := range l.modalities {
				shape, ok := shapes[name]
				if !ok {
					return nil, errs.Configuration(op, "no shape configured for modality %q", name)
				}
				if product(shape) != len(ep.Obs[name][0]) {
					return nil, errs.Precondition(op, "modality %q frame width %d does not match shape %v", name, len(ep.Obs[name][0]), shape)
				}
			}
		}
		if len(ep.Actions[0]) != l.actionDim {
			return nil, errs.Precondition(op, "episode %d action dim %d, want %d", i, len(ep.Actions[0]), l.actionDim)
		}
		actions := ep.Actions
		if norm != nil {
			actions = norm.NormalizeAll(actions)
		}
		samples, err := window.EpisodeWindows(ep.Obs, actions, h)
		if err != nil {
			return nil, err
		}
		l.samples = append(l.samples, samples...)
	}
	l.order = l.rng.Perm(len(l.samples))
	return l, nil
}

// Len is the number of windows.
func (l *Loader) Len() int { return len(l.samples) }

func (l *Loader) ActionDim() int { return l.actionDim }

// BatchesPerPass is the number of Next calls that covers every window once.
func (l *Loader) BatchesPerPass() int {
	return (len(l.samples) + l.batchSize - 1) / l.batchSize
}

// Next returns the next mini-batch of at most batchSize windows.
func (l *Loader) Next() model.Batch {
	if l.cursor >= len(l.order) {
		l.order = l.rng.Perm(len(l.samples))
		l.cursor = 0
	}
	end := l.cursor + l.batchSize
	if end > len(l.order) {
		end = len(l.order)
	}
	idx := l.order[l.cursor:end]
	l.cursor = end
	return l.stack(idx)
}

func (l *Loader) stack(idx []int) model.Batch {
	b := model.Batch{Obs: make(model.Observation, len(l.modalities))}
	for _, name := range l.modalities {
		t := model.NewTensor(append([]int{len(idx), l.horizon.Obs}, l.shapes[name]...)...)
		size := t.FrameSize()
		for bi, si := range idx {
			for k, frame := range l.samples[si].Obs[name] {
				copy(t.Data[(bi*l.horizon.Obs+k)*size:], frame)
			}
		}
		b.Obs[name] = t
	}
	b.Actions = model.NewTensor(len(idx), l.horizon.Prediction, l.actionDim)
	for bi, si := range idx {
		for k, a := range l.samples[si].Actions {
			copy(b.Actions.Frame(bi, k), a)
		}
	}
	return b
}

// SplitEpisodes shuffles episodes and holds out a validation fraction,
// keeping at least one training episode.
func SplitEpisodes(episodes []Episode, validFrac float64, rng *rand.Rand) (train, valid []Episode) {
	order := rng.Perm(len(episodes))
	nValid := int(float64(len(episodes)) * validFrac)
	if nValid >= len(episodes) {
		nValid = len(episodes) - 1
	}
	if nValid < 0 {
		nValid = 0
	}
	held := append([]int(nil), order[:nValid]...)
	sort.Ints(held)
	for _, i := range held {
		valid = append(valid, episodes[i])
	}
	for _, i := range order[nValid:] {
		train = append(train, episodes[i])
	}
	return train, valid
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
