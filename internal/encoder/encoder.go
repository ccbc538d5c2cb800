// Package encoder maps per-timestep observations to feature vectors and
// flattens an observation window into the policy's conditioning vector.
package encoder

import (
	"math/rand"
	"sort"

	"diffusionpolicy/internal/config"
	"diffusionpolicy/internal/errs"
	"diffusionpolicy/internal/model"
	"diffusionpolicy/internal/nn"

	"gonum.org/v1/gonum/mat"
)

// ObservationEncoder applies one MLP trunk to the concatenation of every
// flattened modality at a single timestep.
type ObservationEncoder struct {
	Net nn.Module

	modalities []string
	shapes     map[string][]int
	inputDim   int
	featureDim int

	// set by EncodeWindow, consumed by BackwardWindow
	batch, steps int
}

// New builds the trunk Linear → Norm → Act per hidden layer followed by a
// Linear projection to FeatureDim. BatchNorm layers are swapped for GroupNorm
// when ReplaceBatchNorm is set.
func New(cfg config.EncoderConfig, shapes map[string][]int, rng *rand.Rand) (*ObservationEncoder, error) {
	const op = "encoder.new"
	if len(shapes) == 0 {
		return nil, errs.Configuration(op, "no observation modalities")
	}
	if cfg.FeatureDim < 1 {
		return nil, errs.Configuration(op, "feature_dim must be >= 1")
	}
	e := &ObservationEncoder{shapes: make(map[string][]int, len(shapes)), featureDim: cfg.FeatureDim}
	for name, shape := range shapes {
		e.modalities = append(e.modalities, name)
		e.shapes[name] = append([]int(nil), shape...)
		e.inputDim += product(shape)
	}
	sort.Strings(e.modalities)

	activation := cfg.Activation
	if activation == "" {
		activation = "relu"
	}
	var layers []nn.Module
	in := e.inputDim
	for _, hidden := range cfg.HiddenDims {
		layers = append(layers, nn.NewLinear(in, hidden, rng))
		switch cfg.Norm {
		case config.NormBatch:
			layers = append(layers, nn.NewBatchNorm(hidden))
		case config.NormGroup:
			groups := hidden / cfg.FeaturesPerGroup
			if groups < 1 {
				groups = 1
			}
			gn, err := nn.NewGroupNorm(groups, hidden)
			if err != nil {
				return nil, errs.Configuration(op, "group norm").Wrap(err)
			}
			layers = append(layers, gn)
		}
		act, err := nn.NewActivation(activation)
		if err != nil {
			return nil, errs.Configuration(op, "activation").Wrap(err)
		}
		layers = append(layers, act)
		in = hidden
	}
	layers = append(layers, nn.NewLinear(in, cfg.FeatureDim, rng))

	var net nn.Module = nn.NewSequential(layers...)
	if cfg.ReplaceBatchNorm {
		replaced, err := nn.ReplaceBatchNormWithGroupNorm(net, cfg.FeaturesPerGroup)
		if err != nil {
			return nil, errs.Configuration(op, "replace batch norm").Wrap(err)
		}
		net = replaced
	}
	e.Net = net
	return e, nil
}

// Modalities returns modality names in concatenation order.
func (e *ObservationEncoder) Modalities() []string {
	return append([]string(nil), e.modalities...)
}

// InputDim is the width of one concatenated timestep.
func (e *ObservationEncoder) InputDim() int { return e.inputDim }

// FeatureDim is the width of one encoded timestep.
func (e *ObservationEncoder) FeatureDim() int { return e.featureDim }

// ValidateRanks checks that every configured modality is present as a
// [batch, time, shape...] tensor and that all share batch and time sizes.
func (e *ObservationEncoder) ValidateRanks(obs model.Observation) (batch, steps int, err error) {
	const op = "encoder.validate"
	batch, steps = -1, -1
	for _, name := range e.modalities {
		t, ok := obs[name]
		if !ok {
			return 0, 0, errs.Precondition(op, "missing observation %q", name)
		}
		shape := e.shapes[name]
		if t.Rank()-2 != len(shape) {
			return 0, 0, errs.Precondition(op, "observation %q rank %d, want %d", name, t.Rank(), len(shape)+2).
				With("shape", t.Shape)
		}
		for i, d := range shape {
			if t.Shape[2+i] != d {
				return 0, 0, errs.Precondition(op, "observation %q trailing dims %v, want %v", name, t.Shape[2:], shape)
			}
		}
		if batch == -1 {
			batch, steps = t.Shape[0], t.Shape[1]
		} else if t.Shape[0] != batch || t.Shape[1] != steps {
			return 0, 0, errs.Precondition(op, "observation %q leading dims %v disagree with [%d %d]", name, t.Shape[:2], batch, steps)
		}
	}
	return batch, steps, nil
}

// EncodeWindow runs the trunk over every (batch, time) frame and flattens
// the result to [batch, time·feature_dim], time-major within each row.
func (e *ObservationEncoder) EncodeWindow(obs model.Observation) (*mat.Dense, error) {
	batch, steps, err := e.ValidateRanks(obs)
	if err != nil {
		return nil, err
	}
	in := mat.NewDense(batch*steps, e.inputDim, nil)
	for b := 0; b < batch; b++ {
		for t := 0; t < steps; t++ {
			row := in.RawRowView(b*steps + t)
			offset := 0
			for _, name := range e.modalities {
				offset += copy(row[offset:], obs[name].Frame(b, t))
			}
		}
	}
	features := e.Net.Forward(in)
	rows, cols := features.Dims()
	if rows != batch*steps || cols != e.featureDim {
		return nil, errs.Precondition("encoder.encode", "encoder produced %dx%d, want %dx%d", rows, cols, batch*steps, e.featureDim)
	}
	e.batch, e.steps = batch, steps
	return flatten(features, batch, steps), nil
}

// BackwardWindow propagates the conditioning gradient into the trunk.
func (e *ObservationEncoder) BackwardWindow(dCond *mat.Dense) error {
	rows, cols := dCond.Dims()
	if rows != e.batch || cols != e.steps*e.featureDim {
		return errs.State("encoder.backward", "gradient %dx%d does not match last window %dx%d", rows, cols, e.batch, e.steps*e.featureDim)
	}
	e.Net.Backward(unflatten(dCond, e.batch, e.steps, e.featureDim))
	return nil
}

func (e *ObservationEncoder) SetTraining(training bool) { e.Net.SetTraining(training) }

func (e *ObservationEncoder) Training() bool { return e.Net.Training() }

// Clone deep-copies the trunk; the copy shares no parameters.
func (e *ObservationEncoder) Clone() *ObservationEncoder {
	out := *e
	out.Net = e.Net.Clone()
	out.modalities = append([]string(nil), e.modalities...)
	out.batch, out.steps = 0, 0
	return &out
}

// [batch·steps, D] -> [batch, steps·D]
func flatten(m *mat.Dense, batch, steps int) *mat.Dense {
	_, d := m.Dims()
	out := mat.NewDense(batch, steps*d, nil)
	for b := 0; b < batch; b++ {
		row := out.RawRowView(b)
		for t := 0; t < steps; t++ {
			copy(row[t*d:(t+1)*d], m.RawRowView(b*steps+t))
		}
	}
	return out
}

func unflatten(m *mat.Dense, batch, steps, d int) *mat.Dense {
	out := mat.NewDense(batch*steps, d, nil)
	for b := 0; b < batch; b++ {
		row := m.RawRowView(b)
		for t := 0; t < steps; t++ {
			copy(out.RawRowView(b*steps+t), row[t*d:(t+1)*d])
		}
	}
	return out
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
